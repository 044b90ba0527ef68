package instrument

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/util"
)

// RemoteCamera 代表一个通过 HTTP 调用的远程相机服务
// 它实现了 Camera 接口，显微镜可以像对待本地相机一样对待它
type RemoteCamera struct {
	Endpoint string       // 远程服务的地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	logger   *slog.Logger
}

// NewRemoteCamera 创建一个新的远程相机实例
func NewRemoteCamera(endpoint string, logger *slog.Logger) *RemoteCamera {
	return &RemoteCamera{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "camera", "remote", true),
	}
}

// CameraRequest 是发送到相机服务的请求体
type CameraRequest struct {
	Exposure float64 `json:"exposure,omitempty"`
	FrameID  string  `json:"frame_id,omitempty"`
	Path     string  `json:"path,omitempty"`
}

// CameraResponse 是相机服务返回的响应体
type CameraResponse struct {
	Success bool   `json:"success"`
	Frame   Frame  `json:"frame"`
	Error   string `json:"error,omitempty"`
}

func (c *RemoteCamera) SetExposure(ctx context.Context, exposure float64) error {
	_, err := c.call(ctx, "/exposure", CameraRequest{Exposure: exposure})
	return err
}

func (c *RemoteCamera) Capture(ctx context.Context) (Frame, error) {
	resp, err := c.call(ctx, "/capture", CameraRequest{})
	if err != nil {
		return Frame{}, err
	}
	return resp.Frame, nil
}

func (c *RemoteCamera) Save(ctx context.Context, frame Frame, path string) error {
	_, err := c.call(ctx, "/save", CameraRequest{FrameID: frame.ID, Path: path})
	return err
}

// call 通过 HTTP POST 调用远程相机服务的端点
func (c *RemoteCamera) call(ctx context.Context, path string, req CameraRequest) (CameraResponse, error) {
	logger := c.logger
	traceID, hasTrace := util.TraceIDFromContext(ctx)
	if hasTrace {
		logger = logger.With("trace_id", traceID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return CameraResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		logger.Error("创建远程请求失败", "error", err, "path", path)
		return CameraResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if hasTrace {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		logger.Error("远程调用失败", "error", err, "path", path)
		return CameraResponse{}, fmt.Errorf("remote camera %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("远程服务返回错误状态", "status", resp.Status, "path", path)
		return CameraResponse{}, fmt.Errorf("remote camera %s: %s", path, resp.Status)
	}

	var out CameraResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		logger.Error("解析远程响应失败", "error", err, "path", path)
		return CameraResponse{}, fmt.Errorf("remote camera %s: decode response: %w", path, err)
	}
	if !out.Success {
		logger.Warn("远程相机操作失败", "remote_error", out.Error, "path", path)
		return out, fmt.Errorf("remote camera %s: %s", path, out.Error)
	}
	logger.Debug("远程相机操作成功", "path", path)
	return out, nil
}
