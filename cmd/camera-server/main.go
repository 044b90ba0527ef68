package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/instrument"
	"github.com/PySeqEcosystem/pyseq-core/internal/util"
	"github.com/spf13/cobra"
)

// cameraService 把一个相机以 HTTP 服务的形式提供给 RemoteCamera
type cameraService struct {
	camera   instrument.Camera
	failRate float64
	logger   *slog.Logger

	mu     sync.Mutex
	frames map[string]instrument.Frame // 已拍摄但尚未保存的帧
}

func (s *cameraService) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /exposure", s.handle(func(ctx context.Context, req instrument.CameraRequest) (instrument.Frame, error) {
		return instrument.Frame{}, s.camera.SetExposure(ctx, req.Exposure)
	}))
	mux.HandleFunc("POST /capture", s.handle(func(ctx context.Context, req instrument.CameraRequest) (instrument.Frame, error) {
		frame, err := s.camera.Capture(ctx)
		if err != nil {
			return frame, err
		}
		s.mu.Lock()
		s.frames[frame.ID] = frame
		s.mu.Unlock()
		return frame, nil
	}))
	mux.HandleFunc("POST /save", s.handle(func(ctx context.Context, req instrument.CameraRequest) (instrument.Frame, error) {
		if req.Path == "" {
			return instrument.Frame{}, errors.New("missing path")
		}
		s.mu.Lock()
		frame, ok := s.frames[req.FrameID]
		delete(s.frames, req.FrameID)
		s.mu.Unlock()
		if !ok {
			return instrument.Frame{}, errors.New("unknown frame " + req.FrameID)
		}
		return frame, s.camera.Save(ctx, frame, req.Path)
	}))
	return mux
}

// handle 解析请求、注入 Trace ID，并把结果编码为 CameraResponse
func (s *cameraService) handle(op func(ctx context.Context, req instrument.CameraRequest) (instrument.Frame, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req instrument.CameraRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.logger.Warn("解析请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		ctx := r.Context()
		logger := s.logger.With("path", r.URL.Path)
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			ctx = util.ContextWithTraceID(ctx, traceID)
			logger = logger.With("trace_id", traceID)
		}

		var resp instrument.CameraResponse
		if s.failRate > 0 && rand.Float64() < s.failRate {
			resp.Error = "camera readout error"
			logger.Warn("模拟相机故障")
		} else if frame, err := op(ctx, req); err != nil {
			resp.Error = err.Error()
			logger.Warn("相机操作失败", "error", err)
		} else {
			resp = instrument.CameraResponse{Success: true, Frame: frame}
			logger.Info("相机操作完成", "frame_id", frame.ID)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr     string
		delay    time.Duration
		failRate float64
	)
	cmd := &cobra.Command{
		Use:   "camera-server",
		Short: "Serve a simulated microscope camera over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "camera-server")
			slog.SetDefault(logger)

			hw := &config.Hardware{}
			svc := &cameraService{
				camera:   instrument.NewSimMicroscope(hw, delay, instrument.NewRecorder()).Camera,
				failRate: failRate,
				logger:   logger,
				frames:   make(map[string]instrument.Frame),
			}
			srv := &http.Server{Addr: addr, Handler: svc.routes()}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			logger.Info("=== 远程相机服务启动 ===", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "listen address")
	cmd.Flags().DurationVar(&delay, "delay", 20*time.Millisecond, "simulated time per camera action")
	cmd.Flags().Float64Var(&failRate, "fail-rate", 0, "probability that a request fails")
	return cmd
}

// main 是远程相机服务的入口
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
