package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorsRecordCalls(t *testing.T) {
	rec := NewRecorder()
	fc := NewSimFlowCell("A", 0, rec)
	ctx := context.Background()

	require.NoError(t, fc.Valve.Select(ctx, 3))
	require.NoError(t, fc.Pump.Pump(ctx, 100, 4000, nil))
	port, err := fc.Valve.CurrentPort(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, port)
	assert.Equal(t, []string{"A.select 3", "A.pump 100 4000"}, rec.Calls())

	boom := errors.New("air in line")
	rec.FailOn("A.pump", boom)
	assert.ErrorIs(t, fc.Pump.Pump(ctx, 100, 4000, nil), boom)
}

func TestSimulatorHonorsCancellation(t *testing.T) {
	hw := &config.Hardware{Lasers: map[string]config.Bounds{"green": {}}, Filters: map[string][]float64{"green": {1}}}
	m := NewSimMicroscope(hw, time.Hour, NewRecorder())
	require.Contains(t, m.Lasers, "green")
	require.Contains(t, m.Filters, "green")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.X.Move(ctx, 100), context.DeadlineExceeded)
}

func TestWaitForTemperature(t *testing.T) {
	tc := NewSimFlowCell("A", 0, NewRecorder()).Temperature
	ctx := context.Background()
	require.NoError(t, tc.SetTemperature(ctx, 55))
	require.NoError(t, WaitForTemperature(ctx, tc, 55, 0.5, 0, time.Millisecond))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := WaitForTemperature(short, tc, 90, 0.5, 0, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 设定值达不到时在 timeout 后失败，不依赖调用方取消
	err = WaitForTemperature(ctx, tc, 90, 0.5, 10*time.Millisecond, time.Millisecond)
	assert.ErrorIs(t, err, ErrTemperatureTimeout)
	assert.ErrorContains(t, err, "at 55 C")
}

func TestRemoteCameraForwardsTraceID(t *testing.T) {
	var traces []string
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traces = append(traces, r.Header.Get("X-Trace-ID"))
		paths = append(paths, r.URL.Path)
		var req CameraRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := CameraResponse{Success: true}
		switch r.URL.Path {
		case "/capture":
			resp.Frame = Frame{ID: "frame-1", Exposure: 0.5}
		case "/save":
			if req.Path == "" {
				resp = CameraResponse{Success: false, Error: "missing path"}
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cam := NewRemoteCamera(srv.URL, util.Discard())
	ctx := util.ContextWithTraceID(context.Background(), "trace-123")

	require.NoError(t, cam.SetExposure(ctx, 0.5))
	frame, err := cam.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, "frame-1", frame.ID)
	require.NoError(t, cam.Save(ctx, frame, "/data/roi1.tiff"))
	assert.ErrorContains(t, cam.Save(ctx, frame, ""), "missing path")

	assert.Equal(t, []string{"/exposure", "/capture", "/save", "/save"}, paths)
	for _, id := range traces {
		assert.Equal(t, "trace-123", id)
	}
}

func TestRemoteCameraReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cam := NewRemoteCamera(srv.URL, util.Discard())
	_, err := cam.Capture(context.Background())
	assert.ErrorContains(t, err, "503")
}
