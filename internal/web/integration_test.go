package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/engine"
	"github.com/PySeqEcosystem/pyseq-core/internal/event"
	"github.com/PySeqEcosystem/pyseq-core/internal/handlers"
	"github.com/PySeqEcosystem/pyseq-core/internal/instrument"
	"github.com/PySeqEcosystem/pyseq-core/internal/persistence"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/PySeqEcosystem/pyseq-core/internal/util"
	"github.com/PySeqEcosystem/pyseq-core/internal/web"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	seq     *engine.Sequencer
	st      *web.StateTracker
	server  *httptest.Server
	dir     string
	journal string

	mu     sync.Mutex
	traces []string // 远程相机收到的 X-Trace-ID
}

// setupTestApp 启动一个完整的应用实例以进行测试，相机通过 HTTP 远程调用
func setupTestApp(t *testing.T, cameraShouldFail bool) *testApp {
	t.Helper()
	app := &testApp{dir: t.TempDir()}
	logger := util.Discard()

	fc := config.FlowCellHardware{
		Pump: config.PumpBounds{
			Volume:   config.Bounds{Min: 1, Max: 2000},
			FlowRate: config.Bounds{Min: 100, Max: 10000},
		},
		Valve:       config.ValveBounds{ValidList: []int{1, 2, 3, 4}},
		Temperature: config.Bounds{Min: 4, Max: 90},
	}
	hw := &config.Hardware{
		Name:      "virtual",
		XStage:    config.StageBounds{Bounds: config.Bounds{Min: 0, Max: 50000}, Step: 2000},
		YStage:    config.StageBounds{Bounds: config.Bounds{Min: 0, Max: 50000}, Step: 2000},
		ZStage:    config.StageBounds{Bounds: config.Bounds{Min: 0, Max: 60000}, Step: 10},
		Lasers:    map[string]config.Bounds{"green": {Min: 0, Max: 500}},
		Camera:    config.Bounds{Min: 0.001, Max: 5},
		Filters:   map[string][]float64{"green": {0.6, 1, 2}},
		FlowCells: map[string]config.FlowCellHardware{"A": fc},
	}

	camera := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.mu.Lock()
		app.traces = append(app.traces, r.Header.Get("X-Trace-ID"))
		app.mu.Unlock()
		resp := instrument.CameraResponse{Success: true}
		if cameraShouldFail {
			resp = instrument.CameraResponse{Error: "sensor overheated"}
		} else if r.URL.Path == "/capture" {
			resp.Frame = instrument.Frame{ID: "frame", Taken: time.Now()}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(camera.Close)

	rec := instrument.NewRecorder()
	inst := engine.Instruments{
		Microscope: instrument.NewSimMicroscope(hw, 0, rec),
		FlowCells:  map[types.ActorID]instrument.FlowCellHardware{"A": instrument.NewSimFlowCell("A", 0, rec)},
	}
	inst.Microscope.Camera = instrument.NewRemoteCamera(camera.URL, logger)

	hub := web.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	app.st = web.NewStateTracker(hub)
	bus := event.NewBus()

	app.journal = filepath.Join(app.dir, "journal.jsonl")
	journal, err := persistence.NewJournal(app.journal)
	require.NoError(t, err)

	handlers.RegisterEventHandlers(bus, app.st, journal, logger)

	app.seq, err = engine.NewSequencer(hw, inst, bus, logger)
	require.NoError(t, err)
	app.seq.Start(ctx)

	app.server = httptest.NewServer(web.NewAPI(app.seq, hub, app.st, logger).Handler())
	t.Cleanup(func() {
		app.server.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		require.NoError(t, app.seq.Shutdown(shutdownCtx))
		cancel()
		journal.Close()
	})
	return app
}

func (app *testApp) writeExperiment(t *testing.T, protocolText string) string {
	t.Helper()
	files := map[string]string{
		"protocol.yaml": protocolText,
		"rois.yaml": `
roi1:
  stage:
    flowcell: A
    x_init: 1000
    x_last: 1000
    y_init: 1000
    y_last: 1000
    z_init: 20000
    nz: 1
`,
		"experiment.yaml": `
experiment:
  name: integration
  protocol_path: protocol.yaml
  roi_path: rois.yaml
pump:
  flow_rate: 1000
reagents:
  water: 2
`,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(app.dir, name), []byte(body), 0o644))
	}
	return filepath.Join(app.dir, "experiment.yaml")
}

func (app *testApp) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(app.server.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (app *testApp) state(t *testing.T) web.StateResponse {
	t.Helper()
	resp, err := http.Get(app.server.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out web.StateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHappyPath_WaitPromptImage(t *testing.T) {
	app := setupTestApp(t, false)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(app.server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	var initial web.GlobalState
	require.NoError(t, conn.ReadJSON(&initial))

	path := app.writeExperiment(t, `
name: cycle
steps:
  - PUMP: {volume: 100, reagent: water}
  - WAIT: microscope
  - USER: check for bubbles
  - IMAGE: 1
`)
	resp := app.post(t, "/api/experiments", web.ExperimentRequest{Path: path, AutoStart: true, Wait: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		s := app.state(t)
		return len(s.Prompts) == 1 && s.Owner == "A"
	}, 2*time.Second, 5*time.Millisecond)
	resp = app.post(t, "/api/flowcells/A/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		a, ok := app.st.Actor("A")
		// 协议标记 + 循环标记 + 4 个步骤 + 协议完成
		return ok && a.State == "IDLE" && a.Completed == 7
	}, 5*time.Second, 10*time.Millisecond)

	s := app.state(t)
	assert.Empty(t, s.Owner)
	a := s.Tracker.Actors["A"]
	assert.Zero(t, a.Failed)
	assert.Equal(t, []string{"cycle"}, a.Protocols)

	app.mu.Lock()
	traces := append([]string(nil), app.traces...)
	app.mu.Unlock()
	require.NotEmpty(t, traces)
	for _, trace := range traces {
		assert.NotEmpty(t, trace)
	}

	metrics, err := http.Get(app.server.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pyseq_tasks_processed_total{actor="A",status="success"}`)

	// 推送给 UI 的状态最终与追踪器一致
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var pushed web.GlobalState
		require.NoError(t, conn.ReadJSON(&pushed))
		if a := pushed.Actors["A"]; a.State == "IDLE" && a.Completed == 7 {
			break
		}
	}

	journal, err := os.ReadFile(app.journal)
	require.NoError(t, err)
	assert.Contains(t, string(journal), `"status":"COMPLETED"`)
}

func TestRemoteCameraFailureReleasesMicroscope(t *testing.T) {
	app := setupTestApp(t, true)

	path := app.writeExperiment(t, `
name: image
steps:
  - IMAGE: 1
  - PUMP: {volume: 100, reagent: water}
`)
	resp := app.post(t, "/api/experiments", web.ExperimentRequest{Path: path, AutoStart: true, Wait: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		a, ok := app.st.Actor("A")
		return ok && a.State == "IDLE" && a.Failed >= 1
	}, 5*time.Second, 10*time.Millisecond)

	a, _ := app.st.Actor("A")
	assert.Contains(t, a.LastError, "sensor overheated")
	assert.Empty(t, app.state(t).Owner)

	// 后续步骤照常执行
	f, err := app.seq.FlowCell("A")
	require.NoError(t, err)
	assert.True(t, f.Queue().Empty())
}
