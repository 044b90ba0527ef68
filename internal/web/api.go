package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/engine"
	"github.com/PySeqEcosystem/pyseq-core/internal/protocol"
	"github.com/PySeqEcosystem/pyseq-core/internal/registry"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ExperimentRequest 是 POST /api/experiments 的请求体
type ExperimentRequest struct {
	Path      string   `json:"path"`
	FlowCells []string `json:"flowcells,omitempty"`
	AwaitROIs bool     `json:"await_rois,omitempty"`
	AutoStart bool     `json:"auto_start,omitempty"`
	Wait      bool     `json:"wait,omitempty"` // 等待实验编排完成后再返回
}

// CommandRequest 是 POST /api/commands 的请求体，格式与协议步骤相同
type CommandRequest struct {
	Command   string      `json:"command"`
	Params    interface{} `json:"params"`
	FlowCells []string    `json:"flowcells,omitempty"`
}

// ROIsRequest 是 POST /api/rois 的请求体，flowcells 为空表示全部
type ROIsRequest struct {
	Path      string   `json:"path"`
	FlowCells []string `json:"flowcells,omitempty"`
}

// ActorsRequest 是暂停与恢复的请求体，actors 为空表示全部
type ActorsRequest struct {
	Actors []string `json:"actors,omitempty"`
}

// StateResponse 是 GET /api/state 的响应
type StateResponse struct {
	Queues  []engine.ActorState `json:"queues"`
	Tracker GlobalState         `json:"tracker"`
	Prompts []engine.Prompt     `json:"prompts"`
	Owner   types.ActorID       `json:"microscope_owner,omitempty"`
}

// API 提供仪器控制的 HTTP 接口
type API struct {
	seq    *engine.Sequencer
	hub    *Hub
	st     *StateTracker
	logger *slog.Logger
}

func NewAPI(seq *engine.Sequencer, hub *Hub, st *StateTracker, logger *slog.Logger) *API {
	return &API{seq: seq, hub: hub, st: st, logger: logger.With("component", "api")}
}

// Handler 返回注册了全部路由的 http.Handler
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if a.hub != nil {
		mux.HandleFunc("/ws", a.hub.ServeWs)
	}
	mux.HandleFunc("GET /api/state", a.state)
	mux.HandleFunc("POST /api/experiments", a.experiment)
	mux.HandleFunc("POST /api/commands", a.command)
	mux.HandleFunc("POST /api/rois", a.addROIs)
	mux.HandleFunc("POST /api/pause", a.pause)
	mux.HandleFunc("POST /api/resume", a.resume)
	mux.HandleFunc("POST /api/flowcells/{id}/drain", a.drain)
	mux.HandleFunc("POST /api/flowcells/{id}/confirm", a.confirm)
	mux.HandleFunc("POST /api/flowcells/{id}/focus", a.focus)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor 将引擎错误映射为 HTTP 状态码
func statusFor(err error) int {
	var compileErr *protocol.CompileError
	switch {
	case errors.Is(err, engine.ErrUnknownActor):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrQueueBusy):
		return http.StatusConflict
	case errors.Is(err, engine.ErrMissingROIs), errors.Is(err, engine.ErrMissingReagents),
		errors.Is(err, registry.ErrUnknownReagent), errors.Is(err, registry.ErrDuplicateROI),
		errors.As(err, &compileErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func taskIDs(tasks ...*engine.Task) []int {
	ids := make([]int, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func (a *API) state(w http.ResponseWriter, r *http.Request) {
	owner, _ := a.seq.Coordinator().Owner()
	resp := StateResponse{
		Queues:  a.seq.Snapshot(),
		Prompts: a.seq.Prompts().Open(),
		Owner:   owner,
	}
	if a.st != nil {
		resp.Tracker = a.st.GetStateSnapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) experiment(w http.ResponseWriter, r *http.Request) {
	var req ExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.logger.Warn("解析实验请求失败", "error", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	exp, err := config.LoadExperiment(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := engine.ExperimentOptions{AwaitROIs: req.AwaitROIs, AutoStart: req.AutoStart}
	task := a.seq.Submit("new experiment "+exp.Experiment.Name, func(ctx context.Context) error {
		return a.seq.NewExperiment(ctx, exp, opts, req.FlowCells...)
	})
	a.logger.Info("实验已提交", "experiment", exp.Experiment.Name, "task_id", task.ID)

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "task_id": task.ID})
		return
	}
	if err := task.Wait(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "queued", "task_id": task.ID})
}

// addROIs 加载 ROI 文件，部分 ROI 失败时仍返回已添加的数量
func (a *API) addROIs(w http.ResponseWriter, r *http.Request) {
	var req ROIsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	added, err := a.seq.AddROIs(req.Path, req.FlowCells...)
	if err != nil {
		a.logger.Warn("添加 ROI 失败", "path", req.Path, "added", added, "error", err)
		writeJSON(w, statusFor(err), map[string]interface{}{"error": err.Error(), "added": added})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "added", "added": added})
}

func (a *API) command(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tasks, err := a.seq.Command(req.Command, req.Params, req.FlowCells...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "task_ids": taskIDs(tasks...)})
}

func (a *API) actors(r *http.Request) ([]string, error) {
	var req ActorsRequest
	if r.ContentLength == 0 {
		return nil, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return req.Actors, nil
}

func (a *API) pause(w http.ResponseWriter, r *http.Request) {
	names, err := a.actors(r)
	if err == nil {
		err = a.seq.Pause(names...)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	names, err := a.actors(r)
	if err == nil {
		err = a.seq.Resume(names...)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (a *API) drain(w http.ResponseWriter, r *http.Request) {
	if err := a.seq.Drain(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained"})
}

func (a *API) confirm(w http.ResponseWriter, r *http.Request) {
	fc := types.FlowCell(r.PathValue("id"))
	if !a.seq.Prompts().Confirm(fc) {
		writeError(w, http.StatusNotFound, errors.New("no open prompt for flow cell "+string(fc)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (a *API) focus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ROIs []string `json:"rois,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	task, err := a.seq.Focus(r.PathValue("id"), body.ROIs...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "task_ids": taskIDs(task)})
}
