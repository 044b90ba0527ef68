package web

import (
	"sync"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/event"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
)

// ActorView 定义了用于 UI 展示的 actor 状态
// 这是一个简化的视图，只包含前端需要的数据
type ActorView struct {
	Actor     types.ActorID `json:"actor"`
	State     string        `json:"state,omitempty"`
	Paused    bool          `json:"paused"`
	Current   string        `json:"current,omitempty"`
	CurrentID int           `json:"current_id,omitempty"`
	LastTask  string        `json:"last_task,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Protocols []string      `json:"protocols,omitempty"`

	finished int // 已结束的最大任务 ID，用于丢弃乱序到达的开始事件
}

// GlobalState 代表整台仪器的实时状态快照
type GlobalState struct {
	Actors          map[types.ActorID]ActorView `json:"actors"`
	MicroscopeOwner types.ActorID               `json:"microscope_owner,omitempty"`
	Updated         time.Time                   `json:"updated"`
}

// StateTracker 负责追踪所有 actor 的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 可以为 nil
func NewStateTracker(hub *Hub) *StateTracker {
	st := &StateTracker{
		state: GlobalState{Actors: make(map[types.ActorID]ActorView)},
		hub:   hub,
	}
	if hub != nil {
		hub.Snapshot = func() interface{} { return st.GetStateSnapshot() }
	}
	return st
}

// Apply 根据事件更新对应 actor 的状态，并向所有客户端广播最新的全局状态
// 事件处理器并发执行，到达顺序不一定与发布顺序一致
func (st *StateTracker) Apply(e event.Event) {
	st.mu.Lock()
	v, ok := st.state.Actors[e.Actor]
	if !ok {
		v = ActorView{Actor: e.Actor}
	}

	switch e.Type {
	case event.TaskStarted:
		if e.TaskID > v.finished {
			v.Current, v.CurrentID = e.Description, e.TaskID
		}
	case event.TaskCompleted, event.TaskFailed, event.TaskCancelled:
		v.finished = max(v.finished, e.TaskID)
		if v.CurrentID == e.TaskID {
			v.Current, v.CurrentID = "", 0
		}
		v.LastTask = e.Description
		if e.Type == event.TaskCompleted {
			v.Completed++
		} else {
			v.Failed++
			if e.Error != nil {
				v.LastError = e.Error.Error()
			}
		}
	case event.TaskSkipped:
		v.finished = max(v.finished, e.TaskID)
	case event.QueuePaused:
		v.Paused = true
	case event.QueueResumed:
		v.Paused = false
	case event.StateChanged:
		v.State = e.State
	case event.ProtocolQueued:
		v.Protocols = append(v.Protocols, e.Description)
	case event.ReservationAcquired:
		st.state.MicroscopeOwner = e.Actor
	case event.ReservationReleased:
		if st.state.MicroscopeOwner == e.Actor {
			st.state.MicroscopeOwner = ""
		}
	}

	st.state.Actors[e.Actor] = v
	st.state.Updated = time.Now()
	// 在锁内广播，保证客户端收到的状态顺序与更新顺序一致；BroadcastState 不会阻塞
	if st.hub != nil {
		st.hub.BroadcastState(st.copyLocked())
	}
	st.mu.Unlock()
}

// Actor 返回单个 actor 的状态
func (st *StateTracker) Actor(id types.ActorID) (ActorView, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.state.Actors[id]
	return v, ok
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.copyLocked()
}

func (st *StateTracker) copyLocked() GlobalState {
	// 创建深拷贝以避免并发问题
	out := GlobalState{
		Actors:          make(map[types.ActorID]ActorView, len(st.state.Actors)),
		MicroscopeOwner: st.state.MicroscopeOwner,
		Updated:         st.state.Updated,
	}
	for id, v := range st.state.Actors {
		v.Protocols = append([]string(nil), v.Protocols...)
		out.Actors[id] = v
	}
	return out
}
