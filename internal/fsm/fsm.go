package fsm

import (
	"fmt"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

// 流动池的协议运行状态
const (
	StateIdle    State = "IDLE"    // 没有排队的协议
	StateLoaded  State = "LOADED"  // 协议已排队，队列处于暂停
	StateRunning State = "RUNNING" // 队列正在执行协议
	StatePaused  State = "PAUSED"  // 协议执行中被暂停
)

const (
	EventLoad   Event = "LOAD"
	EventStart  Event = "START"
	EventPause  Event = "PAUSE"
	EventResume Event = "RESUME"
	EventFinish Event = "FINISH"
	EventAbort  Event = "ABORT"
)

// TransitionFunc 在每次状态变更后被调用
type TransitionFunc func(targetID string, from, to State, event Event)

// FSM 有限状态机
type FSM struct {
	current State
	mu      sync.Mutex
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	onChange    TransitionFunc
	TargetID    string // 关联的目标对象ID（如流动池ID）
}

func NewFSM(targetID string) *FSM {
	fsm := &FSM{
		current:     StateIdle,
		TargetID:    targetID,
		transitions: make(map[State]map[Event]State),
	}
	fsm.initTransitions()
	return fsm
}

func (f *FSM) initTransitions() {
	f.addTransition(StateIdle, EventLoad, StateLoaded)
	f.addTransition(StateLoaded, EventLoad, StateLoaded) // 同一实验中排入多个协议
	f.addTransition(StateLoaded, EventStart, StateRunning)
	f.addTransition(StateRunning, EventLoad, StateRunning)
	f.addTransition(StateRunning, EventPause, StatePaused)
	f.addTransition(StatePaused, EventResume, StateRunning)
	f.addTransition(StatePaused, EventLoad, StatePaused)
	f.addTransition(StateRunning, EventFinish, StateIdle)

	for _, s := range []State{StateLoaded, StateRunning, StatePaused} {
		f.addTransition(s, EventAbort, StateIdle)
	}
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// OnTransition 注册状态变更回调
func (f *FSM) OnTransition(cb TransitionFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = cb
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Can 判断当前状态下事件是否合法
func (f *FSM) Can(event Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.transitions[f.current][event]
	return ok
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	// 查找合法的转移
	nextState, ok := f.transitions[f.current][event]
	if !ok {
		cur := f.current
		f.mu.Unlock()
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, cur)
	}
	prevState := f.current
	f.current = nextState
	cb := f.onChange
	f.mu.Unlock()

	// 回调在锁外执行，回调中可以安全地读取状态
	if cb != nil {
		cb(f.TargetID, prevState, nextState, event)
	}
	return nil
}
