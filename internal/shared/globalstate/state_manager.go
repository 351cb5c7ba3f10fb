package globalstate

import (
	"sync"
	"time"
)

// State 是网关进程的生命周期阶段
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Status 是某一时刻的状态快照
type Status struct {
	State State     `json:"state"`
	Since time.Time `json:"since"`
}

// StatusManager 保存进程当前所处的阶段, 可并发读写。
type StatusManager struct {
	mu     sync.RWMutex
	status Status
}

// GlobalStatus 由 app 在启停时更新, /health 读取它
var GlobalStatus = NewStatusManager()

func NewStatusManager() *StatusManager {
	return &StatusManager{status: Status{State: StateStarting, Since: time.Now()}}
}

// Set 切换到新阶段, 阶段未变化时不刷新时间。
func (sm *StatusManager) Set(state State) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.status.State == state {
		return
	}
	sm.status = Status{State: state, Since: time.Now()}
}

func (sm *StatusManager) Get() Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}
