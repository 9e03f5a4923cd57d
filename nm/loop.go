package nm

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"pianm/common"
)

// LoopState tracks the lifecycle of the event loop.
// Transitions only move forward: NotStarted -> Starting -> Running.
type LoopState int32

const (
	// LoopNotStarted means the loop goroutine has not been created yet.
	LoopNotStarted LoopState = iota
	// LoopStarting means the loop goroutine is being brought up.
	LoopStarting
	// LoopRunning means the loop services jobs until process exit.
	LoopRunning
)

// String returns a human-readable representation of the loop state.
func (s LoopState) String() string {
	switch s {
	case LoopNotStarted:
		return "NotStarted"
	case LoopStarting:
		return "Starting"
	case LoopRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// debugAsserts controls whether threading defects panic (development)
// or are logged and tolerated (production).
var debugAsserts atomic.Bool

// EnableDebugAsserts switches threading assertions between panic
// (enabled) and log-and-continue (disabled).
func EnableDebugAsserts(enable bool) {
	debugAsserts.Store(enable)
}

// Loop owns the dedicated goroutine that executes every call into
// NetworkManager. The goroutine is pinned to its OS thread so that all
// service traffic originates from exactly one thread for the lifetime
// of the process; the loop is never torn down once running.
type Loop struct {
	mu    sync.Mutex
	state atomic.Int32
	jobs  chan func()
	tid   atomic.Int64
}

// NewLoop creates a loop in the NotStarted state. Nothing runs until
// EnsureStarted is called.
func NewLoop() *Loop {
	return &Loop{}
}

// State returns the current lifecycle state.
func (l *Loop) State() LoopState {
	return LoopState(l.state.Load())
}

// EnsureStarted brings the loop goroutine up, running init on the loop
// thread before any job is accepted. It is idempotent: the first caller
// starts the loop, concurrent callers block only until the started
// state is observable. An init failure is fatal for the loop; no valid
// execution context exists afterwards.
func (l *Loop) EnsureStarted(init func() error) error {
	if l.State() == LoopRunning {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-check under the lock: another caller may have won the race.
	if l.State() == LoopRunning {
		return nil
	}

	l.state.Store(int32(LoopStarting))
	l.jobs = make(chan func(), 64)

	started := make(chan error, 1)
	go l.run(init, started)

	if err := <-started; err != nil {
		l.state.Store(int32(LoopNotStarted))
		return fmt.Errorf("%w: %v", common.ErrStartupFailed, err)
	}

	l.state.Store(int32(LoopRunning))
	common.LogDebug("Event loop running on tid %d", l.tid.Load())
	return nil
}

// run is the body of the loop goroutine. It stays locked to its OS
// thread and services jobs until process exit (daemon-style; there is
// no shutdown path).
func (l *Loop) run(init func() error, started chan<- error) {
	runtime.LockOSThread()
	l.tid.Store(int64(unix.Gettid()))

	if init != nil {
		if err := init(); err != nil {
			started <- err
			return
		}
	}
	started <- nil

	for fn := range l.jobs {
		l.invoke(fn)
	}
}

// invoke runs one job, containing panics so a single failed operation
// cannot take the loop down with it.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if debugAsserts.Load() {
				panic(r)
			}
			common.LogError("Recovered panic in event loop job: %v", r)
		}
	}()
	fn()
}

// RunOn schedules fn to execute on the loop goroutine. It does not
// block the caller; fn is responsible for registering any pending
// operation it starts.
func (l *Loop) RunOn(fn func()) error {
	if l.State() != LoopRunning {
		return common.ErrStartupFailed
	}
	l.jobs <- fn
	return nil
}

// OnLoopThread reports whether the calling goroutine is pinned to the
// loop's OS thread.
func (l *Loop) OnLoopThread() bool {
	return int64(unix.Gettid()) == l.tid.Load()
}

// AssertOnLoopThread verifies the caller executes on the loop thread.
// A failure indicates a reentrancy or threading defect: it panics when
// debug asserts are enabled and logs otherwise.
func (l *Loop) AssertOnLoopThread() {
	if l.OnLoopThread() {
		return
	}
	if debugAsserts.Load() {
		panic(common.ErrNotOnLoopThread)
	}
	common.LogError("Threading defect: service call off the event loop thread")
}
