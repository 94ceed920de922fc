package pool

import (
	"io"
	"os/exec"
	"sync"
	"time"
)

// worker is the pool's internal record for one task. The mutex guards
// every mutable field; cond is signalled on pause/exit transitions so
// CheckPause waiters wake promptly.
type worker struct {
	id   int64
	kind Kind

	mu   sync.Mutex
	cond *sync.Cond

	state      State
	paused     bool
	shouldExit bool

	// function kind
	body Body

	// process kind
	argv     []string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	exitCode int
	waitCh   chan error

	startedAt time.Time

	// done is closed exactly once, after the task has fully exited
	done chan struct{}
}

func newWorker(id int64, kind Kind) *worker {
	w := &worker{
		id:        id,
		kind:      kind,
		state:     StateCreated,
		exitCode:  -1,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// requestExit flags the worker to stop and wakes any pause waiters.
// Safe to call repeatedly and from any goroutine.
func (w *worker) requestExit() {
	w.mu.Lock()
	w.shouldExit = true
	w.paused = false
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *worker) snapshot() Info {
	w.mu.Lock()
	defer w.mu.Unlock()

	info := Info{
		ID:        w.id,
		Kind:      w.kind,
		State:     w.state,
		ExitCode:  w.exitCode,
		StartedAt: w.startedAt,
	}
	if w.cmd != nil && w.cmd.Process != nil {
		info.PID = w.cmd.Process.Pid
	}
	if len(w.argv) > 0 {
		info.Argv = append([]string(nil), w.argv...)
	}
	return info
}
