package pool

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/ultimaops/backend-datalink/pkg/metrics"
)

const (
	// monitorInterval is how often the monitor loop checks the
	// should-exit flag while the child is running
	monitorInterval = 10 * time.Millisecond

	// termGrace is how long a stopped process gets to exit after
	// SIGTERM before SIGKILL is sent
	termGrace = 1 * time.Second
)

// SpawnProcess launches argv as an OS child process managed by the
// pool. The child runs in its own process group with stdin, stdout and
// stderr piped; the pipes stay retrievable through Pipes until the
// worker record is destroyed.
func (p *Pool) SpawnProcess(argv []string) (int64, error) {
	if len(argv) == 0 {
		return 0, ErrSpawn
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrShuttingDown
	}
	id := p.nextID.Add(1)
	p.mu.Unlock()

	w := newWorker(id, KindProcess)
	w.argv = append([]string(nil), argv...)
	if err := w.launchProcess(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.requestExit()
		w.terminate()
		close(w.done)
		return 0, ErrShuttingDown
	}
	p.workers[id] = w
	p.mu.Unlock()

	metrics.PoolSpawnedTotal.WithLabelValues(string(KindProcess)).Inc()
	go p.monitorProcess(w)
	return id, nil
}

// Pipes returns the stdin, stdout and stderr pipes of a process-kind
// worker. Function-kind workers have no pipes.
func (p *Pool) Pipes(id int64) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	w := p.lookup(id)
	if w == nil {
		return nil, nil, nil, ErrNotFound
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.kind != KindProcess {
		return nil, nil, nil, ErrNotFound
	}
	return w.stdin, w.stdout, w.stderr, nil
}

// ExitCode returns the captured exit code of a stopped process-kind
// worker. It is -1 while the process is still running or when the
// process was killed by a signal.
func (p *Pool) ExitCode(id int64) (int, error) {
	w := p.lookup(id)
	if w == nil {
		return -1, ErrNotFound
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode, nil
}

// launchProcess starts the child and wires its pipes. Called with no
// locks held on a fresh record, or under the pool lock during restart
// where the record is not yet visible to other goroutines.
func (w *worker) launchProcess() error {
	cmd := exec.Command(w.argv[0], w.argv[1:]...)
	// Own process group so pause/stop signals reach the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = stdout
	w.stderr = stderr
	w.waitCh = make(chan error, 1)
	go func() {
		w.waitCh <- cmd.Wait()
	}()
	return nil
}

// monitorProcess waits for the child to exit while polling the
// should-exit flag. When a stop is requested it escalates from SIGTERM
// to SIGKILL after the grace period.
func (p *Pool) monitorProcess(w *worker) {
	defer close(w.done)
	defer p.notifyExit(w.id)

	w.mu.Lock()
	if w.state == StateCreated {
		w.state = StateRunning
	}
	w.mu.Unlock()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-w.waitCh:
			w.recordExit(err)
			return
		case <-ticker.C:
			w.mu.Lock()
			exit := w.shouldExit
			w.mu.Unlock()
			if exit {
				err := w.terminate()
				w.recordExit(err)
				return
			}
		}
	}
}

// recordExit captures the exit code and marks the worker stopped
func (w *worker) recordExit(err error) {
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	w.mu.Lock()
	w.exitCode = code
	if w.state != StateError {
		w.state = StateStopped
	}
	w.mu.Unlock()
}

// terminate stops the child: resume it if paused so signals are
// delivered, send SIGTERM to the group, wait out the grace period,
// then SIGKILL. Returns the child's wait error.
func (w *worker) terminate() error {
	w.mu.Lock()
	paused := w.paused
	w.mu.Unlock()

	if paused {
		w.signalContinue()
	}
	w.signalGroup(syscall.SIGTERM)

	select {
	case err := <-w.waitCh:
		return err
	case <-time.After(termGrace):
	}

	w.signalGroup(syscall.SIGKILL)
	return <-w.waitCh
}

// signalStop delivers SIGSTOP to the process group
func (w *worker) signalStop() {
	w.signalGroup(syscall.SIGSTOP)
}

// signalContinue delivers SIGCONT to the process group
func (w *worker) signalContinue() {
	w.signalGroup(syscall.SIGCONT)
}

func (w *worker) signalGroup(sig syscall.Signal) {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	// Negative PID addresses the whole process group
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}
