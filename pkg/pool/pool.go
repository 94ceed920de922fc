package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ultimaops/backend-datalink/pkg/log"
	"github.com/ultimaops/backend-datalink/pkg/metrics"
)

var (
	// ErrNotFound is returned when a worker ID or attachment key is unknown
	ErrNotFound = errors.New("worker not found")

	// ErrAlreadyExists is returned when registering a duplicate attachment key
	ErrAlreadyExists = errors.New("attachment key already exists")

	// ErrSpawn is returned when a worker task could not be launched
	ErrSpawn = errors.New("spawn failed")

	// ErrShuttingDown is returned for operations attempted after Shutdown
	ErrShuttingDown = errors.New("pool is shutting down")

	// ErrJoinTimeout is returned when Join gives up waiting for a worker
	ErrJoinTimeout = errors.New("join timed out")
)

// Kind identifies what a worker executes
type Kind string

const (
	KindFunction Kind = "function"
	KindProcess  Kind = "process"
)

// State represents the run-state of a worker
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// Body is the function executed by a function-kind worker. Bodies are
// expected to call h.CheckPause() at safe points and to return promptly
// once h.ShouldExit() reports true.
type Body func(h *Handle)

// Handle gives a worker body access to its own control surface
type Handle struct {
	pool *Pool
	id   int64
}

// ID returns the worker's pool-issued identifier
func (h *Handle) ID() int64 {
	return h.id
}

// CheckPause blocks while the worker is paused; it returns when the
// worker is resumed or asked to exit
func (h *Handle) CheckPause() {
	h.pool.CheckPause(h.id)
}

// ShouldExit reports whether the worker has been asked to stop
func (h *Handle) ShouldExit() bool {
	return h.pool.ShouldExit(h.id)
}

// Info is a point-in-time snapshot of one worker
type Info struct {
	ID        int64
	Kind      Kind
	State     State
	PID       int
	ExitCode  int
	Argv      []string
	StartedAt time.Time
}

// Pool manages long-lived, pausable, restartable worker tasks. IDs are
// monotonically issued and never reused within one pool instance.
type Pool struct {
	mu          sync.Mutex
	workers     map[int64]*worker
	attachments map[string]int64
	nextID      atomic.Int64
	closed      bool
	onExit      func(id int64)
	logger      zerolog.Logger
}

// New creates an empty worker pool
func New() *Pool {
	metrics.RegisterComponent("pool", true, "created")
	return &Pool{
		workers:     make(map[int64]*worker),
		attachments: make(map[string]int64),
		logger:      log.WithComponent("pool"),
	}
}

// OnWorkerExit installs a hook invoked on the worker's goroutine after
// its task has finished, in any terminal state. At most one hook is
// active; installing replaces the previous one.
func (p *Pool) OnWorkerExit(hook func(id int64)) {
	p.mu.Lock()
	p.onExit = hook
	p.mu.Unlock()
}

// notifyExit fires the exit hook, if any, for one finished worker
func (p *Pool) notifyExit(id int64) {
	p.mu.Lock()
	hook := p.onExit
	p.mu.Unlock()
	if hook != nil {
		hook(id)
	}
}

// Spawn launches body on a fresh goroutine and returns its worker ID.
// After Spawn returns the worker is in StateCreated or already
// StateRunning.
func (p *Pool) Spawn(body Body) (int64, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrShuttingDown
	}
	id := p.nextID.Add(1)
	w := newWorker(id, KindFunction)
	w.body = body
	p.workers[id] = w
	p.mu.Unlock()

	metrics.PoolSpawnedTotal.WithLabelValues(string(KindFunction)).Inc()
	go p.runFunction(w)
	return id, nil
}

// Stop asks a worker to exit: sets the should-exit flag, clears the
// paused flag and wakes the task. It returns immediately and is
// idempotent on workers that already stopped.
func (p *Pool) Stop(id int64) error {
	w := p.lookup(id)
	if w == nil {
		return ErrNotFound
	}
	w.requestExit()
	return nil
}

// Pause suspends a running worker. Workers in any other state are left
// untouched. Process-kind workers additionally receive the OS stop
// signal.
func (p *Pool) Pause(id int64) error {
	w := p.lookup(id)
	if w == nil {
		return ErrNotFound
	}

	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.paused = true
	w.state = StatePaused
	kind := w.kind
	w.mu.Unlock()

	if kind == KindProcess {
		w.signalStop()
	}
	return nil
}

// Resume is the inverse of Pause. Process-kind workers additionally
// receive the continue signal.
func (p *Pool) Resume(id int64) error {
	w := p.lookup(id)
	if w == nil {
		return ErrNotFound
	}

	w.mu.Lock()
	if w.state != StatePaused {
		w.mu.Unlock()
		return nil
	}
	w.paused = false
	w.state = StateRunning
	kind := w.kind
	w.cond.Broadcast()
	w.mu.Unlock()

	if kind == KindProcess {
		w.signalContinue()
	}
	return nil
}

// Restart stops and joins the existing task, then launches a fresh one
// under the same ID. Function-kind workers rerun the same body;
// process-kind workers rerun their command, with argv replaced when
// newArgv is non-nil. On relaunch failure the slot is left empty.
func (p *Pool) Restart(id int64, newArgv []string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	w.requestExit()
	<-w.done

	p.mu.Lock()
	if p.closed {
		delete(p.workers, id)
		p.mu.Unlock()
		return ErrShuttingDown
	}

	fresh := newWorker(id, w.kind)
	switch w.kind {
	case KindFunction:
		fresh.body = w.body
	case KindProcess:
		fresh.argv = w.argv
		if newArgv != nil {
			fresh.argv = newArgv
		}
		if err := fresh.launchProcess(); err != nil {
			delete(p.workers, id)
			p.mu.Unlock()
			p.logger.Error().Err(err).Int64("worker_id", id).Msg("Relaunch failed, slot released")
			return fmt.Errorf("%w: %v", ErrSpawn, err)
		}
	}
	p.workers[id] = fresh
	p.mu.Unlock()

	metrics.PoolSpawnedTotal.WithLabelValues(string(w.kind)).Inc()
	switch fresh.kind {
	case KindFunction:
		go p.runFunction(fresh)
	case KindProcess:
		go p.monitorProcess(fresh)
	}
	return nil
}

// Join blocks until the worker has exited or the timeout elapses. A
// timeout <= 0 waits indefinitely. On success the worker record is
// destroyed and its ID becomes unknown.
func (p *Pool) Join(id int64, timeout time.Duration) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if timeout <= 0 {
		<-w.done
	} else {
		select {
		case <-w.done:
		case <-time.After(timeout):
			return ErrJoinTimeout
		}
	}

	p.mu.Lock()
	// Restart may have replaced the record under the same ID; only
	// reclaim the slot if it still holds the worker we joined.
	if cur, ok := p.workers[id]; ok && cur == w {
		delete(p.workers, id)
	}
	p.mu.Unlock()
	return nil
}

// State returns the worker's current run-state
func (p *Pool) State(id int64) (State, error) {
	w := p.lookup(id)
	if w == nil {
		return "", ErrNotFound
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, nil
}

// IsAlive reports whether the worker is in created, running or paused
// state. Unknown IDs report false.
func (p *Pool) IsAlive(id int64) bool {
	state, err := p.State(id)
	if err != nil {
		return false
	}
	return state == StateCreated || state == StateRunning || state == StatePaused
}

// Info returns a snapshot of the worker
func (p *Pool) Info(id int64) (Info, error) {
	w := p.lookup(id)
	if w == nil {
		return Info{}, ErrNotFound
	}
	return w.snapshot(), nil
}

// AllIDs returns the IDs of all live worker records
func (p *Pool) AllIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int64, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live worker records
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// CheckPause blocks the caller while the worker is paused. It returns
// when the worker is resumed or asked to exit. Worker bodies call this
// at safe points.
func (p *Pool) CheckPause(id int64) {
	w := p.lookup(id)
	if w == nil {
		return
	}
	w.mu.Lock()
	for w.paused && !w.shouldExit {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// ShouldExit reports whether the worker has been asked to stop.
// Unknown IDs report true so orphaned bodies wind down.
func (p *Pool) ShouldExit(id int64) bool {
	w := p.lookup(id)
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shouldExit
}

// Shutdown stops every worker, joins them and destroys all records.
// Concurrent Spawn calls observe the closed pool and fail with
// ErrShuttingDown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.attachments = make(map[string]int64)
	p.mu.Unlock()

	for _, w := range workers {
		w.requestExit()
	}
	for _, w := range workers {
		<-w.done
	}

	p.mu.Lock()
	p.workers = make(map[int64]*worker)
	p.mu.Unlock()

	metrics.UpdateComponent("pool", false, "shut down")
	p.logger.Info().Int("stopped", len(workers)).Msg("Pool shut down")
}

// lookup returns the live worker record for id, or nil
func (p *Pool) lookup(id int64) *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[id]
}

// runFunction drives a function-kind worker through its lifecycle
func (p *Pool) runFunction(w *worker) {
	logger := log.WithWorkerID(p.logger, w.id)
	defer close(w.done)
	defer p.notifyExit(w.id)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Worker body panicked")
			w.mu.Lock()
			w.state = StateError
			w.mu.Unlock()
		}
	}()

	w.mu.Lock()
	if w.shouldExit {
		w.state = StateStopped
		w.mu.Unlock()
		return
	}
	w.state = StateRunning
	w.mu.Unlock()

	w.body(&Handle{pool: p, id: w.id})

	w.mu.Lock()
	if w.state != StateError {
		w.state = StateStopped
	}
	w.mu.Unlock()
}
