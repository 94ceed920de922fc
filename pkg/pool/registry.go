package pool

import (
	"sort"
	"syscall"
)

// Register binds a string key to a worker ID so subsystems can address
// their long-lived workers by name. Keys are unique; a key outlives the
// worker it points at until Unregister or Shutdown removes it.
func (p *Pool) Register(key string, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrShuttingDown
	}
	if _, ok := p.workers[id]; !ok {
		return ErrNotFound
	}
	if _, ok := p.attachments[key]; ok {
		return ErrAlreadyExists
	}
	p.attachments[key] = id
	return nil
}

// Unregister removes an attachment key. The worker itself is untouched.
func (p *Pool) Unregister(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.attachments[key]; !ok {
		return ErrNotFound
	}
	delete(p.attachments, key)
	return nil
}

// Find resolves an attachment key to its worker ID
func (p *Pool) Find(key string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.attachments[key]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

// AllKeys returns every registered attachment key, sorted
func (p *Pool) AllKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.attachments))
	for key := range p.attachments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// StopByKey requests a graceful stop of the worker behind key. A key
// whose worker record was already destroyed resolves to ErrNotFound.
func (p *Pool) StopByKey(key string) error {
	id, err := p.Find(key)
	if err != nil {
		return err
	}
	return p.Stop(id)
}

// KillByKey forces the worker behind key down without the graceful
// grace period: process-kind workers get SIGKILL to their group,
// function-kind workers are flagged to exit and marked stopped.
func (p *Pool) KillByKey(key string) error {
	id, err := p.Find(key)
	if err != nil {
		return err
	}
	w := p.lookup(id)
	if w == nil {
		return ErrNotFound
	}

	switch w.kind {
	case KindProcess:
		w.requestExit()
		w.signalGroup(syscall.SIGKILL)
	case KindFunction:
		w.mu.Lock()
		w.shouldExit = true
		w.paused = false
		w.state = StateStopped
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	return nil
}

// RestartByKey restarts the worker behind key, keeping its ID
func (p *Pool) RestartByKey(key string, newArgv []string) error {
	id, err := p.Find(key)
	if err != nil {
		return err
	}
	return p.Restart(id, newArgv)
}
