package metrics

// WorkerCounter reports the number of live workers in a pool
type WorkerCounter interface {
	Count() int
}

// ConnectionCounter reports the number of open client connections
type ConnectionCounter interface {
	Count() int
}

// Collector keeps the pool and connection gauges in sync with the
// components that own the underlying state. It does no scheduling of
// its own; the integrator calls Collect from a worker of its choosing.
type Collector struct {
	pool   WorkerCounter
	server ConnectionCounter
}

// NewCollector creates a new metrics collector
func NewCollector(pool WorkerCounter, server ConnectionCounter) *Collector {
	return &Collector{
		pool:   pool,
		server: server,
	}
}

// Collect copies the current counts into the Prometheus gauges
func (c *Collector) Collect() {
	if c.pool != nil {
		PoolWorkers.Set(float64(c.pool.Count()))
	}
	if c.server != nil {
		ActiveConnections.Set(float64(c.server.Count()))
	}
}
