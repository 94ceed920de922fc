package sysdata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ultimaops/backend-datalink/pkg/events"
	"github.com/ultimaops/backend-datalink/pkg/log"
	"github.com/ultimaops/backend-datalink/pkg/pool"
	"github.com/ultimaops/backend-datalink/pkg/storage"
	"github.com/ultimaops/backend-datalink/pkg/types"
)

// Pool attachment keys of the collector workers
const (
	PollWorkerKey  = "sysdata-poll"
	FlushWorkerKey = "sysdata-flush"
)

// idleTick bounds how long a worker sleeps between flag checks
const idleTick = 200 * time.Millisecond

// Collector polls /proc at the configured interval, publishes one
// category-update event per changed category, and flushes the latest
// snapshots to the store on its own slower cadence.
type Collector struct {
	cfg    Config
	bus    *events.Broker
	store  storage.Store
	pool   *pool.Pool
	logger zerolog.Logger

	// procRoot is swapped for a fixture directory in tests
	procRoot string

	mu        sync.Mutex
	snapshots map[string]json.RawMessage
	prevCPU   *cpuTimes
	prevNet   map[string]InterfaceStats
	prevTime  time.Time
	polls     uint64
}

// New creates a collector bound to the bus and store
func New(cfg Config, bus *events.Broker, store storage.Store) *Collector {
	return &Collector{
		cfg:       cfg,
		bus:       bus,
		store:     store,
		logger:    log.WithComponent("sysdata"),
		procRoot:  "/proc",
		snapshots: make(map[string]json.RawMessage),
	}
}

// Start spawns the poll and flush workers on the pool
func (c *Collector) Start(p *pool.Pool) error {
	if !c.cfg.Enabled {
		c.logger.Info().Msg("System data collection disabled")
		return nil
	}
	c.pool = p

	for _, w := range []struct {
		key  string
		body pool.Body
	}{
		{PollWorkerKey, c.pollLoop},
		{FlushWorkerKey, c.flushLoop},
	} {
		id, err := p.Spawn(w.body)
		if err != nil {
			return err
		}
		if err := p.Register(w.key, id); err != nil {
			c.logger.Warn().Err(err).Str("key", w.key).Msg("Worker registration failed")
		}
	}
	c.logger.Info().
		Int("poll_interval_s", c.cfg.PollIntervalSeconds).
		Int("flush_interval_s", c.cfg.DatabaseUpdateIntervalSeconds).
		Msg("System data collector started")
	return nil
}

// Stop halts both workers
func (c *Collector) Stop() {
	if c.pool == nil {
		return
	}
	for _, key := range []string{PollWorkerKey, FlushWorkerKey} {
		id, err := c.pool.Find(key)
		if err != nil {
			continue
		}
		_ = c.pool.Stop(id)
		_ = c.pool.Join(id, 5*time.Second)
		_ = c.pool.Unregister(key)
	}
}

func (c *Collector) pollLoop(h *pool.Handle) {
	interval := time.Duration(c.cfg.PollIntervalSeconds) * time.Second
	next := time.Now()
	for !h.ShouldExit() {
		h.CheckPause()
		if time.Now().Before(next) {
			time.Sleep(idleTick)
			continue
		}
		next = time.Now().Add(interval)
		c.poll()
	}
}

func (c *Collector) flushLoop(h *pool.Handle) {
	interval := time.Duration(c.cfg.DatabaseUpdateIntervalSeconds) * time.Second
	next := time.Now().Add(interval)
	for !h.ShouldExit() {
		h.CheckPause()
		if time.Now().Before(next) {
			time.Sleep(idleTick)
			continue
		}
		next = time.Now().Add(interval)
		c.flush()
	}
}

// poll reads every source once and publishes one event per category
// that produced a snapshot
func (c *Collector) poll() {
	c.mu.Lock()
	c.polls++
	n := c.polls
	c.mu.Unlock()

	if ram, swap, err := c.collectMemory(); err != nil {
		c.logger.Warn().Err(err).Msg("Memory collection failed")
	} else {
		c.publish(types.CategoryRAM, ram)
		c.publish(types.CategorySwap, swap)
		if c.cfg.LogRAM && n%uint64(c.cfg.RAMLogInterval) == 0 {
			c.logger.Info().Float64("usage_percent", ram.UsagePercent).Msg("RAM")
		}
		if c.cfg.LogSwap && n%uint64(c.cfg.SwapLogInterval) == 0 {
			c.logger.Info().Float64("usage_percent", swap.UsagePercent).Msg("Swap")
		}
	}

	if sys, err := c.collectSystem(); err != nil {
		c.logger.Warn().Err(err).Msg("System collection failed")
	} else {
		c.publish(types.CategorySystem, sys)
		if c.cfg.LogSystem && n%uint64(c.cfg.SystemLogInterval) == 0 {
			c.logger.Info().Float64("cpu_percent", sys.CPUUsagePercent).Msg("System")
		}
	}

	if net, err := c.collectNetwork(); err != nil {
		c.logger.Warn().Err(err).Msg("Network collection failed")
	} else {
		c.publish(types.CategoryNetwork, net)
		if c.cfg.LogNetwork && n%uint64(c.cfg.NetworkLogInterval) == 0 {
			c.logger.Info().Int("interfaces", len(net)).Msg("Network")
		}
	}
}

// flush upserts the latest snapshot of every category into the store
func (c *Collector) flush() {
	c.mu.Lock()
	pending := make(map[string]json.RawMessage, len(c.snapshots))
	for cat, data := range c.snapshots {
		pending[cat] = data
	}
	c.mu.Unlock()

	for cat, data := range pending {
		if err := c.store.PutDashboardData(cat, data); err != nil {
			c.logger.Warn().Err(err).Str("category", cat).Msg("Snapshot flush failed")
		}
	}
}

// publish records the snapshot and emits a category-update event
func (c *Collector) publish(category string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Str("category", category).Msg("Snapshot marshal failed")
		return
	}

	c.mu.Lock()
	c.snapshots[category] = data
	c.mu.Unlock()

	c.bus.Publish(&events.Event{
		Type:     events.EventCategoryUpdate,
		Source:   "sysdata",
		Category: category,
		Data:     data,
	})
}

func (c *Collector) collectMemory() (MemoryStats, MemoryStats, error) {
	text, err := c.readProc("meminfo")
	if err != nil {
		return MemoryStats{}, MemoryStats{}, err
	}
	return parseMemInfo(text)
}

func (c *Collector) collectSystem() (SystemStats, error) {
	statText, err := c.readProc("stat")
	if err != nil {
		return SystemStats{}, err
	}
	cur, err := parseStat(statText)
	if err != nil {
		return SystemStats{}, err
	}

	loadText, err := c.readProc("loadavg")
	if err != nil {
		return SystemStats{}, err
	}
	load, err := parseLoadAvg(loadText)
	if err != nil {
		return SystemStats{}, err
	}

	sys := SystemStats{
		Cores:  cur.cores,
		Load1:  load[0],
		Load5:  load[1],
		Load15: load[2],
	}

	c.mu.Lock()
	if c.prevCPU != nil {
		sys.CPUUsagePercent = cpuUsagePercent(*c.prevCPU, cur)
	}
	c.prevCPU = &cur
	c.mu.Unlock()

	return sys, nil
}

func (c *Collector) collectNetwork() (map[string]InterfaceStats, error) {
	text, err := c.readProc("net/dev")
	if err != nil {
		return nil, err
	}
	cur, err := parseNetDev(text)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c.mu.Lock()
	if c.prevNet != nil {
		elapsed := now.Sub(c.prevTime).Seconds()
		if elapsed > 0 {
			for name, s := range cur {
				if prev, ok := c.prevNet[name]; ok {
					s.RxBPS = round1(float64(s.RxBytes-prev.RxBytes) / elapsed)
					s.TxBPS = round1(float64(s.TxBytes-prev.TxBytes) / elapsed)
					cur[name] = s
				}
			}
		}
	}
	c.prevNet = cur
	c.prevTime = now
	c.mu.Unlock()

	return cur, nil
}

func (c *Collector) readProc(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
