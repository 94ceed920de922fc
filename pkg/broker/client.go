package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/ultimaops/backend-datalink/pkg/log"
	"github.com/ultimaops/backend-datalink/pkg/metrics"
	"github.com/ultimaops/backend-datalink/pkg/pool"
	"github.com/ultimaops/backend-datalink/pkg/types"
)

var (
	// ErrNotConnected is returned for publishes while the session is down
	ErrNotConnected = errors.New("broker not connected")

	// ErrTimeout surfaces an expired pending call or broker operation
	ErrTimeout = errors.New("broker operation timed out")

	// ErrAlreadyPending is returned when a transaction ID is already in flight
	ErrAlreadyPending = errors.New("transaction already pending")

	// ErrTableFull is returned when the relay broker or rule table
	// exceeds its fixed capacity
	ErrTableFull = errors.New("relay table full")
)

// Pool attachment keys of the client's long-lived workers
const (
	DispatchWorkerKey  = "broker-dispatch"
	ReaperWorkerKey    = "broker-reaper"
	HeartbeatWorkerKey = "broker-heartbeat"
)

const (
	// dedupWindow is how long a (mid, topic) pair suppresses redelivery
	dedupWindow = 2 * time.Second

	// sweepInterval is the pending-table reaper tick; an entry never
	// outlives timeout_ms plus one sweep
	sweepInterval = 1 * time.Second

	// dispatchIdle bounds how long the dispatcher blocks before
	// rechecking its exit flag
	dispatchIdle = 200 * time.Millisecond
)

// MessageHandler receives inbound publishes that matched no pending
// transaction. It runs on the dispatcher worker, never on broker
// library goroutines.
type MessageHandler func(topic string, payload []byte)

// StatusCallback observes connection state transitions
type StatusCallback func(status Status)

// Client maintains one durable session to the publish/subscribe broker
// and speaks the request/response protocol over topic pairs.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	pool   *pool.Pool

	session    Session
	newSession func(sessionHooks) (Session, error)

	statusCh  chan Status
	inboundCh chan Inbound

	pending *pendingTable
	dedup   *cache.Cache

	handlerMu sync.RWMutex
	onMessage MessageHandler
	onStatus  StatusCallback

	status atomic.Value // Status

	subsMu sync.Mutex
	subs   map[string]struct{}
}

// New creates a disconnected client. The configuration must already
// carry its defaults.
func New(cfg Config) *Client {
	c := &Client{
		cfg:       cfg,
		logger:    log.WithComponent("broker"),
		statusCh:  make(chan Status, 16),
		inboundCh: make(chan Inbound, 256),
		pending:   newPendingTable(),
		dedup:     cache.New(dedupWindow, time.Minute),
		subs:      make(map[string]struct{}),
	}
	c.newSession = func(hooks sessionHooks) (Session, error) {
		return newPahoSession(cfg, hooks)
	}
	c.status.Store(StatusDisconnected)
	for _, topic := range cfg.Subscriptions {
		c.subs[topic] = struct{}{}
	}
	return c
}

// OnMessage installs the handler for unmatched inbound publishes.
// Swaps are safe against in-flight deliveries.
func (c *Client) OnMessage(h MessageHandler) {
	c.handlerMu.Lock()
	c.onMessage = h
	c.handlerMu.Unlock()
}

// OnStatus installs the single status callback
func (c *Client) OnStatus(cb StatusCallback) {
	c.handlerMu.Lock()
	c.onStatus = cb
	c.handlerMu.Unlock()
}

// Status returns the last observed connection state
func (c *Client) Status() Status {
	return c.status.Load().(Status)
}

// Connect opens the broker session and starts the dispatcher, reaper
// and (when enabled) heartbeat workers on the pool
func (c *Client) Connect(p *pool.Pool) error {
	c.pool = p

	hooks := sessionHooks{
		onStatus: func(st Status) {
			select {
			case c.statusCh <- st:
			default:
				c.logger.Warn().Str("status", string(st)).Msg("Status channel full, transition dropped")
			}
		},
		onInbound: func(in Inbound) {
			select {
			case c.inboundCh <- in:
			default:
				c.logger.Warn().Str("topic", in.Topic).Msg("Inbound channel full, message dropped")
			}
		},
	}

	session, err := c.newSession(hooks)
	if err != nil {
		return fmt.Errorf("broker session: %w", err)
	}
	c.session = session

	workers := []struct {
		key  string
		body pool.Body
	}{
		{DispatchWorkerKey, c.dispatchLoop},
		{ReaperWorkerKey, c.reaperLoop},
	}
	if c.cfg.Heartbeat.Enabled {
		workers = append(workers, struct {
			key  string
			body pool.Body
		}{HeartbeatWorkerKey, c.heartbeatLoop})
	}
	for _, w := range workers {
		id, err := p.Spawn(w.body)
		if err != nil {
			return err
		}
		if err := p.Register(w.key, id); err != nil {
			c.logger.Warn().Err(err).Str("key", w.key).Msg("Worker registration failed")
		}
	}

	c.transition(StatusConnecting)
	if err := session.Connect(); err != nil {
		c.transition(StatusError)
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

// Disconnect gracefully closes the session and stops the workers.
// Safe to call on a client that never connected.
func (c *Client) Disconnect() {
	if c.pool == nil {
		return
	}
	for _, key := range []string{HeartbeatWorkerKey, ReaperWorkerKey, DispatchWorkerKey} {
		id, err := c.pool.Find(key)
		if err != nil {
			continue
		}
		_ = c.pool.Stop(id)
		_ = c.pool.Join(id, 5*time.Second)
		_ = c.pool.Unregister(key)
	}

	if c.session != nil {
		c.session.Disconnect()
	}
	c.transition(StatusDisconnected)
	c.logger.Info().Msg("Broker client disconnected")
}

// Publish sends a payload with the configured QoS. Publishing while
// the session is down fails fast with ErrNotConnected.
func (c *Client) Publish(topic string, payload []byte) error {
	if c.session == nil || !c.session.IsConnected() {
		return ErrNotConnected
	}
	return c.session.Publish(topic, byte(c.cfg.QoS), payload)
}

// Subscribe adds a topic to the subscription set. The subscription is
// applied immediately when connected and re-applied on every
// reconnect.
func (c *Client) Subscribe(topic string) error {
	c.subsMu.Lock()
	c.subs[topic] = struct{}{}
	c.subsMu.Unlock()

	if c.session != nil && c.session.IsConnected() {
		return c.session.Subscribe(topic, byte(c.cfg.QoS))
	}
	return nil
}

// CallAsync publishes a request and registers cb for its response.
// Exactly one of response or timeout reaches the callback. The
// returned string is the generated transaction ID.
func (c *Client) CallAsync(service, method string, params any, authority types.Authority, timeoutMS int, cb Callback) (string, error) {
	tid := NewTransactionID()

	payload, err := json.Marshal(types.CallRequest{
		Method:        method,
		Service:       service,
		TransactionID: tid,
		Authority:     authority,
		TimeoutMS:     timeoutMS,
		Params:        params,
	})
	if err != nil {
		return "", err
	}

	t := c.cfg.Topics
	requestTopic := RequestTopic(t.BasePrefix, service, method, t.RequestSuffix, tid, t.IncludeTransactionID)
	responseTopic := ResponseTopic(t.BasePrefix, service, method, t.ResponseSuffix, tid, t.IncludeTransactionID)

	if err := c.pending.add(tid, responseTopic, timeoutMS, cb); err != nil {
		return "", err
	}
	if err := c.Publish(requestTopic, payload); err != nil {
		c.pending.remove(tid)
		return "", err
	}

	tidLogger := log.WithTransactionID(c.logger, tid)
	tidLogger.Debug().Str("topic", requestTopic).Msg("Request published")
	return tid, nil
}

// PendingCount reports the number of in-flight async calls
func (c *Client) PendingCount() int {
	return c.pending.len()
}

// transition records a state change and notifies the status callback
func (c *Client) transition(st Status) {
	prev := c.Status()
	if prev == st {
		return
	}
	c.status.Store(st)
	metrics.BrokerStatusTransitions.WithLabelValues(string(st)).Inc()
	c.logger.Info().Str("from", string(prev)).Str("to", string(st)).Msg("Broker status changed")

	c.handlerMu.RLock()
	cb := c.onStatus
	c.handlerMu.RUnlock()
	if cb != nil {
		cb(st)
	}
}

// dispatchLoop drains the session callbacks' channels on a single
// worker so all dispatch state is owned by one goroutine
func (c *Client) dispatchLoop(h *pool.Handle) {
	for !h.ShouldExit() {
		h.CheckPause()
		select {
		case st := <-c.statusCh:
			c.handleStatus(st)
		case in := <-c.inboundCh:
			c.handleInbound(in)
		case <-time.After(dispatchIdle):
		}
	}
}

// handleStatus applies one connection state transition
func (c *Client) handleStatus(st Status) {
	c.transition(st)
	if st != StatusConnected {
		return
	}

	// Re-apply the full subscription set on every (re)connect
	c.subsMu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.subsMu.Unlock()

	for _, topic := range topics {
		if err := c.session.Subscribe(topic, byte(c.cfg.QoS)); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("Resubscribe failed")
		}
	}
	metrics.UpdateComponent("broker", true, "connected")
}

// handleInbound routes one delivery: duplicate suppression, then
// pending-transaction matching, then the installed message handler
func (c *Client) handleInbound(in Inbound) {
	if in.QoS > 0 {
		key := fmt.Sprintf("%d|%s", in.MessageID, in.Topic)
		if _, seen := c.dedup.Get(key); seen {
			metrics.DedupSuppressed.Inc()
			return
		}
		c.dedup.Set(key, struct{}{}, dedupWindow)
	}

	var probe struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(in.Payload, &probe); err == nil && ValidateTransactionID(probe.TransactionID) {
		if c.pending.complete(probe.TransactionID, in.Payload) {
			return
		}
	}

	c.handlerMu.RLock()
	handler := c.onMessage
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(in.Topic, in.Payload)
	}
}

// reaperLoop expires stale pending entries once per sweep interval
func (c *Client) reaperLoop(h *pool.Handle) {
	for !h.ShouldExit() {
		h.CheckPause()
		time.Sleep(sweepInterval)
		if n := c.pending.sweep(time.Now()); n > 0 {
			c.logger.Warn().Int("expired", n).Msg("Pending requests timed out")
		}
	}
}
