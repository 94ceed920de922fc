package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ultimaops/backend-datalink/pkg/broker"
	"github.com/ultimaops/backend-datalink/pkg/config"
	"github.com/ultimaops/backend-datalink/pkg/events"
	"github.com/ultimaops/backend-datalink/pkg/log"
	"github.com/ultimaops/backend-datalink/pkg/metrics"
	"github.com/ultimaops/backend-datalink/pkg/pool"
	"github.com/ultimaops/backend-datalink/pkg/processor"
	"github.com/ultimaops/backend-datalink/pkg/storage"
	"github.com/ultimaops/backend-datalink/pkg/sysdata"
	"github.com/ultimaops/backend-datalink/pkg/types"
	"github.com/ultimaops/backend-datalink/pkg/wsserver"
)

// Pool attachment keys of the gateway's own workers
const (
	// EventsWorkerKey names the bus drain worker
	EventsWorkerKey = "gateway-events"

	// GaugesWorkerKey names the periodic gauge sync worker
	GaugesWorkerKey = "gateway-gauges"
)

// gaugeSyncInterval is how often the pool and connection gauges are
// refreshed
const gaugeSyncInterval = 15 * time.Second

// Gateway owns every subsystem and wires them together: the worker
// pool, the store, the event bus, the WebSocket fan-out server, the
// broker RPC client with its relay, the request processor and the
// host-metrics collector.
type Gateway struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool      *pool.Pool
	store     storage.Store
	bus       *events.Broker
	server    *wsserver.Server
	broker    *broker.Client
	relay     *broker.Relay
	proc      *processor.Processor
	collector *sysdata.Collector
	gauges    *metrics.Collector

	subMu       sync.Mutex
	subscribers map[string]struct{}
}

// New builds a gateway from a validated configuration. The store is
// opened here; everything else starts in Start.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		cfg:         cfg,
		logger:      log.WithComponent("gateway"),
		pool:        pool.New(),
		bus:         events.NewBroker(),
		server:      wsserver.New(cfg.WebSocket),
		subscribers: make(map[string]struct{}),
	}

	if cfg.Database.Enabled {
		store, err := storage.Open(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("gateway: open store: %w", err)
		}
		g.store = store
	} else {
		g.store = storage.NopStore{}
	}

	g.collector = sysdata.New(cfg.SystemData, g.bus, g.store)
	g.gauges = metrics.NewCollector(g.pool, g.server)
	g.pool.OnWorkerExit(g.publishWorkerStopped)

	if cfg.Broker != nil {
		g.broker = broker.New(*cfg.Broker)
		g.proc = processor.New(g.pool, g.broker)
		g.broker.OnMessage(g.handleBrokerMessage)
		g.broker.OnStatus(g.publishBrokerStatus)
		if cfg.Broker.Relay.Enabled {
			g.relay = broker.NewRelay(cfg.Broker.Relay)
		}
	}

	g.server.OnOpen(g.handleOpen)
	g.server.OnMessage(g.handleMessage)
	g.server.OnClose(g.handleClose)
	return g, nil
}

// Processor exposes the request processor so integrators can install
// method handlers before Start. It is nil in dashboard-only mode.
func (g *Gateway) Processor() *processor.Processor {
	return g.proc
}

// Store exposes the backing store
func (g *Gateway) Store() storage.Store {
	return g.store
}

// Bus exposes the in-process event bus
func (g *Gateway) Bus() *events.Broker {
	return g.bus
}

// Start brings the subsystems up: bus, WebSocket server, broker
// client, relay, host-metrics collector, gauge sync, and the bus
// drain worker. Any failure leaves already-started subsystems for
// Stop to unwind.
func (g *Gateway) Start() error {
	if err := g.bus.Start(g.pool); err != nil {
		return fmt.Errorf("gateway: event bus: %w", err)
	}

	if err := g.server.Start(g.pool); err != nil {
		return fmt.Errorf("gateway: websocket server: %w", err)
	}

	if g.broker != nil {
		if err := g.broker.Connect(g.pool); err != nil {
			return fmt.Errorf("gateway: broker: %w", err)
		}
	}
	if g.relay != nil {
		if err := g.relay.Start(g.pool); err != nil {
			return fmt.Errorf("gateway: relay: %w", err)
		}
	}

	if err := g.collector.Start(g.pool); err != nil {
		return fmt.Errorf("gateway: sysdata: %w", err)
	}
	if err := g.startGaugesWorker(); err != nil {
		return fmt.Errorf("gateway: gauges worker: %w", err)
	}

	if err := g.startEventsWorker(); err != nil {
		return fmt.Errorf("gateway: events worker: %w", err)
	}

	g.logger.Info().
		Str("listen", fmt.Sprintf("%s:%d", g.cfg.WebSocket.Host, g.cfg.WebSocket.Port)).
		Bool("broker", g.broker != nil).
		Msg("Gateway started")
	return nil
}

// Stop unwinds in reverse order. The processor barrier runs first so
// in-flight requests drain before their transport goes away; the pool
// shuts down last.
func (g *Gateway) Stop() {
	if g.proc != nil {
		g.proc.Shutdown()
	}

	g.collector.Stop()
	if g.relay != nil {
		g.relay.Stop()
	}
	if g.broker != nil {
		g.broker.Disconnect()
	}
	g.stopWorker(EventsWorkerKey)
	g.server.Stop()
	g.stopWorker(GaugesWorkerKey)
	g.bus.Stop()

	if err := g.store.Close(); err != nil {
		g.logger.Warn().Err(err).Msg("Store close failed")
	}
	g.pool.Shutdown()
	g.logger.Info().Msg("Gateway stopped")
}

// handleOpen greets the client and records the connection
func (g *Gateway) handleOpen(id string) {
	welcome := types.WelcomeMessage{
		Type:         types.MsgWelcome,
		ConnectionID: id,
		Server:       types.ServerName,
		Timestamp:    types.Timestamp(),
	}
	g.send(id, welcome)
	g.publishEvent(events.EventConnectionOpened, "wsserver", id)

	if g.cfg.Database.LogConnections {
		addr, err := g.server.RemoteAddr(id)
		if err != nil {
			addr = ""
		}
		if err := g.store.LogConnection(id, addr); err != nil {
			g.logger.Warn().Err(err).Str("connection_id", id).Msg("Connection log failed")
		}
	}
}

// handleMessage routes one inbound client message
func (g *Gateway) handleMessage(id string, msg map[string]any) {
	if g.cfg.Database.LogMessages {
		if raw, err := json.Marshal(msg); err == nil {
			if err := g.store.LogMessage(id, storage.DirectionIn, string(raw)); err != nil {
				g.logger.Warn().Err(err).Str("connection_id", id).Msg("Message log failed")
			}
		}
	}

	msgType, _ := msg["type"].(string)
	switch msgType {
	case types.MsgGetDashboardData:
		g.sendDashboardData(id, msg)
	case types.MsgSubscribeUpdates:
		g.subMu.Lock()
		g.subscribers[id] = struct{}{}
		g.subMu.Unlock()
		g.send(id, types.SubscriptionConfirmedMessage{
			Type:      types.MsgSubscriptionConfirmed,
			Timestamp: types.Timestamp(),
		})
	default:
		g.send(id, types.EchoMessage{
			Type:      types.MsgEcho,
			Original:  msg,
			Timestamp: types.Timestamp(),
			Server:    types.ServerName,
		})
	}
}

// handleClose drops subscription state and closes the connection log
func (g *Gateway) handleClose(id string) {
	g.subMu.Lock()
	delete(g.subscribers, id)
	g.subMu.Unlock()

	g.publishEvent(events.EventConnectionClosed, "wsserver", id)

	if g.cfg.Database.LogConnections {
		if err := g.store.MarkDisconnected(id); err != nil {
			g.logger.Warn().Err(err).Str("connection_id", id).Msg("Disconnect log failed")
		}
	}
}

// sendDashboardData answers get_dashboard_data from the store;
// categories with no stored snapshot are omitted from the reply
func (g *Gateway) sendDashboardData(id string, msg map[string]any) {
	categories := requestedCategories(msg)

	data := make(map[string]json.RawMessage, len(categories))
	for _, cat := range categories {
		snapshot, err := g.store.GetDashboardData(cat)
		if err != nil {
			if err != storage.ErrNotFound {
				g.logger.Warn().Err(err).Str("category", cat).Msg("Dashboard read failed")
			}
			continue
		}
		data[cat] = snapshot
	}

	g.send(id, types.DashboardDataMessage{
		Type:      types.MsgDashboardData,
		Data:      data,
		Timestamp: types.Timestamp(),
	})
}

// requestedCategories extracts the categories list, falling back to
// the default set
func requestedCategories(msg map[string]any) []string {
	raw, ok := msg["categories"].([]any)
	if !ok || len(raw) == 0 {
		return types.DefaultCategories()
	}
	categories := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			categories = append(categories, s)
		}
	}
	if len(categories) == 0 {
		return types.DefaultCategories()
	}
	return categories
}

// send delivers one message and mirrors it to the message log
func (g *Gateway) send(id string, v any) {
	if err := g.server.Send(id, v); err != nil {
		g.logger.Debug().Err(err).Str("connection_id", id).Msg("Send failed")
		return
	}
	if g.cfg.Database.LogMessages {
		if raw, err := json.Marshal(v); err == nil {
			if err := g.store.LogMessage(id, storage.DirectionOut, string(raw)); err != nil {
				g.logger.Warn().Err(err).Str("connection_id", id).Msg("Message log failed")
			}
		}
	}
}

// handleBrokerMessage routes inbound request topics to the processor;
// anything without a request suffix is ignored here (responses are
// consumed by the broker client's pending table)
func (g *Gateway) handleBrokerMessage(topic string, payload []byte) {
	topics := g.cfg.Broker.Topics
	responseTopic := broker.MirrorResponseTopic(topic, topics.RequestSuffix, topics.ResponseSuffix)
	if responseTopic == "" {
		g.logger.Debug().Str("topic", topic).Msg("Non-request topic ignored")
		return
	}
	g.proc.Handle(payload, responseTopic)
}

// publishEvent posts one lifecycle event on the bus. The message is
// the connection ID for connection events, the new status for broker
// events and a short description for worker events.
func (g *Gateway) publishEvent(typ events.EventType, source, message string) {
	g.bus.Publish(&events.Event{
		Type:    typ,
		Source:  source,
		Message: message,
	})
}

// publishBrokerStatus mirrors broker connection transitions onto the bus
func (g *Gateway) publishBrokerStatus(st broker.Status) {
	g.publishEvent(events.EventBrokerStatus, "broker", string(st))
}

// publishWorkerStopped reports one finished pool worker on the bus
func (g *Gateway) publishWorkerStopped(id int64) {
	g.publishEvent(events.EventWorkerStopped, "pool", fmt.Sprintf("worker %d stopped", id))
}

// startGaugesWorker spawns the pool worker that keeps the worker and
// connection gauges current
func (g *Gateway) startGaugesWorker() error {
	id, err := g.pool.Spawn(func(h *pool.Handle) {
		g.gauges.Collect()
		ticker := time.NewTicker(gaugeSyncInterval)
		defer ticker.Stop()
		for !h.ShouldExit() {
			h.CheckPause()
			select {
			case <-ticker.C:
				g.gauges.Collect()
			case <-time.After(200 * time.Millisecond):
			}
		}
	})
	if err != nil {
		return err
	}
	if err := g.pool.Register(GaugesWorkerKey, id); err != nil {
		g.logger.Warn().Err(err).Msg("Gauges worker registration failed")
	}
	return nil
}

// startEventsWorker spawns the pool worker that fans bus events out
// to subscribed clients
func (g *Gateway) startEventsWorker() error {
	sub := g.bus.Subscribe()

	id, err := g.pool.Spawn(func(h *pool.Handle) {
		defer g.bus.Unsubscribe(sub)
		for !h.ShouldExit() {
			h.CheckPause()
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				g.handleEvent(ev)
			case <-time.After(200 * time.Millisecond):
			}
		}
	})
	if err != nil {
		return err
	}
	if err := g.pool.Register(EventsWorkerKey, id); err != nil {
		g.logger.Warn().Err(err).Msg("Events worker registration failed")
	}
	return nil
}

// stopWorker stops and joins one registered gateway worker
func (g *Gateway) stopWorker(key string) {
	id, err := g.pool.Find(key)
	if err != nil {
		return
	}
	_ = g.pool.Stop(id)
	_ = g.pool.Join(id, 5*time.Second)
	_ = g.pool.Unregister(key)
}

// handleEvent turns category updates into dashboard_update pushes for
// subscribed clients only
func (g *Gateway) handleEvent(ev *events.Event) {
	if ev.Type != events.EventCategoryUpdate {
		return
	}

	update := types.DashboardUpdateMessage{
		Type:      types.MsgDashboardUpdate,
		Category:  ev.Category,
		Data:      ev.Data,
		Timestamp: types.Timestamp(),
	}

	g.subMu.Lock()
	ids := make([]string, 0, len(g.subscribers))
	for id := range g.subscribers {
		ids = append(ids, id)
	}
	g.subMu.Unlock()

	for _, id := range ids {
		g.send(id, update)
	}
}
