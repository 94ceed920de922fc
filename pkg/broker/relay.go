package broker

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/ultimaops/backend-datalink/pkg/log"
	"github.com/ultimaops/backend-datalink/pkg/metrics"
	"github.com/ultimaops/backend-datalink/pkg/pool"
)

const (
	// MaxRelayBrokers bounds the relay broker table
	MaxRelayBrokers = 16

	// MaxRelayRules bounds the forwarding rule table
	MaxRelayRules = 32

	// RelayWorkerKey is the pool attachment key of the relay dispatcher
	RelayWorkerKey = "relay-dispatch"

	// forwardWindow is how long a forwarded payload is remembered for
	// loop prevention on bidirectional rules
	forwardWindow = 2 * time.Second
)

// RelayBrokerConfig describes one relay broker session. The set of
// brokers is fixed at configuration time.
type RelayBrokerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	Primary     bool   `mapstructure:"primary"`
	UseTLS      bool   `mapstructure:"use_tls"`
	CAFile      string `mapstructure:"ca_file"`
	CertFile    string `mapstructure:"cert_file"`
	KeyFile     string `mapstructure:"key_file"`
	TLSInsecure bool   `mapstructure:"tls_insecure"`
}

// RelayRuleConfig forwards messages from a source topic on one broker
// to a destination topic on another. Rules are fixed at configuration
// time; matching is by substring on the delivered topic.
type RelayRuleConfig struct {
	SourceTopic       string `mapstructure:"source_topic"`
	DestinationTopic  string `mapstructure:"destination_topic"`
	Prefix            string `mapstructure:"prefix"`
	SourceBroker      int    `mapstructure:"source_broker"`
	DestinationBroker int    `mapstructure:"destination_broker"`
	Bidirectional     bool   `mapstructure:"bidirectional"`
}

// RelayConfig is the multi-broker forwarding configuration
type RelayConfig struct {
	Enabled          bool                `mapstructure:"enabled"`
	ConditionalRelay bool                `mapstructure:"conditional_relay"`
	Prefix           string              `mapstructure:"prefix"`
	Brokers          []RelayBrokerConfig `mapstructure:"brokers"`
	Rules            []RelayRuleConfig   `mapstructure:"rules"`
}

// Validate checks table sizes and rule broker indices
func (c RelayConfig) Validate() error {
	if len(c.Brokers) > MaxRelayBrokers {
		return fmt.Errorf("%w: %d brokers exceeds %d", ErrTableFull, len(c.Brokers), MaxRelayBrokers)
	}
	if len(c.Rules) > MaxRelayRules {
		return fmt.Errorf("%w: %d rules exceeds %d", ErrTableFull, len(c.Rules), MaxRelayRules)
	}
	for i, rule := range c.Rules {
		if rule.SourceBroker < 0 || rule.SourceBroker >= len(c.Brokers) {
			return fmt.Errorf("relay rule %d: source_broker %d out of range", i, rule.SourceBroker)
		}
		if rule.DestinationBroker < 0 || rule.DestinationBroker >= len(c.Brokers) {
			return fmt.Errorf("relay rule %d: destination_broker %d out of range", i, rule.DestinationBroker)
		}
	}
	return nil
}

// relayDelivery is one message received on a source broker
type relayDelivery struct {
	broker  int
	topic   string
	payload []byte
}

// Relay owns up to MaxRelayBrokers broker sessions and forwards
// messages between them according to the rule table. With
// conditional_relay, non-primary brokers stay disconnected until their
// readiness latch is raised and ConnectSecondaryBrokers is called.
type Relay struct {
	cfg    RelayConfig
	logger zerolog.Logger
	pool   *pool.Pool

	sessions   []Session
	newSession func(idx int, b RelayBrokerConfig) (Session, error)

	forwardCh chan relayDelivery

	mu         sync.Mutex
	ready      []bool
	subscribed []bool

	// forwarded remembers recent traversals for bidirectional loop
	// prevention
	forwarded *cache.Cache

	errorCount atomic.Int64
}

// NewRelay creates a stopped relay from a validated configuration
func NewRelay(cfg RelayConfig) *Relay {
	r := &Relay{
		cfg:        cfg,
		logger:     log.WithComponent("relay"),
		forwardCh:  make(chan relayDelivery, 256),
		ready:      make([]bool, len(cfg.Brokers)),
		subscribed: make([]bool, len(cfg.Brokers)),
		forwarded:  cache.New(forwardWindow, time.Minute),
	}
	r.newSession = func(idx int, b RelayBrokerConfig) (Session, error) {
		return newPahoSession(Config{
			BrokerHost:    b.Host,
			BrokerPort:    b.Port,
			ClientID:      b.ClientID,
			Keepalive:     defaultKeepalive,
			Username:      b.Username,
			Password:      b.Password,
			UseTLS:        b.UseTLS,
			CAFile:        b.CAFile,
			CertFile:      b.CertFile,
			KeyFile:       b.KeyFile,
			TLSInsecure:   b.TLSInsecure,
			AutoReconnect: true,

			ConnectTimeout:    defaultConnectTimeout,
			MessageTimeout:    defaultMessageTimeout,
			ReconnectDelayMin: defaultReconnectDelayMin,
			ReconnectDelayMax: defaultReconnectDelayMax,
		}, sessionHooks{
			onStatus: func(st Status) {
				r.logger.Debug().Int("broker", idx).Str("status", string(st)).Msg("Relay broker status")
			},
			onInbound: func(in Inbound) {
				select {
				case r.forwardCh <- relayDelivery{broker: idx, topic: in.Topic, payload: in.Payload}:
				default:
					r.logger.Warn().Int("broker", idx).Str("topic", in.Topic).Msg("Relay channel full, message dropped")
				}
			},
		})
	}
	return r
}

// Start validates the tables, connects the eligible brokers,
// subscribes the rule topics and spawns the forwarding worker
func (r *Relay) Start(p *pool.Pool) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	r.pool = p

	r.sessions = make([]Session, len(r.cfg.Brokers))
	for i, b := range r.cfg.Brokers {
		session, err := r.newSession(i, b)
		if err != nil {
			return fmt.Errorf("relay broker %d: %w", i, err)
		}
		r.sessions[i] = session
	}

	for i, b := range r.cfg.Brokers {
		if !b.Primary && r.cfg.ConditionalRelay {
			continue
		}
		if err := r.sessions[i].Connect(); err != nil {
			return fmt.Errorf("relay broker %d connect: %w", i, err)
		}
		if err := r.subscribeBroker(i); err != nil {
			return err
		}
	}

	id, err := p.Spawn(r.dispatchLoop)
	if err != nil {
		return err
	}
	if err := p.Register(RelayWorkerKey, id); err != nil {
		r.logger.Warn().Err(err).Msg("Relay worker registration failed")
	}

	r.logger.Info().Int("brokers", len(r.cfg.Brokers)).Int("rules", len(r.cfg.Rules)).
		Bool("conditional", r.cfg.ConditionalRelay).Msg("Relay started")
	return nil
}

// Stop disconnects every broker session and stops the worker. Safe
// to call on a relay that never started.
func (r *Relay) Stop() {
	if r.pool == nil {
		return
	}
	if id, err := r.pool.Find(RelayWorkerKey); err == nil {
		_ = r.pool.Stop(id)
		_ = r.pool.Join(id, 5*time.Second)
		_ = r.pool.Unregister(RelayWorkerKey)
	}
	for _, s := range r.sessions {
		if s != nil && s.IsConnected() {
			s.Disconnect()
		}
	}
	r.logger.Info().Msg("Relay stopped")
}

// MarkReady raises the readiness latch of one non-primary broker
func (r *Relay) MarkReady(idx int) error {
	if idx < 0 || idx >= len(r.cfg.Brokers) {
		return fmt.Errorf("relay broker %d out of range", idx)
	}
	r.mu.Lock()
	r.ready[idx] = true
	r.mu.Unlock()
	r.logger.Info().Int("broker", idx).Msg("Secondary broker marked ready")
	return nil
}

// ConnectSecondaryBrokers connects every non-primary broker whose
// readiness latch is raised
func (r *Relay) ConnectSecondaryBrokers() error {
	for i, b := range r.cfg.Brokers {
		if b.Primary {
			continue
		}
		r.mu.Lock()
		ready := r.ready[i]
		r.mu.Unlock()
		if !ready || r.sessions[i].IsConnected() {
			continue
		}
		if err := r.sessions[i].Connect(); err != nil {
			return fmt.Errorf("relay broker %d connect: %w", i, err)
		}
		if err := r.subscribeBroker(i); err != nil {
			return err
		}
		r.logger.Info().Int("broker", i).Msg("Secondary broker connected")
	}
	return nil
}

// ErrorCount reports how many forwards were skipped because their
// destination broker was down
func (r *Relay) ErrorCount() int64 {
	return r.errorCount.Load()
}

// subscribeBroker applies every rule subscription this broker serves
// as a source (or as a destination, for bidirectional rules)
func (r *Relay) subscribeBroker(idx int) error {
	r.mu.Lock()
	already := r.subscribed[idx]
	r.subscribed[idx] = true
	r.mu.Unlock()
	if already {
		return nil
	}

	for _, rule := range r.cfg.Rules {
		if rule.SourceBroker == idx {
			if err := r.sessions[idx].Subscribe(rule.SourceTopic, 0); err != nil {
				return fmt.Errorf("relay broker %d subscribe %s: %w", idx, rule.SourceTopic, err)
			}
		}
		if rule.Bidirectional && rule.DestinationBroker == idx {
			if err := r.sessions[idx].Subscribe(rule.DestinationTopic, 0); err != nil {
				return fmt.Errorf("relay broker %d subscribe %s: %w", idx, rule.DestinationTopic, err)
			}
		}
	}
	return nil
}

// dispatchLoop drains deliveries from all source brokers on a single
// worker
func (r *Relay) dispatchLoop(h *pool.Handle) {
	for !h.ShouldExit() {
		h.CheckPause()
		select {
		case d := <-r.forwardCh:
			r.handleDelivery(d)
		case <-time.After(dispatchIdle):
		}
	}
}

// handleDelivery matches one message against the rule table and
// forwards it to every matching destination
func (r *Relay) handleDelivery(d relayDelivery) {
	for i, rule := range r.cfg.Rules {
		if rule.SourceBroker == d.broker && strings.Contains(d.topic, rule.SourceTopic) {
			r.forward(i, rule.DestinationBroker, r.destinationTopic(rule, rule.DestinationTopic), d.payload, "fwd")
		}
		if rule.Bidirectional && rule.DestinationBroker == d.broker && strings.Contains(d.topic, rule.DestinationTopic) {
			r.forward(i, rule.SourceBroker, r.destinationTopic(rule, rule.SourceTopic), d.payload, "rev")
		}
	}
}

// destinationTopic prepends the rule prefix, falling back to the
// relay-wide prefix, then to none
func (r *Relay) destinationTopic(rule RelayRuleConfig, topic string) string {
	prefix := rule.Prefix
	if prefix == "" {
		prefix = r.cfg.Prefix
	}
	return prefix + topic
}

// forward publishes one payload across brokers. A payload that just
// traversed the same rule in the opposite direction is dropped, which
// breaks bidirectional forwarding loops.
func (r *Relay) forward(ruleIdx, dest int, topic string, payload []byte, direction string) {
	key := fmt.Sprintf("%x|%d", payloadHash(payload), ruleIdx)
	if prev, seen := r.forwarded.Get(key); seen && prev.(string) != direction {
		r.logger.Debug().Int("rule", ruleIdx).Msg("Loop-prevented forward dropped")
		return
	}

	if !r.sessions[dest].IsConnected() {
		r.errorCount.Add(1)
		metrics.RelayErrors.Inc()
		r.logger.Warn().Int("rule", ruleIdx).Int("broker", dest).Msg("Destination broker down, forward skipped")
		return
	}

	if err := r.sessions[dest].Publish(topic, 0, payload); err != nil {
		r.errorCount.Add(1)
		metrics.RelayErrors.Inc()
		r.logger.Warn().Err(err).Int("rule", ruleIdx).Str("topic", topic).Msg("Forward publish failed")
		return
	}

	r.forwarded.Set(key, direction, forwardWindow)
	metrics.RelayForwarded.Inc()
}

func payloadHash(payload []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(payload)
	return h.Sum64()
}
