package broker

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Status is the broker connection state reported to the status callback
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Inbound is one PUBLISH delivered by the broker library. The adapter
// copies the payload so the dispatcher operates on owned data.
type Inbound struct {
	Topic     string
	Payload   []byte
	MessageID uint16
	QoS       byte
}

// Session is one broker connection. The paho client is wrapped behind
// this interface so tests can substitute a fake.
type Session interface {
	Connect() error
	Disconnect()
	Publish(topic string, qos byte, payload []byte) error
	Subscribe(topic string, qos byte) error
	IsConnected() bool
}

// sessionHooks are invoked from the broker library's I/O goroutines.
// Implementations must only post to channels or touch atomic state.
type sessionHooks struct {
	onStatus  func(Status)
	onInbound func(Inbound)
}

// pahoSession adapts one eclipse/paho client to the Session interface
type pahoSession struct {
	client         mqtt.Client
	connectTimeout time.Duration
	actionTimeout  time.Duration
}

// newPahoSession builds a paho client from the configuration. All
// library callbacks are reduced to the two hooks.
func newPahoSession(cfg Config, hooks sessionHooks) (*pahoSession, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetKeepAlive(time.Duration(cfg.Keepalive) * time.Second).
		SetCleanSession(cfg.CleanSession).
		SetConnectTimeout(time.Duration(cfg.ConnectTimeout) * time.Second).
		SetAutoReconnect(cfg.AutoReconnect).
		SetConnectRetryInterval(time.Duration(cfg.ReconnectDelayMin) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.ReconnectDelayMax) * time.Second)

	// Credentials are applied when at least one of the pair is set
	if cfg.Username != "" || cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.UseTLS {
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		hooks.onStatus(StatusConnected)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		hooks.onStatus(StatusError)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		hooks.onStatus(StatusReconnecting)
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		payload := append([]byte(nil), msg.Payload()...)
		hooks.onInbound(Inbound{
			Topic:     msg.Topic(),
			Payload:   payload,
			MessageID: msg.MessageID(),
			QoS:       msg.Qos(),
		})
	})

	return &pahoSession{
		client:         mqtt.NewClient(opts),
		connectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		actionTimeout:  time.Duration(cfg.MessageTimeout) * time.Second,
	}, nil
}

func (s *pahoSession) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(s.connectTimeout) {
		return fmt.Errorf("connect: %w", ErrTimeout)
	}
	return token.Error()
}

func (s *pahoSession) Disconnect() {
	// Quiesce for 250 ms so in-flight acks drain
	s.client.Disconnect(250)
}

func (s *pahoSession) Publish(topic string, qos byte, payload []byte) error {
	token := s.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(s.actionTimeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
	return token.Error()
}

func (s *pahoSession) Subscribe(topic string, qos byte) error {
	token := s.client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(s.actionTimeout) {
		return fmt.Errorf("subscribe %s: %w", topic, ErrTimeout)
	}
	return token.Error()
}

func (s *pahoSession) IsConnected() bool {
	return s.client.IsConnectionOpen()
}
