package gateway

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultimaops/backend-datalink/pkg/broker"
	"github.com/ultimaops/backend-datalink/pkg/config"
	"github.com/ultimaops/backend-datalink/pkg/events"
	"github.com/ultimaops/backend-datalink/pkg/types"
	"github.com/ultimaops/backend-datalink/pkg/wsserver"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// startTestGateway runs a dashboard-only gateway on an ephemeral port
// backed by a real sqlite store
func startTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	port := freePort(t)
	cfg := &config.Config{
		WebSocket: wsserver.Config{
			Host:           "127.0.0.1",
			Port:           port,
			MaxConnections: 10,
			TimeoutMS:      5000,
		},
		Database: config.DatabaseConfig{
			Path:           filepath.Join(t.TempDir(), "gw.db"),
			Enabled:        true,
			LogConnections: true,
			LogMessages:    true,
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	g, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	t.Cleanup(g.Stop)

	return g, fmt.Sprintf("ws://127.0.0.1:%d/", port)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// TestWelcomeOnConnect greets every client with its connection ID
func TestWelcomeOnConnect(t *testing.T) {
	_, url := startTestGateway(t)
	conn := dial(t, url)

	welcome := readMessage(t, conn)
	assert.Equal(t, types.MsgWelcome, welcome["type"])
	assert.Equal(t, types.ServerName, welcome["server"])
	assert.Regexp(t, `^conn_\d+_[1-9]\d{5}$`, welcome["connection_id"])
	assert.NotZero(t, welcome["timestamp"])
}

// TestEchoUnrecognizedMessage reflects the original payload back
func TestEchoUnrecognizedMessage(t *testing.T) {
	_, url := startTestGateway(t)
	conn := dial(t, url)
	readMessage(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "n": 1}))

	echo := readMessage(t, conn)
	assert.Equal(t, types.MsgEcho, echo["type"])
	assert.Equal(t, types.ServerName, echo["server"])
	assert.Equal(t, map[string]any{"type": "hello", "n": float64(1)}, echo["original"])
}

// TestDashboardSnapshot serves stored category data on request
func TestDashboardSnapshot(t *testing.T) {
	g, url := startTestGateway(t)
	require.NoError(t, g.Store().PutDashboardData(types.CategoryRAM,
		[]byte(`{"usage_percent":42.0,"used_gb":3.4,"total_gb":8.0}`)))

	conn := dial(t, url)
	readMessage(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       types.MsgGetDashboardData,
		"categories": []string{"ram"},
	}))

	reply := readMessage(t, conn)
	assert.Equal(t, types.MsgDashboardData, reply["type"])

	data, ok := reply["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"usage_percent": 42.0,
		"used_gb":       3.4,
		"total_gb":      8.0,
	}, data["ram"])
}

// TestDashboardSnapshotSkipsEmptyCategories omits categories with no
// stored data rather than erroring
func TestDashboardSnapshotSkipsEmptyCategories(t *testing.T) {
	_, url := startTestGateway(t)
	conn := dial(t, url)
	readMessage(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": types.MsgGetDashboardData}))

	reply := readMessage(t, conn)
	assert.Equal(t, types.MsgDashboardData, reply["type"])
	data, ok := reply["data"].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, data)
}

// TestSubscribeAndUpdate pushes bus category updates only to
// subscribed clients
func TestSubscribeAndUpdate(t *testing.T) {
	g, url := startTestGateway(t)

	subscriber := dial(t, url)
	readMessage(t, subscriber) // welcome
	bystander := dial(t, url)
	readMessage(t, bystander) // welcome

	require.NoError(t, subscriber.WriteJSON(map[string]any{"type": types.MsgSubscribeUpdates}))
	confirmed := readMessage(t, subscriber)
	assert.Equal(t, types.MsgSubscriptionConfirmed, confirmed["type"])

	g.Bus().Publish(&events.Event{
		Type:     events.EventCategoryUpdate,
		Category: types.CategoryRAM,
		Data:     json.RawMessage(`{"usage_percent":50.0}`),
	})

	update := readMessage(t, subscriber)
	assert.Equal(t, types.MsgDashboardUpdate, update["type"])
	assert.Equal(t, types.CategoryRAM, update["category"])
	assert.Equal(t, map[string]any{"usage_percent": 50.0}, update["data"])

	// The bystander never subscribed and must see nothing
	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := bystander.ReadMessage()
	assert.Error(t, err, "unsubscribed client must not receive updates")
}

// TestDashboardOnlyMode has no processor without a broker section
func TestDashboardOnlyMode(t *testing.T) {
	g, _ := startTestGateway(t)
	assert.Nil(t, g.Processor())
}

// waitEvent drains sub until an event of the wanted type arrives
func waitEvent(t *testing.T, sub events.Subscriber, typ events.EventType) *events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event arrived", typ)
			return nil
		}
	}
}

// TestConnectionLifecycleEvents publishes opened and closed events
// carrying the connection ID
func TestConnectionLifecycleEvents(t *testing.T) {
	g, url := startTestGateway(t)
	sub := g.Bus().Subscribe()
	defer g.Bus().Unsubscribe(sub)

	conn := dial(t, url)
	welcome := readMessage(t, conn)
	connID, ok := welcome["connection_id"].(string)
	require.True(t, ok)

	opened := waitEvent(t, sub, events.EventConnectionOpened)
	assert.Equal(t, "wsserver", opened.Source)
	assert.Equal(t, connID, opened.Message)

	require.NoError(t, conn.Close())

	closed := waitEvent(t, sub, events.EventConnectionClosed)
	assert.Equal(t, "wsserver", closed.Source)
	assert.Equal(t, connID, closed.Message)
}

// TestBrokerStatusEvent mirrors a broker transition onto the bus
func TestBrokerStatusEvent(t *testing.T) {
	g, _ := startTestGateway(t)
	sub := g.Bus().Subscribe()
	defer g.Bus().Unsubscribe(sub)

	g.publishBrokerStatus(broker.StatusConnected)

	ev := waitEvent(t, sub, events.EventBrokerStatus)
	assert.Equal(t, "broker", ev.Source)
	assert.Equal(t, string(broker.StatusConnected), ev.Message)
}

// TestWorkerStoppedEvent reports finished pool workers on the bus
func TestWorkerStoppedEvent(t *testing.T) {
	g, _ := startTestGateway(t)
	sub := g.Bus().Subscribe()
	defer g.Bus().Unsubscribe(sub)

	g.publishWorkerStopped(42)

	ev := waitEvent(t, sub, events.EventWorkerStopped)
	assert.Equal(t, "pool", ev.Source)
	assert.Equal(t, "worker 42 stopped", ev.Message)
}
