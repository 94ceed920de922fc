package wsserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultimaops/backend-datalink/pkg/pool"
)

// TestConfigValidate exercises the exact option ranges
func TestConfigValidate(t *testing.T) {
	valid := Config{Host: "127.0.0.1", Port: 8765, MaxConnections: 10, TimeoutMS: 5000}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty host", func(c *Config) { c.Host = "" }, true},
		{"port zero", func(c *Config) { c.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Port = 65536 }, true},
		{"port lower bound", func(c *Config) { c.Port = 1 }, false},
		{"port upper bound", func(c *Config) { c.Port = 65535 }, false},
		{"max connections zero", func(c *Config) { c.MaxConnections = 0 }, true},
		{"max connections too high", func(c *Config) { c.MaxConnections = 10001 }, true},
		{"max connections upper bound", func(c *Config) { c.MaxConnections = 10000 }, false},
		{"timeout too low", func(c *Config) { c.TimeoutMS = 99 }, true},
		{"timeout too high", func(c *Config) { c.TimeoutMS = 300001 }, true},
		{"timeout lower bound", func(c *Config) { c.TimeoutMS = 100 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestConnectionIDFormat checks the generated ID shape
func TestConnectionIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^conn_\d+_[1-9]\d{5}$`)
	for i := 0; i < 100; i++ {
		id := newConnectionID()
		assert.Regexp(t, pattern, id)
	}
}

// freePort reserves an ephemeral port for a test server
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startTestServer(t *testing.T, maxConns int) (*Server, *pool.Pool, string) {
	t.Helper()
	port := freePort(t)
	srv := New(Config{
		Host:           "127.0.0.1",
		Port:           port,
		MaxConnections: maxConns,
		TimeoutMS:      5000,
	})
	p := pool.New()
	require.NoError(t, srv.Start(p))
	t.Cleanup(func() {
		srv.Stop()
		p.Shutdown()
	})
	return srv, p, fmt.Sprintf("ws://127.0.0.1:%d/", port)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestMessageDelivery verifies frames reach the handler parsed and in order
func TestMessageDelivery(t *testing.T) {
	srv, _, url := startTestServer(t, 10)

	type received struct {
		id  string
		msg map[string]any
	}
	got := make(chan received, 10)
	srv.OnMessage(func(id string, msg map[string]any) {
		got <- received{id, msg}
	})

	conn := dial(t, url)
	defer conn.Close()

	for i := 1; i <= 3; i++ {
		payload := fmt.Sprintf(`{"type":"hello","n":%d}`, i)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
	}

	for i := 1; i <= 3; i++ {
		select {
		case r := <-got:
			assert.Equal(t, "hello", r.msg["type"])
			assert.Equal(t, float64(i), r.msg["n"], "frames must arrive in order")
			assert.Regexp(t, `^conn_`, r.id)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}
}

// TestInvalidJSONKeepsConnection verifies the error reply contract
func TestInvalidJSONKeepsConnection(t *testing.T) {
	srv, _, url := startTestServer(t, 10)

	got := make(chan map[string]any, 1)
	srv.OnMessage(func(id string, msg map[string]any) {
		got <- msg
	})

	conn := dial(t, url)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "Invalid JSON format", reply["message"])
	assert.NotZero(t, reply["timestamp"])

	// Connection must survive the parse failure
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"still_here"}`)))
	select {
	case msg := <-got:
		assert.Equal(t, "still_here", msg["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive invalid JSON")
	}
}

// TestCloseHandlerAndActiveIDs covers the map consistency invariant
func TestCloseHandlerAndActiveIDs(t *testing.T) {
	srv, _, url := startTestServer(t, 10)

	opened := make(chan string, 1)
	closed := make(chan string, 1)
	srv.OnOpen(func(id string) { opened <- id })
	srv.OnClose(func(id string) { closed <- id })

	conn := dial(t, url)

	var connID string
	select {
	case connID = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("open handler did not fire")
	}
	waitFor(t, func() bool { return srv.Count() == 1 }, "connection not tracked")
	assert.Contains(t, srv.ActiveIDs(), connID)

	require.NoError(t, conn.Close())

	select {
	case id := <-closed:
		assert.Equal(t, connID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler did not fire")
	}
	assert.NotContains(t, srv.ActiveIDs(), connID)
}

// TestMaxConnectionsRefusal verifies the (N+1)-th socket is refused
// while the first N stay usable
func TestMaxConnectionsRefusal(t *testing.T) {
	srv, _, url := startTestServer(t, 2)

	got := make(chan string, 4)
	srv.OnMessage(func(id string, msg map[string]any) { got <- id })

	c1 := dial(t, url)
	defer c1.Close()
	c2 := dial(t, url)
	defer c2.Close()
	waitFor(t, func() bool { return srv.Count() == 2 }, "connections not tracked")

	_, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err, "over-cap dial must be refused")

	// The established connections are unaffected
	require.NoError(t, c1.WriteMessage(websocket.TextMessage, []byte(`{"a":1}`)))
	require.NoError(t, c2.WriteMessage(websocket.TextMessage, []byte(`{"a":2}`)))
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("established connection stopped working")
		}
	}
}

// TestBroadcast delivers one payload to every client and tolerates
// a dead peer mid-broadcast
func TestBroadcast(t *testing.T) {
	srv, _, url := startTestServer(t, 10)

	c1 := dial(t, url)
	defer c1.Close()
	c2 := dial(t, url)
	defer c2.Close()
	waitFor(t, func() bool { return srv.Count() == 2 }, "connections not tracked")

	require.NoError(t, srv.Broadcast(map[string]any{"type": "dashboard_update", "category": "ram"}))

	for _, conn := range []*websocket.Conn{c1, c2} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "dashboard_update", msg["type"])
	}
}

// TestSendUnknownID verifies lookup failure is observable, not fatal
func TestSendUnknownID(t *testing.T) {
	srv, _, _ := startTestServer(t, 10)
	err := srv.Send("conn_0_000000", map[string]any{"type": "welcome"})
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestReadyEndpoint reports ready once the pool and the listener are up
func TestReadyEndpoint(t *testing.T) {
	_, _, url := startTestServer(t, 10)

	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws") + "ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"ready"`)
}

// TestConcurrentStopAndSend drives Send and Broadcast while Stop runs;
// afterwards both fail with ErrNotStarted
func TestConcurrentStopAndSend(t *testing.T) {
	srv, _, _ := startTestServer(t, 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = srv.Send("conn_0_000000", map[string]any{"n": i})
			_ = srv.Broadcast(map[string]any{"n": i})
		}
	}()

	srv.Stop()
	<-done

	assert.ErrorIs(t, srv.Send("conn_0_000000", map[string]any{}), ErrNotStarted)
	assert.ErrorIs(t, srv.Broadcast(map[string]any{}), ErrNotStarted)
}
