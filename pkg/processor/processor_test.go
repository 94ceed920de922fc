package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultimaops/backend-datalink/pkg/pool"
	"github.com/ultimaops/backend-datalink/pkg/types"
)

type fakeReply struct {
	topic   string
	payload []byte
}

// fakeReplier captures published responses on a channel so tests can
// wait for asynchronous dispatch
type fakeReplier struct {
	mu  sync.Mutex
	ch  chan fakeReply
	err error
}

func newFakeReplier() *fakeReplier {
	return &fakeReplier{ch: make(chan fakeReply, 16)}
}

func (f *fakeReplier) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.ch <- fakeReply{topic, append([]byte(nil), payload...)}
	return nil
}

func (f *fakeReplier) wait(t *testing.T) fakeReply {
	t.Helper()
	select {
	case r := <-f.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply published")
		return fakeReply{}
	}
}

func (f *fakeReplier) expectNone(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.ch:
		t.Fatalf("unexpected reply on %s: %s", r.topic, r.payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestProcessor(t *testing.T) (*Processor, *fakeReplier) {
	t.Helper()
	p := pool.New()
	t.Cleanup(p.Shutdown)
	replier := newFakeReplier()
	return New(p, replier), replier
}

// TestEnvelopeValidation walks the JSON-RPC 2.0 rejection table; every
// violation gets an error reply on the response topic
func TestEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantID  any
		wantMsg string
	}{
		{"invalid json", `{"jsonrpc":`, "unknown", "Invalid JSON"},
		{"missing jsonrpc", `{"id":"a","method":"m","params":{}}`, "a", "Invalid or missing jsonrpc version"},
		{"wrong jsonrpc version", `{"jsonrpc":"1.0","id":"a","method":"m","params":{}}`, "a", "Invalid or missing jsonrpc version"},
		{"missing method", `{"jsonrpc":"2.0","id":"a","params":{}}`, "a", "Method must be a string"},
		{"numeric method", `{"jsonrpc":"2.0","id":"a","method":7,"params":{}}`, "a", "Method must be a string"},
		{"missing params", `{"jsonrpc":"2.0","id":"a","method":"m"}`, "a", "Params must be an object"},
		{"null params", `{"jsonrpc":"2.0","id":"a","method":"m","params":null}`, "a", "Params must be an object"},
		{"array params", `{"jsonrpc":"2.0","id":"a","method":"m","params":[1]}`, "a", "Params must be an object"},
		{"missing id falls back", `{"jsonrpc":"1.0","method":"m","params":{}}`, "unknown", "Invalid or missing jsonrpc version"},
		{"object id falls back", `{"jsonrpc":"1.0","id":{"k":1},"method":"m","params":{}}`, "unknown", "Invalid or missing jsonrpc version"},
		{"numeric id preserved", `{"jsonrpc":"1.0","id":41,"method":"m","params":{}}`, float64(41), "Invalid or missing jsonrpc version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, replier := newTestProcessor(t)
			proc.Handle([]byte(tt.payload), "svc/response")

			reply := replier.wait(t)
			assert.Equal(t, "svc/response", reply.topic)

			var resp map[string]any
			require.NoError(t, json.Unmarshal(reply.payload, &resp))
			assert.Equal(t, "2.0", resp["jsonrpc"])
			assert.Equal(t, tt.wantID, resp["id"])

			errObj, ok := resp["error"].(map[string]any)
			require.True(t, ok, "reply must carry an error object")
			assert.Equal(t, float64(-1), errObj["code"])
			assert.Equal(t, tt.wantMsg, errObj["message"])
		})
	}
}

// TestUnknownMethodReply checks the exact envelope for an unregistered
// method
func TestUnknownMethodReply(t *testing.T) {
	proc, replier := newTestProcessor(t)

	proc.Handle([]byte(`{"jsonrpc":"2.0","id":"t-7","method":"does_not_exist","params":{}}`), "ultima/datalink/does_not_exist/response")

	reply := replier.wait(t)
	assert.Equal(t, "ultima/datalink/does_not_exist/response", reply.topic)
	assert.JSONEq(t,
		`{"jsonrpc":"2.0","id":"t-7","error":{"code":-1,"message":"Unknown method: does_not_exist"}}`,
		string(reply.payload))
}

// TestPayloadSizeBoundary accepts exactly the cap and silently drops
// one byte over
func TestPayloadSizeBoundary(t *testing.T) {
	// Pad the params object so the full payload lands exactly on the cap
	build := func(total int) []byte {
		skeleton := `{"jsonrpc":"2.0","id":"big","method":"m","params":{"pad":""}}`
		pad := total - len(skeleton)
		require.GreaterOrEqual(t, pad, 0)
		payload := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":"big","method":"m","params":{"pad":"%s"}}`,
			bytes.Repeat([]byte("a"), pad)))
		require.Len(t, payload, total)
		return payload
	}

	t.Run("exactly at cap", func(t *testing.T) {
		proc, replier := newTestProcessor(t)
		proc.Handle(build(MaxPayloadBytes), "svc/response")

		reply := replier.wait(t)
		assert.Contains(t, string(reply.payload), "Unknown method: m")
	})

	t.Run("one byte over", func(t *testing.T) {
		proc, replier := newTestProcessor(t)
		proc.Handle(build(MaxPayloadBytes+1), "svc/response")
		replier.expectNone(t)
	})

	t.Run("non-utf8 dropped", func(t *testing.T) {
		proc, replier := newTestProcessor(t)
		proc.Handle([]byte{0xff, 0xfe, '{', '}'}, "svc/response")
		replier.expectNone(t)
	})
}

// TestRegisteredHandlerResults covers the three embedding rules for
// handler return values
func TestRegisteredHandlerResults(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   any
	}{
		{"object string re-parsed", `{"cpu":12.5}`, map[string]any{"cpu": 12.5}},
		{"plain string embedded", "all good", "all good"},
		{"empty becomes default", "", "Operation completed successfully"},
		{"malformed object kept as string", `{"cpu":`, `{"cpu":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, replier := newTestProcessor(t)
			proc.RegisterHandler("probe", func(params json.RawMessage, authority types.Authority) (string, error) {
				return tt.result, nil
			})

			proc.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"probe","params":{}}`), "svc/response")

			var resp map[string]any
			require.NoError(t, json.Unmarshal(replier.wait(t).payload, &resp))
			assert.Equal(t, tt.want, resp["result"])
			assert.Nil(t, resp["error"])
		})
	}
}

// TestHandlerErrorBecomesReply maps a handler failure to a code -1
// error envelope
func TestHandlerErrorBecomesReply(t *testing.T) {
	proc, replier := newTestProcessor(t)
	proc.RegisterHandler("explode", func(json.RawMessage, types.Authority) (string, error) {
		return "", errors.New("disk on fire")
	})

	proc.Handle([]byte(`{"jsonrpc":"2.0","id":"e-1","method":"explode","params":{}}`), "svc/response")

	assert.JSONEq(t,
		`{"jsonrpc":"2.0","id":"e-1","error":{"code":-1,"message":"disk on fire"}}`,
		string(replier.wait(t).payload))
}

// TestAuthorityExtraction parses the params authority field and maps
// unknown values to guest
func TestAuthorityExtraction(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   types.Authority
	}{
		{"system", `{"authority":"system"}`, types.AuthoritySystem},
		{"admin", `{"authority":"admin"}`, types.AuthorityAdmin},
		{"unknown maps to guest", `{"authority":"root"}`, types.AuthorityGuest},
		{"absent maps to guest", `{}`, types.AuthorityGuest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, replier := newTestProcessor(t)

			got := make(chan types.Authority, 1)
			proc.RegisterHandler("whoami", func(params json.RawMessage, authority types.Authority) (string, error) {
				got <- authority
				return "ok", nil
			})

			proc.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"whoami","params":`+tt.params+`}`), "svc/response")
			replier.wait(t)
			assert.Equal(t, tt.want, <-got)
		})
	}
}

// TestShutdownRefusesNewRequests replies with the shutdown message
// instead of dispatching
func TestShutdownRefusesNewRequests(t *testing.T) {
	proc, replier := newTestProcessor(t)
	proc.Shutdown()

	proc.Handle([]byte(`{"jsonrpc":"2.0","id":"s-1","method":"m","params":{}}`), "svc/response")

	assert.JSONEq(t,
		`{"jsonrpc":"2.0","id":"s-1","error":{"code":-1,"message":"Server is shutting down"}}`,
		string(replier.wait(t).payload))
	assert.Equal(t, 0, proc.InFlight())
}

// TestDispatchTrackedBeforeHandlerRuns registers the in-flight entry
// on the dispatching goroutine, so a request is visible to Shutdown
// the moment Handle returns
func TestDispatchTrackedBeforeHandlerRuns(t *testing.T) {
	proc, replier := newTestProcessor(t)

	release := make(chan struct{})
	proc.RegisterHandler("held", func(json.RawMessage, types.Authority) (string, error) {
		<-release
		return "ok", nil
	})

	proc.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"held","params":{}}`), "svc/response")
	assert.Equal(t, 1, proc.InFlight())

	close(release)
	replier.wait(t)
	assert.Eventually(t, func() bool {
		return proc.InFlight() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestShutdownJoinsInFlight blocks until a running handler completes
func TestShutdownJoinsInFlight(t *testing.T) {
	proc, replier := newTestProcessor(t)

	started := make(chan struct{})
	release := make(chan struct{})
	proc.RegisterHandler("slow", func(json.RawMessage, types.Authority) (string, error) {
		close(started)
		<-release
		return "done", nil
	})

	proc.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"slow","params":{}}`), "svc/response")
	<-started
	assert.Equal(t, 1, proc.InFlight())

	shutdownDone := make(chan struct{})
	go func() {
		proc.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return after the handler finished")
	}

	replier.wait(t)
	assert.Equal(t, 0, proc.InFlight())
}

// TestProcessingTimeRecorded stamps successful replies with a
// non-negative duration
func TestProcessingTimeRecorded(t *testing.T) {
	proc, replier := newTestProcessor(t)
	proc.RegisterHandler("nap", func(json.RawMessage, types.Authority) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	})

	proc.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"nap","params":{}}`), "svc/response")

	var resp types.RPCResponse
	require.NoError(t, json.Unmarshal(replier.wait(t).payload, &resp))
	assert.GreaterOrEqual(t, resp.ProcessingTimeMS, int64(20))
}
