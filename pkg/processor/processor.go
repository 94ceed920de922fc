package processor

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ultimaops/backend-datalink/pkg/log"
	"github.com/ultimaops/backend-datalink/pkg/metrics"
	"github.com/ultimaops/backend-datalink/pkg/pool"
	"github.com/ultimaops/backend-datalink/pkg/types"
)

const (
	// MaxPayloadBytes is the inbound request size cap; oversized input
	// is dropped without a reply and the caller times out
	MaxPayloadBytes = 1 << 20

	// shutdownJoinTimeout bounds the per-worker wait during Shutdown
	shutdownJoinTimeout = 5 * time.Minute

	// rpcErrorCode is the code carried by every JSON-RPC error reply
	rpcErrorCode = -1
)

// Handler executes one RPC method. The returned string is embedded in
// the response envelope: a string starting with '{' is re-parsed as an
// object, a non-empty string is embedded as-is, and an empty string
// becomes the default success message.
type Handler func(params json.RawMessage, authority types.Authority) (string, error)

// Replier publishes response envelopes; the broker RPC client
// satisfies it.
type Replier interface {
	Publish(topic string, payload []byte) error
}

// Processor validates inbound JSON-RPC 2.0 requests and runs each
// dispatched method on its own pool worker, publishing the response on
// the matching response topic.
type Processor struct {
	pool    *pool.Pool
	replier Replier
	logger  zerolog.Logger

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	inflightMu sync.Mutex
	inflight   map[int64]struct{}

	shuttingDown atomic.Bool
}

// New creates a processor with an empty method table. Integrators
// install handlers with RegisterHandler; unregistered methods reply
// with an unknown-method error.
func New(p *pool.Pool, replier Replier) *Processor {
	return &Processor{
		pool:     p,
		replier:  replier,
		logger:   log.WithComponent("processor"),
		handlers: make(map[string]Handler),
		inflight: make(map[int64]struct{}),
	}
}

// RegisterHandler installs the handler for one method name. It is the
// extension point for integrators; the default table is empty.
func (p *Processor) RegisterHandler(method string, h Handler) {
	p.handlerMu.Lock()
	p.handlers[method] = h
	p.handlerMu.Unlock()
}

// InFlight reports the number of requests currently dispatched
func (p *Processor) InFlight() int {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	return len(p.inflight)
}

// Handle processes one inbound request payload and publishes the
// response on responseTopic. Oversized or non-UTF-8 input is rejected
// without any reply.
func (p *Processor) Handle(payload []byte, responseTopic string) {
	if len(payload) > MaxPayloadBytes {
		p.logger.Warn().Int("bytes", len(payload)).Msg("Oversized request dropped")
		metrics.RPCRequestsTotal.WithLabelValues("rejected").Inc()
		return
	}
	if !utf8.Valid(payload) {
		p.logger.Warn().Msg("Non-UTF-8 request dropped")
		metrics.RPCRequestsTotal.WithLabelValues("rejected").Inc()
		return
	}

	req, id, reason := parseEnvelope(payload)
	if reason != "" {
		p.reply(responseTopic, errorResponse(id, reason))
		metrics.RPCRequestsTotal.WithLabelValues("invalid").Inc()
		return
	}

	if p.shuttingDown.Load() {
		p.reply(responseTopic, errorResponse(id, "Server is shutting down"))
		metrics.RPCRequestsTotal.WithLabelValues("shutdown").Inc()
		return
	}

	p.dispatch(req, id, responseTopic)
}

// Shutdown blocks new dispatches, then joins every in-flight worker
// with a bounded per-worker timeout, logging and continuing on expiry
func (p *Processor) Shutdown() {
	p.shuttingDown.Store(true)

	p.inflightMu.Lock()
	ids := make([]int64, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	p.inflightMu.Unlock()

	for _, id := range ids {
		if err := p.pool.Join(id, shutdownJoinTimeout); err != nil {
			p.logger.Warn().Err(err).Int64("worker_id", id).Msg("In-flight request did not finish in time")
		}
	}
	p.logger.Info().Int("joined", len(ids)).Msg("Processor shut down")
}

// envelope is the raw parse target; field types are checked after
// parsing so each violation gets its own reason
type envelope struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// request is a validated envelope ready for dispatch
type request struct {
	method    string
	params    json.RawMessage
	authority types.Authority
}

// parseEnvelope validates the JSON-RPC 2.0 rules. It returns the
// reply ID in every case: a missing or malformed id is replaced by
// the literal "unknown".
func parseEnvelope(payload []byte) (request, any, string) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return request{}, "unknown", "Invalid JSON"
	}

	id := parseID(env.ID)

	if env.JSONRPC == nil || *env.JSONRPC != "2.0" {
		return request{}, id, "Invalid or missing jsonrpc version"
	}

	var method string
	if env.Method == nil || json.Unmarshal(env.Method, &method) != nil {
		return request{}, id, "Method must be a string"
	}

	// A raw null unmarshals into a map without error, leaving it nil
	var params map[string]json.RawMessage
	if env.Params == nil || json.Unmarshal(env.Params, &params) != nil || params == nil {
		return request{}, id, "Params must be an object"
	}

	authority := types.AuthorityGuest
	if raw, ok := params["authority"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			authority = types.ParseAuthority(s)
		}
	}

	return request{method: method, params: env.Params, authority: authority}, id, ""
}

// parseID accepts string or number IDs; anything else maps to the
// literal "unknown" for the reply envelope
func parseID(raw json.RawMessage) any {
	if raw == nil {
		return "unknown"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return "unknown"
}

// dispatch runs the method on a fresh pool worker tracked in the
// in-flight set. The lock is held across Spawn so the worker's
// deferred delete, which needs the same lock, cannot run before the
// entry exists; a Shutdown snapshot therefore sees every dispatched
// request.
func (p *Processor) dispatch(req request, id any, responseTopic string) {
	p.inflightMu.Lock()
	wid, err := p.pool.Spawn(func(h *pool.Handle) {
		defer func() {
			p.inflightMu.Lock()
			delete(p.inflight, h.ID())
			p.inflightMu.Unlock()
		}()
		p.execute(req, id, responseTopic)
	})
	if err != nil {
		p.inflightMu.Unlock()
		p.reply(responseTopic, errorResponse(id, "Server is shutting down"))
		metrics.RPCRequestsTotal.WithLabelValues("shutdown").Inc()
		return
	}
	p.inflight[wid] = struct{}{}
	p.inflightMu.Unlock()
}

// execute runs the handler and publishes the response envelope
func (p *Processor) execute(req request, id any, responseTopic string) {
	timer := metrics.NewTimer()

	p.handlerMu.RLock()
	handler, ok := p.handlers[req.method]
	p.handlerMu.RUnlock()

	var resp types.RPCResponse
	if !ok {
		resp = errorResponse(id, fmt.Sprintf("Unknown method: %s", req.method))
		metrics.RPCRequestsTotal.WithLabelValues("unknown_method").Inc()
	} else if result, err := handler(req.params, req.authority); err != nil {
		resp = errorResponse(id, err.Error())
		metrics.RPCRequestsTotal.WithLabelValues("error").Inc()
	} else {
		resp = successResponse(id, result)
		resp.ProcessingTimeMS = timer.Milliseconds()
		metrics.RPCRequestsTotal.WithLabelValues("success").Inc()
	}

	timer.ObserveDuration(metrics.RPCProcessingSeconds)
	if ok {
		// Per-method timings only for installed handlers, keeping the
		// label set bounded by the method table
		timer.ObserveDurationVec(metrics.RPCMethodSeconds, req.method)
	}
	p.reply(responseTopic, resp)
}

// reply publishes one response envelope; failure to reply is logged,
// never propagated
func (p *Processor) reply(topic string, resp types.RPCResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		p.logger.Error().Err(err).Msg("Response marshal failed")
		return
	}
	if err := p.replier.Publish(topic, payload); err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Response publish failed")
	}
}

// successResponse embeds the handler result per the envelope rules
func successResponse(id any, result string) types.RPCResponse {
	resp := types.RPCResponse{JSONRPC: "2.0", ID: id}

	trimmed := strings.TrimSpace(result)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			resp.Result = obj
			return resp
		}
		resp.Result = result
	case trimmed != "":
		resp.Result = result
	default:
		resp.Result = "Operation completed successfully"
	}
	return resp
}

func errorResponse(id any, message string) types.RPCResponse {
	return types.RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &types.RPCError{Code: rpcErrorCode, Message: message},
	}
}
