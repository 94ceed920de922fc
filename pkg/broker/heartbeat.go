package broker

import (
	"encoding/json"
	"time"

	"github.com/ultimaops/backend-datalink/pkg/metrics"
	"github.com/ultimaops/backend-datalink/pkg/pool"
	"github.com/ultimaops/backend-datalink/pkg/types"
)

const (
	// hbProbeInterval is the readiness probe tick while disarmed
	hbProbeInterval = 500 * time.Millisecond

	// hbRequiredProbes is how many consecutive connected probes must
	// pass before the first heartbeat is published
	hbRequiredProbes = 5

	// hbArmedTick is the sleep granularity while armed, so shutdown
	// stays prompt regardless of the publish interval
	hbArmedTick = 1 * time.Second
)

// heartbeatGate decides when heartbeats may be published. The gate
// arms only after hbRequiredProbes consecutive connected observations
// and disarms instantly on any other status.
type heartbeatGate struct {
	probes int
	armed  bool
}

// observe feeds one readiness probe and reports whether the gate is
// armed afterwards
func (g *heartbeatGate) observe(connected bool) bool {
	if !connected {
		g.probes = 0
		g.armed = false
		return false
	}
	if !g.armed {
		g.probes++
		if g.probes >= hbRequiredProbes {
			g.armed = true
		}
	}
	return g.armed
}

// heartbeatLoop is the dedicated heartbeat worker body. It publishes
// the liveness JSON at the configured interval while the gate is
// armed; any non-connected status suppresses publishes immediately and
// restarts the probe count.
func (c *Client) heartbeatLoop(h *pool.Handle) {
	gate := &heartbeatGate{}
	interval := time.Duration(c.cfg.Heartbeat.IntervalSeconds) * time.Second
	var lastBeat time.Time

	for !h.ShouldExit() {
		h.CheckPause()

		if !gate.observe(c.Status() == StatusConnected) {
			time.Sleep(hbProbeInterval)
			continue
		}

		if time.Since(lastBeat) >= interval {
			if err := c.publishHeartbeat(); err != nil {
				c.logger.Warn().Err(err).Msg("Heartbeat publish failed")
			} else {
				lastBeat = time.Now()
				metrics.HeartbeatsTotal.Inc()
			}
		}
		time.Sleep(hbArmedTick)
	}
}

// publishHeartbeat sends the liveness message on the heartbeat topic.
// A configured payload overrides the default JSON.
func (c *Client) publishHeartbeat() error {
	var payload []byte
	if c.cfg.Heartbeat.Payload != "" {
		payload = []byte(c.cfg.Heartbeat.Payload)
	} else {
		var err error
		payload, err = json.Marshal(types.HeartbeatMessage{
			Type:      "heartbeat",
			Client:    c.cfg.ClientID,
			Status:    "alive",
			SSL:       c.cfg.UseTLS,
			Timestamp: types.Timestamp(),
		})
		if err != nil {
			return err
		}
	}
	return c.Publish(c.cfg.Heartbeat.Topic, payload)
}
