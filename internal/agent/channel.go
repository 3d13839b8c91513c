package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/types"
)

// reconnectInterval is the flat retry period (§4.7: "every ~2s"), a
// deliberate deviation from the teacher's exponential backoff — see the
// package doc comment.
const reconnectInterval = 2 * time.Second

// channel owns the single websocket connection to the scheduler and
// dispatches inbound frames onto a channel the runtime loop can
// non-blocking-poll (§5: "a non-blocking inbound-message poll (≤100ms)").
type channel struct {
	url     string
	cfg     Config
	logger  *zap.Logger
	inbound chan Envelope

	mu   sync.Mutex
	conn *websocket.Conn
}

// Envelope mirrors channelserver.Envelope; duplicated here rather than
// imported so the agent binary has no compile-time dependency on the
// scheduler's internal packages (§4.7 implies the agent ships standalone).
type Envelope struct {
	Type types.MessageType `json:"type"`

	JobName    string `json:"job_name,omitempty"`
	InstanceID string `json:"job_instance_id,omitempty"`
	Machine    string `json:"machine,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`

	PID int `json:"pid,omitempty"`

	Seq    int    `json:"seq,omitempty"`
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`

	RetCode *int   `json:"retcode,omitempty"`
	Error   string `json:"error,omitempty"`

	LastSeq int `json:"last_seq,omitempty"`
}

func newChannel(cfg Config, logger *zap.Logger) *channel {
	return &channel{
		url:     cfg.WebsocketURL,
		cfg:     cfg,
		logger:  logger,
		inbound: make(chan Envelope, 64),
	}
}

// run dials and redials the channel every reconnectInterval until stopped,
// reading inbound frames into ch.inbound. It never returns while stopCh is
// open — the command keeps running regardless of channel state (§4.7:
// "If the channel is not connected or fails, the command continues").
//
// Every successful dial — the first one and every reconnect after a drop —
// sends a fresh connect envelope before the connection is exposed to the
// rest of the agent (§4.6: "on reconnect with the same (instance, machine),
// the server reuses the same TargetResult and sends a sync_response with
// the current last_seq"). Without this, a new websocket after a drop
// arrives at the server with a zero-value connKey, and every subsequent
// output/heartbeat/complete frame on it is rejected as a protocol error and
// the connection is closed — exactly the failure this re-send closes off.
// start is deliberately not re-sent here: it is sent once by the runtime
// loop right after the command starts, never on reconnect.
func (c *channel) run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("agent: channel dial failed, retrying", zap.Error(err))
			select {
			case <-stopCh:
				return
			case <-time.After(reconnectInterval):
			}
			continue
		}

		connectEnv := Envelope{
			Type:       types.MsgConnect,
			JobName:    c.cfg.JobName,
			InstanceID: c.cfg.InstanceID,
			Machine:    c.cfg.MachineID,
			Timestamp:  time.Now().Unix(),
		}
		if err := conn.WriteJSON(connectEnv); err != nil {
			c.logger.Warn("agent: failed to send connect after dial, retrying", zap.Error(err))
			conn.Close()
			select {
			case <-stopCh:
				return
			case <-time.After(reconnectInterval):
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("agent: channel connected")
		c.readLoop(conn, stopCh)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-time.After(reconnectInterval):
		}
	}
}

func (c *channel) readLoop(conn *websocket.Conn, stopCh <-chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		select {
		case c.inbound <- env:
		case <-stopCh:
			return
		default:
			// Inbound backlog full — drop rather than block the reader;
			// acks are idempotent-ish (the buffer only ever advances) so a
			// dropped ack is recovered by the next one or a sync_response.
		}
	}
}

// send best-effort writes env to the current connection. A failure here is
// silently absorbed — the retained buffer and retry loop recover from it.
func (c *channel) send(env Envelope) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.WriteJSON(env) == nil
}

// connected reports whether a connection is currently established.
func (c *channel) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// poll drains up to n buffered inbound frames without blocking.
func (c *channel) poll(n int) []Envelope {
	out := make([]Envelope, 0, n)
	for i := 0; i < n; i++ {
		select {
		case env := <-c.inbound:
			out = append(out, env)
		default:
			return out
		}
	}
	return out
}
