package channelserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/types"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 30 * time.Second // generous: agent heartbeats at 5s
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// upgrader performs the HTTP → WebSocket handshake. Origin checking is left
// to the network boundary (§2 non-goal: "no encryption/auth on the agent
// channel").
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one agent's conversation with the scheduler. Unlike the
// teacher's server-push-only Client, this one is a genuine two-way state
// machine: readPump decodes inbound protocol messages and mutates the shared
// store directly; writePump is the sole writer to the wire, serialising
// ack/sync_response/kill frames handed to it over send.
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan Envelope

	key     connKey
	jobName string

	logger *zap.Logger
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	return &Client{
		server: s,
		conn:   conn,
		send:   make(chan Envelope, sendBufferSize),
		logger: s.logger,
	}
}

func (c *Client) run() {
	defer c.cleanup()

	go c.writePump()
	c.readPump()
}

func (c *Client) cleanup() {
	if c.key != (connKey{}) {
		c.server.registry.remove(c.key, c)
	}
	close(c.send)
	c.conn.Close()
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("channelserver: malformed frame, closing connection", zap.Error(err))
			return
		}

		if !c.handle(env) {
			return
		}
	}
}

// handle dispatches one inbound envelope. It returns false when the
// connection should be closed (protocol error, or a terminal message that
// ends the conversation).
func (c *Client) handle(env Envelope) bool {
	switch env.Type {
	case types.MsgConnect:
		return c.onConnect(env)
	case types.MsgStart:
		return c.onStart(env)
	case types.MsgOutput:
		return c.onOutput(env)
	case types.MsgHeartbeat:
		return c.onHeartbeat(env)
	case types.MsgComplete:
		return c.onComplete(env)
	case types.MsgError:
		return c.onAgentError(env)
	default:
		// ChannelProtocolError (§7): unexpected message type, log and close
		// this connection only — never crash the server.
		c.logger.Warn("channelserver: unexpected message type", zap.String("type", string(env.Type)))
		return false
	}
}

func (c *Client) onConnect(env Envelope) bool {
	if env.JobName == "" || env.InstanceID == "" || env.Machine == "" {
		c.logger.Warn("channelserver: connect missing required fields")
		return false
	}

	key := connKey{instanceID: env.InstanceID, machine: env.Machine}

	// A duplicate connect for an already-registered (instance, machine) is a
	// resumption: the older connection (if still around) is displaced, and
	// the existing TargetResult/seq state is reused (§4.6: "on reconnect
	// with the same (instance, machine), the server reuses the same
	// TargetResult and sends a sync_response with the current last_seq").
	if old, ok := c.server.registry.get(key); ok && old != c {
		old.conn.Close()
	}

	c.key = key
	c.jobName = env.JobName
	c.server.registry.put(key, c)

	c.server.store.TouchHeartbeat(env.JobName, env.Machine)

	lastSeq := c.server.store.CurrentLastSeq(env.JobName, env.Machine)
	c.send <- Envelope{Type: types.MsgSyncResponse, LastSeq: lastSeq}
	return true
}

func (c *Client) onStart(env Envelope) bool {
	if c.key == (connKey{}) {
		return c.protocolError("start before connect")
	}
	c.server.store.TouchHeartbeat(c.jobName, c.key.machine)
	c.logger.Debug("channelserver: agent started", zap.String("job", c.jobName),
		zap.String("instance", c.key.instanceID), zap.String("machine", c.key.machine), zap.Int("pid", env.PID))
	return true
}

func (c *Client) onOutput(env Envelope) bool {
	if c.key == (connKey{}) {
		return c.protocolError("output before connect")
	}

	accepted, lastSeq := c.server.store.AppendOutput(c.jobName, c.key.machine, env.Seq, env.Data)
	if !accepted {
		// Gap or duplicate (invariant 5): tell the agent where the server
		// actually is so it replays from lastSeq+1.
		c.send <- Envelope{Type: types.MsgSyncResponse, LastSeq: lastSeq}
		return true
	}

	c.send <- Envelope{Type: types.MsgAck, Seq: env.Seq}
	return true
}

func (c *Client) onHeartbeat(env Envelope) bool {
	if c.key == (connKey{}) {
		return c.protocolError("heartbeat before connect")
	}
	c.server.store.TouchHeartbeat(c.jobName, c.key.machine)
	return true
}

func (c *Client) onComplete(env Envelope) bool {
	if c.key == (connKey{}) {
		return c.protocolError("complete before connect")
	}

	rc := types.ExitOther
	if env.RetCode != nil {
		rc = *env.RetCode
	}
	// First-write-wins (§9): if the monitor already finalized this target via
	// heartbeat-loss or timeout, this is a no-op.
	c.server.store.FinalizeTarget(c.jobName, c.key.machine, rc, "")
	// The conversation is over; the monitor removes the target from its
	// RunningInstance on its next tick once it observes Finalized().
	return false
}

func (c *Client) onAgentError(env Envelope) bool {
	if c.key == (connKey{}) {
		return c.protocolError("error before connect")
	}
	c.server.store.FinalizeTarget(c.jobName, c.key.machine, types.ExitOther, env.Error)
	return false
}

func (c *Client) protocolError(reason string) bool {
	c.logger.Warn("channelserver: protocol error", zap.String("reason", reason))
	return false
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for env := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(env); err != nil {
			c.logger.Warn("channelserver: write failed", zap.Error(err))
			return
		}
	}
}
