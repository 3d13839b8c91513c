// Package channelserver implements the persistent bidirectional agent
// channel (§4.6): one gorilla/websocket connection per (job_instance_id,
// machine), carrying the connect → start → output → heartbeat → complete
// protocol with seq-gap detection and server-initiated kill delivery.
// Grounded on server/internal/websocket/{message,hub,client}.go's hub/client
// split, generalised from a server-push pub/sub broker into a registry of
// two-way application-protocol conversations.
package channelserver

import "github.com/cronfan/cronfan/internal/types"

// Envelope is the JSON frame exchanged on the agent channel (§6: "JSON
// objects with a type field"). Fields unused by a given Type are omitted on
// the wire via omitempty.
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
