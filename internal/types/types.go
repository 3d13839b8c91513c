// Package types holds the shared vocabulary of the control plane: job
// definitions, maintenance configuration, per-target results, and the
// wire-level message type constants used on the agent channel. It is the
// dependency-free leaf package everything else builds on, in the spirit of
// shared/types/types.go in the teacher repo.
package types

import (
	"sync"
	"time"
)

// CronFields is the six-field-named, seven-value cron schedule carried by a
// JobDefinition (§3: "six fields ... each of which is a cron-style
// expression"). When absent from YAML, Second defaults to "0" and every
// other field to "*" (see cronexpr.Parse).
type CronFields struct {
	Year       string `yaml:"year"`
	Month      string `yaml:"month"`
	DayOfMonth string `yaml:"day_of_month"`
	DayOfWeek  string `yaml:"day_of_week"`
	Hour       string `yaml:"hour"`
	Minute     string `yaml:"minute"`
	Second     string `yaml:"second"`
}

// TargetType enumerates the ways a JobDefinition's Targets expression is
// resolved against the bus.
type TargetType string

const (
	TargetGlob      TargetType = "glob"
	TargetPCRE      TargetType = "pcre"
	TargetList      TargetType = "list"
	TargetGrain     TargetType = "grain"
	TargetGrainPCRE TargetType = "grain_pcre"
	TargetPillar    TargetType = "pillar"
	TargetPillarPCRE TargetType = "pillar_pcre"
	TargetNodegroup TargetType = "nodegroup"
	TargetRange     TargetType = "range"
	TargetCompound  TargetType = "compound"
	TargetIPCIDR    TargetType = "ipcidr"
)

// JobDefinition is an immutable snapshot of one YAML job entry (§3).
// Instances dispatched from an older snapshot keep the definition they were
// dispatched with (§9, hot-reload design note) — callers must treat values
// of this type as copy-on-read, never mutate in place.
type JobDefinition struct {
	Name     string
	Schedule CronFields

	Command   string
	User      string
	Cwd       string
	CustomEnv map[string]string

	Targets         string
	TargetType      TargetType
	NumberOfTargets int

	TimeoutSeconds int

	UseAgent     bool
	AgentPath    string
	AgentLogLevel string
	AgentLogDir   string
}

// MaintenanceConfig is merged across every config file that declares one
// (§3, §4.1).
type MaintenanceConfig struct {
	Global   bool
	Machines map[string]struct{}
}

// InMaintenance reports whether machine is administratively excluded.
func (m MaintenanceConfig) InMaintenance(machine string) bool {
	if m.Machines == nil {
		return false
	}
	_, ok := m.Machines[machine]
	return ok
}

// RuntimeConfig is the saltpeter_config block (§4.1): the subset of process
// configuration that can change on a hot reload.
type RuntimeConfig struct {
	DefaultAgentPath       string
	LogDir                 string
	Verbose                bool
	ExternalIndexEndpoints []string
}

// Exit codes observable on TargetResult.RetCode (§6).
const (
	ExitSuccess            = 0
	ExitTimeout             = 124
	ExitNotExecutable       = 126
	ExitAgentBinaryNotFound = 127
	ExitKilled              = 143
	ExitHeartbeatLoss       = 253
	ExitOther               = 255
)

// MessageType identifies the `type` field of every agent-channel JSON
// envelope (§6).
type MessageType string

const (
	MsgConnect      MessageType = "connect"
	MsgStart        MessageType = "start"
	MsgOutput       MessageType = "output"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgComplete     MessageType = "complete"
	MsgError        MessageType = "error"
	MsgAck          MessageType = "ack"
	MsgSyncResponse MessageType = "sync_response"
	MsgKill         MessageType = "kill"
)

// Stream identifies which pipe an output line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// TargetResult is the per-(instance, machine) execution record (§3).
// EndTime.IsZero() means the target is still running; RetCode is valid iff
// EndTime is set (invariant 4) — enforced by always setting both together
// under the owning job lock.
type TargetResult struct {
	StartTime     time.Time
	EndTime       time.Time
	Output        []byte
	RetCode       *int
	LastHeartbeat time.Time

	// LastSeq is the highest output seq number appended to Output so far,
	// used by the channel server to detect gaps and build sync_response.
	LastSeq int
}

// Finalized reports whether this result has a terminal disposition.
func (t *TargetResult) Finalized() bool {
	return !t.EndTime.IsZero()
}

// RunningInstance tracks one in-flight dispatch of a job (§3).
type RunningInstance struct {
	JobName   string
	StartedAt time.Time
	Timeout   time.Duration
	// Machines is the set of targets still outstanding; a machine is
	// removed on final disposition (invariant: RunningInstance is destroyed
	// once this set is empty).
	Machines map[string]struct{}
}

// CommandQueueEntry is an append-only instruction consumed by the channel
// server (§3). Only "kill" is currently produced.
type CommandQueueEntry struct {
	Kind    string // always "kill" today
	JobName string
}

// JobState is the per-job mutable record in the shared state store (§3).
// Every field is only ever touched while holding the job's lock.
type JobState struct {
	mu sync.Mutex

	NextRun time.Time
	LastRun time.Time
	Overlap bool
	// Targets is the last dispatched target list, kept for observability.
	Targets []string
	Results map[string]*TargetResult
}

// Lock and Unlock expose the job's mutual-exclusion primitive directly so
// callers can guard a read-modify-write sequence (spec §5: "a per-job
// mutual-exclusion primitive; readers use the same primitive").
func (j *JobState) Lock()   { j.mu.Lock() }
func (j *JobState) Unlock() { j.mu.Unlock() }
