// Package bus defines the scheduler's external remote-execution-bus
// collaborator (§1: explicitly out of scope — "only their interfaces are
// specified"). Grounded on server/internal/agentmanager.Manager's
// Dispatch/WaitForAgent shape, generalized into a transport-agnostic
// interface so the dispatcher can be tested against a fake and a real bus
// adapter can be dropped in later without touching dispatcher code.
package bus

import (
	"context"
	"time"
)

// LaunchRequest describes one fan-out launch call (§4.3 step 4/5).
type LaunchRequest struct {
	Targets []string
	Command string
	Env     map[string]string
}

// LaunchOutcome is a single target's Phase 1 result (§4.4).
type LaunchOutcome struct {
	// RetCode is meaningful only when Unreachable is false.
	RetCode     int
	Error       string
	Unreachable bool
}

// SyncResult is the legacy (use_agent=false) synchronous execution result
// for one target (§4.3, "legacy mode").
type SyncResult struct {
	RetCode int
	Output  string
	Error   string
}

// Bus is the scheduler's view of the remote-execution substrate.
type Bus interface {
	// ResolveTargets expands a targets expression of the given type into a
	// concrete machine list (§4.3 step 1).
	ResolveTargets(ctx context.Context, targets string, targetType string) ([]string, error)

	// LaunchAsync submits the agent invocation to run on every target and
	// returns a bus-assigned reference for polling (§4.3 step 5).
	LaunchAsync(ctx context.Context, req LaunchRequest) (ref string, err error)

	// PollLaunch returns outcomes the bus has resolved so far, keyed by
	// target, and the subset of targets still pending. Phase 1 has no
	// deadline (§4.4) — callers are expected to call this repeatedly (e.g.
	// every 5s) until pending is empty.
	PollLaunch(ctx context.Context, ref string) (outcomes map[string]LaunchOutcome, pending []string, err error)

	// RunSync executes the command synchronously on every target and
	// returns when all targets finish or timeout elapses (legacy mode,
	// §4.3 final paragraph).
	RunSync(ctx context.Context, targets []string, command string, env map[string]string, timeout time.Duration) (map[string]SyncResult, error)
}
