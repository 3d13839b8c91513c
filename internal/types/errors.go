package types

import "errors"

// Sentinel errors for the taxonomy in spec §7. No package in this module
// returns or wraps them: the dispatcher, monitor, channel server and config
// loader report these conditions through log lines and retcodes.
var (
	// ErrNotFound names a lookup of an unknown key.
	ErrNotFound = errors.New("not found")

	// ErrConfigInvalid marks a YAML file that failed to parse or validate.
	// Never fatal: the loader logs it and keeps the previous snapshot.
	ErrConfigInvalid = errors.New("config: invalid")

	// ErrDispatch marks a bus refusal to accept a launch call.
	ErrDispatch = errors.New("dispatch: bus refused launch")

	// ErrAgentLaunch marks a Phase 1 per-target non-zero retcode.
	ErrAgentLaunch = errors.New("dispatch: agent launch failed")

	// ErrHeartbeatLoss marks a target finalised for missing heartbeats.
	ErrHeartbeatLoss = errors.New("monitor: heartbeat loss")

	// ErrJobTimeout marks a target finalised by the job-level timeout.
	ErrJobTimeout = errors.New("monitor: job timeout")

	// ErrChannelProtocol marks a malformed or out-of-order channel message.
	// The offending connection is closed; the server itself never crashes.
	ErrChannelProtocol = errors.New("channel: protocol error")
)
