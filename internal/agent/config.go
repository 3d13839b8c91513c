// Package agent implements the on-target runtime (§4.7): the program that
// the bus actually forks. It detaches from the bus's process group
// immediately, executes the configured command, and speaks the channel
// protocol back to the scheduler. Grounded on agent/internal/executor and
// agent/internal/connection/manager.go's Run/connect loop shape, with the
// gRPC/StreamJobs plumbing replaced by a single gorilla/websocket connection
// driving the channel protocol directly (§4.6), and the exponential-backoff
// reconnect replaced by a flat ~2s retry per §4.7 ("opens/reopens the
// channel on a retry loop (every ~2s)") — a deliberate deviation from the
// teacher's backoffInitial/backoffMax/jitter scheme, since the spec pins an
// exact interval rather than asking for a backoff curve.
package agent

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is read exclusively from SP_* environment variables (§4.7) — the
// agent must not accept positional command-line parameters for these
// values.
type Config struct {
	WebsocketURL string
	JobName      string
	InstanceID   string
	Command      string

	MachineID string
	Cwd       string
	User      string
	Timeout   time.Duration

	LogLevel string
	LogDir   string
}

// LoadConfig reads Config from the process environment. Required variables
// are SP_WEBSOCKET_URL, SP_JOB_NAME, SP_JOB_INSTANCE, SP_COMMAND.
func LoadConfig() (Config, error) {
	cfg := Config{
		WebsocketURL: os.Getenv("SP_WEBSOCKET_URL"),
		JobName:      os.Getenv("SP_JOB_NAME"),
		InstanceID:   os.Getenv("SP_JOB_INSTANCE"),
		Command:      os.Getenv("SP_COMMAND"),
		MachineID:    os.Getenv("SP_MACHINE_ID"),
		Cwd:          os.Getenv("SP_CWD"),
		User:         os.Getenv("SP_USER"),
		LogLevel:     os.Getenv("SP_LOG_LEVEL"),
		LogDir:       os.Getenv("SP_LOG_DIR"),
	}

	for name, v := range map[string]string{
		"SP_WEBSOCKET_URL": cfg.WebsocketURL,
		"SP_JOB_NAME":      cfg.JobName,
		"SP_JOB_INSTANCE":  cfg.InstanceID,
		"SP_COMMAND":       cfg.Command,
	} {
		if v == "" {
			return Config{}, fmt.Errorf("agent: required environment variable %s is unset", name)
		}
	}

	if cfg.MachineID == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.MachineID = h
		}
	}

	if raw := os.Getenv("SP_TIMEOUT"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("agent: invalid SP_TIMEOUT %q: %w", raw, err)
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	}

	return cfg, nil
}
