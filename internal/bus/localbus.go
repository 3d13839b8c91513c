package bus

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalBus is a development/test stand-in for the real remote-execution
// bus: it resolves targets against a statically configured machine list and
// "launches" commands as local subprocesses tagged with SP_MACHINE_ID. It
// exists because the bus is an explicit out-of-scope collaborator (§1) —
// production deployments supply their own Bus implementation against the
// actual substrate; this one lets the rest of the control plane run
// end-to-end without one.
type LocalBus struct {
	machines []string

	mu       sync.Mutex
	launches map[string]*launchState
}

type launchState struct {
	outcomes map[string]LaunchOutcome
	pending  map[string]struct{}
}

// NewLocalBus returns a LocalBus that considers only the given machine
// names eligible targets.
func NewLocalBus(machines []string) *LocalBus {
	return &LocalBus{
		machines: machines,
		launches: make(map[string]*launchState),
	}
}

// ResolveTargets supports "list" (comma-separated names) and "glob"
// (filepath.Match against the configured machine list) natively; every
// other target_type falls back to the full configured set, since grain/
// pillar/nodegroup/range/compound/ipcidr resolution is bus-specific and out
// of scope for a local stand-in.
func (b *LocalBus) ResolveTargets(_ context.Context, targets, targetType string) ([]string, error) {
	switch targetType {
	case "list":
		parts := strings.Split(targets, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case "glob":
		out := make([]string, 0, len(b.machines))
		for _, m := range b.machines {
			if ok, _ := filepath.Match(targets, m); ok {
				out = append(out, m)
			}
		}
		return out, nil
	default:
		return append([]string(nil), b.machines...), nil
	}
}

// LaunchAsync starts req.Command once per target as a local subprocess with
// SP_MACHINE_ID set to the target name, then immediately records the
// process's launch outcome (the agent is expected to detach within
// milliseconds per §4.7, so Phase 1 resolves fast even locally).
func (b *LocalBus) LaunchAsync(ctx context.Context, req LaunchRequest) (string, error) {
	ref := uuid.NewString()
	ls := &launchState{
		outcomes: make(map[string]LaunchOutcome),
		pending:  make(map[string]struct{}, len(req.Targets)),
	}
	for _, t := range req.Targets {
		ls.pending[t] = struct{}{}
	}

	b.mu.Lock()
	b.launches[ref] = ls
	b.mu.Unlock()

	for _, target := range req.Targets {
		target := target
		go b.launchOne(ctx, ref, target, req)
	}

	return ref, nil
}

func (b *LocalBus) launchOne(ctx context.Context, ref, target string, req LaunchRequest) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	env := append([]string(nil), cmd.Environ()...)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "SP_MACHINE_ID="+target)
	cmd.Env = env

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	outcome := LaunchOutcome{}
	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			outcome.RetCode = ee.ExitCode()
		} else {
			outcome.RetCode = 127
			outcome.Error = fmt.Sprintf("agent binary not found: %v", err)
		}
		if outcome.Error == "" {
			outcome.Error = strings.TrimSpace(stderr.String())
		}
	}

	b.mu.Lock()
	ls := b.launches[ref]
	if ls != nil {
		ls.outcomes[target] = outcome
		delete(ls.pending, target)
	}
	b.mu.Unlock()
}

// PollLaunch returns outcomes recorded so far and the still-pending subset.
func (b *LocalBus) PollLaunch(_ context.Context, ref string) (map[string]LaunchOutcome, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls, ok := b.launches[ref]
	if !ok {
		return nil, nil, fmt.Errorf("localbus: unknown launch ref %q", ref)
	}

	outcomes := make(map[string]LaunchOutcome, len(ls.outcomes))
	for k, v := range ls.outcomes {
		outcomes[k] = v
	}
	pending := make([]string, 0, len(ls.pending))
	for k := range ls.pending {
		pending = append(pending, k)
	}

	if len(ls.pending) == 0 {
		delete(b.launches, ref)
	}

	return outcomes, pending, nil
}

// RunSync executes command once per target and waits for completion,
// bounded by timeout (legacy use_agent=false mode, §4.3).
func (b *LocalBus) RunSync(ctx context.Context, targets []string, command string, env map[string]string, timeout time.Duration) (map[string]SyncResult, error) {
	results := make(map[string]SyncResult, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, target := range targets {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()

			runCtx := ctx
			var cancel context.CancelFunc
			if timeout > 0 {
				runCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
			envList := append([]string(nil), cmd.Environ()...)
			for k, v := range env {
				envList = append(envList, k+"="+v)
			}
			envList = append(envList, "SP_MACHINE_ID="+target)
			cmd.Env = envList

			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out

			res := SyncResult{}
			if err := cmd.Run(); err != nil {
				if runCtx.Err() != nil {
					res.RetCode = 124
				} else if ee, ok := err.(*exec.ExitError); ok {
					res.RetCode = ee.ExitCode()
				} else {
					res.RetCode = 255
					res.Error = err.Error()
				}
			}
			res.Output = out.String()

			mu.Lock()
			results[target] = res
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results, nil
}
