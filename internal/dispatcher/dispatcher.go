// Package dispatcher implements target resolution and the two-phase launch
// protocol (§4.3, §4.4). Grounded on server/internal/scheduler.Scheduler's
// dispatch/buildEnv methods (the env-mapping and job-reference bookkeeping
// shape) and agentmanager.Manager.WaitForAgent (the poll-with-cancellation
// loop shape used here for Phase 1 confirmation).
package dispatcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/bus"
	"github.com/cronfan/cronfan/internal/store"
	"github.com/cronfan/cronfan/internal/types"
)

// pollInterval is how often Phase 1 re-polls the bus for outcomes. Phase 1
// itself has no deadline (§4.4) — only the interval between polls is
// bounded.
const pollInterval = 5 * time.Second

// Dispatcher turns a JobDefinition firing into a running instance.
type Dispatcher struct {
	bus          bus.Bus
	store        *store.Store
	channelURL   string
	defaultAgent string
	logger       *zap.Logger
	metrics      dispatchMetrics
}

// dispatchMetrics is the subset of metrics.Metrics the dispatcher touches,
// kept as an interface so tests don't need a real prometheus registry.
type dispatchMetrics interface {
	IncJobsDispatched(job string)
	IncAgentLaunchFailures(job string)
}

// New builds a Dispatcher. channelURL is the websocket URL agents should
// connect back to (SP_WEBSOCKET_URL); defaultAgentPath is used when a job
// doesn't override agent_path.
func New(b bus.Bus, st *store.Store, channelURL, defaultAgentPath string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		bus:          b,
		store:        st,
		channelURL:   channelURL,
		defaultAgent: defaultAgentPath,
		logger:       logger.Named("dispatcher"),
	}
}

// SetMetrics attaches a metrics sink. Optional — a Dispatcher built without
// one simply skips metric updates.
func (d *Dispatcher) SetMetrics(m dispatchMetrics) { d.metrics = m }

// Dispatch resolves targets, registers the running instance, and launches
// Phase 1 in the background (§4.3). It returns once the instance is
// registered (and the job's overlap flag set), without waiting for Phase 1
// to converge — matching the concurrency model's "Dispatcher Phase 1:
// blocks on bus poll ... with no overall deadline" running as its own task
// rather than stalling the 1Hz scheduler loop for other jobs.
func (d *Dispatcher) Dispatch(ctx context.Context, job types.JobDefinition, maintenance types.MaintenanceConfig) error {
	resolved, err := d.bus.ResolveTargets(ctx, job.Targets, string(job.TargetType))
	if err != nil {
		return fmt.Errorf("dispatcher: resolve targets for %s: %w", job.Name, err)
	}

	targets := subtractMaintenance(resolved, maintenance)
	if job.NumberOfTargets > 0 && job.NumberOfTargets < len(targets) {
		targets = sampleN(targets, job.NumberOfTargets)
	}

	if len(targets) == 0 {
		d.logger.Info("no eligible targets, skipping dispatch", zap.String("job", job.Name))
		return nil
	}

	instanceID := d.store.NextInstanceID(job.Name)
	env := d.buildEnv(job, instanceID)

	if !job.UseAgent {
		d.store.RegisterRunningInstance(job.Name, instanceID, targets, d.timeout(job))
		d.runLegacySync(ctx, job, instanceID, targets, env)
		return nil
	}

	req := bus.LaunchRequest{
		Targets: targets,
		Command: d.agentCommand(job),
		Env:     env,
	}

	ref, err := d.bus.LaunchAsync(ctx, req)
	if err != nil {
		// DispatchError (§7): finalise every intended target with 255 and
		// do not set overlap.
		d.logger.Error("bus refused launch", zap.String("job", job.Name), zap.Error(err))
		js := d.store.JobState(job.Name)
		now := time.Now()
		js.Lock()
		for _, target := range targets {
			rc := types.ExitOther
			js.Results[target] = &types.TargetResult{StartTime: now, EndTime: now, RetCode: &rc, Output: []byte(err.Error())}
		}
		js.Unlock()
		return fmt.Errorf("dispatcher: launch %s: %w", job.Name, err)
	}

	d.store.RegisterRunningInstance(job.Name, instanceID, targets, d.timeout(job))
	if d.metrics != nil {
		d.metrics.IncJobsDispatched(job.Name)
	}

	go d.confirmPhase1(context.WithoutCancel(ctx), job, instanceID, ref)
	return nil
}

// confirmPhase1 polls the bus until every target has a launch outcome,
// confirming successes into live monitoring and finalising failures
// immediately (§4.4).
func (d *Dispatcher) confirmPhase1(ctx context.Context, job types.JobDefinition, instanceID, ref string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	js := d.store.JobState(job.Name)

	for {
		outcomes, pending, err := d.bus.PollLaunch(ctx, ref)
		if err != nil {
			d.logger.Error("phase 1 poll failed", zap.String("job", job.Name), zap.String("instance", instanceID), zap.Error(err))
			return
		}

		for target, outcome := range outcomes {
			now := time.Now()
			js.Lock()
			switch {
			case outcome.Unreachable:
				rc := types.ExitOther
				js.Results[target] = &types.TargetResult{StartTime: now, EndTime: now, RetCode: &rc, Output: []byte("target unreachable at bus")}
			case outcome.RetCode != types.ExitSuccess:
				rc := outcome.RetCode
				js.Results[target] = &types.TargetResult{StartTime: now, EndTime: now, RetCode: &rc, Output: []byte(outcome.Error)}
				if d.metrics != nil {
					d.metrics.IncAgentLaunchFailures(job.Name)
				}
			default:
				// Confirmed: hand off to live monitoring. last_heartbeat
				// starts now — the Phase 2 clock, per §4.4/§9.
				js.Results[target] = &types.TargetResult{StartTime: now, LastHeartbeat: now}
			}
			js.Unlock()

			if outcome.RetCode != types.ExitSuccess || outcome.Unreachable {
				d.store.RemoveTarget(instanceID, target)
			}
		}

		if len(pending) == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) runLegacySync(ctx context.Context, job types.JobDefinition, instanceID string, targets []string, env map[string]string) {
	results, err := d.bus.RunSync(ctx, targets, job.Command, env, d.timeout(job))
	if err != nil {
		d.logger.Error("legacy sync run failed", zap.String("job", job.Name), zap.Error(err))
	}

	js := d.store.JobState(job.Name)
	now := time.Now()
	for _, target := range targets {
		res, ok := results[target]
		rc := types.ExitOther
		output := ""
		if ok {
			rc = res.RetCode
			output = res.Output
			if res.Error != "" {
				output += "\n" + res.Error
			}
		}
		js.Lock()
		js.Results[target] = &types.TargetResult{StartTime: now, EndTime: now, RetCode: &rc, Output: []byte(output)}
		js.Unlock()
		d.store.RemoveTarget(instanceID, target)
	}
}

func (d *Dispatcher) timeout(job types.JobDefinition) time.Duration {
	if job.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(job.TimeoutSeconds) * time.Second
}

func (d *Dispatcher) agentCommand(job types.JobDefinition) string {
	if job.AgentPath != "" {
		return job.AgentPath
	}
	return d.defaultAgent
}

// buildEnv builds the SP_* environment mapping passed through the bus's
// env-injection facility (§4.3 step 4) — never on the command line.
func (d *Dispatcher) buildEnv(job types.JobDefinition, instanceID string) map[string]string {
	env := map[string]string{
		"SP_WEBSOCKET_URL": d.channelURL,
		"SP_JOB_NAME":      job.Name,
		"SP_JOB_INSTANCE":  instanceID,
		"SP_COMMAND":       job.Command,
	}
	if job.User != "" {
		env["SP_USER"] = job.User
	}
	if job.Cwd != "" {
		env["SP_CWD"] = job.Cwd
	}
	if job.TimeoutSeconds > 0 {
		env["SP_TIMEOUT"] = strconv.Itoa(job.TimeoutSeconds)
	}
	if job.AgentLogLevel != "" {
		env["SP_LOG_LEVEL"] = job.AgentLogLevel
	}
	if job.AgentLogDir != "" {
		env["SP_LOG_DIR"] = job.AgentLogDir
	}
	for k, v := range job.CustomEnv {
		env[k] = v
	}
	return env
}

func subtractMaintenance(targets []string, m types.MaintenanceConfig) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if !m.InMaintenance(t) {
			out = append(out, t)
		}
	}
	return out
}

func sampleN(targets []string, n int) []string {
	shuffled := append([]string(nil), targets...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}
