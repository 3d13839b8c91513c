// Package monitor implements the per-instance tick loop that enforces
// heartbeat liveness and job timeout, and finalises instances once their
// machine set empties (§4.5). Conceptually grounded on the teacher's
// ReportJobStatus finalisation path (server/internal/grpc/server.go) and on
// the websocket Hub's single-writer polling loop for the "never blocks on
// network" requirement (§5) — the monitor only ever reads the shared store.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/store"
	"github.com/cronfan/cronfan/internal/types"
)

const (
	tickInterval     = 1 * time.Second
	heartbeatTimeout = 15 * time.Second
)

// InstanceRecord is the one-per-instance aggregated record written to the
// per-job log sink when a RunningInstance's machine set empties.
type InstanceRecord struct {
	JobName    string
	InstanceID string
	StartedAt  time.Time
	EndedAt    time.Time
	Results    map[string]types.TargetResult
}

// LogSink persists one InstanceRecord per completed job instance (§6:
// "Persisted state: per-job append-only log file").
type LogSink interface {
	WriteInstanceRecord(rec InstanceRecord) error
}

// monitorMetrics is the subset of metrics.Metrics the monitor touches, kept
// as an interface so tests don't need a real prometheus registry.
type monitorMetrics interface {
	IncHeartbeatLosses()
	SetRunningInstances(n int)
}

// Monitor evaluates every RunningInstance on a 1Hz tick.
type Monitor struct {
	store   *store.Store
	sink    LogSink
	logger  *zap.Logger
	metrics monitorMetrics
}

// New builds a Monitor.
func New(st *store.Store, sink LogSink, logger *zap.Logger) *Monitor {
	return &Monitor{store: st, sink: sink, logger: logger.Named("monitor")}
}

// SetMetrics attaches a metrics sink. Optional — a Monitor built without one
// simply skips metric updates.
func (m *Monitor) SetMetrics(metrics monitorMetrics) { m.metrics = metrics }

// Run ticks until ctx is cancelled. Never blocks on network I/O (§5) — all
// state is read from the in-process store.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := m.store.RunningInstanceIDs()
			if m.metrics != nil {
				m.metrics.SetRunningInstances(len(ids))
			}
			for _, id := range ids {
				m.evaluate(id)
			}
		}
	}
}

func (m *Monitor) evaluate(instanceID string) {
	ri := m.store.RunningInstance(instanceID)
	if ri == nil {
		return
	}
	jobName := ri.JobName

	for _, machine := range m.store.InstanceMachines(instanceID) {
		res := m.currentResult(jobName, machine)
		if res == nil {
			continue
		}

		switch {
		case res.Finalized():
			m.logger.Info("target finalized", zap.String("job", jobName), zap.String("instance", instanceID),
				zap.String("machine", machine), zap.Intp("retcode", res.RetCode))
			m.store.RemoveTarget(instanceID, machine)
		case time.Since(res.LastHeartbeat) > heartbeatTimeout:
			since := int(time.Since(res.LastHeartbeat).Seconds())
			msg := fmt.Sprintf("[SALTPETER ERROR: no heartbeat for %d seconds]", since)
			if m.store.FinalizeTarget(jobName, machine, types.ExitHeartbeatLoss, msg) {
				m.logger.Warn("heartbeat loss", zap.String("job", jobName), zap.String("machine", machine))
				if m.metrics != nil {
					m.metrics.IncHeartbeatLosses()
				}
			}
			m.store.RemoveTarget(instanceID, machine)
		}
	}

	if ri.Timeout > 0 && time.Since(ri.StartedAt) > ri.Timeout {
		for _, machine := range m.store.InstanceMachines(instanceID) {
			m.store.FinalizeTarget(jobName, machine, types.ExitTimeout, "")
			m.store.RemoveTarget(instanceID, machine)
		}
		m.store.EnqueueKill(jobName)
		m.logger.Warn("job timeout, best-effort kill issued", zap.String("job", jobName), zap.String("instance", instanceID))
	}

	if m.store.RunningInstance(instanceID) == nil {
		rec := InstanceRecord{
			JobName:    jobName,
			InstanceID: instanceID,
			StartedAt:  ri.StartedAt,
			EndedAt:    time.Now(),
			Results:    m.store.JobResultsSnapshot(jobName),
		}
		if err := m.sink.WriteInstanceRecord(rec); err != nil {
			m.logger.Error("failed to write instance log record", zap.String("instance", instanceID), zap.Error(err))
		}
	}
}

func (m *Monitor) currentResult(jobName, machine string) *types.TargetResult {
	js := m.store.JobState(jobName)
	js.Lock()
	defer js.Unlock()
	res, ok := js.Results[machine]
	if !ok {
		return nil
	}
	cp := *res
	return &cp
}
