package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/bus"
	"github.com/cronfan/cronfan/internal/config"
	"github.com/cronfan/cronfan/internal/dispatcher"
	"github.com/cronfan/cronfan/internal/store"
	"github.com/cronfan/cronfan/internal/types"
)

type noopBus struct{}

func (noopBus) ResolveTargets(context.Context, string, string) ([]string, error) { return nil, nil }
func (noopBus) LaunchAsync(context.Context, bus.LaunchRequest) (string, error)   { return "", nil }
func (noopBus) PollLaunch(context.Context, string) (map[string]bus.LaunchOutcome, []string, error) {
	return nil, nil, nil
}
func (noopBus) RunSync(context.Context, []string, string, map[string]string, time.Duration) (map[string]bus.SyncResult, error) {
	return nil, nil
}

func TestTickSetsNextRunThenDispatchesWhenDue(t *testing.T) {
	st := store.New()
	d := dispatcher.New(noopBus{}, st, "ws://x", "/bin/agent", zap.NewNop())
	loader := config.New(t.TempDir(), zap.NewNop())
	s := New(loader, st, d, zap.NewNop())

	job := types.JobDefinition{Name: "every-second", Schedule: types.CronFields{Second: "*"}, Targets: "m1", TargetType: types.TargetList}

	// First tick: next_run unset, so it's only primed, never dispatched.
	s.tickJob(context.Background(), time.Now(), "every-second", job, types.MaintenanceConfig{})
	js := st.JobState("every-second")
	js.Lock()
	first := js.NextRun
	js.Unlock()
	if first.IsZero() {
		t.Fatal("expected next_run to be primed on first tick")
	}

	// Second tick, far enough in the future that it's due.
	dueAt := first.Add(2 * time.Second)
	s.tickJob(context.Background(), dueAt, "every-second", job, types.MaintenanceConfig{})
	js.Lock()
	second := js.NextRun
	lastRun := js.LastRun
	js.Unlock()
	if !second.After(first) {
		t.Fatalf("expected next_run to advance past %v, got %v", first, second)
	}
	if !lastRun.Equal(dueAt) {
		t.Fatalf("expected dispatch on the due tick to record last_run %v, got %v", dueAt, lastRun)
	}
}

func TestGlobalMaintenanceSkipsTick(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/jobs.yaml"
	contents := "echo:\n  schedule:\n    second: \"*\"\n  command: echo hi\n  targets: m1\n  target_type: list\nsaltpeter_maintenance:\n  global: true\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	st := store.New()
	d := dispatcher.New(noopBus{}, st, "ws://x", "/bin/agent", zap.NewNop())
	loader := config.New(dir, zap.NewNop())
	if err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loader.Current().Maintenance.Global {
		t.Fatal("expected global maintenance to be loaded as true")
	}

	s := New(loader, st, d, zap.NewNop())
	s.tick(context.Background())

	js := st.JobState("echo")
	js.Lock()
	nextRun := js.NextRun
	js.Unlock()
	if !nextRun.IsZero() {
		t.Fatal("expected global maintenance to suppress even next_run computation")
	}
	if len(st.RunningInstanceIDs()) != 0 {
		t.Fatal("expected no dispatch while global maintenance is active")
	}
}
