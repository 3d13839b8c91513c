package dispatcher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/bus"
	"github.com/cronfan/cronfan/internal/store"
	"github.com/cronfan/cronfan/internal/types"
)

// fakeBus gives deterministic, synchronous-looking outcomes without
// spawning real processes, for fast unit tests of the dispatch state
// machine.
type fakeBus struct {
	resolved map[string][]string
	outcomes map[string]bus.LaunchOutcome
}

func (f *fakeBus) ResolveTargets(_ context.Context, targets, _ string) ([]string, error) {
	return f.resolved[targets], nil
}

func (f *fakeBus) LaunchAsync(_ context.Context, req bus.LaunchRequest) (string, error) {
	return "ref-1", nil
}

func (f *fakeBus) PollLaunch(_ context.Context, ref string) (map[string]bus.LaunchOutcome, []string, error) {
	return f.outcomes, nil, nil
}

func (f *fakeBus) RunSync(_ context.Context, targets []string, _ string, _ map[string]string, _ time.Duration) (map[string]bus.SyncResult, error) {
	out := make(map[string]bus.SyncResult, len(targets))
	for _, t := range targets {
		out[t] = bus.SyncResult{RetCode: 0, Output: "ok"}
	}
	return out, nil
}

func TestDispatchConfirmsAndFinalizes(t *testing.T) {
	fb := &fakeBus{
		resolved: map[string][]string{"m1,m2,m3": {"m1", "m2", "m3"}},
		outcomes: map[string]bus.LaunchOutcome{
			"m1": {RetCode: 0},
			"m2": {RetCode: 127, Error: "agent binary not found"},
			"m3": {RetCode: 0},
		},
	}
	st := store.New()
	d := New(fb, st, "ws://scheduler/channel", "/usr/local/bin/cronfan-agent", zap.NewNop())

	job := types.JobDefinition{
		Name:       "echo",
		Command:    "echo hi",
		Targets:    "m1,m2,m3",
		TargetType: types.TargetList,
		UseAgent:   true,
	}

	if err := d.Dispatch(context.Background(), job, types.MaintenanceConfig{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.RunningInstance(st.RunningInstanceIDs()[0]) == nil {
			break
		}
		js := st.JobState("echo")
		js.Lock()
		_, m2ok := js.Results["m2"]
		js.Unlock()
		if m2ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	js := st.JobState("echo")
	js.Lock()
	defer js.Unlock()

	m2 := js.Results["m2"]
	if m2 == nil || m2.RetCode == nil || *m2.RetCode != 127 {
		t.Fatalf("expected m2 finalized with 127, got %+v", m2)
	}

	m1 := js.Results["m1"]
	if m1 == nil || m1.Finalized() {
		t.Fatalf("expected m1 confirmed into live monitoring (not finalized yet), got %+v", m1)
	}
}

func TestDispatchMaintenanceExclusion(t *testing.T) {
	fb := &fakeBus{resolved: map[string][]string{"m1,m2": {"m1", "m2"}}}
	st := store.New()
	d := New(fb, st, "ws://x", "/bin/agent", zap.NewNop())

	job := types.JobDefinition{
		Name:       "echo",
		Targets:    "m1,m2",
		TargetType: types.TargetList,
		UseAgent:   true,
	}
	maint := types.MaintenanceConfig{Machines: map[string]struct{}{"m2": {}}}

	if err := d.Dispatch(context.Background(), job, maint); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ids := st.RunningInstanceIDs()
	if len(ids) != 1 {
		t.Fatalf("expected one running instance, got %d", len(ids))
	}
	ri := st.RunningInstance(ids[0])
	if _, ok := ri.Machines["m2"]; ok {
		t.Fatal("m2 is in maintenance and must not be a dispatched target")
	}
}

func TestDispatchEmptyTargetsNoop(t *testing.T) {
	fb := &fakeBus{resolved: map[string][]string{"none": {}}}
	st := store.New()
	d := New(fb, st, "ws://x", "/bin/agent", zap.NewNop())

	job := types.JobDefinition{Name: "echo", Targets: "none", TargetType: types.TargetList, UseAgent: true}
	if err := d.Dispatch(context.Background(), job, types.MaintenanceConfig{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(st.RunningInstanceIDs()) != 0 {
		t.Fatal("expected no running instance for empty target set")
	}
}
