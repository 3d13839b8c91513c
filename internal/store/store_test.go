package store

import (
	"testing"
	"time"

	"github.com/cronfan/cronfan/internal/types"
)

func TestNextInstanceIDMonotonic(t *testing.T) {
	s := New()
	a := s.NextInstanceID("echo")
	b := s.NextInstanceID("echo")
	if a == b {
		t.Fatalf("expected distinct instance ids, got %q twice", a)
	}
}

func TestRegisterAndRemoveTarget(t *testing.T) {
	s := New()
	s.RegisterRunningInstance("echo", "echo_1", []string{"m1", "m2"}, time.Minute)

	js := s.JobState("echo")
	js.Lock()
	if !js.Overlap {
		t.Fatal("expected overlap flag set after registering a running instance")
	}
	js.Unlock()

	if emptied := s.RemoveTarget("echo_1", "m1"); emptied {
		t.Fatal("should not be emptied with m2 still outstanding")
	}
	if emptied := s.RemoveTarget("echo_1", "m2"); !emptied {
		t.Fatal("expected instance to be emptied after removing last target")
	}

	js.Lock()
	if js.Overlap {
		t.Fatal("expected overlap flag cleared once instance emptied")
	}
	js.Unlock()

	if ri := s.RunningInstance("echo_1"); ri != nil {
		t.Fatal("expected running instance to be gone")
	}
}

func TestCommandQueueSingleConsumer(t *testing.T) {
	s := New()
	s.EnqueueKill("echo")
	s.EnqueueKill("other")

	drained := s.DrainCommands()
	if len(drained) != 2 {
		t.Fatalf("expected 2 queued commands, got %d", len(drained))
	}
	if more := s.DrainCommands(); len(more) != 0 {
		t.Fatalf("expected queue empty after drain, got %d", len(more))
	}
}

func TestTargetResultFinalizeOnce(t *testing.T) {
	s := New()
	js := s.JobState("echo")

	js.Lock()
	js.Results["m1"] = &types.TargetResult{StartTime: time.Now()}
	js.Unlock()

	js.Lock()
	rc := types.ExitSuccess
	js.Results["m1"].EndTime = time.Now()
	js.Results["m1"].RetCode = &rc
	js.Unlock()

	js.Lock()
	if !js.Results["m1"].Finalized() {
		t.Fatal("expected result to be finalized")
	}
	js.Unlock()
}
