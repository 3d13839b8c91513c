package logsink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cronfan/cronfan/internal/monitor"
	"github.com/cronfan/cronfan/internal/types"
)

func TestWriteInstanceRecordAppendsOneLinePerInstance(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)

	rc := types.ExitSuccess
	rec := monitor.InstanceRecord{
		JobName:    "echo",
		InstanceID: "echo_1",
		StartedAt:  time.Now(),
		EndedAt:    time.Now(),
		Results: map[string]types.TargetResult{
			"m1": {RetCode: &rc, Output: []byte("hi\n")},
		},
	}

	if err := sink.WriteInstanceRecord(rec); err != nil {
		t.Fatalf("WriteInstanceRecord: %v", err)
	}
	if err := sink.WriteInstanceRecord(rec); err != nil {
		t.Fatalf("WriteInstanceRecord (second): %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "echo.log"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var decoded record
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("unmarshal line %d: %v", lines, err)
		}
		if decoded.JobName != "echo" || decoded.InstanceID != "echo_1" {
			t.Fatalf("unexpected decoded record: %+v", decoded)
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 log lines, got %d", lines)
	}
}

func TestWriteInstanceRecordSeparateJobsSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)
	defer sink.Close()

	if err := sink.WriteInstanceRecord(monitor.InstanceRecord{JobName: "a", InstanceID: "a_1"}); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := sink.WriteInstanceRecord(monitor.InstanceRecord{JobName: "b", InstanceID: "b_1"}); err != nil {
		t.Fatalf("write b: %v", err)
	}

	for _, name := range []string{"a.log", "b.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
}
