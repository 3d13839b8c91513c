package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadJobsAndReserved(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "jobs.yaml", `
echo:
  schedule:
    minute: "*/1"
  command: "echo hi"
  targets: "m1,m2"
  target_type: list
  timeout: 30

saltpeter_config:
  verbose: true
  agent_path: /usr/local/bin/cronfan-agent

saltpeter_maintenance:
  global: false
  machines: ["m3"]
`)

	l := New(dir, zap.NewNop())
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	snap := l.Current()
	job, ok := snap.Jobs["echo"]
	if !ok {
		t.Fatal("expected job 'echo' to be loaded")
	}
	if job.Command != "echo hi" || job.TimeoutSeconds != 30 {
		t.Fatalf("unexpected job definition: %+v", job)
	}
	if !job.UseAgent {
		t.Fatal("expected use_agent to default to true")
	}
	if !snap.Runtime.Verbose || snap.Runtime.DefaultAgentPath == "" {
		t.Fatalf("expected saltpeter_config to apply: %+v", snap.Runtime)
	}
	if snap.Maintenance.Global {
		t.Fatal("expected maintenance.global to be false")
	}
	if !snap.Maintenance.InMaintenance("m3") {
		t.Fatal("expected m3 to be in maintenance set")
	}
}

func TestLoadSkipsBadFilePreservesGoodSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", "echo:\n  command: echo hi\n")

	l := New(dir, zap.NewNop())
	if err := l.Load(); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if _, ok := l.Current().Jobs["echo"]; !ok {
		t.Fatal("expected echo job present after first load")
	}

	writeFile(t, dir, "bad.yaml", "not: [valid: yaml")
	if err := l.Load(); err != nil {
		t.Fatalf("second load should not error at the directory level: %v", err)
	}
	if _, ok := l.Current().Jobs["echo"]; !ok {
		t.Fatal("expected echo job to survive a sibling bad file")
	}
}
