package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/config"
	"github.com/cronfan/cronfan/internal/store"
	"github.com/cronfan/cronfan/internal/types"
)

func writeJobFile(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}

func TestGetStateReturnsSnapshot(t *testing.T) {
	st := store.New()
	st.RegisterRunningInstance("echo", "echo_1", []string{"m1"}, 0)
	rc := types.ExitSuccess
	js := st.JobState("echo")
	js.Lock()
	js.Results["m1"] = &types.TargetResult{StartTime: time.Now(), EndTime: time.Now(), RetCode: &rc, Output: []byte("hi\n")}
	js.Unlock()

	loader := config.New(t.TempDir(), zap.NewNop())
	router := NewRouter(st, loader, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Data stateResponse `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := body.Data.Jobs["echo"]; !ok {
		t.Fatalf("expected job 'echo' in state response: %+v", body.Data)
	}
}

func TestKillJobUnknownJobReturns404(t *testing.T) {
	st := store.New()
	loader := config.New(t.TempDir(), zap.NewNop())
	router := NewRouter(st, loader, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/nosuch/kill", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestKillJobKnownJobEnqueuesCommand(t *testing.T) {
	dir := t.TempDir()
	if err := writeJobFile(dir, "jobs.yaml", "echo:\n  command: echo hi\n"); err != nil {
		t.Fatalf("write job file: %v", err)
	}

	st := store.New()
	loader := config.New(dir, zap.NewNop())
	if err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	router := NewRouter(st, loader, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/echo/kill", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	cmds := st.DrainCommands()
	if len(cmds) != 1 || cmds[0].JobName != "echo" || cmds[0].Kind != "kill" {
		t.Fatalf("expected one kill command for echo, got %+v", cmds)
	}
}
