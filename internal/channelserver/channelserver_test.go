package channelserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/store"
	"github.com/cronfan/cronfan/internal/types"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestConnectStartOutputComplete(t *testing.T) {
	st := store.New()
	srv := New(st, zap.NewNop())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	st.RegisterRunningInstance("echo", "echo_1", []string{"m1"}, 0)

	if err := conn.WriteJSON(Envelope{Type: types.MsgConnect, JobName: "echo", InstanceID: "echo_1", Machine: "m1"}); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	var resp Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read sync_response: %v", err)
	}
	if resp.Type != types.MsgSyncResponse || resp.LastSeq != 0 {
		t.Fatalf("expected sync_response{last_seq:0}, got %+v", resp)
	}

	if err := conn.WriteJSON(Envelope{Type: types.MsgStart, PID: 123}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	if err := conn.WriteJSON(Envelope{Type: types.MsgOutput, Seq: 1, Stream: "stdout", Data: "hello\n"}); err != nil {
		t.Fatalf("write output: %v", err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if resp.Type != types.MsgAck || resp.Seq != 1 {
		t.Fatalf("expected ack{seq:1}, got %+v", resp)
	}

	rc := 0
	if err := conn.WriteJSON(Envelope{Type: types.MsgComplete, RetCode: &rc}); err != nil {
		t.Fatalf("write complete: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		js := st.JobState("echo")
		js.Lock()
		res := js.Results["m1"]
		js.Unlock()
		if res != nil && res.Finalized() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	js := st.JobState("echo")
	js.Lock()
	res := js.Results["m1"]
	js.Unlock()
	if res == nil || !res.Finalized() || res.RetCode == nil || *res.RetCode != 0 {
		t.Fatalf("expected m1 finalized with retcode 0, got %+v", res)
	}
	if string(res.Output) != "hello\n" {
		t.Fatalf("expected aggregated output %q, got %q", "hello\n", string(res.Output))
	}
}

func TestOutputGapTriggersSyncResponse(t *testing.T) {
	st := store.New()
	srv := New(st, zap.NewNop())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	st.RegisterRunningInstance("echo", "echo_1", []string{"m1"}, 0)

	conn.WriteJSON(Envelope{Type: types.MsgConnect, JobName: "echo", InstanceID: "echo_1", Machine: "m1"})
	var resp Envelope
	conn.ReadJSON(&resp)

	// Seq 2 arrives before seq 1 has ever been accepted — a gap.
	conn.WriteJSON(Envelope{Type: types.MsgOutput, Seq: 2, Stream: "stdout", Data: "b"})
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Type != types.MsgSyncResponse || resp.LastSeq != 0 {
		t.Fatalf("expected sync_response{last_seq:0} on gap, got %+v", resp)
	}
}

func TestKillDeliveredToConnectedAgent(t *testing.T) {
	st := store.New()
	srv := New(st, zap.NewNop())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	st.RegisterRunningInstance("echo", "echo_1", []string{"m1"}, 0)
	conn.WriteJSON(Envelope{Type: types.MsgConnect, JobName: "echo", InstanceID: "echo_1", Machine: "m1"})
	var resp Envelope
	conn.ReadJSON(&resp)

	st.EnqueueKill("echo")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunCommandPoller(ctx)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("expected kill frame: %v", err)
	}
	if resp.Type != types.MsgKill {
		t.Fatalf("expected kill, got %+v", resp)
	}
}
