package agent

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/types"
)

const (
	heartbeatInterval = 5 * time.Second
	pollTick          = 100 * time.Millisecond
	killGrace         = 5 * time.Second
	completionWindow  = 60 * time.Second
)

// Agent runs one command on the target and speaks the channel protocol
// (§4.7) until it reports completion.
type Agent struct {
	cfg    Config
	logger *zap.Logger
	buf    *outputBuffer
	ch     *channel
}

// New builds an Agent from an already-validated Config.
func New(cfg Config, logger *zap.Logger) *Agent {
	named := logger.Named("agent")
	return &Agent{
		cfg:    cfg,
		logger: named,
		buf:    newOutputBuffer(),
		ch:     newChannel(cfg, named),
	}
}

// Run executes the configured command to completion, streaming output and
// heartbeats over the channel, and returns the process's exit code (or a
// synthesized one for timeout/kill/launch failure).
func (a *Agent) Run(ctx context.Context) int {
	stopCh := make(chan struct{})
	defer close(stopCh)
	go a.ch.run(stopCh)

	cmd := exec.Command("/bin/sh", "-c", a.cfg.Command)
	if a.cfg.Cwd != "" {
		cmd.Dir = a.cfg.Cwd
	}
	if a.cfg.User != "" {
		if cred, err := credentialFor(a.cfg.User); err == nil {
			cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
		} else {
			a.logger.Warn("agent: could not resolve user, running as current user", zap.String("user", a.cfg.User), zap.Error(err))
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return types.ExitOther
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return types.ExitOther
	}

	if err := cmd.Start(); err != nil {
		return types.ExitNotExecutable
	}
	a.sendStart(cmd.Process.Pid)

	done := make(chan struct{})
	go a.pumpLines(stdout, types.StreamStdout, done)
	go a.pumpLines(stderr, types.StreamStderr, done)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if a.cfg.Timeout > 0 {
		timer := time.NewTimer(a.cfg.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	flushTick := time.NewTicker(pollTick)
	defer flushTick.Stop()

	killed := false
	killedByRequest := false
	timedOut := false
	var retcode int
	exited := false
	var killTimeoutCh <-chan time.Time

	for !exited {
		select {
		case err := <-waitErr:
			switch {
			case timedOut:
				retcode = types.ExitTimeout
			case killed:
				retcode = types.ExitKilled
			default:
				retcode = exitCodeFor(err)
			}
			exited = true
		case <-timeoutCh:
			timedOut = true
			_ = cmd.Process.Signal(syscall.SIGTERM)
			killTimeoutCh = time.After(killGrace)
		case <-ctx.Done():
			if !killed {
				killed = true
				_ = cmd.Process.Signal(syscall.SIGTERM)
				killTimeoutCh = time.After(killGrace)
			}
		case <-killTimeoutCh:
			_ = cmd.Process.Kill()
			killTimeoutCh = nil
		case <-heartbeat.C:
			a.send(Envelope{Type: types.MsgHeartbeat, Timestamp: time.Now().Unix()})
		case <-flushTick.C:
			a.flushAndSend()
			if requestedKill := a.drainInbound(); requestedKill && !killed {
				killed = true
				killedByRequest = true
				_ = cmd.Process.Signal(syscall.SIGTERM)
				killTimeoutCh = time.After(killGrace)
			}
		}
	}

	// Drain any remaining pipe data (§4.7 completion path step 1).
	<-done
	<-done
	// A user-requested kill appends a trailing marker line once the real
	// process output has fully drained, so it is guaranteed to be last
	// (S4: "output ends with [Job terminated by user request]").
	if killedByRequest {
		if forced, hadForced := a.buf.write(string(types.StreamStdout), "[Job terminated by user request]\n"); hadForced {
			a.sendChunk(forced)
		}
	}
	a.flushAndSend()

	a.reportCompletion(retcode)
	return retcode
}

// sendStart announces the running process once, right after cmd.Start().
// connect is not sent here: channel.run sends it on every successful dial,
// including the first, so the channel is always registered with the server
// before anything else needs to go out over it.
func (a *Agent) sendStart(pid int) {
	a.send(Envelope{Type: types.MsgStart, PID: pid, Timestamp: time.Now().Unix()})
}

func (a *Agent) pumpLines(r io.Reader, stream types.Stream, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if forced, ok := a.buf.write(string(stream), scanner.Text()+"\n"); ok {
			a.sendChunk(forced)
		}
	}
	done <- struct{}{}
}

func (a *Agent) flushAndSend() {
	if !a.buf.shouldFlush() {
		return
	}
	if c, ok := a.buf.flush(); ok {
		a.sendChunk(c)
	}
}

func (a *Agent) sendChunk(c chunk) {
	a.send(Envelope{Type: types.MsgOutput, Seq: c.seq, Stream: c.stream, Data: c.data, Timestamp: time.Now().Unix()})
}

func (a *Agent) send(env Envelope) bool {
	ok := a.ch.send(env)
	if !ok {
		a.logger.Debug("agent: send failed, will rely on retry/resend", zap.String("type", string(env.Type)))
	}
	return ok
}

// drainInbound processes every buffered ack/sync_response frame and reports
// whether a kill request arrived (§4.7: "non-blocking-poll the channel for
// inbound messages"). Signal delivery is left to the caller's select loop so
// only one goroutine ever calls cmd.Process.Wait/Signal.
func (a *Agent) drainInbound() (killRequested bool) {
	for _, env := range a.ch.poll(32) {
		switch env.Type {
		case types.MsgAck:
			a.buf.ack(env.Seq)
		case types.MsgSyncResponse:
			if env.LastSeq < a.buf.lastSeq() {
				for _, c := range a.buf.unackedChunks() {
					a.sendChunk(c)
				}
			}
		case types.MsgKill:
			killRequested = true
		}
	}
	return killRequested
}

// reportCompletion sends complete and retries until it actually reaches the
// wire or the 60s completion window elapses (§4.7 completion path step 2).
// a.send can fail silently even right after connected() was observed true —
// the socket can drop between that check and the write — so success is
// judged by the send's own result, not by connection presence, and a failed
// attempt keeps the loop going (including across a reconnect) rather than
// returning after one best-effort try.
func (a *Agent) reportCompletion(retcode int) {
	deadline := time.Now().Add(completionWindow)
	rc := retcode
	for time.Now().Before(deadline) {
		if !a.ch.connected() {
			time.Sleep(reconnectInterval)
			continue
		}
		if a.send(Envelope{Type: types.MsgComplete, RetCode: &rc, Timestamp: time.Now().Unix()}) {
			// The server never replies to complete with an application ack
			// today; a brief settle delay gives the write a chance to
			// actually reach the wire before the process exits.
			time.Sleep(500 * time.Millisecond)
			return
		}
		time.Sleep(pollTick)
	}
	a.logger.Warn("agent: could not deliver completion within window, relying on server heartbeat-loss finalisation")
}

func exitCodeFor(err error) int {
	if err == nil {
		return types.ExitSuccess
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return types.ExitOther
}

func credentialFor(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
