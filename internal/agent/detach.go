package agent

import (
	"os"
	"os/exec"
	"syscall"
)

// detachedEnvVar marks the re-executed child so it doesn't detach again.
const detachedEnvVar = "SP_AGENT_DETACHED"

// Detach performs the double-fork-style escape from the bus's process group
// (§4.7): the first invocation re-executes itself in a new session with
// stdio redirected to /dev/null, then exits 0 immediately so the bus
// observes a fast, successful fork and moves on to Phase 1 confirmation.
// The re-executed child carries on past this call to run the actual
// command and speak the channel protocol.
//
// Returns true if this process should continue running (it is the detached
// child, or detachment isn't applicable), false if the caller should return
// immediately (it already re-exec'd and is about to exit).
func Detach() bool {
	if os.Getenv(detachedEnvVar) != "" {
		return true
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		// Can't redirect stdio — proceed undetached rather than fail the
		// job outright; the bus may still observe this as a quick exit.
		return true
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), detachedEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return true
	}
	// Release so the child isn't a zombie waiting on this (about to exit)
	// parent; the child is now session-leader of its own session.
	_ = cmd.Process.Release()
	return false
}
