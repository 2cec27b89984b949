// Package procsup spawns and terminates the single supervised worker
// process. It backs the at-most-one-live-child invariant: Spawn refuses to
// create a second child when handed the caller's existing Handle. Which
// Handle is live is tracked by the caller, not by this package; a Handle
// stays valid after TerminateAndWait has reaped its child.
package procsup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/containerd/errdefs"
	"go.uber.org/zap"

	"github.com/interbtc-io/vaultvisor/internal/installer"
)

// ErrChildProcessExists is classified FailedPrecondition: Spawn was called
// while a child was already running.
var ErrChildProcessExists = errors.New("procsup: child process already running")

// ErrNoChildProcess is classified FailedPrecondition: TerminateAndWait was
// called with no child tracked.
var ErrNoChildProcess = errors.New("procsup: no child process tracked")

// Handle tracks one spawned worker process. The zero value is not usable;
// obtain a Handle from Spawn.
type Handle struct {
	cmd     *exec.Cmd
	binName string
}

// PID returns the operating system process ID of the supervised child.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Alive performs a non-blocking liveness probe (signal 0) on the child.
// It does not reap the process; Wait/TerminateAndWait still must be called
// to avoid leaving a zombie once the process actually exits.
func (h *Handle) Alive() bool {
	return syscall.Kill(h.PID(), 0) == nil
}

// Spawn launches "./binName" (relative to workDir) with args, inheriting
// stdout, and returns a Handle tracking it. Spawn requires the caller to
// ensure no other Handle for this supervisor is currently live; it does
// not itself track global state (the runner's SupervisorState does), but
// a caller that spawns while holding a live Handle is a programming error
// surfaced as ErrChildProcessExists so callers can assert the invariant
// uniformly via errdefs.IsFailedPrecondition.
func Spawn(_ context.Context, workDir string, d *installer.DownloadedRelease, args []string, existing *Handle) (*Handle, error) {
	if existing != nil {
		return nil, errdefs.FailedPrecondition(ErrChildProcessExists)
	}
	if d == nil {
		return nil, errdefs.FailedPrecondition(installer.ErrNoDownloadedRelease)
	}

	// Deliberately not exec.CommandContext: the worker's lifecycle is
	// controlled exclusively by TerminateAndWait's explicit SIGTERM, never
	// by cancellation of whatever context the caller happens to be in —
	// the supervisor's own shutdown context included.
	cmd := exec.Command("./"+d.BinName, args...)
	cmd.Dir = workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procsup: starting %s: %w", d.BinName, err)
	}

	return &Handle{cmd: cmd, binName: d.BinName}, nil
}

// TerminateAndWait sends SIGTERM to the child and blocks until it has been
// reaped. A non-zero exit code or a wait error is logged but does not
// cause TerminateAndWait to return an error — a dead child is still a
// reaped child, and the caller's job (freeing the Bitcoin wallet lock) is
// done either way.
func TerminateAndWait(h *Handle, logger *zap.Logger) error {
	if h == nil {
		return errdefs.FailedPrecondition(ErrNoChildProcess)
	}

	if err := syscall.Kill(h.PID(), syscall.SIGTERM); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("procsup: sending SIGTERM to pid %d: %w", h.PID(), err)
		}
		logger.Warn("child already gone before SIGTERM could be delivered", zap.Int("pid", h.PID()))
	}

	if err := h.cmd.Wait(); err != nil {
		logger.Warn("outdated worker exited with error",
			zap.String("bin_name", h.binName),
			zap.Int("pid", h.PID()),
			zap.Error(err),
		)
	} else {
		logger.Info("outdated worker reaped cleanly",
			zap.String("bin_name", h.binName),
			zap.Int("pid", h.PID()),
		)
	}

	return nil
}
