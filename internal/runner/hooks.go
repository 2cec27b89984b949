package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/interbtc-io/vaultvisor/internal/scale"
)

// hookDefaultTimeout bounds how long an upgrade hook is allowed to block
// the tick that triggered it.
const hookDefaultTimeout = time.Minute

// errHookFailed is returned when a hook process exits with a non-zero
// code or is killed by its timeout.
var errHookFailed = errors.New("runner: upgrade hook failed")

// hookPhase identifies which point in the upgrade sequence a hook ran at.
type hookPhase string

const (
	hookPhasePre  hookPhase = "pre-upgrade"
	hookPhasePost hookPhase = "post-upgrade"
)

// hookResult ties a hook invocation's outcome to the release and phase of
// the upgrade it ran for, so a failure log line is self-explanatory
// without the reader needing to cross-reference the tick that produced it.
type hookResult struct {
	Phase    hookPhase
	Release  scale.ClientRelease
	Output   string
	ExitCode int
	Duration time.Duration
}

// hookRunner executes the pre/post upgrade hooks the operator configured.
// A hook runs as a blocking, timeout-bound subprocess; its stdout and
// stderr are captured so the runner can log them. A non-zero exit never
// aborts the upgrade in progress — by the time a hook runs, the state
// transition it's observing has already committed.
type hookRunner struct {
	timeout time.Duration
}

func newHookRunner(timeout time.Duration) *hookRunner {
	if timeout == 0 {
		timeout = hookDefaultTimeout
	}
	return &hookRunner{timeout: timeout}
}

// run executes command for the given upgrade phase and release. An empty
// command is a no-op success — callers don't need to guard calls on
// whether a hook was configured for that phase.
func (h *hookRunner) run(ctx context.Context, phase hookPhase, command string, release scale.ClientRelease) (*hookResult, error) {
	if command == "" {
		return &hookResult{Phase: phase, Release: release}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := buildHookShellCmd(ctx, command)
	cmd.Env = append(cmd.Environ(),
		"VAULTVISOR_RELEASE_URI="+release.URI,
		"VAULTVISOR_UPGRADE_PHASE="+string(phase),
	)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	output := buf.String()

	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		result := &hookResult{Phase: phase, Release: release, Output: output, ExitCode: exitCode, Duration: duration}

		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: %s hook for %s: %w", errHookFailed, phase, release.URI, ctx.Err())
		}
		return result, fmt.Errorf("%w: %s hook for %s: exit code %d", errHookFailed, phase, release.URI, exitCode)
	}

	return &hookResult{Phase: phase, Release: release, Output: output, ExitCode: 0, Duration: duration}, nil
}

// buildHookShellCmd constructs the exec.Cmd that wraps command in the
// appropriate shell for the current OS.
func buildHookShellCmd(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}
