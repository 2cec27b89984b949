// Package runner composes the chain client, storage-key derivation,
// fetcher, installer, and process supervisor into the supervision state
// machine described by spec §4.G: Connecting → Bootstrapping → Running →
// Upgrading → Terminating.
//
// The Runner goroutine is the sole mutator of SupervisorState — the tick
// scheduler and signal delivery communicate into Run via channels rather
// than touching state directly, and chain reads are plain calls made from
// that same goroutine,
// mirroring the single-writer discipline the teacher's connection manager
// and executor observe around their own state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/interbtc-io/vaultvisor/internal/chain"
	"github.com/interbtc-io/vaultvisor/internal/fetcher"
	"github.com/interbtc-io/vaultvisor/internal/hostmetrics"
	"github.com/interbtc-io/vaultvisor/internal/installer"
	"github.com/interbtc-io/vaultvisor/internal/procsup"
	"github.com/interbtc-io/vaultvisor/internal/retry"
	"github.com/interbtc-io/vaultvisor/internal/scale"
)

// BlockTime is the parachain's nominal block period and the interval at
// which the Runner polls for a new current release.
const BlockTime = 6 * time.Second

// ErrNoCurrentRelease is fatal at startup: the chain has no release
// advertised at the VaultRegistry::CurrentClientRelease storage item.
var ErrNoCurrentRelease = errors.New("runner: chain has no current release advertised")

// AuditSink receives a notification for every lifecycle event the Runner
// performs, for durable audit logging. Implementations must not block for
// long — the Runner calls RecordEvent synchronously on its own goroutine,
// so a slow sink delays the supervision loop; internal/history's
// implementation writes to sqlite and is fast.
type AuditSink interface {
	RecordEvent(kind, detail string)
}

// noopAuditSink is used when the caller does not wire a history recorder.
type noopAuditSink struct{}

func (noopAuditSink) RecordEvent(string, string) {}

// HealthSink receives counters the Runner updates as it operates, for
// exposition via internal/health's Prometheus endpoint.
type HealthSink interface {
	IncUpgrades()
	IncRetries()
	SetChildRunning(running bool)
	SetResourceSnapshot(hostmetrics.Snapshot)
}

type noopHealthSink struct{}

func (noopHealthSink) IncUpgrades()                             {}
func (noopHealthSink) IncRetries()                              {}
func (noopHealthSink) SetChildRunning(bool)                     {}
func (noopHealthSink) SetResourceSnapshot(hostmetrics.Snapshot) {}

// chainClient is the narrow capability Run needs from a dialed chain
// session: derive the current-release key once, then repeatedly read
// whatever release is stored there. *chain.Client satisfies it; tests
// substitute an in-memory fake via Runner.dial so they never dial a real
// parachain node.
type chainClient interface {
	CurrentReleaseKey() (string, error)
	ReadTyped(ctx context.Context, key string) (*scale.ClientRelease, error)
	Close() error
}

// Config carries everything the Runner needs to build its dependencies.
type Config struct {
	// ClientType identifies which client binary is being supervised
	// (vault, oracle, faucet). It does not affect storage key derivation
	// — every client type reads the same VaultRegistry::CurrentClientRelease
	// item — it is carried through purely as a log/identity label.
	ClientType  string
	ParachainWS string
	DownloadDir string
	WorkerArgs  []string
	Audit       AuditSink
	Health      HealthSink
	Logger      *zap.Logger

	// TickInterval overrides BlockTime as the poll cadence. Zero means
	// "use BlockTime" — tests are the only expected caller of a
	// non-default value, to avoid a six-second sleep per assertion.
	TickInterval time.Duration

	// PreUpgradeHook and PostUpgradeHook are optional shell commands run
	// around the Upgrading sequence: Pre fires after the outdated child
	// is terminated and before the new release is installed; Post fires
	// after the new child is spawned. Empty strings disable the
	// respective hook.
	PreUpgradeHook  string
	PostUpgradeHook string

	// HookTimeout bounds how long either upgrade hook may run before
	// being killed. Zero means hookDefaultTimeout.
	HookTimeout time.Duration
}

// Runner owns SupervisorState (the current DownloadedRelease and child
// Handle) for the lifetime of one Run call.
type Runner struct {
	cfg   Config
	hooks *hookRunner
	dial  func(ctx context.Context, addr string) (chainClient, error)

	client     chainClient
	downloaded *installer.DownloadedRelease
	child      *procsup.Handle
}

// New constructs a Runner. Dependencies that were not supplied in cfg fall
// back to no-op implementations so Config{ParachainWS: ..., DownloadDir: ...}
// alone is enough to run.
func New(cfg Config) *Runner {
	if cfg.Audit == nil {
		cfg.Audit = noopAuditSink{}
	}
	if cfg.Health == nil {
		cfg.Health = noopHealthSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = BlockTime
	}
	return &Runner{
		cfg:   cfg,
		hooks: newHookRunner(cfg.HookTimeout),
		dial: func(ctx context.Context, addr string) (chainClient, error) {
			return chain.Dial(ctx, addr)
		},
	}
}

// Run executes the full supervision lifecycle: connect, bootstrap from the
// current release, then poll every BlockTime for a release change until
// ctx is cancelled (SIGHUP/SIGINT/SIGTERM/SIGQUIT), at which point the
// child is terminated and Run returns nil. Any fatal error (no current
// release, a decode error, an install/spawn failure) is returned non-nil
// and the child — if one was spawned — is still terminated best-effort
// before returning.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.cfg.Logger

	// --- Connecting ---
	client, err := retry.Do(ctx, retry.ConstantUnbounded(time.Second), "chain connection failed, retrying", logger,
		func(ctx context.Context) (chainClient, error) {
			return r.dial(ctx, r.cfg.ParachainWS)
		})
	if err != nil {
		return fmt.Errorf("runner: connecting to chain: %w", err)
	}
	r.client = client
	defer r.client.Close()
	logger.Info("connected to parachain", zap.String("addr", r.cfg.ParachainWS), zap.String("client_type", r.cfg.ClientType))

	// --- Bootstrapping ---
	currentKey, err := r.client.CurrentReleaseKey()
	if err != nil {
		return fmt.Errorf("runner: deriving current release key: %w", err)
	}
	release, err := r.client.ReadTyped(ctx, currentKey)
	if err != nil {
		return fmt.Errorf("runner: decoding current release: %w", err)
	}
	if release == nil {
		return ErrNoCurrentRelease
	}

	if err := r.install(ctx, *release); err != nil {
		return fmt.Errorf("runner: bootstrapping install: %w", err)
	}
	if err := r.spawn(ctx); err != nil {
		return fmt.Errorf("runner: bootstrapping spawn: %w", err)
	}
	logger.Info("bootstrapped", zap.String("uri", release.URI), zap.String("bin_name", r.downloaded.BinName))

	// --- Running / Upgrading, ticked every BlockTime ---
	ticks, stopTicker, err := r.startTicker()
	if err != nil {
		return fmt.Errorf("runner: starting tick scheduler: %w", err)
	}
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			// --- Terminating ---
			logger.Info("shutdown signal received, terminating child")
			if r.child != nil {
				if err := procsup.TerminateAndWait(r.child, logger); err != nil {
					logger.Warn("error terminating child during shutdown", zap.Error(err))
				}
				r.cfg.Health.SetChildRunning(false)
				r.cfg.Audit.RecordEvent("terminate", "shutdown")
			}
			return nil

		case <-ticks:
			if err := r.tick(ctx, currentKey); err != nil {
				// A fatal error during a tick (install/spawn failure during
				// upgrade) still tears down the child best-effort before
				// surfacing, same as a bootstrapping failure would.
				if r.child != nil {
					_ = procsup.TerminateAndWait(r.child, logger)
				}
				return err
			}
		}
	}
}

// startTicker drives the BlockTime cadence with go-co-op/gocron rather
// than a bare time.Ticker, so the fixed-interval job gets gocron's job
// lifecycle management; the job body only ever pushes a tick onto a
// channel, the Runner goroutine remains the sole state mutator.
func (r *Runner) startTicker() (<-chan struct{}, func(), error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, nil, fmt.Errorf("creating scheduler: %w", err)
	}

	ticks := make(chan struct{}, 1)
	_, err = scheduler.NewJob(
		gocron.DurationJob(r.cfg.TickInterval),
		gocron.NewTask(func() {
			select {
			case ticks <- struct{}{}:
			default:
				// Previous tick still being processed — skip, the next
				// tick will pick up the latest chain state anyway.
			}
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduling tick job: %w", err)
	}

	scheduler.Start()
	stop := func() {
		_ = scheduler.Shutdown()
	}
	return ticks, stop, nil
}

// tick performs one Running-state poll: read the current release, and if
// its URI has changed, drive the full Upgrading sequence
// (Terminate ≺ Uninstall ≺ Install ≺ Spawn). A chain read failure is
// retried a bounded number of times and, if still failing, is logged and
// treated as "no change" for this tick — not fatal. Every tick also
// samples host and child resource usage for the health endpoint,
// regardless of whether a release change was found.
func (r *Runner) tick(ctx context.Context, currentKey string) error {
	logger := r.cfg.Logger

	var childPID int32
	if r.child != nil {
		childPID = int32(r.child.PID())
	}
	r.cfg.Health.SetResourceSnapshot(hostmetrics.Collect(ctx, childPID))

	release, err := retry.Do(ctx, retry.Bounded(time.Second, 10*time.Second, 3), "chain read failed, retrying", logger,
		func(ctx context.Context) (*scale.ClientRelease, error) {
			rel, err := r.client.ReadTyped(ctx, currentKey)
			if err != nil {
				// Fatal decode errors never benefit from retrying, but Do
				// has no way to distinguish that from a transient read
				// failure without inspecting the error, so retry
				// exhausts quickly (bounded) and the decode error still
				// surfaces to the caller below.
				return nil, err
			}
			if rel == nil {
				return nil, errReleaseAbsentThisTick
			}
			return rel, nil
		})
	if err != nil {
		if errors.Is(err, errReleaseAbsentThisTick) {
			// No release at all on this read — treated as "no change",
			// never as a rollback of the currently running release.
			return nil
		}
		var decodeErr *scale.DecodeError
		if errors.As(err, &decodeErr) {
			return fmt.Errorf("runner: %w", err)
		}
		r.cfg.Health.IncRetries()
		logger.Warn("chain read exhausted retries this tick, continuing with current release", zap.Error(err))
		return nil
	}

	if release.URI == r.downloaded.Release.URI {
		// Re-install same URI, or code_hash-only change: no-op tick.
		return nil
	}

	logger.Info("new release detected", zap.String("old_uri", r.downloaded.Release.URI), zap.String("new_uri", release.URI))

	// --- Upgrading: Terminate ≺ Uninstall ≺ Install ≺ Spawn ---
	outgoing := r.downloaded.Release
	if err := procsup.TerminateAndWait(r.child, logger); err != nil {
		return fmt.Errorf("runner: terminating outdated child: %w", err)
	}
	r.child = nil
	r.cfg.Health.SetChildRunning(false)

	if res, err := r.hooks.run(ctx, hookPhasePre, r.cfg.PreUpgradeHook, outgoing); err != nil {
		logger.Warn("pre-upgrade hook failed", zap.Error(err), zap.String("output", res.Output))
	}

	if err := installer.Uninstall(r.downloaded); err != nil {
		return fmt.Errorf("runner: removing outdated release: %w", err)
	}
	r.cfg.Audit.RecordEvent("uninstall", r.downloaded.BinName)
	r.downloaded = nil

	if err := r.install(ctx, *release); err != nil {
		return fmt.Errorf("runner: installing new release: %w", err)
	}
	if err := r.spawn(ctx); err != nil {
		return fmt.Errorf("runner: spawning new release: %w", err)
	}

	if res, err := r.hooks.run(ctx, hookPhasePost, r.cfg.PostUpgradeHook, *release); err != nil {
		logger.Warn("post-upgrade hook failed", zap.Error(err), zap.String("output", res.Output))
	}

	r.cfg.Health.IncUpgrades()
	logger.Info("upgrade complete", zap.String("uri", release.URI))
	return nil
}

// errReleaseAbsentThisTick is an internal sentinel that routes a nil chain
// read result through retry.Do as a failure. chain.Client.ReadTyped returns
// nil both for an absent value and for a failed read, so a nil result is
// retried and logged like any failed read; if it is still nil once the
// retries are exhausted, tick treats it as "no change".
var errReleaseAbsentThisTick = errors.New("runner: no release present at current key")

func (r *Runner) install(ctx context.Context, release scale.ClientRelease) error {
	fetch := func(ctx context.Context, url string) ([]byte, error) {
		return retry.Do(ctx, retry.Bounded(time.Second, 10*time.Second, 3), "release download failed, retrying", r.cfg.Logger,
			func(ctx context.Context) ([]byte, error) {
				return fetcher.Fetch(ctx, url)
			})
	}
	d, err := installer.Install(ctx, fetch, r.cfg.DownloadDir, release)
	if err != nil {
		return err
	}
	r.downloaded = d
	r.cfg.Audit.RecordEvent("install", d.BinName)
	return nil
}

func (r *Runner) spawn(ctx context.Context) error {
	h, err := procsup.Spawn(ctx, r.cfg.DownloadDir, r.downloaded, r.cfg.WorkerArgs, r.child)
	if err != nil {
		return err
	}
	r.child = h
	r.cfg.Health.SetChildRunning(true)
	r.cfg.Audit.RecordEvent("spawn", r.downloaded.BinName)
	return nil
}
