package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/interbtc-io/vaultvisor/internal/hostmetrics"
	"github.com/interbtc-io/vaultvisor/internal/scale"
)

// fakeChainClient is an in-memory stand-in for chainClient, keyed by the
// single current-release storage key this test suite cares about. It never
// touches gsrpc — production code's CurrentReleaseKey/ReadTyped delegate to
// real chain metadata and SCALE decoding, which this fake sidesteps entirely
// by storing already-decoded releases.
type fakeChainClient struct {
	mu      sync.Mutex
	current *scale.ClientRelease
	closed  bool
}

const fakeCurrentReleaseKey = "0xfake-current-release"

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{}
}

func (c *fakeChainClient) setCurrentRelease(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = &scale.ClientRelease{URI: uri}
}

func (c *fakeChainClient) clearCurrentRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
}

func (c *fakeChainClient) CurrentReleaseKey() (string, error) {
	return fakeCurrentReleaseKey, nil
}

func (c *fakeChainClient) ReadTyped(ctx context.Context, key string) (*scale.ClientRelease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key != fakeCurrentReleaseKey || c.current == nil {
		return nil, nil
	}
	release := *c.current
	return &release, nil
}

func (c *fakeChainClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// withFakeChainClient builds a Runner whose dial seam returns node
// unconditionally, bypassing chain.Dial and any real gsrpc transport.
func withFakeChainClient(cfg Config, node *fakeChainClient) *Runner {
	r := New(cfg)
	r.dial = func(ctx context.Context, addr string) (chainClient, error) {
		return node, nil
	}
	return r
}

// --- fake worker binary server ---

func newWorkerServer(t *testing.T, script string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(script))
	}))
}

const trapWorkerScript = "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.02; done\n"

func TestRunner_BootstrapsSpawnsAndUpgrades(t *testing.T) {
	binSrvV1 := newWorkerServer(t, trapWorkerScript)
	defer binSrvV1.Close()
	binSrvV2 := newWorkerServer(t, trapWorkerScript)
	defer binSrvV2.Close()

	node := newFakeChainClient()
	node.setCurrentRelease(binSrvV1.URL + "/vault-1.0")

	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	r := withFakeChainClient(Config{
		DownloadDir:  dir,
		TickInterval: 20 * time.Millisecond,
		Logger:       logger,
	}, node)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.child != nil && r.child.Alive()
	}, time.Second, 5*time.Millisecond, "worker never became alive")
	require.Equal(t, "vault-1.0", r.downloaded.BinName)

	node.setCurrentRelease(binSrvV2.URL + "/vault-2.0")

	require.Eventually(t, func() bool {
		return r.downloaded != nil && r.downloaded.BinName == "vault-2.0" && r.child != nil && r.child.Alive()
	}, 2*time.Second, 5*time.Millisecond, "upgrade to vault-2.0 never completed")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after shutdown signal")
	}
}

func TestRunner_NoCurrentReleaseIsFatal(t *testing.T) {
	node := newFakeChainClient()

	r := withFakeChainClient(Config{
		DownloadDir: t.TempDir(),
		Logger:      zaptest.NewLogger(t),
	}, node)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := r.Run(ctx)
	require.ErrorIs(t, err, ErrNoCurrentRelease)
}

func TestRunner_ShutdownBeforeFirstTickTerminatesChild(t *testing.T) {
	binSrv := newWorkerServer(t, trapWorkerScript)
	defer binSrv.Close()

	node := newFakeChainClient()
	node.setCurrentRelease(binSrv.URL + "/vault-1.0")

	r := withFakeChainClient(Config{
		DownloadDir:  t.TempDir(),
		TickInterval: time.Minute,
		Logger:       zaptest.NewLogger(t),
	}, node)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.child != nil && r.child.Alive()
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after shutdown signal")
	}
	assert.False(t, r.child.Alive())
}

func TestRunner_AuditAndHealthSinksAreNotified(t *testing.T) {
	binSrv := newWorkerServer(t, trapWorkerScript)
	defer binSrv.Close()

	node := newFakeChainClient()
	node.setCurrentRelease(binSrv.URL + "/vault-1.0")

	audit := &recordingAuditSink{}
	health := &recordingHealthSink{}

	r := withFakeChainClient(Config{
		DownloadDir:  t.TempDir(),
		TickInterval: time.Minute,
		Logger:       zaptest.NewLogger(t),
		Audit:        audit,
		Health:       health,
	}, node)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.child != nil && r.child.Alive()
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	audit.mu.Lock()
	defer audit.mu.Unlock()
	assert.Contains(t, audit.kinds, "install")
	assert.Contains(t, audit.kinds, "spawn")
	assert.Contains(t, audit.kinds, "terminate")

	assert.True(t, health.sawChildRunningTrue)
	assert.True(t, health.sawChildRunningFalse)
}

func TestRunner_UpgradeHooksFireAroundUpgrade(t *testing.T) {
	binSrvV1 := newWorkerServer(t, trapWorkerScript)
	defer binSrvV1.Close()
	binSrvV2 := newWorkerServer(t, trapWorkerScript)
	defer binSrvV2.Close()

	node := newFakeChainClient()
	node.setCurrentRelease(binSrvV1.URL + "/vault-1.0")

	markerDir := t.TempDir()
	preMarker := markerDir + "/pre"
	postMarker := markerDir + "/post"

	r := withFakeChainClient(Config{
		DownloadDir:     t.TempDir(),
		TickInterval:    20 * time.Millisecond,
		Logger:          zaptest.NewLogger(t),
		PreUpgradeHook:  "touch " + preMarker,
		PostUpgradeHook: "touch " + postMarker,
	}, node)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.child != nil && r.child.Alive()
	}, time.Second, 5*time.Millisecond)

	node.setCurrentRelease(binSrvV2.URL + "/vault-2.0")

	require.Eventually(t, func() bool {
		return r.downloaded != nil && r.downloaded.BinName == "vault-2.0"
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(preMarker)
		return err == nil
	}, time.Second, 5*time.Millisecond, "pre-upgrade hook never ran")
	require.Eventually(t, func() bool {
		_, err := os.Stat(postMarker)
		return err == nil
	}, time.Second, 5*time.Millisecond, "post-upgrade hook never ran")

	cancel()
	<-done
}

type recordingAuditSink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *recordingAuditSink) RecordEvent(kind, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
}

type recordingHealthSink struct {
	mu                   sync.Mutex
	sawChildRunningTrue  bool
	sawChildRunningFalse bool
}

func (s *recordingHealthSink) IncUpgrades() {}
func (s *recordingHealthSink) IncRetries()  {}
func (s *recordingHealthSink) SetResourceSnapshot(hostmetrics.Snapshot) {}
func (s *recordingHealthSink) SetChildRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running {
		s.sawChildRunningTrue = true
	} else {
		s.sawChildRunningFalse = true
	}
}
