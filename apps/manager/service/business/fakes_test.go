package business

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeTransport is a controllable Transport for tests.
type fakeTransport struct {
	mu sync.Mutex

	ready bool
	jid   string

	probeErr   error
	connectErr error
	closeErr   error
	closeDelay time.Duration

	connectCalls   int
	logoutCalls    int
	closeCalls     int
	terminateCalls int

	events chan TransportEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 16)}
}

func (f *fakeTransport) setSignals(ready bool, jid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
	f.jid = jid
}

func (f *fakeTransport) SocketReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) AuthenticatedJID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jid
}

func (f *fakeTransport) QueryIdentity(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeTransport) Logout(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return nil
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	delay := f.closeDelay
	f.closeCalls++
	err := f.closeErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeTransport) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateCalls++
}

func (f *fakeTransport) Events() <-chan TransportEvent {
	return f.events
}

func (f *fakeTransport) terminated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminateCalls
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutCalls
}

// testConfig returns a config with only the cache tier enabled and short
// windows suited to tests.
func testConfig() *config.SessionConfig {
	return &config.SessionConfig{
		ClientNamespace:          "test",
		MaxInstances:             1000,
		CacheSessionSaveEnabled:  true,
		CacheKeyPrefix:           "sessions",
		HealthCheckIntervalSec:   30,
		LivenessProbeTimeoutSec:  1,
		SendDebounceWindowSec:    5,
		ConnectingTimeoutSec:     120,
		ConnectingGraceSec:       300,
		RestoreVerifyDelaySec:    10,
		RestoreVerifyRecheckSec:  30,
		RestoreMarkerTTLSec:      60,
		ShutdownDeadlineSec:      5,
		TransportCloseTimeoutSec: 1,
	}
}

// testCore is the assembled session core over a miniredis-backed cache
// tier, with no durable store, file tier or queue wiring.
type testCore struct {
	cfg       *config.SessionConfig
	keyStore  *KeyStore
	registry  *InstanceRegistry
	gateway   *PersistenceGateway
	tracker   *StateTracker
	scheduler *taskScheduler
	notifier  *LifecycleNotifier
	dialers   *DialerRegistry
	redis     *miniredis.Miniredis
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	keyStore := NewKeyStore(client, cfg.CacheKeyPrefix)
	registry := NewInstanceRegistry(int32(cfg.MaxInstances))
	scheduler := newTaskScheduler()
	notifier := NewLifecycleNotifier(nil, "")
	dialers := NewDialerRegistry()
	gateway := NewPersistenceGateway(cfg, keyStore, nil, nil, nil, nil, nil)
	tracker := NewStateTracker(registry, gateway, notifier, scheduler, nil,
		time.Duration(cfg.SendDebounceWindowSec)*time.Second,
		time.Duration(cfg.LivenessProbeTimeoutSec)*time.Second)

	return &testCore{
		cfg:       cfg,
		keyStore:  keyStore,
		registry:  registry,
		gateway:   gateway,
		tracker:   tracker,
		scheduler: scheduler,
		notifier:  notifier,
		dialers:   dialers,
		redis:     mr,
	}
}

func (c *testCore) newMonitor(settings MonitorSettings) *HealthMonitor {
	return NewHealthMonitor(
		c.registry, c.tracker, c.gateway, c.notifier, c.scheduler, c.dialers, settings)
}

// addInstance registers a fresh instance with a fake transport attached.
func (c *testCore) addInstance(t *testing.T, name string, state ConnState) (*Instance, *fakeTransport) {
	t.Helper()

	transport := newFakeTransport()
	inst := makeTestInstance(name)
	inst.AttachTransport(transport)
	inst.state = ConnectionState{State: state, Reason: "test", Timestamp: time.Now()}

	_, added, err := c.registry.Add(inst)
	if err != nil || !added {
		t.Fatalf("could not register test instance %s: %v", name, err)
	}
	return inst, transport
}
