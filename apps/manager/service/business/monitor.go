package business

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/telemetry"
	"github.com/pitabwire/util"
)

//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	probesFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"manager.probes.failed",
		"Liveness probes that failed against an open instance",
	)
	reconnectsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"manager.reconnects.total",
		"Reconnect attempts started by the health loop",
	)
	reconnectsFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"manager.reconnects.failed",
		"Reconnect attempts that ended with a closed instance",
	)
	instancesEvictedCounter = telemetry.DimensionlessMeasure(
		"",
		"manager.instances.evicted",
		"Idle closed instances removed by the eviction timer",
	)
)

// HealthMonitor runs the periodic verification sweep over every
// registered instance and owns the drastic recovery actions: reconnects
// after connecting timeouts and eviction of long-idle closed instances.
//
// Instances are checked independently; a panic or slow probe on one never
// stops the sweep from reaching the rest.
type HealthMonitor struct {
	registry  *InstanceRegistry
	tracker   *StateTracker
	gateway   *PersistenceGateway
	notifier  *LifecycleNotifier
	scheduler *taskScheduler
	dialers   *DialerRegistry

	sweepInterval     time.Duration
	probeTimeout      time.Duration
	connectingTimeout time.Duration
	connectingGrace   time.Duration
	evictionTimer     time.Duration

	reconnectMu sync.Mutex
	reconnects  map[string]struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// MonitorSettings carries the health-loop durations.
type MonitorSettings struct {
	SweepInterval     time.Duration
	ProbeTimeout      time.Duration
	ConnectingTimeout time.Duration
	ConnectingGrace   time.Duration
	// EvictionTimer of zero disables eviction entirely.
	EvictionTimer time.Duration
}

// NewHealthMonitor creates the monitor. Call Start to begin sweeping.
func NewHealthMonitor(
	registry *InstanceRegistry,
	tracker *StateTracker,
	gateway *PersistenceGateway,
	notifier *LifecycleNotifier,
	scheduler *taskScheduler,
	dialers *DialerRegistry,
	settings MonitorSettings,
) *HealthMonitor {
	return &HealthMonitor{
		registry:          registry,
		tracker:           tracker,
		gateway:           gateway,
		notifier:          notifier,
		scheduler:         scheduler,
		dialers:           dialers,
		sweepInterval:     settings.SweepInterval,
		probeTimeout:      settings.ProbeTimeout,
		connectingTimeout: settings.ConnectingTimeout,
		connectingGrace:   settings.ConnectingGrace,
		evictionTimer:     settings.EvictionTimer,
		reconnects:        make(map[string]struct{}),
		shutdownCh:        make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.shutdownCh:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()

	util.Log(ctx).WithField("interval", m.sweepInterval.String()).
		Info("health monitor started")
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (m *HealthMonitor) Stop() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
	m.wg.Wait()
}

// Sweep runs one verification pass over every registered instance.
func (m *HealthMonitor) Sweep(ctx context.Context) {
	m.registry.ForEach(func(inst *Instance) {
		m.checkInstance(ctx, inst)
	})
}

// checkInstance verifies one instance. Faults are contained here so one
// misbehaving instance cannot take the sweep down.
func (m *HealthMonitor) checkInstance(ctx context.Context, inst *Instance) {
	defer func() {
		if r := recover(); r != nil {
			util.Log(ctx).WithFields(map[string]any{
				"instance_name": inst.Name(),
				"panic":         r,
			}).Error("recovered panic during instance health check")
		}
	}()

	if !inst.HasTransportSocket() {
		return
	}

	switch inst.State().State {
	case StateOpen:
		m.checkOpen(ctx, inst)
	case StateConnecting:
		m.checkConnecting(ctx, inst)
	case StateClosed:
		m.checkClosed(ctx, inst)
	}
}

// checkOpen probes an instance that claims to be connected. Signal
// divergence and probe failure both route through the tracker so the
// send-path debounce applies uniformly.
func (m *HealthMonitor) checkOpen(ctx context.Context, inst *Instance) {
	ready, jid := inst.transportSignals()
	if !ready || jid == "" {
		m.tracker.Verify(ctx, inst)
		return
	}

	transport := inst.Transport()
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := transport.QueryIdentity(probeCtx)
	cancel()

	if err != nil {
		probesFailedCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).WithField("instance_name", inst.Name()).
			Warn("liveness probe failed for open instance")
		m.tracker.verifyDowngrade(ctx, inst)
	}
}

// checkConnecting watches for attempts stuck in the connecting state. A
// stalled attempt is retried once past the timeout; past the grace
// period the instance is declared closed so eviction can take over. The
// connecting state itself resolves only through transport events or
// these timeouts, never through signal inspection.
func (m *HealthMonitor) checkConnecting(ctx context.Context, inst *Instance) {
	startedAt := inst.ConnectStartedAt()
	if startedAt.IsZero() {
		// Restored or externally mutated instance with no attempt marker:
		// measure from the state transition itself.
		startedAt = inst.State().Timestamp
		inst.MarkConnectStarted(startedAt)
	}

	elapsed := time.Since(startedAt)
	switch {
	case elapsed >= m.connectingGrace:
		util.Log(ctx).WithFields(map[string]any{
			"instance_name": inst.Name(),
			"elapsed":       elapsed.String(),
		}).Warn("connect attempt exceeded grace period, declaring closed")

		if transport := inst.Transport(); transport != nil {
			transport.Terminate()
		}
		m.tracker.Apply(ctx, inst, ConnectionState{
			State:     StateClosed,
			Reason:    "connect grace period exceeded",
			Timestamp: time.Now(),
		})
	case elapsed >= m.connectingTimeout:
		util.Log(ctx).WithFields(map[string]any{
			"instance_name": inst.Name(),
			"elapsed":       elapsed.String(),
		}).Info("connect attempt timed out, retrying")
		m.Reconnect(ctx, inst)
	}
}

// checkClosed repairs false disconnects and arms the eviction timer for
// instances that stay closed.
func (m *HealthMonitor) checkClosed(ctx context.Context, inst *Instance) {
	if m.tracker.Verify(ctx, inst) {
		return
	}
	m.armEviction(ctx, inst)
}

// armEviction schedules removal of a closed instance after the idle
// horizon. Arming is idempotent: an already-armed timer keeps its
// original deadline so repeated sweeps cannot postpone eviction forever.
func (m *HealthMonitor) armEviction(ctx context.Context, inst *Instance) {
	if m.evictionTimer <= 0 {
		return
	}
	name := inst.Name()
	if m.scheduler.Armed(name, timerKindEviction) {
		return
	}

	m.scheduler.Schedule(name, timerKindEviction, m.evictionTimer, func() {
		m.evict(context.WithoutCancel(ctx), inst)
	})
	util.Log(ctx).WithFields(map[string]any{
		"instance_name": name,
		"evict_in":      m.evictionTimer.String(),
	}).Info("armed eviction timer for closed instance")
}

// evict forces a closed instance out, invalidating the remote session
// before the socket and the registry entry go. The session footprint is
// persisted first and the write must land somewhere: if every tier
// refuses, eviction is postponed rather than destroying the only copy.
func (m *HealthMonitor) evict(ctx context.Context, inst *Instance) {
	name := inst.Name()

	current, ok := m.registry.Get(name)
	if !ok || current != inst {
		return
	}
	if inst.State().State != StateClosed {
		return
	}

	// Re-arm before probing so the instance is never left without a
	// pending horizon while storage is slow; a completed eviction cancels
	// the fresh timer along with everything else for the instance.
	m.armEviction(ctx, inst)

	if err := m.gateway.RoundTrip(ctx); err != nil {
		util.Log(ctx).WithError(err).WithField("instance_name", name).
			Warn("storage probe failed, postponing eviction")
		return
	}
	if err := m.gateway.Persist(ctx, inst.Record()); err != nil {
		util.Log(ctx).WithError(err).WithField("instance_name", name).
			Warn("could not persist session, postponing eviction")
		return
	}

	if transport := inst.Transport(); transport != nil {
		logoutCtx, cancelLogout := context.WithTimeout(ctx, m.probeTimeout)
		if err := transport.Logout(logoutCtx); err != nil {
			util.Log(ctx).WithError(err).WithField("instance_name", name).
				Warn("remote logout failed during eviction")
		}
		cancelLogout()

		closeCtx, cancelClose := context.WithTimeout(ctx, m.probeTimeout)
		if err := transport.Close(closeCtx); err != nil {
			transport.Terminate()
		}
		cancelClose()
	}

	m.registry.Remove(name)
	m.scheduler.CancelInstance(name)
	instancesEvictedCounter.Add(ctx, 1)
	m.notifier.Emit(ctx, EventInstanceLoggedOut, inst, data.JSONMap{"reason": "forced logout after idle timeout"})
	m.notifier.Emit(ctx, EventInstanceRemoved, inst, data.JSONMap{"reason": "evicted after idle timeout"})

	util.Log(ctx).WithField("instance_name", name).Info("evicted idle closed instance")
}

// Reconnect restarts the transport for an instance. Attempts are
// deduplicated per instance name, so overlapping sweep ticks and
// transport stream closures collapse into one dial.
func (m *HealthMonitor) Reconnect(ctx context.Context, inst *Instance) {
	name := inst.Name()

	m.reconnectMu.Lock()
	if _, inFlight := m.reconnects[name]; inFlight {
		m.reconnectMu.Unlock()
		return
	}
	m.reconnects[name] = struct{}{}
	m.reconnectMu.Unlock()

	defer func() {
		m.reconnectMu.Lock()
		delete(m.reconnects, name)
		m.reconnectMu.Unlock()
	}()

	reconnectsTotalCounter.Add(ctx, 1)
	m.tracker.Apply(ctx, inst, ConnectionState{
		State:     StateConnecting,
		Reason:    "reconnect attempt",
		Timestamp: time.Now(),
	})

	transport := inst.Transport()
	if transport == nil || !transport.SocketReady() {
		fresh, err := m.dialers.Dial(ctx, inst.Model())
		if err != nil {
			reconnectsFailedCounter.Add(ctx, 1)
			util.Log(ctx).WithError(err).WithField("instance_name", name).
				Warn("cannot dial transport for reconnect")
			m.tracker.Apply(ctx, inst, ConnectionState{
				State:     StateClosed,
				Reason:    "no transport available",
				Timestamp: time.Now(),
			})
			return
		}
		if prev := inst.AttachTransport(fresh); prev != nil {
			prev.Terminate()
		}
		transport = fresh
		m.tracker.WatchTransport(ctx, inst)
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.connectingTimeout)
	defer cancel()

	if err := transport.Connect(connectCtx); err != nil {
		reconnectsFailedCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).WithField("instance_name", name).
			Warn("reconnect attempt failed")
		m.tracker.Apply(ctx, inst, ConnectionState{
			State:     StateClosed,
			Reason:    "reconnect failed: " + err.Error(),
			Timestamp: time.Now(),
		})
	}
}
