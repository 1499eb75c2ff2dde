package business

import (
	"context"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/config"
	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/repository"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
)

// Manager is the assembled session core. It owns the wiring between the
// registry, the persistence gateway, the state tracker, the health
// monitor, the restoration coordinator and the shutdown drain, so the
// entrypoint only deals with one object.
type Manager struct {
	Registry *InstanceRegistry
	Gateway  *PersistenceGateway
	Tracker  *StateTracker
	Monitor  *HealthMonitor
	Restorer *RestorationCoordinator
	Drain    *ShutdownCoordinator
	Notifier *LifecycleNotifier
	Dialers  *DialerRegistry
	KeyStore *KeyStore

	scheduler *taskScheduler
}

// NewManager assembles the session core from configuration and the
// external backends. keyStore, fileProvider and the repositories may be
// nil when their tier is disabled; rawCache may be nil to run without
// restoration markers.
func NewManager(
	cfg *config.SessionConfig,
	keyStore *KeyStore,
	fileProvider *FileProvider,
	instanceRepo repository.InstanceRepository,
	webhookRepo repository.WebhookRepository,
	proxyRepo repository.ProxyRepository,
	settingRepo repository.SettingRepository,
	rawCache cache.RawCache,
	qMan queue.Manager,
	workMan workerpool.Manager,
) *Manager {
	scheduler := newTaskScheduler()
	registry := NewInstanceRegistry(int32(cfg.MaxInstances))
	dialers := NewDialerRegistry()
	notifier := NewLifecycleNotifier(qMan, cfg.QueueLifecycleEventsName)

	gateway := NewPersistenceGateway(
		cfg, keyStore, fileProvider, instanceRepo, webhookRepo, proxyRepo, settingRepo)

	tracker := NewStateTracker(
		registry, gateway, notifier, scheduler, workMan,
		time.Duration(cfg.SendDebounceWindowSec)*time.Second,
		time.Duration(cfg.LivenessProbeTimeoutSec)*time.Second)

	monitor := NewHealthMonitor(registry, tracker, gateway, notifier, scheduler, dialers,
		MonitorSettings{
			SweepInterval:     cfg.HealthCheckInterval(),
			ProbeTimeout:      time.Duration(cfg.LivenessProbeTimeoutSec) * time.Second,
			ConnectingTimeout: time.Duration(cfg.ConnectingTimeoutSec) * time.Second,
			ConnectingGrace:   time.Duration(cfg.ConnectingGraceSec) * time.Second,
			EvictionTimer:     cfg.EvictionTimer(),
		})
	tracker.OnReconnect(monitor.Reconnect)

	restorer := NewRestorationCoordinator(registry, gateway, tracker, scheduler, dialers,
		keyStore, rawCache, workMan,
		RestoreSettings{
			VerifyDelay:   time.Duration(cfg.RestoreVerifyDelaySec) * time.Second,
			VerifyRecheck: time.Duration(cfg.RestoreVerifyRecheckSec) * time.Second,
			MarkerTTL:     time.Duration(cfg.RestoreMarkerTTLSec) * time.Second,
		})

	drain := NewShutdownCoordinator(registry, gateway, monitor, scheduler, workMan,
		ShutdownSettings{
			Deadline:              time.Duration(cfg.ShutdownDeadlineSec) * time.Second,
			TransportCloseTimeout: time.Duration(cfg.TransportCloseTimeoutSec) * time.Second,
		})

	return &Manager{
		Registry:  registry,
		Gateway:   gateway,
		Tracker:   tracker,
		Monitor:   monitor,
		Restorer:  restorer,
		Drain:     drain,
		Notifier:  notifier,
		Dialers:   dialers,
		KeyStore:  keyStore,
		scheduler: scheduler,
	}
}

// Start restores persisted sessions and launches the health loop.
func (m *Manager) Start(ctx context.Context) error {
	restored, err := m.Restorer.Restore(ctx)
	if err != nil {
		return err
	}
	util.Log(ctx).WithField("restored", restored).Info("session core started")

	m.Monitor.Start(ctx)
	return nil
}

// Register adds a live instance built by the API layer, attaching a
// transport when a dialer exists for its integration kind. The returned
// instance is the registry's live object, which may predate this call.
func (m *Manager) Register(ctx context.Context, inst *Instance) (*Instance, error) {
	if m.Drain.Triggered() {
		return nil, ErrShuttingDown
	}

	live, added, err := m.Registry.Add(inst)
	if err != nil {
		return nil, err
	}
	if !added {
		return live, nil
	}

	if inst.HasTransportSocket() && inst.Transport() == nil {
		transport, dialErr := m.Dialers.Dial(ctx, inst.Model())
		if dialErr == nil {
			inst.AttachTransport(transport)
			m.Tracker.WatchTransport(ctx, inst)
		} else {
			util.Log(ctx).WithError(dialErr).WithField("instance_name", inst.Name()).
				Warn("registered instance without transport")
		}
	}

	m.Tracker.persistAsync(ctx, inst)
	return inst, nil
}

// Deregister removes an instance from memory and every persistence tier.
// Used by explicit instance deletion; logout happens at the API layer
// before this is called.
func (m *Manager) Deregister(ctx context.Context, name string) error {
	inst := m.Registry.Remove(name)
	if inst == nil {
		return ErrInstanceNotFound
	}

	m.scheduler.CancelInstance(name)

	if transport := inst.Transport(); transport != nil {
		transport.Terminate()
	}

	m.Notifier.Emit(ctx, EventStateRemoveRequested, inst, nil)
	err := m.Gateway.Remove(ctx, inst.ID(), name)
	m.Notifier.Emit(ctx, EventInstanceRemoved, inst, nil)
	return err
}

// Stop runs the shutdown drain.
func (m *Manager) Stop(ctx context.Context) error {
	return m.Drain.Trigger(ctx)
}
