package business

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
)

// RestoreSettings carries the restoration-pass durations.
type RestoreSettings struct {
	// VerifyDelay is how long after registration the restored instance is
	// first verified against its live transport.
	VerifyDelay time.Duration
	// VerifyRecheck is the second verification delay for instances still
	// connecting at the first check.
	VerifyRecheck time.Duration
	// MarkerTTL bounds how long a restoration marker survives unconsumed.
	MarkerTTL time.Duration
}

// RestorationCoordinator rebuilds the in-memory registry from the
// persistence tiers after a process restart.
//
// Each restored instance carries a short-lived marker consumed exactly
// once by the deferred verification pass, so post-restore corrections can
// tell a freshly revived session from one that was live all along.
type RestorationCoordinator struct {
	registry  *InstanceRegistry
	gateway   *PersistenceGateway
	tracker   *StateTracker
	scheduler *taskScheduler
	dialers   *DialerRegistry
	keyStore  *KeyStore
	markers   cache.Cache[string, RestorationMarker]
	workMan   workerpool.Manager
	settings  RestoreSettings
}

// NewRestorationCoordinator wires the coordinator. The marker cache is
// built over the shared raw cache; a nil rawCache disables markers and
// the verification pass runs without restoration context.
func NewRestorationCoordinator(
	registry *InstanceRegistry,
	gateway *PersistenceGateway,
	tracker *StateTracker,
	scheduler *taskScheduler,
	dialers *DialerRegistry,
	keyStore *KeyStore,
	rawCache cache.RawCache,
	workMan workerpool.Manager,
	settings RestoreSettings,
) *RestorationCoordinator {
	rc := &RestorationCoordinator{
		registry:  registry,
		gateway:   gateway,
		tracker:   tracker,
		scheduler: scheduler,
		dialers:   dialers,
		keyStore:  keyStore,
		workMan:   workMan,
		settings:  settings,
	}
	if rawCache != nil {
		rc.markers = cache.NewGenericCache[string, RestorationMarker](rawCache, func(name string) string {
			return "restore-marker:" + name
		})
	}
	return rc
}

// Restore sweeps the persistence tiers and repopulates the registry. One
// record failing to restore never aborts the pass; the number of
// instances actually registered is returned.
func (rc *RestorationCoordinator) Restore(ctx context.Context) (int, error) {
	log := util.Log(ctx)

	if rc.keyStore != nil {
		if removed, err := rc.keyStore.CleanCorruptedKeys(ctx); err != nil {
			log.WithError(err).Warn("cache hygiene sweep failed before restoration")
		} else if removed > 0 {
			log.WithField("removed", removed).Info("cache hygiene sweep cleaned corrupted keys")
		}
	}

	loaded, err := rc.gateway.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	if len(loaded) == 0 {
		log.Info("no session records to restore")
		return 0, nil
	}

	log.WithField("records", len(loaded)).Info("restoring instances from persistence")

	restored := 0
	if rc.workMan == nil {
		for _, lr := range loaded {
			if ok, _ := rc.restoreOne(ctx, lr); ok {
				restored++
			}
		}
	} else {
		results := make(chan bool, len(loaded))
		for _, lr := range loaded {
			entry := lr
			job := workerpool.NewJob[any](func(ctx context.Context, resultPipe workerpool.JobResultPipe[any]) error {
				ok, restoreErr := rc.restoreOne(ctx, entry)
				results <- ok
				if restoreErr != nil {
					return resultPipe.WriteError(ctx, restoreErr)
				}
				return nil
			})
			if submitErr := workerpool.SubmitJob(ctx, rc.workMan, job); submitErr != nil {
				log.WithError(submitErr).WithField("instance_name", entry.Record.Name).
					Error("failed to submit restoration job")
				results <- false
			}
		}

		for range loaded {
			if <-results {
				restored++
			}
		}
	}

	log.WithFields(map[string]any{
		"restored": restored,
		"records":  len(loaded),
	}).Info("restoration pass complete")
	return restored, nil
}

// restoreOne registers a single record. Registration is idempotent: a
// name already live in the registry wins and the persisted record is
// discarded.
func (rc *RestorationCoordinator) restoreOne(ctx context.Context, lr *LoadedRecord) (bool, error) {
	rec := lr.Record

	inst := NewInstance(modelFromRecord(rec, rec.ClientNamespace), nil)

	_, added, err := rc.registry.Add(inst)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("instance_name", rec.Name).
			Error("could not register restored instance")
		return false, err
	}
	if !added {
		util.Log(ctx).WithField("instance_name", rec.Name).
			Debug("instance already live, skipping restoration")
		return false, nil
	}

	rc.setMarker(ctx, rec.Name, lr.Tier)

	if inst.HasTransportSocket() && rec.State != StateClosed {
		rc.redial(ctx, inst)
	}

	rc.scheduleVerification(ctx, inst, rc.settings.VerifyDelay, true)
	util.Log(ctx).WithFields(map[string]any{
		"instance_name": rec.Name,
		"tier":          lr.Tier,
	}).Info("instance restored")
	return true, nil
}

// redial attaches a fresh transport and starts a connect attempt for a
// restored instance that was open or connecting before the restart.
func (rc *RestorationCoordinator) redial(ctx context.Context, inst *Instance) {
	log := util.Log(ctx).WithField("instance_name", inst.Name())

	transport, err := rc.dialers.Dial(ctx, inst.Model())
	if err != nil {
		if errors.Is(err, ErrNoTransportDialer) {
			log.Warn("no dialer for integration kind, restoring without transport")
		} else {
			log.WithError(err).Warn("transport dial failed during restoration")
		}
		rc.tracker.Apply(ctx, inst, ConnectionState{
			State:     StateClosed,
			Reason:    "restored without transport",
			Timestamp: time.Now(),
		})
		return
	}

	inst.AttachTransport(transport)
	rc.tracker.WatchTransport(ctx, inst)
	rc.tracker.Apply(ctx, inst, ConnectionState{
		State:     StateConnecting,
		Reason:    "restoration redial",
		Timestamp: time.Now(),
	})

	if connectErr := transport.Connect(ctx); connectErr != nil {
		log.WithError(connectErr).Warn("restoration connect attempt failed")
		rc.tracker.Apply(ctx, inst, ConnectionState{
			State:     StateClosed,
			Reason:    "restoration connect failed",
			Timestamp: time.Now(),
		})
	}
}

// scheduleVerification arms the deferred post-restore check. The first
// check consumes the restoration marker; an instance still connecting
// gets exactly one recheck before the regular health sweep takes over,
// and one left closed is handed to the reconnect path.
func (rc *RestorationCoordinator) scheduleVerification(ctx context.Context, inst *Instance, delay time.Duration, firstCheck bool) {
	name := inst.Name()

	rc.scheduler.Schedule(name, timerKindVerify, delay, func() {
		verifyCtx := context.WithoutCancel(ctx)

		current, ok := rc.registry.Get(name)
		if !ok || current != inst {
			rc.clearMarker(verifyCtx, name)
			return
		}

		if firstCheck {
			marker, found := rc.consumeMarker(verifyCtx, name)
			if found {
				util.Log(verifyCtx).WithFields(map[string]any{
					"instance_name": name,
					"tier":          marker.Tier,
				}).Debug("verifying restored instance")
			}
		}

		rc.tracker.Verify(verifyCtx, inst)

		switch inst.State().State {
		case StateClosed:
			// Still closed after restoration and verification: hand the
			// instance to the reconnect path instead of waiting for
			// eviction to claim it.
			if inst.HasTransportSocket() {
				rc.tracker.requestReconnect(verifyCtx, inst)
			}
		case StateConnecting:
			if firstCheck {
				rc.scheduleVerification(ctx, inst, rc.settings.VerifyRecheck, false)
			}
		case StateOpen:
		}
	})
}

func (rc *RestorationCoordinator) setMarker(ctx context.Context, name, tier string) {
	if rc.markers == nil {
		return
	}
	marker := RestorationMarker{InstanceName: name, Tier: tier, RestoredAt: time.Now()}
	if err := rc.markers.Set(ctx, name, marker, rc.settings.MarkerTTL); err != nil {
		util.Log(ctx).WithError(err).WithField("instance_name", name).
			Warn("could not write restoration marker")
	}
}

// consumeMarker reads and deletes the marker in one step so it is only
// ever observed once.
func (rc *RestorationCoordinator) consumeMarker(ctx context.Context, name string) (RestorationMarker, bool) {
	if rc.markers == nil {
		return RestorationMarker{}, false
	}
	marker, ok, err := rc.markers.Get(ctx, name)
	if err != nil || !ok {
		return RestorationMarker{}, false
	}
	_ = rc.markers.Delete(ctx, name)
	return marker, true
}

func (rc *RestorationCoordinator) clearMarker(ctx context.Context, name string) {
	if rc.markers == nil {
		return
	}
	_ = rc.markers.Delete(ctx, name)
}
