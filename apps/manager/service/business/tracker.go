package business

import (
	"context"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
)

// StateTracker is the sole writer of declared connection state. Transport
// events, health-monitor corrections and the send path all funnel through
// it, so the monotonic-timestamp rule is enforced in exactly one place:
// a transition older than the current state record is discarded, whatever
// its source.
type StateTracker struct {
	registry  *InstanceRegistry
	gateway   *PersistenceGateway
	notifier  *LifecycleNotifier
	scheduler *taskScheduler
	workMan   workerpool.Manager

	debounceWindow time.Duration
	probeTimeout   time.Duration

	// onReconnect is invoked when a watched transport stream ends while
	// the instance is still registered. Set after construction to break
	// the tracker/monitor cycle.
	onReconnect func(ctx context.Context, inst *Instance)
}

// NewStateTracker creates the tracker. The reconnect hook starts nil and
// is attached with OnReconnect once the health monitor exists.
func NewStateTracker(
	registry *InstanceRegistry,
	gateway *PersistenceGateway,
	notifier *LifecycleNotifier,
	scheduler *taskScheduler,
	workMan workerpool.Manager,
	debounceWindow time.Duration,
	probeTimeout time.Duration,
) *StateTracker {
	return &StateTracker{
		registry:       registry,
		gateway:        gateway,
		notifier:       notifier,
		scheduler:      scheduler,
		workMan:        workMan,
		debounceWindow: debounceWindow,
		probeTimeout:   probeTimeout,
	}
}

// OnReconnect attaches the reconnect hook.
func (t *StateTracker) OnReconnect(fn func(ctx context.Context, inst *Instance)) {
	t.onReconnect = fn
}

func (t *StateTracker) requestReconnect(ctx context.Context, inst *Instance) {
	if t.onReconnect != nil {
		t.onReconnect(ctx, inst)
	}
}

// Apply records one state transition. It returns true when the transition
// was accepted and false when it was discarded as stale. Accepted
// transitions are persisted and announced; both are best-effort and never
// block or fail the transition itself.
func (t *StateTracker) Apply(ctx context.Context, inst *Instance, next ConnectionState) bool {
	if next.Timestamp.IsZero() {
		next.Timestamp = time.Now()
	}

	inst.mu.Lock()
	current := inst.state
	if next.Timestamp.Before(current.Timestamp) {
		inst.mu.Unlock()
		util.Log(ctx).WithFields(map[string]any{
			"instance_name": inst.Name(),
			"stale_state":   string(next.State),
			"stale_at":      next.Timestamp,
			"current_state": string(current.State),
			"current_at":    current.Timestamp,
		}).Debug("discarding stale state transition")
		return false
	}
	if next.State == current.State && next.Timestamp.Equal(current.Timestamp) {
		inst.mu.Unlock()
		return false
	}
	inst.state = next
	inst.mu.Unlock()

	switch next.State {
	case StateConnecting:
		// Every connecting signal restarts the timeout clock, so a
		// transport that keeps retrying is measured per attempt.
		inst.MarkConnectStarted(next.Timestamp)
		t.notifier.Emit(ctx, EventInstanceConnecting, inst, data.JSONMap{"reason": next.Reason})
	case StateOpen:
		inst.ClearConnectStarted()
		t.scheduler.Cancel(inst.Name(), timerKindEviction)
		t.notifier.Emit(ctx, EventInstanceConnected, inst, data.JSONMap{"reason": next.Reason})
	case StateClosed:
		inst.ClearConnectStarted()
	}

	util.Log(ctx).WithFields(map[string]any{
		"instance_name": inst.Name(),
		"from":          string(current.State),
		"to":            string(next.State),
		"reason":        next.Reason,
	}).Info("connection state changed")

	t.persistAsync(ctx, inst)
	return true
}

// persistAsync pushes the current projection to the persistence tiers on
// the shared worker pool.
func (t *StateTracker) persistAsync(ctx context.Context, inst *Instance) {
	rec := inst.Record()
	t.notifier.Emit(ctx, EventStatePersistRequested, inst, nil)

	if t.workMan == nil {
		if err := t.gateway.Persist(ctx, rec); err != nil {
			util.Log(ctx).WithError(err).WithField("instance_name", rec.Name).
				Error("failed to persist state transition")
		}
		return
	}

	job := workerpool.NewJob[any](func(ctx context.Context, resultPipe workerpool.JobResultPipe[any]) error {
		if err := t.gateway.Persist(ctx, rec); err != nil {
			util.Log(ctx).WithError(err).WithField("instance_name", rec.Name).
				Error("failed to persist state transition")
			return resultPipe.WriteError(ctx, err)
		}
		return nil
	})

	if err := workerpool.SubmitJob(ctx, t.workMan, job); err != nil {
		util.Log(ctx).WithError(err).WithField("instance_name", inst.Name()).
			Error("failed to submit persistence job")
	}
}

// RecordSend notes a completed outbound send. Sends prove the connection
// was usable moments ago, so verification downgrades are suppressed for
// the debounce window that follows.
func (t *StateTracker) RecordSend(inst *Instance) {
	inst.lastSendAt.Store(time.Now().UnixNano())
	inst.sendGeneration.Add(1)
}

// RejectIfNotOpen guards the send path: operations that require a live
// connection fail fast with a precondition error instead of queueing
// against a dead socket.
func (t *StateTracker) RejectIfNotOpen(inst *Instance) error {
	state := inst.State()
	if state.State != StateOpen {
		return service.NewInstanceNotOpenError(inst.Name(), string(state.State))
	}
	return nil
}

// Verify reconciles the declared state against the live transport
// signals. It returns true when a correction was applied.
//
// Two divergences are repaired:
//
//   - declared open, transport dead: downgraded to closed, unless a send
//     completed inside the debounce window, in which case the downgrade
//     is deferred and re-checked after the window expires.
//   - declared closed, transport ready and authenticated: a candidate
//     false disconnect. The identity probe must pass before the state
//     flips back to open, since the signals may belong to a stale
//     reference to a torn-down transport; a failed probe routes into the
//     reconnect path instead.
//
// A connecting instance is left alone: it resolves through transport
// events or the health monitor's timeout policy, never by signal
// inspection.
func (t *StateTracker) Verify(ctx context.Context, inst *Instance) bool {
	if !inst.HasTransportSocket() {
		return false
	}

	declared := inst.State()
	ready, jid := inst.transportSignals()
	alive := ready && jid != ""

	switch {
	case declared.State == StateOpen && !alive:
		return t.verifyDowngrade(ctx, inst)
	case declared.State == StateClosed && alive:
		transport := inst.Transport()
		probeCtx, cancel := context.WithTimeout(ctx, t.probeTimeout)
		probeErr := transport.QueryIdentity(probeCtx)
		cancel()
		if probeErr != nil {
			util.Log(ctx).WithError(probeErr).WithField("instance_name", inst.Name()).
				Warn("ready transport failed the liveness probe, reconnecting instead of correcting")
			t.requestReconnect(ctx, inst)
			return false
		}

		corrected := t.Apply(ctx, inst, ConnectionState{
			State:     StateOpen,
			Reason:    "transport verified alive",
			Timestamp: time.Now(),
		})
		if corrected {
			t.notifier.EmitCorrection(ctx, inst, declared.State, StateOpen, true)
		}
		return corrected
	default:
		return false
	}
}

// deferInsideDebounce arms a generation-keyed re-verification when a send
// completed inside the debounce window. It returns true when the
// downgrade was deferred.
func (t *StateTracker) deferInsideDebounce(ctx context.Context, inst *Instance) bool {
	lastSend := inst.LastSendAt()
	if lastSend.IsZero() {
		return false
	}
	elapsed := time.Since(lastSend)
	if elapsed >= t.debounceWindow {
		return false
	}

	generation := inst.SendGeneration()
	remaining := t.debounceWindow - elapsed

	util.Log(ctx).WithFields(map[string]any{
		"instance_name": inst.Name(),
		"recheck_in":    remaining.String(),
	}).Debug("deferring state downgrade inside send debounce window")

	t.scheduler.Schedule(inst.Name(), timerKindDebounce, remaining, func() {
		recheckCtx := context.WithoutCancel(ctx)

		current, ok := t.registry.Get(inst.Name())
		if !ok || current != inst {
			return
		}
		// A send that landed after this deferral restarts the clock;
		// its own verification pass owns the decision now.
		if inst.SendGeneration() != generation {
			return
		}
		t.Verify(recheckCtx, inst)
	})
	return true
}

// verifyDowngrade applies the open-to-closed correction, deferring while
// recent sends make the dead-transport reading suspect. An applied
// downgrade hands the instance straight to the reconnect path.
func (t *StateTracker) verifyDowngrade(ctx context.Context, inst *Instance) bool {
	if t.deferInsideDebounce(ctx, inst) {
		return false
	}

	declared := inst.State()
	downgraded := t.Apply(ctx, inst, ConnectionState{
		State:     StateClosed,
		Reason:    "transport not ready during verification",
		Timestamp: time.Now(),
	})
	if downgraded {
		t.notifier.EmitCorrection(ctx, inst, declared.State, StateClosed, false)
		t.requestReconnect(ctx, inst)
	}
	return downgraded
}

// applyTransportEvent funnels one transport-stream transition into the
// state machine. A close event landing while the declared state is open
// gets the same send-debounce treatment as a verification downgrade: a
// drop reported moments after a successful send may be transient, so the
// decision is deferred to a re-verification after the window expires.
func (t *StateTracker) applyTransportEvent(ctx context.Context, inst *Instance, ev TransportEvent) {
	if ev.State == StateClosed && inst.State().State == StateOpen {
		if t.deferInsideDebounce(ctx, inst) {
			return
		}
	}
	t.Apply(ctx, inst, ConnectionState{
		State:     ev.State,
		Reason:    ev.Reason,
		Timestamp: ev.At,
	})
}

// WatchTransport consumes the transport event stream for one instance
// until the stream closes. When the stream ends while the instance is
// still registered, the reconnect hook is invoked.
func (t *StateTracker) WatchTransport(ctx context.Context, inst *Instance) {
	transport := inst.Transport()
	if transport == nil {
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, open := <-transport.Events():
				if !open {
					if _, registered := t.registry.Get(inst.Name()); registered {
						t.requestReconnect(ctx, inst)
					}
					return
				}
				t.applyTransportEvent(ctx, inst, ev)
			}
		}
	}()
}
