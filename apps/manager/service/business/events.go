package business

import (
	"context"
	"fmt"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/internal"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
)

// Lifecycle event names published for the API/webhook layer to consume.
const (
	EventInstanceRemoved       = "instance.removed"
	EventInstanceLoggedOut     = "instance.logged_out"
	EventInstanceConnected     = "instance.connected"
	EventInstanceConnecting    = "instance.connecting"
	EventConnectionCorrected   = "connection.corrected"
	EventStatePersistRequested = "state.persist.requested"
	EventStateRemoveRequested  = "state.remove.requested"
)

// LifecycleNotifier publishes instance lifecycle notifications on a named
// topic. Subscribers and delivery order live in queue configuration, not
// in implicit emitter wiring.
type LifecycleNotifier struct {
	qMan      queue.Manager
	topicName string
}

// NewLifecycleNotifier creates a notifier bound to the lifecycle topic.
func NewLifecycleNotifier(qMan queue.Manager, topicName string) *LifecycleNotifier {
	return &LifecycleNotifier{qMan: qMan, topicName: topicName}
}

// Emit publishes one lifecycle event for an instance. Emission is
// best-effort: a publish failure is logged and never propagates into the
// state machinery that triggered it.
func (n *LifecycleNotifier) Emit(ctx context.Context, event string, inst *Instance, payload data.JSONMap) {
	if n == nil || n.qMan == nil {
		return
	}

	topic, err := n.qMan.GetPublisher(n.topicName)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("topic", n.topicName).
			Error("failed to get lifecycle publisher")
		return
	}

	if payload == nil {
		payload = data.JSONMap{}
	}
	payload["event"] = event
	payload["instance_name"] = inst.Name()
	payload["instance_id"] = inst.ID()
	payload["state"] = string(inst.State().State)
	payload["emitted_at"] = time.Now().Format(time.RFC3339Nano)

	headers := map[string]string{
		internal.HeaderEventType:    event,
		internal.HeaderInstanceName: inst.Name(),
		internal.HeaderInstanceID:   inst.ID(),
	}

	if pubErr := topic.Publish(ctx, payload, headers); pubErr != nil {
		util.Log(ctx).WithError(pubErr).WithFields(map[string]any{
			"event":         event,
			"instance_name": inst.Name(),
		}).Error("failed to publish lifecycle event")
	}
}

// EmitCorrection publishes a connection-corrected event, flagging whether
// a false disconnect was repaired.
func (n *LifecycleNotifier) EmitCorrection(ctx context.Context, inst *Instance, from, to ConnState, falseDisconnect bool) {
	n.Emit(ctx, EventConnectionCorrected, inst, data.JSONMap{
		"corrected_from":            string(from),
		"corrected_to":              string(to),
		"false_disconnect_repaired": falseDisconnect,
		"detail":                    fmt.Sprintf("state corrected from %s to %s", from, to),
	})
}
