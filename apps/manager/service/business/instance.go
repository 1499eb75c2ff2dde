package business

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/models"
)

// Instance is the single live in-memory owner of one managed session.
// The registry holds at most one Instance per name; the durable and cache
// tiers only ever see projections of it.
//
// The state record is read and written by the transport event handler, the
// health monitor and the send-path debounce logic. All writes go through
// the StateTracker, which takes the per-instance mutex and discards stale
// (older-timestamp) transitions, so the three writers tolerate arbitrary
// interleaving.
type Instance struct {
	mu sync.Mutex

	model     *models.Instance
	transport Transport

	state            ConnectionState
	connectStartedAt time.Time
	lastSendAt       atomic.Int64 // unix nanos of the most recent completed send
	sendGeneration   atomic.Uint64
}

// NewInstance wraps a durable record as a live instance. The initial
// declared state is taken from the record; the transport may be nil until
// a dialer attaches one.
func NewInstance(record *models.Instance, transport Transport) *Instance {
	inst := &Instance{
		model:     record,
		transport: transport,
		state: ConnectionState{
			State:     ConnState(record.ConnectionState),
			Reason:    record.StateReason,
			Timestamp: record.StateChangedAt,
		},
	}
	if inst.state.State == "" {
		inst.state = ConnectionState{State: StateClosed, Reason: "initial", Timestamp: time.Now()}
	}
	return inst
}

// Name returns the instance name, unique within the client namespace.
func (i *Instance) Name() string { return i.model.Name }

// ID returns the stable instance identifier.
func (i *Instance) ID() string { return i.model.GetID() }

// IntegrationKind returns the integration kind of this instance.
func (i *Instance) IntegrationKind() string { return i.model.IntegrationKind }

// HasTransportSocket reports whether this instance's integration kind has
// a transport-level socket to verify.
func (i *Instance) HasTransportSocket() bool { return i.model.HasTransportSocket() }

// Model returns the underlying durable record snapshot.
func (i *Instance) Model() *models.Instance { return i.model }

// State returns a copy of the current declared connection state.
func (i *Instance) State() ConnectionState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Transport returns the attached transport, which may be nil.
func (i *Instance) Transport() Transport {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transport
}

// AttachTransport replaces the transport handle, returning the previous one.
func (i *Instance) AttachTransport(t Transport) Transport {
	i.mu.Lock()
	defer i.mu.Unlock()
	prev := i.transport
	i.transport = t
	return prev
}

// MarkConnectStarted records the beginning of a connect attempt so the
// connecting-timeout detector measures the latest attempt.
func (i *Instance) MarkConnectStarted(at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.connectStartedAt = at
}

// ClearConnectStarted clears the connect-attempt marker.
func (i *Instance) ClearConnectStarted() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.connectStartedAt = time.Time{}
}

// ConnectStartedAt returns when the current connect attempt began, or the
// zero time when no attempt is in flight.
func (i *Instance) ConnectStartedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.connectStartedAt
}

// LastSendAt returns the completion time of the most recent send.
func (i *Instance) LastSendAt() time.Time {
	nanos := i.lastSendAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// SendGeneration returns the current send generation. Every completed send
// bumps it, invalidating debounce re-verifications scheduled for earlier
// generations.
func (i *Instance) SendGeneration() uint64 { return i.sendGeneration.Load() }

// transportSignals reads the two live transport signals. A nil transport
// reads as not-ready and unauthenticated.
func (i *Instance) transportSignals() (ready bool, jid string) {
	t := i.Transport()
	if t == nil {
		return false, ""
	}
	return t.SocketReady(), t.AuthenticatedJID()
}

// Record projects the live instance into a SessionRecord for persistence.
func (i *Instance) Record() *SessionRecord {
	i.mu.Lock()
	state := i.state
	i.mu.Unlock()

	m := i.model
	return &SessionRecord{
		InstanceID:      m.GetID(),
		Name:            m.Name,
		ClientNamespace: m.ClientNamespace,
		IntegrationKind: m.IntegrationKind,
		Token:           m.Token,
		OwnerJID:        m.OwnerJID,
		ProfileName:     m.ProfileName,
		ProfilePicURL:   m.ProfilePicURL,
		PhoneNumber:     m.PhoneNumber,
		State:           state.State,
		StateReason:     state.Reason,
		StateAt:         state.Timestamp,
		SavedAt:         time.Now(),
	}
}
