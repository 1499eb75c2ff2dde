// Package business implements the connection-state reconciliation and
// session-persistence core: the tiered key store, the persistence gateway,
// the instance registry, the state tracker, the health monitor, the
// restoration coordinator and the shutdown drain.
package business

import (
	"context"
	"errors"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/models"
)

// ConnState is the declared connection state of one instance.
type ConnState string

const (
	StateClosed     ConnState = models.StatusClosed
	StateConnecting ConnState = models.StatusConnecting
	StateOpen       ConnState = models.StatusOpen
)

// ConnectionState is the tracked state record. It is only ever mutated
// through the StateTracker; transitions carry a reason for observability
// and are monotonic by timestamp.
type ConnectionState struct {
	State     ConnState `json:"state"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// TransportEvent is one connection transition emitted by the messaging
// transport collaborator.
type TransportEvent struct {
	State  ConnState
	Reason string
	At     time.Time
}

// Transport is the opaque messaging-protocol client. The wire protocol is
// not this subsystem's concern: only readiness, identity, lifecycle
// operations and the transition stream are consumed.
type Transport interface {
	// SocketReady reports whether the underlying socket is usable.
	SocketReady() bool
	// AuthenticatedJID returns the authenticated remote identity, or
	// the empty string when the session holds no authenticated user.
	AuthenticatedJID() string
	// QueryIdentity performs a bounded round-trip identity lookup and is
	// used as the liveness probe.
	QueryIdentity(ctx context.Context) error
	// Connect starts or restarts the session.
	Connect(ctx context.Context) error
	// Logout invalidates the remote session credentials.
	Logout(ctx context.Context) error
	// Close shuts the socket down gracefully.
	Close(ctx context.Context) error
	// Terminate force-drops the socket without waiting.
	Terminate()
	// Events is the asynchronous stream of connection transitions. The
	// channel is closed when the transport is torn down.
	Events() <-chan TransportEvent
}

// TransportFactory produces a transport for an instance record. Concrete
// dialers are registered by the integration layer; this core never
// constructs transports itself.
type TransportFactory func(ctx context.Context, record *models.Instance) (Transport, error)

// SessionRecord is the projection of an instance persisted across the
// cache, durable and file tiers for cross-restart recovery.
type SessionRecord struct {
	InstanceID      string    `json:"instance_id"`
	Name            string    `json:"name"`
	ClientNamespace string    `json:"client_namespace"`
	IntegrationKind string    `json:"integration_kind"`
	Token           string    `json:"token,omitempty"`
	OwnerJID        string    `json:"owner_jid,omitempty"`
	ProfileName     string    `json:"profile_name,omitempty"`
	ProfilePicURL   string    `json:"profile_pic_url,omitempty"`
	PhoneNumber     string    `json:"phone_number,omitempty"`
	State           ConnState `json:"state"`
	StateReason     string    `json:"state_reason,omitempty"`
	StateAt         time.Time `json:"state_at"`
	SavedAt         time.Time `json:"saved_at"`

	Webhook  *WebhookConfig `json:"webhook,omitempty"`
	Proxy    *ProxyConfig   `json:"proxy,omitempty"`
	Settings *SettingConfig `json:"settings,omitempty"`
}

// Valid reports whether the record carries enough identity to restore.
func (r *SessionRecord) Valid() bool {
	return r != nil && (r.Name != "" || r.InstanceID != "")
}

// WebhookConfig mirrors the dependent webhook row for restoration.
type WebhookConfig struct {
	URL     string   `json:"url"`
	Enabled bool     `json:"enabled"`
	Events  []string `json:"events,omitempty"`
}

// ProxyConfig mirrors the dependent proxy row for restoration.
type ProxyConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Protocol string `json:"protocol"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// SettingConfig mirrors the dependent setting row for restoration.
type SettingConfig struct {
	RejectCalls     bool `json:"reject_calls"`
	GroupsIgnored   bool `json:"groups_ignored"`
	AlwaysOnline    bool `json:"always_online"`
	ReadMessages    bool `json:"read_messages"`
	ReadStatus      bool `json:"read_status"`
	SyncFullHistory bool `json:"sync_full_history"`
}

// RestorationMarker flags an instance repopulated from persistence; it is
// consumed exactly once by the post-restore verification pass.
type RestorationMarker struct {
	InstanceName string    `json:"instance_name"`
	Tier         string    `json:"tier"`
	RestoredAt   time.Time `json:"restored_at"`
}

// Persistence tier names, used in markers and log fields.
const (
	TierCache   = "cache"
	TierDurable = "durable"
	TierFile    = "file"
)

// Sentinel errors for fast equality checks with errors.Is.
var (
	ErrShuttingDown        = errors.New("session manager is shutting down")
	ErrRegistryFull        = errors.New("instance registry full")
	ErrInstanceNotFound    = errors.New("instance not found in registry")
	ErrNoTransportDialer   = errors.New("no transport dialer registered for integration kind")
	ErrAllTiersFailed      = errors.New("all persistence tiers failed")
	ErrShutdownDeadline    = errors.New("shutdown deadline exceeded")
	ErrShutdownStepsFailed = errors.New("one or more shutdown steps failed")
	ErrMalformedRecord     = errors.New("malformed session record")
	ErrStorageProbeFailed  = errors.New("persistence round-trip probe failed")
)
