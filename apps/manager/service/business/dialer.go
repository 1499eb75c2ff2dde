package business

import (
	"context"
	"sync"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/models"
)

// DialerRegistry maps integration kinds to transport factories. The
// integration layer registers concrete dialers at startup; restoration
// and reconnection look them up by the instance's integration kind.
type DialerRegistry struct {
	mu      sync.RWMutex
	dialers map[string]TransportFactory
}

// NewDialerRegistry creates an empty dialer registry.
func NewDialerRegistry() *DialerRegistry {
	return &DialerRegistry{dialers: make(map[string]TransportFactory)}
}

// Register binds a factory to an integration kind, replacing any previous
// binding.
func (d *DialerRegistry) Register(integrationKind string, factory TransportFactory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialers[integrationKind] = factory
}

// Dial produces a transport for the instance record, or
// ErrNoTransportDialer when its integration kind has no registered
// factory.
func (d *DialerRegistry) Dial(ctx context.Context, record *models.Instance) (Transport, error) {
	d.mu.RLock()
	factory, ok := d.dialers[record.IntegrationKind]
	d.mu.RUnlock()

	if !ok {
		return nil, ErrNoTransportDialer
	}
	return factory(ctx, record)
}
