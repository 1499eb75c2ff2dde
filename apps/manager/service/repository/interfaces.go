package repository

import (
	"context"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/models"
	"github.com/pitabwire/frame/datastore"
)

// InstanceRepository defines the durable-tier access for instance records.
type InstanceRepository interface {
	datastore.BaseRepository[*models.Instance]
	GetByName(ctx context.Context, clientNamespace, name string) (*models.Instance, error)
	GetByNamespaceAndStates(ctx context.Context, clientNamespace string, states ...string) ([]*models.Instance, error)
	UpdateConnectionState(ctx context.Context, id, state, reason string) error
	DeleteWithDependents(ctx context.Context, id string) error
}

// WebhookRepository defines access to per-instance webhook configuration.
type WebhookRepository interface {
	datastore.BaseRepository[*models.Webhook]
	GetByInstanceID(ctx context.Context, instanceID string) (*models.Webhook, error)
}

// ProxyRepository defines access to per-instance proxy configuration.
type ProxyRepository interface {
	datastore.BaseRepository[*models.Proxy]
	GetByInstanceID(ctx context.Context, instanceID string) (*models.Proxy, error)
}

// SettingRepository defines access to per-instance account settings.
type SettingRepository interface {
	datastore.BaseRepository[*models.Setting]
	GetByInstanceID(ctx context.Context, instanceID string) (*models.Setting, error)
}
