package repository

import (
	"context"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/models"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
	"gorm.io/gorm"
)

type instanceRepository struct {
	datastore.BaseRepository[*models.Instance]
}

// GetByName retrieves one instance by its unique name within a client namespace.
func (ir *instanceRepository) GetByName(
	ctx context.Context,
	clientNamespace, name string,
) (*models.Instance, error) {
	var instance models.Instance
	err := ir.Pool().DB(ctx, true).
		Where("client_namespace = ? AND name = ?", clientNamespace, name).
		First(&instance).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetByNamespaceAndStates retrieves all instances in a namespace whose last
// known connection state is one of the supplied states.
func (ir *instanceRepository) GetByNamespaceAndStates(
	ctx context.Context,
	clientNamespace string,
	states ...string,
) ([]*models.Instance, error) {
	var instances []*models.Instance
	err := ir.Pool().DB(ctx, true).
		Where("client_namespace = ? AND connection_state IN ?", clientNamespace, states).
		Find(&instances).Error
	return instances, err
}

// UpdateConnectionState updates only the connection-status fields of the
// durable record, leaving the rest of the row untouched.
func (ir *instanceRepository) UpdateConnectionState(ctx context.Context, id, state, reason string) error {
	return ir.Pool().DB(ctx, false).
		Model(&models.Instance{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"connection_state": state,
			"state_reason":     reason,
			"state_changed_at": time.Now(),
			"last_seen_at":     time.Now(),
		}).Error
}

// DeleteWithDependents removes the instance row and its dependent webhook,
// proxy and setting records in one transaction.
func (ir *instanceRepository) DeleteWithDependents(ctx context.Context, id string) error {
	db := ir.Pool().DB(ctx, false)
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("instance_id = ?", id).Delete(&models.Webhook{}).Error; err != nil {
			return err
		}
		if err := tx.Where("instance_id = ?", id).Delete(&models.Proxy{}).Error; err != nil {
			return err
		}
		if err := tx.Where("instance_id = ?", id).Delete(&models.Setting{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Instance{}).Error
	})
}

// NewInstanceRepository creates a new instance repository instance.
func NewInstanceRepository(ctx context.Context, dbPool pool.Pool, workMan workerpool.Manager) InstanceRepository {
	return &instanceRepository{
		BaseRepository: datastore.NewBaseRepository[*models.Instance](
			ctx, dbPool, workMan, func() *models.Instance { return &models.Instance{} },
		),
	}
}
