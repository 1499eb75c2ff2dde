package repository

import (
	"context"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/models"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
)

type webhookRepository struct {
	datastore.BaseRepository[*models.Webhook]
}

func (wr *webhookRepository) GetByInstanceID(ctx context.Context, instanceID string) (*models.Webhook, error) {
	var webhook models.Webhook
	err := wr.Pool().DB(ctx, true).
		Where("instance_id = ?", instanceID).
		First(&webhook).Error
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

// NewWebhookRepository creates a new webhook repository instance.
func NewWebhookRepository(ctx context.Context, dbPool pool.Pool, workMan workerpool.Manager) WebhookRepository {
	return &webhookRepository{
		BaseRepository: datastore.NewBaseRepository[*models.Webhook](
			ctx, dbPool, workMan, func() *models.Webhook { return &models.Webhook{} },
		),
	}
}

type proxyRepository struct {
	datastore.BaseRepository[*models.Proxy]
}

func (pr *proxyRepository) GetByInstanceID(ctx context.Context, instanceID string) (*models.Proxy, error) {
	var proxy models.Proxy
	err := pr.Pool().DB(ctx, true).
		Where("instance_id = ?", instanceID).
		First(&proxy).Error
	if err != nil {
		return nil, err
	}
	return &proxy, nil
}

// NewProxyRepository creates a new proxy repository instance.
func NewProxyRepository(ctx context.Context, dbPool pool.Pool, workMan workerpool.Manager) ProxyRepository {
	return &proxyRepository{
		BaseRepository: datastore.NewBaseRepository[*models.Proxy](
			ctx, dbPool, workMan, func() *models.Proxy { return &models.Proxy{} },
		),
	}
}

type settingRepository struct {
	datastore.BaseRepository[*models.Setting]
}

func (sr *settingRepository) GetByInstanceID(ctx context.Context, instanceID string) (*models.Setting, error) {
	var setting models.Setting
	err := sr.Pool().DB(ctx, true).
		Where("instance_id = ?", instanceID).
		First(&setting).Error
	if err != nil {
		return nil, err
	}
	return &setting, nil
}

// NewSettingRepository creates a new setting repository instance.
func NewSettingRepository(ctx context.Context, dbPool pool.Pool, workMan workerpool.Manager) SettingRepository {
	return &settingRepository{
		BaseRepository: datastore.NewBaseRepository[*models.Setting](
			ctx, dbPool, workMan, func() *models.Setting { return &models.Setting{} },
		),
	}
}
