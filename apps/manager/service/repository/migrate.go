package repository

import (
	"context"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/models"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/datastore"
)

func Migrate(ctx context.Context, svc *frame.Service, migrationPath string) error {
	return svc.DatastoreManager().GetPool(ctx, datastore.DefaultPoolName).Migrate(ctx, migrationPath,
		&models.Instance{}, &models.Webhook{}, &models.Proxy{}, &models.Setting{})
}
