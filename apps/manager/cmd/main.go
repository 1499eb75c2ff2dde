package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mgrconfig "github.com/ThalesACarvalho/evolution-api-custom/apps/manager/config"
	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/business"
	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/repository"
	"github.com/ThalesACarvalho/evolution-api-custom/internal/health"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/cache/jetstreamkv"
	"github.com/pitabwire/frame/cache/valkey"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"
)

func runService(ctx context.Context) (err error) {
	cfg, err := config.LoadWithOIDC[mgrconfig.SessionConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return err
	}

	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return err
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "session_manager"
	}

	rawCache, err := setupCache(ctx, cfg)
	if err != nil {
		util.Log(ctx).WithError(err).Error("could not setup cache")
		return err
	}

	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithRegisterServerOauth2Client(),
		frame.WithDatastore(),
		frame.WithCache(cfg.CacheName, rawCache),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	workMan := svc.WorkManager()
	queueMan := svc.QueueManager()

	dbManager := svc.DatastoreManager()
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)

	if cfg.DoDatabaseMigrate() {
		if err = repository.Migrate(ctx, svc, cfg.GetDatabaseMigrationPath()); err != nil {
			log.WithError(err).Error("could not migrate database")
			return err
		}
		return nil
	}

	var instanceRepo repository.InstanceRepository
	var webhookRepo repository.WebhookRepository
	var proxyRepo repository.ProxyRepository
	var settingRepo repository.SettingRepository
	if cfg.DurableStoreEnabled {
		instanceRepo = repository.NewInstanceRepository(ctx, dbPool, workMan)
		webhookRepo = repository.NewWebhookRepository(ctx, dbPool, workMan)
		proxyRepo = repository.NewProxyRepository(ctx, dbPool, workMan)
		settingRepo = repository.NewSettingRepository(ctx, dbPool, workMan)
	}

	keyStore := setupKeyStore(ctx, cfg)

	var fileProvider *business.FileProvider
	if cfg.ProviderFilesEnabled {
		fileProvider = business.NewFileProvider(cfg.ProviderFilesDir)
	}

	manager := business.NewManager(
		&cfg, keyStore, fileProvider,
		instanceRepo, webhookRepo, proxyRepo, settingRepo,
		rawCache, queueMan, workMan,
	)

	// Drain on the way out. Defers run LIFO: the drain completes before
	// svc.Stop tears down the queue and datastore managers it needs. A
	// failed or deadline-exceeded drain must surface as a nonzero exit,
	// so its error feeds the named return when nothing else already did.
	defer func() {
		drainCtx := context.WithoutCancel(ctx)
		drainErr := manager.Stop(drainCtx)
		if drainErr == nil {
			return
		}
		util.Log(drainCtx).WithError(drainErr).Error("shutdown drain reported failures")
		if err == nil {
			err = drainErr
		}
	}()

	healthHandler := setupHealthChecks(dbPool, manager, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	lifecycleQueuePublisher := frame.WithRegisterPublisher(
		cfg.QueueLifecycleEventsName,
		cfg.QueueLifecycleEventsURI,
	)

	svc.Init(ctx, lifecycleQueuePublisher, frame.WithHTTPHandler(mux))

	if err = manager.Start(ctx); err != nil {
		log.WithError(err).Error("could not start session core")
		return err
	}

	return svc.Run(ctx, "")
}

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer stop()

	if err := runService(ctx); err != nil {
		util.Log(ctx).WithError(err).Fatal("could not run service")
	}
}

func setupCache(_ context.Context, cfg mgrconfig.SessionConfig) (cache.RawCache, error) {
	cacheDSN := data.DSN(cfg.CacheURI)

	cacheOptions := []cache.Option{
		cache.WithDSN(cacheDSN),
	}

	if cfg.CacheCredentialsFile != "" {
		cacheOptions = append(cacheOptions, cache.WithCredsFile(cfg.CacheCredentialsFile))
	}

	switch {
	case cacheDSN.IsNats():
		return jetstreamkv.New(cacheOptions...)
	case cacheDSN.IsRedis():
		return valkey.New(cacheOptions...)
	default:
		return cache.NewInMemoryCache(), nil
	}
}

// setupKeyStore builds the tiered key store. It needs hash operations and
// key scans, so it runs on a direct redis client; with a non-redis cache
// URI the cache tier simply stays disabled.
func setupKeyStore(ctx context.Context, cfg mgrconfig.SessionConfig) *business.KeyStore {
	if !cfg.CacheSessionSaveEnabled {
		return nil
	}
	if !data.DSN(cfg.CacheURI).IsRedis() {
		util.Log(ctx).WithField("cache_uri", cfg.CacheURI).
			Warn("cache tier requires a redis URI, running without it")
		return nil
	}

	opts, err := redis.ParseURL(cfg.CacheURI)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("invalid cache URI, running without cache tier")
		return nil
	}
	return business.NewKeyStore(redis.NewClient(opts), cfg.CacheKeyPrefix)
}

// setupHealthChecks wires liveness and readiness probing.
func setupHealthChecks(dbPool pool.Pool, manager *business.Manager, cfg mgrconfig.SessionConfig) *health.Handler {
	handler := health.NewHandler()

	if cfg.DurableStoreEnabled {
		handler.AddChecker(health.NewDatabaseChecker(dbPool, 5*time.Second))
	}
	if manager.KeyStore != nil {
		handler.AddChecker(health.NewRoundTripChecker("cache", manager.KeyStore.RoundTrip, 5*time.Second))
	}

	return handler
}
