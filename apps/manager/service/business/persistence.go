package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/config"
	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/models"
	"github.com/ThalesACarvalho/evolution-api-custom/apps/manager/service/repository"
	"github.com/ThalesACarvalho/evolution-api-custom/internal"
	"github.com/ThalesACarvalho/evolution-api-custom/internal/resilience"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
	"gorm.io/gorm"
)

// LoadedRecord is one restorable session record together with the tier it
// was recovered from.
type LoadedRecord struct {
	Record *SessionRecord
	Tier   string
}

// PersistenceGateway is the single entry point for saving, loading and
// removing session records across the cache, durable and file tiers.
//
// Writes go to every enabled tier independently: a tier failure is logged
// and the write still succeeds as long as at least one tier accepted it.
// The durable store sits behind a circuit breaker so a database outage
// degrades to cache-plus-file operation instead of stacking latency on
// every state transition.
type PersistenceGateway struct {
	cacheEnabled   bool
	durableEnabled bool
	fileEnabled    bool

	namespace string

	keyStore     *KeyStore
	fileProvider *FileProvider
	instanceRepo repository.InstanceRepository
	webhookRepo  repository.WebhookRepository
	proxyRepo    repository.ProxyRepository
	settingRepo  repository.SettingRepository
	breaker      *resilience.CircuitBreaker
}

// NewPersistenceGateway wires the gateway from configuration and the tier
// backends. Disabled tiers may pass nil backends.
func NewPersistenceGateway(
	cfg *config.SessionConfig,
	keyStore *KeyStore,
	fileProvider *FileProvider,
	instanceRepo repository.InstanceRepository,
	webhookRepo repository.WebhookRepository,
	proxyRepo repository.ProxyRepository,
	settingRepo repository.SettingRepository,
) *PersistenceGateway {
	breaker := resilience.NewCircuitBreaker(resilience.DefaultSettings("durable-store"))

	return &PersistenceGateway{
		cacheEnabled:   cfg.CacheSessionSaveEnabled && keyStore != nil,
		durableEnabled: cfg.DurableStoreEnabled && instanceRepo != nil,
		fileEnabled:    cfg.ProviderFilesEnabled && fileProvider != nil,
		namespace:      cfg.ClientNamespace,
		keyStore:       keyStore,
		fileProvider:   fileProvider,
		instanceRepo:   instanceRepo,
		webhookRepo:    webhookRepo,
		proxyRepo:      proxyRepo,
		settingRepo:    settingRepo,
		breaker:        breaker,
	}
}

// Persist writes the record to every enabled tier. It returns an error
// wrapping ErrAllTiersFailed only when no tier accepted the write.
func (g *PersistenceGateway) Persist(ctx context.Context, rec *SessionRecord) error {
	if !rec.Valid() {
		return ErrMalformedRecord
	}

	var failures []error
	succeeded := 0

	if g.cacheEnabled {
		if err := g.persistCache(ctx, rec); err != nil {
			util.Log(ctx).WithError(err).WithField("instance_name", rec.Name).
				Warn("cache tier rejected session record")
			failures = append(failures, fmt.Errorf("%s tier: %w", TierCache, err))
		} else {
			succeeded++
		}
	}

	if g.durableEnabled {
		if err := g.persistDurable(ctx, rec); err != nil {
			util.Log(ctx).WithError(err).WithField("instance_name", rec.Name).
				Warn("durable tier rejected session record")
			failures = append(failures, fmt.Errorf("%s tier: %w", TierDurable, err))
		} else {
			succeeded++
		}
	}

	if g.fileEnabled {
		if err := g.fileProvider.Save(ctx, rec); err != nil {
			util.Log(ctx).WithError(err).WithField("instance_name", rec.Name).
				Warn("file tier rejected session record")
			failures = append(failures, fmt.Errorf("%s tier: %w", TierFile, err))
		} else {
			succeeded++
		}
	}

	if succeeded == 0 {
		return fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(failures...))
	}
	return nil
}

// persistCache writes the primary session record without expiry. Session
// records must never age out of the cache on their own.
func (g *PersistenceGateway) persistCache(ctx context.Context, rec *SessionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return g.keyStore.Set(ctx, internal.KeyModuleIndex, rec.Name, string(payload), 0)
}

// persistDurable upserts the instance row through the circuit breaker. A
// new instance writes the full row; an existing row gets the narrow
// connection-status update, since identity and configuration changes
// arrive through the API layer, not through state transitions.
func (g *PersistenceGateway) persistDurable(ctx context.Context, rec *SessionRecord) error {
	return g.breaker.Execute(func() error {
		existing, err := g.instanceRepo.GetByName(ctx, g.namespace, rec.Name)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return g.instanceRepo.Create(ctx, modelFromRecord(rec, g.namespace))
		}
		if err != nil {
			return err
		}

		return g.instanceRepo.UpdateConnectionState(
			ctx, existing.GetID(), string(rec.State), rec.StateReason)
	})
}

// Remove deletes the instance's footprint from every enabled tier,
// including the auxiliary cache key modules. Tier failures are joined,
// not short-circuited, so a dead tier never strands data in the others.
func (g *PersistenceGateway) Remove(ctx context.Context, instanceID, name string) error {
	var failures []error

	if g.cacheEnabled {
		if err := g.keyStore.Delete(ctx, internal.KeyModuleIndex, name); err != nil {
			failures = append(failures, fmt.Errorf("%s tier: %w", TierCache, err))
		}
		for _, module := range internal.AuxiliaryKeyModules {
			if err := g.keyStore.Delete(ctx, module, name); err != nil {
				failures = append(failures, fmt.Errorf("%s tier (%s): %w", TierCache, module, err))
			}
		}
	}

	if g.durableEnabled && instanceID != "" {
		err := g.breaker.Execute(func() error {
			return g.instanceRepo.DeleteWithDependents(ctx, instanceID)
		})
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			failures = append(failures, fmt.Errorf("%s tier: %w", TierDurable, err))
		}
	}

	if g.fileEnabled && instanceID != "" {
		if err := g.fileProvider.Delete(ctx, instanceID); err != nil {
			failures = append(failures, fmt.Errorf("%s tier: %w", TierFile, err))
		}
	}

	return errors.Join(failures...)
}

// LoadAll recovers every restorable session record, consulting the tiers
// in priority order: cache, then durable, then file. Records found in a
// lower tier only supersede an earlier one when their state timestamp is
// strictly newer.
func (g *PersistenceGateway) LoadAll(ctx context.Context) ([]*LoadedRecord, error) {
	byName := make(map[string]*LoadedRecord)
	var order []string

	merge := func(rec *SessionRecord, tier string) {
		existing, ok := byName[rec.Name]
		if !ok {
			byName[rec.Name] = &LoadedRecord{Record: rec, Tier: tier}
			order = append(order, rec.Name)
			return
		}
		if rec.StateAt.After(existing.Record.StateAt) {
			byName[rec.Name] = &LoadedRecord{Record: rec, Tier: tier}
		}
	}

	var failures []error

	if g.cacheEnabled {
		if err := g.loadCache(ctx, merge); err != nil {
			util.Log(ctx).WithError(err).Warn("cache tier unavailable during restore sweep")
			failures = append(failures, fmt.Errorf("%s tier: %w", TierCache, err))
		}
	}

	if g.durableEnabled {
		if err := g.loadDurable(ctx, merge); err != nil {
			util.Log(ctx).WithError(err).Warn("durable tier unavailable during restore sweep")
			failures = append(failures, fmt.Errorf("%s tier: %w", TierDurable, err))
		}
	}

	if g.fileEnabled {
		records, err := g.fileProvider.LoadAll(ctx)
		if err != nil {
			util.Log(ctx).WithError(err).Warn("file tier unavailable during restore sweep")
			failures = append(failures, fmt.Errorf("%s tier: %w", TierFile, err))
		}
		for _, rec := range records {
			merge(rec, TierFile)
		}
	}

	if len(byName) == 0 && len(failures) > 0 && g.enabledTierCount() == len(failures) {
		return nil, fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(failures...))
	}

	results := make([]*LoadedRecord, 0, len(byName))
	for _, name := range order {
		results = append(results, byName[name])
	}
	return results, nil
}

// loadCache sweeps the session index. A malformed cache entry is removed
// and replaced by the durable row for the same instance when one exists.
func (g *PersistenceGateway) loadCache(ctx context.Context, merge func(*SessionRecord, string)) error {
	names, err := g.keyStore.ListKeys(ctx, internal.KeyModuleIndex, "")
	if err != nil {
		return err
	}

	for _, name := range names {
		payload, ok, getErr := g.keyStore.Get(ctx, internal.KeyModuleIndex, name)
		if getErr != nil {
			util.Log(ctx).WithError(getErr).WithField("instance_name", name).
				Warn("skipping unreadable cached session record")
			continue
		}
		if !ok {
			continue
		}

		var rec SessionRecord
		if unmarshalErr := json.Unmarshal([]byte(payload), &rec); unmarshalErr != nil || !rec.Valid() {
			util.Log(ctx).WithField("instance_name", name).
				Warn("removing malformed cached session record")
			_ = g.keyStore.Delete(ctx, internal.KeyModuleIndex, name)
			g.fallbackToDurable(ctx, name, merge)
			continue
		}
		merge(&rec, TierCache)
	}
	return nil
}

// fallbackToDurable recovers a single instance from the durable row after
// its cache entry turned out to be unusable.
func (g *PersistenceGateway) fallbackToDurable(ctx context.Context, name string, merge func(*SessionRecord, string)) {
	if !g.durableEnabled {
		return
	}

	var model *models.Instance
	err := g.breaker.Execute(func() error {
		var lookupErr error
		model, lookupErr = g.instanceRepo.GetByName(ctx, g.namespace, name)
		return lookupErr
	})
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			util.Log(ctx).WithError(err).WithField("instance_name", name).
				Warn("durable fallback for malformed cache entry failed")
		}
		return
	}

	rec := recordFromModel(model)
	g.attachDependents(ctx, rec)
	merge(rec, TierDurable)
}

// loadDurable recovers instances whose last persisted state was open or
// connecting. Rows already closed stay closed; restarting the process is
// not a reason to dial them.
func (g *PersistenceGateway) loadDurable(ctx context.Context, merge func(*SessionRecord, string)) error {
	var instances []*models.Instance
	err := g.breaker.Execute(func() error {
		var queryErr error
		instances, queryErr = g.instanceRepo.GetByNamespaceAndStates(
			ctx, g.namespace, models.StatusOpen, models.StatusConnecting)
		return queryErr
	})
	if err != nil {
		return err
	}

	for _, model := range instances {
		rec := recordFromModel(model)
		g.attachDependents(ctx, rec)
		merge(rec, TierDurable)
	}
	return nil
}

// attachDependents enriches a durable-tier record with its webhook, proxy
// and setting rows. Lookup failures leave the section nil.
func (g *PersistenceGateway) attachDependents(ctx context.Context, rec *SessionRecord) {
	if rec.InstanceID == "" {
		return
	}

	if g.webhookRepo != nil {
		if webhook, err := g.webhookRepo.GetByInstanceID(ctx, rec.InstanceID); err == nil {
			rec.Webhook = &WebhookConfig{
				URL:     webhook.URL,
				Enabled: webhook.Enabled,
				Events:  jsonMapKeys(webhook.Events),
			}
		}
	}

	if g.proxyRepo != nil {
		if proxy, err := g.proxyRepo.GetByInstanceID(ctx, rec.InstanceID); err == nil {
			rec.Proxy = &ProxyConfig{
				Host:     proxy.Host,
				Port:     proxy.Port,
				Protocol: proxy.Protocol,
				Username: proxy.Username,
				Password: proxy.Password,
				Enabled:  proxy.Enabled,
			}
		}
	}

	if g.settingRepo != nil {
		if setting, err := g.settingRepo.GetByInstanceID(ctx, rec.InstanceID); err == nil {
			rec.Settings = &SettingConfig{
				RejectCalls:     setting.RejectCalls,
				GroupsIgnored:   setting.GroupsIgnored,
				AlwaysOnline:    setting.AlwaysOnline,
				ReadMessages:    setting.ReadMessages,
				ReadStatus:      setting.ReadStatus,
				SyncFullHistory: setting.SyncFullHistory,
			}
		}
	}
}

// RoundTrip verifies that at least one enabled tier can still accept a
// write. The health monitor requires this to pass before any eviction or
// forced logout destroys recoverable session state.
func (g *PersistenceGateway) RoundTrip(ctx context.Context) error {
	var failures []error

	if g.cacheEnabled {
		err := g.keyStore.RoundTrip(ctx)
		if err == nil {
			return nil
		}
		failures = append(failures, fmt.Errorf("%s tier: %w", TierCache, err))
	}

	if g.durableEnabled {
		err := g.breaker.Execute(func() error {
			_, lookupErr := g.instanceRepo.GetByNamespaceAndStates(ctx, g.namespace, models.StatusOpen)
			return lookupErr
		})
		if err == nil {
			return nil
		}
		failures = append(failures, fmt.Errorf("%s tier: %w", TierDurable, err))
	}

	if g.fileEnabled {
		err := g.fileProvider.fs.MkdirAll(g.fileProvider.root, 0o750)
		if err == nil {
			return nil
		}
		failures = append(failures, fmt.Errorf("%s tier: %w", TierFile, err))
	}

	return fmt.Errorf("%w: %w", ErrStorageProbeFailed, errors.Join(failures...))
}

// BreakerState exposes the durable-store breaker state for readiness
// reporting.
func (g *PersistenceGateway) BreakerState() resilience.State {
	return g.breaker.State()
}

func (g *PersistenceGateway) enabledTierCount() int {
	count := 0
	for _, enabled := range []bool{g.cacheEnabled, g.durableEnabled, g.fileEnabled} {
		if enabled {
			count++
		}
	}
	return count
}

// recordFromModel projects a durable row into a session record.
func recordFromModel(m *models.Instance) *SessionRecord {
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
		State:           ConnState(m.ConnectionState),
		StateReason:     m.StateReason,
		StateAt:         m.StateChangedAt,
		SavedAt:         time.Now(),
	}
}

// modelFromRecord builds a fresh durable row from a session record.
func modelFromRecord(rec *SessionRecord, namespace string) *models.Instance {
	model := &models.Instance{
		Name:            rec.Name,
		ClientNamespace: namespace,
		IntegrationKind: rec.IntegrationKind,
		Token:           rec.Token,
		OwnerJID:        rec.OwnerJID,
		ProfileName:     rec.ProfileName,
		ProfilePicURL:   rec.ProfilePicURL,
		PhoneNumber:     rec.PhoneNumber,
		ConnectionState: string(rec.State),
		StateReason:     rec.StateReason,
		StateChangedAt:  rec.StateAt,
		LastSeenAt:      time.Now(),
	}
	if rec.InstanceID != "" {
		model.ID = rec.InstanceID
	}
	return model
}

func jsonMapKeys(m data.JSONMap) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
