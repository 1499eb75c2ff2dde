package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

type SessionConfig struct {
	config.ConfigurationDefault

	// ClientNamespace scopes instance names and durable records to one
	// deployment tenant.
	ClientNamespace string `envDefault:"default" env:"CLIENT_NAMESPACE"`

	// MaxInstances caps the in-memory registry.
	MaxInstances int `envDefault:"10000" env:"MAX_INSTANCES"`

	// Persistence tiers. CacheRecordTTLSeconds applies to transient
	// markers only: primary session records are always written without
	// expiry so a healthy session can never silently disappear.
	DurableStoreEnabled     bool   `envDefault:"true"                   env:"DURABLE_STORE_ENABLED"`
	CacheSessionSaveEnabled bool   `envDefault:"true"                   env:"CACHE_SESSION_SAVE_ENABLED"`
	CacheRecordTTLSeconds   int    `envDefault:"300"                    env:"CACHE_RECORD_TTL_SECONDS"`
	CacheName               string `envDefault:"defaultCache"           env:"CACHE_NAME"`
	CacheURI                string `envDefault:"redis://localhost:6379" env:"CACHE_URI"`
	CacheCredentialsFile    string `envDefault:""                       env:"CACHE_CREDENTIALS_FILE"`
	CacheKeyPrefix          string `envDefault:"sessions"               env:"CACHE_KEY_PREFIX"`

	// File-provider fallback tier, one directory per instance id.
	ProviderFilesEnabled bool   `envDefault:"false"           env:"PROVIDER_FILES_ENABLED"`
	ProviderFilesDir     string `envDefault:"/var/lib/evo/sessions" env:"PROVIDER_FILES_DIR"`

	// Health verification loop.
	HealthCheckIntervalSec  int `envDefault:"30"  env:"HEALTH_CHECK_INTERVAL_SEC"`
	LivenessProbeTimeoutSec int `envDefault:"10"  env:"LIVENESS_PROBE_TIMEOUT_SEC"`
	SendDebounceWindowSec   int `envDefault:"5"   env:"SEND_DEBOUNCE_WINDOW_SEC"`
	ConnectingTimeoutSec    int `envDefault:"120" env:"CONNECTING_TIMEOUT_SEC"`
	ConnectingGraceSec      int `envDefault:"300" env:"CONNECTING_GRACE_SEC"`
	EvictionTimerMinutes    int `envDefault:"0"   env:"EVICTION_TIMER_MINUTES"`

	// Restoration verification.
	RestoreVerifyDelaySec   int `envDefault:"10" env:"RESTORE_VERIFY_DELAY_SEC"`
	RestoreVerifyRecheckSec int `envDefault:"30" env:"RESTORE_VERIFY_RECHECK_SEC"`
	RestoreMarkerTTLSec     int `envDefault:"60" env:"RESTORE_MARKER_TTL_SEC"`

	// Shutdown drain.
	ShutdownDeadlineSec      int `envDefault:"30" env:"SHUTDOWN_DEADLINE_SEC"`
	TransportCloseTimeoutSec int `envDefault:"5"  env:"TRANSPORT_CLOSE_TIMEOUT_SEC"`

	// Lifecycle event topic consumed by the API/webhook layer.
	QueueLifecycleEventsName string `envDefault:"instance.lifecycle"       env:"QUEUE_LIFECYCLE_EVENTS_NAME"`
	QueueLifecycleEventsURI  string `envDefault:"mem://instance.lifecycle" env:"QUEUE_LIFECYCLE_EVENTS_URI"`
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *SessionConfig) Validate() error {
	var errs []error

	if c.ClientNamespace == "" {
		errs = append(errs, errors.New("ClientNamespace cannot be empty"))
	}

	if !c.DurableStoreEnabled && !c.CacheSessionSaveEnabled && !c.ProviderFilesEnabled {
		errs = append(errs, errors.New("at least one persistence tier must be enabled"))
	}

	if c.MaxInstances <= 0 {
		errs = append(errs, errors.New("MaxInstances must be > 0"))
	}

	if c.CacheRecordTTLSeconds < 0 {
		errs = append(errs, errors.New("CacheRecordTTLSeconds must be >= 0"))
	}

	if c.ProviderFilesEnabled && c.ProviderFilesDir == "" {
		errs = append(errs, errors.New("ProviderFilesDir cannot be empty when ProviderFilesEnabled"))
	}

	if c.HealthCheckIntervalSec <= 0 {
		errs = append(errs, errors.New("HealthCheckIntervalSec must be > 0"))
	}

	if c.LivenessProbeTimeoutSec <= 0 {
		errs = append(errs, errors.New("LivenessProbeTimeoutSec must be > 0"))
	}

	if c.SendDebounceWindowSec <= 0 {
		errs = append(errs, errors.New("SendDebounceWindowSec must be > 0"))
	}

	if c.ConnectingTimeoutSec <= 0 {
		errs = append(errs, errors.New("ConnectingTimeoutSec must be > 0"))
	}

	if c.ConnectingGraceSec < c.ConnectingTimeoutSec {
		errs = append(errs, fmt.Errorf("ConnectingGraceSec (%d) must be >= ConnectingTimeoutSec (%d)",
			c.ConnectingGraceSec, c.ConnectingTimeoutSec))
	}

	if c.EvictionTimerMinutes < 0 {
		errs = append(errs, errors.New("EvictionTimerMinutes must be >= 0"))
	}

	if c.ShutdownDeadlineSec <= 0 {
		errs = append(errs, errors.New("ShutdownDeadlineSec must be > 0"))
	}

	if c.TransportCloseTimeoutSec <= 0 ||
		c.TransportCloseTimeoutSec >= c.ShutdownDeadlineSec {
		errs = append(errs, fmt.Errorf("TransportCloseTimeoutSec (%d) must be > 0 and < ShutdownDeadlineSec (%d)",
			c.TransportCloseTimeoutSec, c.ShutdownDeadlineSec))
	}

	if err := validateCacheURI(c.CacheURI, "CacheURI"); err != nil {
		errs = append(errs, err)
	}

	if err := validateQueueURI(c.QueueLifecycleEventsURI, "QueueLifecycleEventsURI"); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// HealthCheckInterval returns the health verification sweep interval.
func (c *SessionConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

// EvictionTimer returns the long-horizon eviction duration, or zero when
// eviction is disabled.
func (c *SessionConfig) EvictionTimer() time.Duration {
	return time.Duration(c.EvictionTimerMinutes) * time.Minute
}

// CacheRecordTTL returns the marker TTL. A zero value means "no expiry"
// and is what primary session records are always written with.
func (c *SessionConfig) CacheRecordTTL() time.Duration {
	return time.Duration(c.CacheRecordTTLSeconds) * time.Second
}

// validateCacheURI checks that a cache URI has a valid scheme.
func validateCacheURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"redis://", "rediss://", "nats://", "mem://", "memory://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
