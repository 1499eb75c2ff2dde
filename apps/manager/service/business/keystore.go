package business

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/internal"
	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"
)

// keyShape is the physical shape of a cache entry.
type keyShape string

const (
	shapeScalar keyShape = "string"
	shapeHash   keyShape = "hash"
	shapeNone   keyShape = "none"
)

// fieldSeparator inside a logical key marks entries that are expected to
// be hash-shaped even outside the auth module.
const fieldSeparator = "::"

// KeyStore is the namespaced, type-safe access layer over the shared
// remote cache. Every physical key is <prefix>:<module>:<logical>; callers
// never construct raw keys.
//
// The store recovers shape conflicts locally: an operation refused because
// the key holds data of the other shape triggers a delete-and-recreate
// plus a single retry for writes, and degrades to a miss for reads. A miss
// from this tier therefore means "try the next tier", not "value absent",
// unless the caller has independently confirmed absence.
type KeyStore struct {
	client redis.UniversalClient
	prefix string
}

// NewKeyStore creates a key store bound to a key prefix.
func NewKeyStore(client redis.UniversalClient, prefix string) *KeyStore {
	return &KeyStore{client: client, prefix: prefix}
}

func (s *KeyStore) physicalKey(module, logical string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, module, logical)
}

// expectedShape classifies the shape a logical key must have: credential
// namespaces and field-separated keys are hash-shaped, everything else is
// scalar.
func (s *KeyStore) expectedShape(module, logical string) keyShape {
	if module == internal.KeyModuleAuth || strings.Contains(logical, fieldSeparator) {
		return shapeHash
	}
	return shapeScalar
}

// isShapeConflict reports whether err is the underlying store refusing an
// operation against a key of the wrong shape.
func isShapeConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "WRONGTYPE")
}

// actualShape introspects the current physical shape of a key.
func (s *KeyStore) actualShape(ctx context.Context, physical string) (keyShape, error) {
	t, err := s.client.Type(ctx, physical).Result()
	if err != nil {
		return shapeNone, err
	}
	switch t {
	case "string":
		return shapeScalar, nil
	case "hash":
		return shapeHash, nil
	case "none":
		return shapeNone, nil
	default:
		return keyShape(t), nil
	}
}

// repairShape deletes a key that holds data of the wrong shape so the
// original operation can be retried against an empty key.
func (s *KeyStore) repairShape(ctx context.Context, physical string, want keyShape) error {
	actual, err := s.actualShape(ctx, physical)
	if err != nil {
		return err
	}
	if actual == shapeNone || actual == want {
		return nil
	}

	util.Log(ctx).WithFields(map[string]any{
		"key":            physical,
		"actual_shape":   string(actual),
		"expected_shape": string(want),
	}).Warn("repairing cache key shape conflict")

	return s.client.Del(ctx, physical).Err()
}

// Get retrieves a scalar value. The bool reports whether a value was
// found; shape conflicts degrade to a miss after repair.
func (s *KeyStore) Get(ctx context.Context, module, logical string) (string, bool, error) {
	physical := s.physicalKey(module, logical)

	val, err := s.client.Get(ctx, physical).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if isShapeConflict(err) {
		if repairErr := s.repairShape(ctx, physical, shapeScalar); repairErr != nil {
			return "", false, repairErr
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes a scalar value. A zero ttl means no expiration, which is how
// primary session records must be written. Shape conflicts are repaired
// and the write retried once.
func (s *KeyStore) Set(ctx context.Context, module, logical, value string, ttl time.Duration) error {
	physical := s.physicalKey(module, logical)

	err := s.client.Set(ctx, physical, value, ttl).Err()
	if !isShapeConflict(err) {
		return err
	}

	if repairErr := s.repairShape(ctx, physical, shapeScalar); repairErr != nil {
		return repairErr
	}
	return s.client.Set(ctx, physical, value, ttl).Err()
}

// FieldGet retrieves one field of a map-shaped value.
func (s *KeyStore) FieldGet(ctx context.Context, module, logical, field string) (string, bool, error) {
	physical := s.physicalKey(module, logical)

	val, err := s.client.HGet(ctx, physical, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if isShapeConflict(err) {
		if repairErr := s.repairShape(ctx, physical, shapeHash); repairErr != nil {
			return "", false, repairErr
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// FieldSet writes one field of a map-shaped value. Shape conflicts are
// repaired and the write retried once.
func (s *KeyStore) FieldSet(ctx context.Context, module, logical, field, value string) error {
	physical := s.physicalKey(module, logical)

	err := s.client.HSet(ctx, physical, field, value).Err()
	if !isShapeConflict(err) {
		return err
	}

	if repairErr := s.repairShape(ctx, physical, shapeHash); repairErr != nil {
		return repairErr
	}
	return s.client.HSet(ctx, physical, field, value).Err()
}

// FieldDelete removes one field of a map-shaped value.
func (s *KeyStore) FieldDelete(ctx context.Context, module, logical, field string) error {
	physical := s.physicalKey(module, logical)

	err := s.client.HDel(ctx, physical, field).Err()
	if isShapeConflict(err) {
		return s.repairShape(ctx, physical, shapeHash)
	}
	return err
}

// Delete removes a key entirely, whatever its shape.
func (s *KeyStore) Delete(ctx context.Context, module, logical string) error {
	return s.client.Del(ctx, s.physicalKey(module, logical)).Err()
}

// ListKeys enumerates the logical keys of a module, optionally narrowed by
// a logical-key prefix.
func (s *KeyStore) ListKeys(ctx context.Context, module, logicalPrefix string) ([]string, error) {
	match := fmt.Sprintf("%s:%s:%s*", s.prefix, module, logicalPrefix)
	strip := fmt.Sprintf("%s:%s:", s.prefix, module)

	var logical []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			logical = append(logical, strings.TrimPrefix(k, strip))
		}
		cursor = next
		if cursor == 0 {
			return logical, nil
		}
	}
}

// CleanCorruptedKeys sweeps every key under the store's prefix, classifies
// the shape each logical key is expected to have and deletes any key whose
// actual shape disagrees. Returns the number of keys removed. Run before
// large restoration passes.
func (s *KeyStore) CleanCorruptedKeys(ctx context.Context) (int, error) {
	match := s.prefix + ":*"
	strip := s.prefix + ":"

	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return removed, err
		}

		for _, physical := range keys {
			rest := strings.TrimPrefix(physical, strip)
			module, logical, found := strings.Cut(rest, ":")
			if !found {
				continue
			}

			want := s.expectedShape(module, logical)
			actual, shapeErr := s.actualShape(ctx, physical)
			if shapeErr != nil {
				util.Log(ctx).WithError(shapeErr).WithField("key", physical).
					Warn("could not classify cache key, skipping")
				continue
			}
			if actual == shapeNone || actual == want {
				continue
			}

			if delErr := s.client.Del(ctx, physical).Err(); delErr != nil {
				util.Log(ctx).WithError(delErr).WithField("key", physical).
					Warn("could not delete corrupted cache key")
				continue
			}
			removed++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		util.Log(ctx).WithField("count", removed).Info("removed corrupted cache keys")
	}
	return removed, nil
}

// RoundTrip performs the cheap write/read/delete probe used to verify the
// cache tier is actually reachable before any drastic recovery action.
func (s *KeyStore) RoundTrip(ctx context.Context) error {
	logical := fmt.Sprintf("probe-%d", time.Now().UnixNano())

	if err := s.Set(ctx, internal.KeyModuleMarker, logical, "ok", 30*time.Second); err != nil {
		return err
	}
	val, ok, err := s.Get(ctx, internal.KeyModuleMarker, logical)
	if err != nil {
		return err
	}
	if !ok || val != "ok" {
		return ErrStorageProbeFailed
	}
	return s.Delete(ctx, internal.KeyModuleMarker, logical)
}
