package business

import (
	"context"
	"testing"
	"time"

	"github.com/ThalesACarvalho/evolution-api-custom/internal"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyStore(t *testing.T) (*KeyStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewKeyStore(client, "sessions"), mr
}

func TestKeyStore_ExpectedShape(t *testing.T) {
	ks, _ := newTestKeyStore(t)

	assert.Equal(t, shapeScalar, ks.expectedShape(internal.KeyModuleIndex, "inst-a"))
	assert.Equal(t, shapeHash, ks.expectedShape(internal.KeyModuleAuth, "inst-a"))
	assert.Equal(t, shapeHash, ks.expectedShape(internal.KeyModuleIndex, "inst-a::creds"))
}

func TestKeyStore_SetGet(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.Set(ctx, internal.KeyModuleIndex, "inst-a", "payload", 0))

	val, ok, err := ks.Get(ctx, internal.KeyModuleIndex, "inst-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "payload", val)
}

func TestKeyStore_GetMiss(t *testing.T) {
	ks, _ := newTestKeyStore(t)

	_, ok, err := ks.Get(context.Background(), internal.KeyModuleIndex, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyStore_SetWithoutTTLNeverExpires(t *testing.T) {
	ks, mr := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.Set(ctx, internal.KeyModuleIndex, "inst-a", "payload", 0))

	mr.FastForward(24 * time.Hour)

	_, ok, err := ks.Get(ctx, internal.KeyModuleIndex, "inst-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyStore_SetWithTTLExpires(t *testing.T) {
	ks, mr := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.Set(ctx, internal.KeyModuleMarker, "m1", "x", 30*time.Second))

	mr.FastForward(time.Minute)

	_, ok, err := ks.Get(ctx, internal.KeyModuleMarker, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyStore_FieldSetGet(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.FieldSet(ctx, internal.KeyModuleAuth, "inst-a", "noise-key", "secret"))

	val, ok, err := ks.FieldGet(ctx, internal.KeyModuleAuth, "inst-a", "noise-key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret", val)

	_, ok, err = ks.FieldGet(ctx, internal.KeyModuleAuth, "inst-a", "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyStore_FieldDelete(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.FieldSet(ctx, internal.KeyModuleAuth, "inst-a", "noise-key", "secret"))
	require.NoError(t, ks.FieldDelete(ctx, internal.KeyModuleAuth, "inst-a", "noise-key"))

	_, ok, err := ks.FieldGet(ctx, internal.KeyModuleAuth, "inst-a", "noise-key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyStore_GetShapeConflictDegradesToMiss(t *testing.T) {
	ks, mr := newTestKeyStore(t)
	ctx := context.Background()

	// Corrupt the key with a hash where a scalar is expected.
	mr.HSet("sessions:index:inst-a", "field", "value")

	_, ok, err := ks.Get(ctx, internal.KeyModuleIndex, "inst-a")
	require.NoError(t, err)
	assert.False(t, ok)

	// The conflicting key was repaired away, so a write now lands.
	require.NoError(t, ks.Set(ctx, internal.KeyModuleIndex, "inst-a", "fresh", 0))

	val, ok, err := ks.Get(ctx, internal.KeyModuleIndex, "inst-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", val)
}

func TestKeyStore_SetRepairsShapeConflict(t *testing.T) {
	ks, mr := newTestKeyStore(t)
	ctx := context.Background()

	mr.HSet("sessions:index:inst-a", "field", "value")

	require.NoError(t, ks.Set(ctx, internal.KeyModuleIndex, "inst-a", "fresh", 0))

	val, ok, err := ks.Get(ctx, internal.KeyModuleIndex, "inst-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", val)
}

func TestKeyStore_FieldSetRepairsShapeConflict(t *testing.T) {
	ks, mr := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("sessions:auth:inst-a", "scalar garbage"))

	require.NoError(t, ks.FieldSet(ctx, internal.KeyModuleAuth, "inst-a", "noise-key", "secret"))

	val, ok, err := ks.FieldGet(ctx, internal.KeyModuleAuth, "inst-a", "noise-key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret", val)
}

func TestKeyStore_ListKeys(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.Set(ctx, internal.KeyModuleIndex, "inst-a", "1", 0))
	require.NoError(t, ks.Set(ctx, internal.KeyModuleIndex, "inst-b", "2", 0))
	require.NoError(t, ks.Set(ctx, internal.KeyModuleConnect, "inst-c", "3", 0))

	names, err := ks.ListKeys(ctx, internal.KeyModuleIndex, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inst-a", "inst-b"}, names)

	names, err = ks.ListKeys(ctx, internal.KeyModuleIndex, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a"}, names)
}

func TestKeyStore_CleanCorruptedKeys(t *testing.T) {
	ks, mr := newTestKeyStore(t)
	ctx := context.Background()

	// Healthy keys of both shapes.
	require.NoError(t, ks.Set(ctx, internal.KeyModuleIndex, "inst-a", "1", 0))
	require.NoError(t, ks.FieldSet(ctx, internal.KeyModuleAuth, "inst-a", "k", "v"))

	// Corrupted: scalar under auth, hash under index.
	require.NoError(t, mr.Set("sessions:auth:inst-bad", "scalar"))
	mr.HSet("sessions:index:inst-bad", "f", "v")

	removed, err := ks.CleanCorruptedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// Healthy keys survive.
	_, ok, err := ks.Get(ctx, internal.KeyModuleIndex, "inst-a")
	require.NoError(t, err)
	assert.True(t, ok)

	val, ok, err := ks.FieldGet(ctx, internal.KeyModuleAuth, "inst-a", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)
}

func TestKeyStore_RoundTrip(t *testing.T) {
	ks, _ := newTestKeyStore(t)

	require.NoError(t, ks.RoundTrip(context.Background()))
}

func TestKeyStore_RoundTripFailsWhenDown(t *testing.T) {
	ks, mr := newTestKeyStore(t)
	mr.Close()

	assert.Error(t, ks.RoundTrip(context.Background()))
}
