package business

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileProvider() *FileProvider {
	return NewFileProviderWithFs(afero.NewMemMapFs(), "/var/lib/evo/sessions")
}

func makeTestRecord(id, name string, state ConnState) *SessionRecord {
	return &SessionRecord{
		InstanceID:      id,
		Name:            name,
		ClientNamespace: "test",
		IntegrationKind: "whatsapp-socket",
		State:           state,
		StateAt:         time.Now(),
		SavedAt:         time.Now(),
	}
}

func TestFileProvider_SaveLoad(t *testing.T) {
	p := newTestFileProvider()
	ctx := context.Background()

	rec := makeTestRecord("id-1", "inst-a", StateOpen)
	require.NoError(t, p.Save(ctx, rec))

	loaded, ok, err := p.Load(ctx, "id-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "inst-a", loaded.Name)
	assert.Equal(t, StateOpen, loaded.State)
}

func TestFileProvider_SaveRejectsMissingID(t *testing.T) {
	p := newTestFileProvider()

	err := p.Save(context.Background(), &SessionRecord{Name: "inst-a"})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestFileProvider_LoadMiss(t *testing.T) {
	p := newTestFileProvider()

	_, ok, err := p.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileProvider_LoadMalformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewFileProviderWithFs(fs, "/sessions")

	require.NoError(t, fs.MkdirAll("/sessions/id-1", 0o750))
	require.NoError(t, afero.WriteFile(fs, "/sessions/id-1/session.json", []byte("{not json"), 0o600))

	_, _, err := p.Load(context.Background(), "id-1")
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestFileProvider_LoadAll(t *testing.T) {
	p := newTestFileProvider()
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, makeTestRecord("id-1", "inst-a", StateOpen)))
	require.NoError(t, p.Save(ctx, makeTestRecord("id-2", "inst-b", StateClosed)))

	records, err := p.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFileProvider_LoadAllSkipsMalformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewFileProviderWithFs(fs, "/sessions")
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, makeTestRecord("id-1", "inst-a", StateOpen)))
	require.NoError(t, fs.MkdirAll("/sessions/id-bad", 0o750))
	require.NoError(t, afero.WriteFile(fs, "/sessions/id-bad/session.json", []byte("garbage"), 0o600))

	records, err := p.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "inst-a", records[0].Name)
}

func TestFileProvider_LoadAllEmptyRoot(t *testing.T) {
	p := newTestFileProvider()

	records, err := p.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFileProvider_Delete(t *testing.T) {
	p := newTestFileProvider()
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, makeTestRecord("id-1", "inst-a", StateOpen)))
	require.NoError(t, p.Delete(ctx, "id-1"))

	_, ok, err := p.Load(ctx, "id-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
