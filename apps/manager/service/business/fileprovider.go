package business

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pitabwire/util"
	"github.com/spf13/afero"
)

const sessionFileName = "session.json"

// FileProvider is the last-resort persistence tier: one directory per
// instance id containing the serialized session record. It only ever
// matters when both the cache and durable tiers come up empty.
type FileProvider struct {
	fs   afero.Fs
	root string
}

// NewFileProvider creates a file provider rooted at dir on the host
// filesystem.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{fs: afero.NewOsFs(), root: dir}
}

// NewFileProviderWithFs creates a file provider over an explicit
// filesystem, used by tests with an in-memory fs.
func NewFileProviderWithFs(fs afero.Fs, dir string) *FileProvider {
	return &FileProvider{fs: fs, root: dir}
}

func (p *FileProvider) recordPath(instanceID string) string {
	return filepath.Join(p.root, instanceID, sessionFileName)
}

// Save writes the session record for one instance.
func (p *FileProvider) Save(ctx context.Context, rec *SessionRecord) error {
	if rec.InstanceID == "" {
		return ErrMalformedRecord
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	dir := filepath.Join(p.root, rec.InstanceID)
	if err = p.fs.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	return afero.WriteFile(p.fs, p.recordPath(rec.InstanceID), payload, 0o600)
}

// Load reads the session record for one instance id. The bool reports
// whether a record exists.
func (p *FileProvider) Load(_ context.Context, instanceID string) (*SessionRecord, bool, error) {
	payload, err := afero.ReadFile(p.fs, p.recordPath(instanceID))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rec SessionRecord
	if err = json.Unmarshal(payload, &rec); err != nil {
		return nil, false, ErrMalformedRecord
	}
	return &rec, true, nil
}

// LoadAll reads every instance directory under the provider root.
// Malformed records are skipped, not fatal.
func (p *FileProvider) LoadAll(ctx context.Context) ([]*SessionRecord, error) {
	entries, err := afero.ReadDir(p.fs, p.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []*SessionRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		rec, ok, loadErr := p.Load(ctx, entry.Name())
		if loadErr != nil {
			util.Log(ctx).WithError(loadErr).WithField("instance_id", entry.Name()).
				Warn("skipping unreadable session file")
			continue
		}
		if ok && rec.Valid() {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Delete removes the instance directory and everything in it.
func (p *FileProvider) Delete(_ context.Context, instanceID string) error {
	if instanceID == "" {
		return ErrMalformedRecord
	}
	return p.fs.RemoveAll(filepath.Join(p.root, instanceID))
}
