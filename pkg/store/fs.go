package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nwbflow/nwbflow/pkg/models"
)

// fileStore is the durable tier: one UTF-8 JSON file per session under a
// base directory, written atomically (temp file + rename).
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrBackendUnavailable, dir, err)
	}
	return &fileStore{dir: dir}, nil
}

func (f *fileStore) path(sessionID string) string {
	return filepath.Join(f.dir, sessionID+".json")
}

func (f *fileStore) write(sc *models.SessionContext) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sc.SessionID, err)
	}

	tmp, err := os.CreateTemp(f.dir, sc.SessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := os.Rename(tmpName, f.path(sc.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (f *fileStore) read(sessionID string) (*models.SessionContext, error) {
	path := f.path(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var sc models.SessionContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, &CorruptRecordError{SessionID: sessionID, Path: path, Err: err}
	}
	return &sc, nil
}

func (f *fileStore) delete(sessionID string) error {
	if err := os.Remove(f.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// list returns the session IDs of all durable records.
func (f *fileStore) list() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// purgeOlderThan removes durable records whose last_updated is before the
// cutoff. Returns the number of records removed.
func (f *fileStore) purgeOlderThan(cutoff time.Time) (int, error) {
	ids, err := f.list()
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		sc, err := f.read(id)
		if err != nil {
			// Corrupt or vanished records are skipped here; corruption is
			// surfaced on the read path where a caller can act on it.
			continue
		}
		if sc.LastUpdated.Before(cutoff) {
			if err := f.delete(id); err == nil {
				purged++
			}
		}
	}
	return purged, nil
}
