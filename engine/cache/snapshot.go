package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/compozy/flow/pkg/logger"
)

const (
	snapshotFormatVersion = 1
	lockRetryDelay        = 50 * time.Millisecond
	DefaultSnapshotPath   = ".flow/cache.snapshot"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

type snapshot struct {
	Version int
	SavedAt time.Time
	Entries []Entry
}

// Store persists a cache to a single file. Writers and readers hold an
// advisory lock on a sibling ".lock" file for the duration of the operation.
type Store struct {
	fs   afero.Fs
	path string
	lock *flock.Flock
}

func NewStore(fsys afero.Fs, path string) *Store {
	if path == "" {
		path = DefaultSnapshotPath
	}
	return &Store{fs: fsys, path: path, lock: flock.New(path + ".lock")}
}

func (s *Store) Path() string {
	return s.path
}

// Save writes every entry of c. Entries whose value cannot be encoded are
// skipped with a warning.
func (s *Store) Save(ctx context.Context, c *Cache) error {
	log := logger.FromContext(ctx)
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()
	snap := snapshot{Version: snapshotFormatVersion, SavedAt: time.Now().UTC()}
	for _, e := range c.Entries() {
		if err := gob.NewEncoder(&bytes.Buffer{}).Encode(&e); err != nil {
			log.Warn("Skipping unencodable cache entry", "error", err)
			continue
		}
		snap.Entries = append(snap.Entries, e)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	log.Info("Cache snapshot saved", "path", s.path, "entries", len(snap.Entries))
	return nil
}

// Load restores entries into c and returns how many were read. A missing or
// unreadable snapshot leaves c empty and is not an error.
func (s *Store) Load(ctx context.Context, c *Cache) (int, error) {
	log := logger.FromContext(ctx)
	data, err := s.read(ctx)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("No cache snapshot found", "path", s.path)
		return 0, nil
	case err != nil:
		return 0, err
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		log.Warn("Ignoring corrupt cache snapshot", "path", s.path, "error", err)
		return 0, nil
	}
	if snap.Version != snapshotFormatVersion {
		log.Warn("Ignoring cache snapshot with unknown format", "path", s.path, "version", snap.Version)
		return 0, nil
	}
	for _, e := range snap.Entries {
		c.entries.Add(e.Key, e.Value)
	}
	log.Info("Cache snapshot loaded", "path", s.path, "entries", len(snap.Entries))
	return len(snap.Entries), nil
}

func (s *Store) read(ctx context.Context) ([]byte, error) {
	if _, err := s.fs.Stat(s.path); err != nil {
		return nil, err
	}
	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

func (s *Store) acquire(ctx context.Context, shared bool) (func(), error) {
	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = s.lock.TryRLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = s.lock.TryLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("lock snapshot: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock snapshot: %s is busy", s.path)
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			logger.FromContext(ctx).Warn("Failed to release snapshot lock", "path", s.path, "error", err)
		}
	}, nil
}

// Remove deletes the snapshot. A missing snapshot is not an error.
func (s *Store) Remove(ctx context.Context) error {
	if _, err := s.fs.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	logger.FromContext(ctx).Info("Cache snapshot removed", "path", s.path)
	return nil
}
