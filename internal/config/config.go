// Package config persists operator defaults for the graft CLI in a
// TOML file under the user config directory.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"

	"github.com/grafthq/graft/internal/fsutil"
)

// Config holds CLI defaults. Zero values mean "not configured".
type Config struct {
	// DefaultTitle seeds `patch create --title` when the flag is
	// omitted.
	DefaultTitle string `toml:"default_title"`
	// StubPath is the default prebuilt stub executable for `build`.
	StubPath string `toml:"stub_path"`
	// KeepBackup is loaded and saved with the rest of the file, but no
	// command reads it: apply keeps the backup directory unless
	// --purge-backup is given, whatever this field says.
	KeepBackup bool `toml:"keep_backup"`
}

// Store loads and saves the config file, serialized per-process and
// across processes.
type Store struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(base, "graft", "graft.toml"), nil
}

func NewStore(pathOverride string) (*Store, error) {
	path := pathOverride
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return Config{}, fmt.Errorf("lock config: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	var cfg Config
	if _, err := toml.DecodeFile(s.path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return cfg, nil
}

func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return fsutil.AtomicWriteFile(s.path, buf.Bytes(), 0o600)
}
