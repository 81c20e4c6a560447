package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// storeFile is the on-disk shape of the pool file.
type storeFile struct {
	Pools []EntryConfig `yaml:"pools"`
}

// Store persists pool entries to a YAML file. Entry order in the file
// is the round-robin order, so save and load both preserve it.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	// saving suppresses the watcher while our own write lands.
	saving bool
}

func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Load reads all entries. A missing file is an empty pool, not an
// error.
func (s *Store) Load() ([]EntryConfig, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pool file %s: %w", s.path, err)
	}
	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pool file %s: %w", s.path, err)
	}
	return file.Pools, nil
}

// Save writes all entries, replacing the file atomically.
func (s *Store) Save(cfgs []EntryConfig) error {
	data, err := yaml.Marshal(storeFile{Pools: cfgs})
	if err != nil {
		return fmt.Errorf("encode pool file: %w", err)
	}

	s.mu.Lock()
	s.saving = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.saving = false
		s.mu.Unlock()
	}()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write pool file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace pool file: %w", err)
	}
	return nil
}

// Watch reloads on external edits to the pool file and hands the new
// entry set to fn. Writes made through Save are ignored.
func (s *Store) Watch(fn func([]EntryConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors and atomic renames replace the
	// file inode, which a file-level watch would lose.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch pool dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				s.mu.Lock()
				skip := s.saving
				s.mu.Unlock()
				if skip {
					continue
				}
				cfgs, err := s.Load()
				if err != nil {
					s.logger.Error("failed to reload pool file", "error", err)
					continue
				}
				s.logger.Info("pool file changed, reloading", "file", s.path, "entries", len(cfgs))
				fn(cfgs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}
