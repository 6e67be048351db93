package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Store is a JSON settings document addressed by dotted keys
// ("tunnel.ngrok_token"). A missing file is an empty store.
type Store struct {
	path string
	v    *viper.Viper
}

func Open(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading settings %s: %w", path, err)
			}
		}
		log.Debugf("No settings file at %s, starting empty", path)
	}
	return &Store{path: path, v: v}, nil
}

func (s *Store) Path() string { return s.path }

// Get returns the raw value at key, nil when unset.
func (s *Store) Get(key string) interface{} {
	return s.v.Get(key)
}

// GetString returns the value at key, or def when unset or empty.
func (s *Store) GetString(key, def string) string {
	if !s.v.IsSet(key) {
		return def
	}
	if val := s.v.GetString(key); val != "" {
		return val
	}
	return def
}

// Set updates key in memory; call Save to persist.
func (s *Store) Set(key string, value interface{}) {
	s.v.Set(key, value)
}

// Save writes the document back to disk, creating parent directories.
func (s *Store) Save() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating settings directory %s: %w", dir, err)
		}
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("writing settings %s: %w", s.path, err)
	}
	return nil
}
