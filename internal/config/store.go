package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

const (
	appDirName      = "brain"
	configFileName  = "config.json"
	secretsFileName = "secrets.json"
)

// Store is a flat key/value settings document. Values are kept as text and
// parsed into their typed form by the settings table.
type Store interface {
	Lookup(key string) (val string, ok bool, err error)
	Put(key, val string) error
	Remove(key string) error
}

// xdgDir resolves $env/brain, falling back to $HOME/<fallback...>/brain.
// It returns "" when neither is available.
func xdgDir(env string, fallback ...string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, appDirName)...)
}

func defaultDataDir() string {
	if dir := xdgDir("XDG_DATA_HOME", ".local", "share"); dir != "" {
		return dir
	}
	return "brain-data"
}

func configFilePath() string {
	dir := xdgDir("XDG_CONFIG_HOME", ".config")
	if dir == "" {
		dir = "." + appDirName
	}
	return filepath.Join(dir, configFileName)
}

func secretsFilePath(dataDir string) string {
	return filepath.Join(dataDir, secretsFileName)
}

// jsonStore persists settings as one JSON object. Every mutation rewrites
// the file through a temp file and a rename so a crash never leaves a
// truncated document behind.
type jsonStore struct {
	path   string
	values map[string]string
}

// openJSONStore reads path into memory. A missing file is an empty store.
// On a read or parse failure the returned store is still usable (empty) and
// the error tells the caller what was ignored.
func openJSONStore(path string) (*jsonStore, error) {
	s := &jsonStore{path: path, values: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return s, fmt.Errorf("parsing %s: %w", path, err)
	}
	for k, v := range doc {
		switch v := v.(type) {
		case string:
			s.values[k] = v
		case float64:
			// Hand-edited files may hold bare numbers.
			s.values[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			s.values[k] = strconv.FormatBool(v)
		default:
			slog.Warn("ignoring non-scalar setting", "file", path, "key", k)
		}
	}
	return s, nil
}

func (s *jsonStore) Lookup(key string) (string, bool, error) {
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *jsonStore) Put(key, val string) error {
	s.values[key] = val
	return s.flush()
}

func (s *jsonStore) Remove(key string) error {
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.flush()
}

func (s *jsonStore) flush() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	body, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(body, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
