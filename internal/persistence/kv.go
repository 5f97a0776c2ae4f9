// Package persistence provides the small durable stores the runtime builds
// on: an atomic JSON file store for small record sets, a distributed lock,
// and the shared SQLite open helper.
package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// JSONFileStore persists a single JSON document (typically an array of small
// records) with atomic rewrites. Reads tolerate a UTF-8 BOM and trailing
// whitespace; a corrupt file is backed up with a timestamped suffix and
// replaced by the empty default so the process can keep running.
type JSONFileStore struct {
	path string
}

func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{path: path}
}

func (s *JSONFileStore) Path() string { return s.path }

// Load unmarshals the file into out. A missing file leaves out untouched and
// returns false. A corrupt file is quarantined and also returns false.
func (s *JSONFileStore) Load(out any) (bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", s.path, err)
	}

	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		backup := fmt.Sprintf("%s.corrupt.%s", s.path, time.Now().UTC().Format("20060102T150405Z"))
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			log.Error().Err(renameErr).Str("path", s.path).Msg("failed to quarantine corrupt state file")
		} else {
			log.Warn().Str("path", s.path).Str("backup", backup).Err(err).Msg("corrupt state file quarantined, starting from empty default")
		}
		return false, nil
	}
	return true, nil
}

// Save atomically rewrites the file: marshal, write to a temp sibling, fsync,
// rename over the target.
func (s *JSONFileStore) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.path, err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", s.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename temp over %s: %w", s.path, err)
	}
	return nil
}
