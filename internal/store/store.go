// Package store implements MappingStore: the durable, in-memory hostname →
// RouteMapping table. It owns the on-disk JSON file exclusively; every other
// package only ever holds a copy obtained through Get/GetAll.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/localproxy/localproxy/internal/model"
)

// Store is a thread-safe, on-disk-backed map of hostname to RouteMapping.
type Store struct {
	mu       sync.RWMutex
	path     string
	mappings map[string]model.RouteMapping
}

// New creates a Store backed by path. Call Load before serving traffic.
func New(path string) *Store {
	return &Store{
		path:     path,
		mappings: make(map[string]model.RouteMapping),
	}
}

// Load reads the mapping file from disk. A missing file is treated as an
// empty store; malformed JSON is returned as an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading mapping file %s: %w", s.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var loaded map[string]model.RouteMapping
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing mapping file %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = loaded
	if s.mappings == nil {
		s.mappings = make(map[string]model.RouteMapping)
	}
	return nil
}

// Get returns the mapping for host, if one exists.
func (s *Store) Get(host string) (model.RouteMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[host]
	if !ok {
		return model.RouteMapping{}, false
	}
	return m.Clone(), true
}

// GetAll returns a defensive copy of the entire mapping table.
func (s *Store) GetAll() map[string]model.RouteMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.RouteMapping, len(s.mappings))
	for host, m := range s.mappings {
		out[host] = m.Clone()
	}
	return out
}

// Set inserts or replaces the mapping for host. CreatedAt is filled in if
// zero. Callers must call Save to persist the change.
func (s *Store) Set(host string, m model.RouteMapping) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[host] = m
}

// Delete removes the mapping for host, if any. Callers must call Save to
// persist the change.
func (s *Store) Delete(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, host)
}

// Save serializes the mapping table to JSON and atomically replaces the
// on-disk file via a temp-file-then-rename, so a crash mid-write never
// leaves a truncated file behind.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.mappings, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling mappings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating mapping directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".mappings-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp mapping file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp mapping file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp mapping file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp mapping file into place: %w", err)
	}
	return nil
}

// IsComposite reports whether host is a synthetic second-level proxy key
// ("<origin_host>:<service>"), which must be excluded from any enumeration
// of "real" routes.
func IsComposite(host string) bool {
	return strings.Contains(host, ":")
}

// CompositeKey builds the synthetic key used for inter-service resolutions.
func CompositeKey(originHost, service string) string {
	return originHost + ":" + service
}

// RealRoutes returns all mappings whose key is not a composite key.
func RealRoutes(all map[string]model.RouteMapping) map[string]model.RouteMapping {
	out := make(map[string]model.RouteMapping, len(all))
	for host, m := range all {
		if IsComposite(host) {
			continue
		}
		out[host] = m
	}
	return out
}
