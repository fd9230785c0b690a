package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/andeerc/pg-multiverse/internal/events"
)

// ErrSchemaMapped is returned when a schema is already owned by another cluster.
var ErrSchemaMapped = errors.New("schema already mapped to another cluster")

// ErrUnknownCluster is returned when an operation names a cluster the document
// does not contain.
var ErrUnknownCluster = errors.New("unknown cluster")

const watchInterval = time.Second

// Manager loads, validates, mutates and watches the configuration document.
type Manager struct {
	path   string
	bus    *events.Bus
	logger zerolog.Logger

	mu          sync.RWMutex
	doc         Document
	lastContent []byte

	watchOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewManager(path string, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		path:   path,
		bus:    bus,
		logger: logger.With().Str("component", "config").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// LoadConfig reads and validates the document from the manager's path.
func (m *Manager) LoadConfig() (Document, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", m.path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	if res := Validate(doc); !res.Valid {
		return nil, fmt.Errorf("invalid config: %s", strings.Join(res.Errors, "; "))
	}

	m.mu.Lock()
	m.doc = doc
	m.lastContent = data
	m.mu.Unlock()

	return doc, nil
}

// SetDocument installs a document directly, bypassing the file. Used when the
// caller provides configuration programmatically.
func (m *Manager) SetDocument(doc Document) error {
	if res := Validate(doc); !res.Valid {
		return fmt.Errorf("invalid config: %s", strings.Join(res.Errors, "; "))
	}
	m.mu.Lock()
	m.doc = doc
	m.mu.Unlock()
	return nil
}

// Document returns the current document. The returned map must not be mutated.
func (m *Manager) Document() Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc
}

// SaveConfig writes the document to path, or to the manager's own path when
// path is empty. The format follows the file extension.
func (m *Manager) SaveConfig(doc Document, path string) error {
	if path == "" {
		path = m.path
	}

	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(doc)
	default:
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}

	m.mu.Lock()
	m.doc = doc
	if path == m.path {
		m.lastContent = data
	}
	m.mu.Unlock()
	return nil
}

// Validate validates the current document.
func (m *Manager) Validate() ValidationResult {
	m.mu.RLock()
	doc := m.doc
	m.mu.RUnlock()
	return Validate(doc)
}

// GetClusterForSchema resolves the cluster owning a schema.
func (m *Manager) GetClusterForSchema(schema string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, cluster := range m.doc {
		for _, s := range cluster.Schemas {
			if s == schema {
				return id, true
			}
		}
	}
	return "", false
}

// MapSchemaToCluster adds schema to the named cluster's schema list.
func (m *Manager) MapSchemaToCluster(schema, clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster, ok := m.doc[clusterID]
	if !ok {
		return fmt.Errorf("map schema %s: %w: %s", schema, ErrUnknownCluster, clusterID)
	}
	for id, c := range m.doc {
		for _, s := range c.Schemas {
			if s == schema {
				if id == clusterID {
					return nil
				}
				return fmt.Errorf("map schema %s to %s: %w (owned by %s)", schema, clusterID, ErrSchemaMapped, id)
			}
		}
	}
	cluster.Schemas = append(cluster.Schemas, schema)
	return nil
}

// UnmapSchemaFromCluster removes schema from the named cluster's schema list.
func (m *Manager) UnmapSchemaFromCluster(schema, clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster, ok := m.doc[clusterID]
	if !ok {
		return fmt.Errorf("unmap schema %s: %w: %s", schema, ErrUnknownCluster, clusterID)
	}
	for i, s := range cluster.Schemas {
		if s == schema {
			cluster.Schemas = append(cluster.Schemas[:i], cluster.Schemas[i+1:]...)
			return nil
		}
	}
	return nil
}

// Watch polls the config file for content changes and emits configChanged.
func (m *Manager) Watch() {
	m.watchOnce.Do(func() {
		go m.watchLoop()
	})
}

func (m *Manager) watchLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			data, err := os.ReadFile(m.path)
			if err != nil {
				continue
			}
			m.mu.Lock()
			changed := m.lastContent != nil && !bytes.Equal(data, m.lastContent)
			m.lastContent = data
			m.mu.Unlock()
			if changed {
				m.logger.Info().Str("path", m.path).Msg("config file changed")
				m.bus.Emit(events.ConfigChanged, events.ConfigChangedPayload{Path: m.path})
			}
		}
	}
}

// StopWatching halts the file watcher.
func (m *Manager) StopWatching() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

// Close stops the watcher and releases the manager.
func (m *Manager) Close() {
	m.StopWatching()
}
