package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// DatabasesConfig holds per-database config overrides, keyed by database
// name. A single process can serve more than one database, each with its
// own promise timeout, auth cost, and data directory.
type DatabasesConfig struct {
	Databases map[string]Config `yaml:"databases"`
}

// Manager resolves the effective config for a given database name: the
// global config with that database's overrides layered on top.
type Manager struct {
	global    *Config
	overrides map[string]Config
	mu        sync.RWMutex
}

// NewManager loads the global config plus an optional per-database override
// file. A missing overrides file is not an error — it just means no
// database has a non-default configuration.
func NewManager(globalPath, overridesPath string) (*Manager, error) {
	global, err := Load(globalPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(overridesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{global: global, overrides: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var dc DatabasesConfig
	if err := yaml.NewDecoder(f).Decode(&dc); err != nil {
		return nil, err
	}

	return &Manager{global: global, overrides: dc.Databases}, nil
}

// Get returns the effective config for dbname: a copy of the global config
// with that database's override applied on top. Only these override fields
// are applied: the whole Database section (when its DataDir is set), a
// non-zero promise timeout, a non-empty seed list and a non-zero bcrypt cost.
func (m *Manager) Get(dbname string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global

	override, ok := m.overrides[dbname]
	if !ok {
		return &effective
	}

	if override.Database.DataDir != "" {
		effective.Database = override.Database
	}
	if override.Cluster.PromiseTimeoutSec != 0 {
		effective.Cluster.PromiseTimeoutSec = override.Cluster.PromiseTimeoutSec
	}
	if len(override.Cluster.Seeds) != 0 {
		effective.Cluster.Seeds = override.Cluster.Seeds
	}
	if override.Auth.BcryptCost != 0 {
		effective.Auth.BcryptCost = override.Auth.BcryptCost
	}

	return &effective
}

// Databases returns the names of every database with an override entry.
func (m *Manager) Databases() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.overrides))
	for name := range m.overrides {
		names = append(names, name)
	}
	return names
}
