package service

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
)

// Registry is the read-only agent-type catalog, loaded from a YAML file
// at startup. An empty catalog path yields an empty registry.
type Registry struct {
	log *logger.Logger

	mu      sync.RWMutex
	entries map[string]*models.RegistryEntry
}

// registryFile is the YAML document shape.
type registryFile struct {
	Agents []*models.RegistryEntry `yaml:"agents"`
}

// LoadRegistry reads the catalog from path. A missing path is not an
// error; the registry starts empty and Reload can fill it later.
func LoadRegistry(path string, log *logger.Logger) (*Registry, error) {
	r := &Registry{log: log, entries: map[string]*models.RegistryEntry{}}
	if path == "" {
		return r, nil
	}
	if err := r.Reload(path); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the catalog with the contents of path.
func (r *Registry) Reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent catalog: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse agent catalog: %w", err)
	}

	entries := make(map[string]*models.RegistryEntry, len(file.Agents))
	for _, entry := range file.Agents {
		if entry.AgentType == "" {
			return fmt.Errorf("agent catalog entry without agent_type")
		}
		if _, dup := entries[entry.AgentType]; dup {
			return fmt.Errorf("duplicate agent catalog entry %q", entry.AgentType)
		}
		entries[entry.AgentType] = entry
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Get returns the catalog entry for an agent type, or ErrNotFound.
func (r *Registry) Get(agentType string) (*models.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[agentType]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

// List returns all entries sorted by agent type. An empty category
// matches everything.
func (r *Registry) List(category string) []*models.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.RegistryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if category != "" && !strings.EqualFold(entry.Category, category) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out
}

// ForWave returns the agent types assigned to a wave number.
func (r *Registry) ForWave(wave int) []*models.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.RegistryEntry
	for _, entry := range r.entries {
		for _, w := range entry.WaveAssignments {
			if w == wave {
				out = append(out, entry)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out
}

// ToolAllowed reports whether the agent type may invoke the tool. An
// unknown agent type allows everything.
func (r *Registry) ToolAllowed(agentType, tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[agentType]
	if !ok || len(entry.AllowedTools) == 0 {
		return true
	}
	for _, t := range entry.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}
