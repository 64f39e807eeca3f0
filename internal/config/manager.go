package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/ocx/enforcer/internal/escrow"
)

// TenantOverride holds the per-tenant settings. Only escrow review
// thresholds vary by tenant; the hook policy is global.
type TenantOverride struct {
	TriFactor *escrow.TriFactorConfig `yaml:"tri_factor"`
}

// TenantsConfig holds map of tenant overrides keyed by numeric tenant id.
type TenantsConfig struct {
	Tenants map[uint32]TenantOverride `yaml:"tenants"`
}

// Manager resolves the effective configuration for a tenant.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[uint32]TenantOverride
	mu            sync.RWMutex
}

// NewManager pairs a loaded global config with the tenants file. A missing
// tenants file means no overrides.
func NewManager(global *Config, tenantsPath string) (*Manager, error) {
	m := &Manager{globalConfig: global, tenantConfigs: map[uint32]TenantOverride{}}
	if tenantsPath == "" {
		return m, nil
	}
	if err := m.Reload(tenantsPath); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	return m, nil
}

// Reload replaces the tenant overrides with the contents of path.
func (m *Manager) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var tc TenantsConfig
	if err := yaml.UnmarshalStrict(data, &tc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for id, o := range tc.Tenants {
		if o.TriFactor != nil && o.TriFactor.ReviewBelowReversibility > 100 {
			return fmt.Errorf("tenant %d: review_below_reversibility is a percentage, got %d", id, o.TriFactor.ReviewBelowReversibility)
		}
	}
	if tc.Tenants == nil {
		tc.Tenants = map[uint32]TenantOverride{}
	}

	m.mu.Lock()
	m.tenantConfigs = tc.Tenants
	m.mu.Unlock()
	return nil
}

// Get returns the effective config for a tenant with its overrides merged
// on top of the global config.
func (m *Manager) Get(tenantID uint32) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig
	if override, ok := m.tenantConfigs[tenantID]; ok && override.TriFactor != nil {
		effective.TriFactor = *override.TriFactor
	}
	return &effective
}

// TriFactor reports the tenant's escrow thresholds when it has an
// override. It has the shape TriFactorGate.UseTenantOverrides expects.
func (m *Manager) TriFactor(tenantID uint32) (escrow.TriFactorConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.tenantConfigs[tenantID]
	if !ok || o.TriFactor == nil {
		return escrow.TriFactorConfig{}, false
	}
	return *o.TriFactor, true
}
