// Package catalog is the named tool registry operators edit. It compiles
// each tool into the fixed-layout ToolMeta the enforcement hooks read and
// keeps the kernel-facing tool registry in sync.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/ocx/enforcer/internal/escrow"
	"github.com/ocx/enforcer/internal/statestore"
)

// ErrUnknownTool is returned for tool ids not in the catalog.
var ErrUnknownTool = errors.New("catalog: unknown tool")

// ToolSpec is one registered tool as operators write it.
type ToolSpec struct {
	ID            string `yaml:"id" json:"id"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
	Class         string `yaml:"class" json:"class"` // "A" or "B"
	Reversibility uint32 `yaml:"reversibility" json:"reversibility"`
	// MinReputation is a percentage; it is scaled with the trust policy.
	MinReputation   uint32   `yaml:"min_reputation" json:"min_reputation"`
	AuditMultiplier float64  `yaml:"audit_multiplier,omitempty" json:"audit_multiplier,omitempty"`
	Entitlements    []string `yaml:"entitlements,omitempty" json:"entitlements,omitempty"`
	HITL            bool     `yaml:"hitl,omitempty" json:"hitl,omitempty"`
	RiskCategory    string   `yaml:"risk_category,omitempty" json:"risk_category,omitempty"`
}

// Hash is the registry key of the tool.
func (s ToolSpec) Hash() uint64 { return escrow.HashToolID(s.ID) }

func (s ToolSpec) validate() error {
	if s.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	switch strings.ToUpper(s.Class) {
	case "A", "B", "CLASS_A", "CLASS_B":
	default:
		return fmt.Errorf("tool %s: class must be A or B, got %q", s.ID, s.Class)
	}
	if s.Reversibility > 100 {
		return fmt.Errorf("tool %s: reversibility %d out of range 0-100", s.ID, s.Reversibility)
	}
	if s.MinReputation > 100 {
		return fmt.Errorf("tool %s: min_reputation %d out of range 0-100", s.ID, s.MinReputation)
	}
	if s.AuditMultiplier < 0 {
		return fmt.Errorf("tool %s: negative audit multiplier", s.ID)
	}
	return nil
}

func (s ToolSpec) class() statestore.ActionClass {
	if c := strings.ToUpper(s.Class); c == "B" || c == "CLASS_B" {
		return statestore.ClassB
	}
	return statestore.ClassA
}

// Catalog holds tool specs and the entitlement bit assignment.
type Catalog struct {
	mu     sync.RWMutex
	tools  map[string]ToolSpec
	ents   *Entitlements
	synced map[uint64]struct{}
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		tools:  make(map[string]ToolSpec),
		ents:   NewEntitlements(),
		synced: make(map[uint64]struct{}),
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c := New()
	for _, s := range defaultTools() {
		if err := c.Register(s); err != nil {
			panic(err)
		}
	}
	return c
}

func defaultTools() []ToolSpec {
	return []ToolSpec{
		{ID: "execute_payment", Description: "Execute monetary transaction", Class: "B", Reversibility: 5, MinReputation: 85, AuditMultiplier: 3.0, Entitlements: []string{"finance:write", "payment:execute"}, HITL: true, RiskCategory: "FINANCIAL"},
		{ID: "delete_data", Description: "Permanently delete data", Class: "B", Reversibility: 0, MinReputation: 90, AuditMultiplier: 5.0, Entitlements: []string{"data:delete", "admin:write"}, HITL: true, RiskCategory: "DATA"},
		{ID: "send_external_email", Description: "Send email to external recipients", Class: "B", Reversibility: 10, MinReputation: 75, AuditMultiplier: 2.0, Entitlements: []string{"email:send", "external:access"}, HITL: true, RiskCategory: "COMMUNICATION"},
		{ID: "deploy_infrastructure", Description: "Deploy infrastructure changes", Class: "B", Reversibility: 15, MinReputation: 95, AuditMultiplier: 4.0, Entitlements: []string{"infra:deploy", "admin:write"}, HITL: true, RiskCategory: "INFRASTRUCTURE"},
		{ID: "read_database", Description: "Read data from database", Class: "A", Reversibility: 100, MinReputation: 50, AuditMultiplier: 1.0, Entitlements: []string{"data:read"}, RiskCategory: "DATA"},
		{ID: "draft_document", Description: "Create or edit a draft document", Class: "A", Reversibility: 95, MinReputation: 40, AuditMultiplier: 1.0, Entitlements: []string{"document:write"}, RiskCategory: "CONTENT"},
		{ID: "search_records", Description: "Search records in the system", Class: "A", Reversibility: 100, MinReputation: 30, AuditMultiplier: 0.5, Entitlements: []string{"data:read"}, RiskCategory: "DATA"},
		{ID: "calculate_metrics", Description: "Calculate analytics metrics", Class: "A", Reversibility: 100, MinReputation: 20, AuditMultiplier: 0.5, Entitlements: []string{"analytics:read"}, RiskCategory: "ANALYTICS"},
	}
}

// Register adds or replaces a tool. Its entitlements are assigned bits on
// first use.
func (c *Catalog) Register(s ToolSpec) error {
	if err := s.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range s.Entitlements {
		if _, err := c.ents.Assign(name); err != nil {
			return fmt.Errorf("tool %s: %w", s.ID, err)
		}
	}
	if s.AuditMultiplier == 0 {
		s.AuditMultiplier = 1.0
	}
	c.tools[s.ID] = s
	return nil
}

func (c *Catalog) Get(id string) (ToolSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.tools[id]
	return s, ok
}

func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tools[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	delete(c.tools, id)
	return nil
}

// List returns tools sorted by id.
func (c *Catalog) List() []ToolSpec {
	c.mu.RLock()
	out := make([]ToolSpec, 0, len(c.tools))
	for _, s := range c.tools {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entitlements exposes the bit assignment.
func (c *Catalog) Entitlements() *Entitlements {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ents
}

// Compile converts s into its registry record.
func (c *Catalog) Compile(s ToolSpec) (statestore.ToolMeta, error) {
	return compile(c.Entitlements(), s)
}

func compile(ents *Entitlements, s ToolSpec) (statestore.ToolMeta, error) {
	mask, err := ents.Mask(s.Entitlements)
	if err != nil {
		return statestore.ToolMeta{}, fmt.Errorf("tool %s: %w", s.ID, err)
	}
	meta := statestore.ToolMeta{
		ToolHash:             s.Hash(),
		ActionClass:          s.class(),
		ReversibilityIndex:   s.Reversibility,
		MinReputation:        s.MinReputation,
		AuditMultiplier:      uint32(math.Round(s.AuditMultiplier * 100)),
		RequiredEntitlements: mask,
	}
	if s.HITL {
		meta.HITLRequired = 1
	}
	return meta, nil
}

// Sync writes every tool into the registry and removes the ones this
// catalog synced before but no longer holds. It returns the number written.
func (c *Catalog) Sync(tools statestore.Map[uint64, statestore.ToolMeta]) (int, error) {
	specs := c.List()

	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[uint64]struct{}, len(specs))
	var errs []error
	n := 0
	for _, s := range specs {
		meta, err := compile(c.ents, s)
		if err == nil {
			err = tools.Update(meta.ToolHash, meta, statestore.UpdateAny)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", s.ID, err))
			continue
		}
		current[meta.ToolHash] = struct{}{}
		n++
	}
	for h := range c.synced {
		if _, ok := current[h]; ok {
			continue
		}
		if err := tools.Delete(h); err != nil && !errors.Is(err, statestore.ErrKeyNotExist) {
			errs = append(errs, fmt.Errorf("remove %#x: %w", h, err))
			current[h] = struct{}{}
		}
	}
	c.synced = current

	slog.Info("Tool registry synced", "tools", n)
	return n, errors.Join(errs...)
}

// File is the on-disk catalog format.
type File struct {
	// Entitlements fixes bit positions in order; names only referenced by
	// tools are appended after them.
	Entitlements []string   `yaml:"entitlements"`
	Tools        []ToolSpec `yaml:"tools"`
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}
	c := New()
	for _, name := range f.Entitlements {
		if _, err := c.ents.Assign(name); err != nil {
			return nil, err
		}
	}
	for _, s := range f.Tools {
		if err := c.Register(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadFile reads a catalog file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	return Parse(data)
}

// Adopt replaces c's tools and entitlement bits with next's, keeping c's
// record of what is in the registry so the following Sync removes stale
// entries.
func (c *Catalog) Adopt(next *Catalog) {
	tools := next.List()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = make(map[string]ToolSpec, len(tools))
	for _, s := range tools {
		c.tools[s.ID] = s
	}
	c.ents = next.ents
}
