package catalog

import (
	"fmt"
	"sync"
	"time"
)

// ToolVersion is one recorded revision of a tool's spec.
type ToolVersion struct {
	Version   int       `json:"version"`
	Spec      ToolSpec  `json:"spec"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	Reason    string    `json:"reason,omitempty"`
	Active    bool      `json:"active"`
}

// History keeps every revision of every tool so an operator can roll a
// tool back to an earlier spec.
type History struct {
	mu       sync.RWMutex
	versions map[string][]ToolVersion
	active   map[string]int
}

func NewHistory() *History {
	return &History{
		versions: make(map[string][]ToolVersion),
		active:   make(map[string]int),
	}
}

// Push records spec as the newest, active revision of its tool.
func (h *History) Push(spec ToolSpec, createdBy, reason string) ToolVersion {
	h.mu.Lock()
	defer h.mu.Unlock()

	vs := h.versions[spec.ID]
	for i := range vs {
		vs[i].Active = false
	}
	v := ToolVersion{
		Version:   len(vs) + 1,
		Spec:      spec,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
		Reason:    reason,
		Active:    true,
	}
	h.versions[spec.ID] = append(vs, v)
	h.active[spec.ID] = v.Version
	return v
}

// Activate marks version of tool active and returns it.
func (h *History) Activate(tool string, version int) (ToolVersion, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	vs := h.versions[tool]
	if len(vs) == 0 {
		return ToolVersion{}, fmt.Errorf("%w: no versions of %s", ErrUnknownTool, tool)
	}
	if version < 1 || version > len(vs) {
		return ToolVersion{}, fmt.Errorf("invalid version %d for tool %s (range: 1-%d)", version, tool, len(vs))
	}
	for i := range vs {
		vs[i].Active = i == version-1
	}
	h.active[tool] = version
	return vs[version-1], nil
}

// Active returns the active revision of tool.
func (h *History) Active(tool string) (ToolVersion, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.active[tool]
	if !ok {
		return ToolVersion{}, false
	}
	return h.versions[tool][v-1], true
}

// Versions returns every revision of tool, oldest first.
func (h *History) Versions(tool string) []ToolVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]ToolVersion(nil), h.versions[tool]...)
}

// Versioned wraps a catalog with revision tracking.
type Versioned struct {
	*Catalog
	History *History
}

// NewVersioned records the current contents of c as version 1 of each tool.
func NewVersioned(c *Catalog) *Versioned {
	v := &Versioned{Catalog: c, History: NewHistory()}
	for _, s := range c.List() {
		v.History.Push(s, "system", "initial")
	}
	return v
}

// Put registers spec and records it as a new revision.
func (v *Versioned) Put(spec ToolSpec, by, reason string) (ToolVersion, error) {
	if err := v.Register(spec); err != nil {
		return ToolVersion{}, err
	}
	stored, _ := v.Get(spec.ID)
	return v.History.Push(stored, by, reason), nil
}

// Rollback re-registers an earlier revision of tool.
func (v *Versioned) Rollback(tool string, version int) (ToolVersion, error) {
	tv, err := v.History.Activate(tool, version)
	if err != nil {
		return ToolVersion{}, err
	}
	if err := v.Register(tv.Spec); err != nil {
		return ToolVersion{}, err
	}
	return tv, nil
}
