// Package simulate replays lifecycle and socket activity against the
// in-memory engine so policies and tool catalogs can be exercised without
// loading anything into the kernel.
package simulate

// Step is one scripted operation. Which fields matter depends on Op:
//
//	capture  pid, hash | binary
//	fork     parent, pid
//	exec     pid, hash | binary
//	exit     pid
//	send     pid, size, tool, expect
//	connect  pid, expect
//	verdict  pid, verdict (allow|block|hold|clear)
//	trust    pid, trust
//	grant    pid, grant
//	resolve  drains the channels through the Tri-Factor Gate
//	approve  pid (decides every parked request of the pid)
//	reject   pid
//	bind     pid, tenant, agent
//	kill     tenant | agent (blocks every live process of the target)
//	revive   tenant | agent
type Step struct {
	Op      string   `yaml:"op"`
	PID     uint32   `yaml:"pid"`
	Parent  uint32   `yaml:"parent,omitempty"`
	Hash    uint64   `yaml:"hash,omitempty"`
	Binary  string   `yaml:"binary,omitempty"`
	Size    uint32   `yaml:"size,omitempty"`
	Tool    string   `yaml:"tool,omitempty"`
	Verdict string   `yaml:"verdict,omitempty"`
	Trust   uint32   `yaml:"trust,omitempty"`
	Grant   []string `yaml:"grant,omitempty"`
	Tenant  uint32   `yaml:"tenant,omitempty"`
	Agent   string   `yaml:"agent,omitempty"`
	Expect  string   `yaml:"expect,omitempty"`
}

// Scenario is a named script.
type Scenario struct {
	Name string `yaml:"name"`
	// AutoResolve drains the channels after every step, modelling a control
	// plane that answers escrow requests before the next action.
	AutoResolve bool   `yaml:"auto_resolve"`
	Steps       []Step `yaml:"steps"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index    int    `json:"index"`
	Op       string `json:"op"`
	PID      uint32 `json:"pid"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
}

// RunResult is the outcome of a whole scenario.
type RunResult struct {
	File      string       `json:"file,omitempty"`
	Name      string       `json:"name"`
	Total     int          `json:"total"`
	Passed    int          `json:"passed"`
	Failed    int          `json:"failed"`
	Audit     int          `json:"audit_events"`
	Blocked   int          `json:"blocked_events"`
	Escrow    int          `json:"escrow_events"`
	Lifecycle int          `json:"lifecycle_events"`
	Steps     []StepResult `json:"steps"`
}
