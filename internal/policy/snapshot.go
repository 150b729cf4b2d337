package policy

import (
	"fmt"
	"time"
)

// Snapshot is the immutable policy state of one AgentTool: its defaults and
// its override rules in evaluation order. Snapshots are built once per load
// and shared by concurrent readers; nothing mutates them afterwards.
type Snapshot struct {
	AgentTool  AgentTool
	Invocation []InvocationPolicy
	Result     []ResultPolicy
	LoadedAt   time.Time
}

// NewSnapshot validates stored records and orders the overrides
// most-specific-first. Corrupt stored values are ConfigurationErrors.
func NewSnapshot(at AgentTool, invocation []InvocationPolicy, result []ResultPolicy) (*Snapshot, error) {
	treatment, err := ParseTreatment(string(at.ToolResultTreatment))
	if err != nil {
		return nil, fmt.Errorf("agent tool %s: %w", at.ID, err)
	}
	at.ToolResultTreatment = treatment

	inv, err := compileInvocation(invocation)
	if err != nil {
		return nil, fmt.Errorf("agent tool %s: %w", at.ID, err)
	}
	res, err := compileResult(result)
	if err != nil {
		return nil, fmt.Errorf("agent tool %s: %w", at.ID, err)
	}

	return &Snapshot{
		AgentTool:  at,
		Invocation: inv,
		Result:     res,
		LoadedAt:   time.Now(),
	}, nil
}

// HasInvocationOverrides reports whether the default invocation flag is inert.
func (s *Snapshot) HasInvocationOverrides() bool { return len(s.Invocation) > 0 }

// HasResultOverrides reports whether the default result treatment is inert.
func (s *Snapshot) HasResultOverrides() bool { return len(s.Result) > 0 }
