package domain

import "time"

// Feature is the top-level work unit: a complete feature to implement,
// decomposed into convoys.
type Feature struct {
	ID          string
	Name        string
	SpecPath    string
	Status      FeatureStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewFeature constructs a Feature in its initial ready state.
func NewFeature(id, name, specPath string, now time.Time) *Feature {
	return &Feature{
		ID:        id,
		Name:      name,
		SpecPath:  specPath,
		Status:    FeatureReady,
		CreatedAt: now,
	}
}

// Convoy is a bundle of related tasks (a user story) scoped to a disjoint
// file set and assigned to a single developer.
type Convoy struct {
	ID           string
	FeatureID    string
	Story        string
	Priority     Priority
	Status       ConvoyStatus
	Files        []string
	Dependencies []string
	Assignee     *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// FileSet returns Files as a set for overlap checks.
func (c *Convoy) FileSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Files))
	for _, f := range c.Files {
		set[f] = struct{}{}
	}
	return set
}

// Task is the smallest unit of work; it traverses the state machine in
// package taskfsm.
type Task struct {
	ID                 string
	ConvoyID           string
	Title              string
	Description        string
	FilePath           string
	Status             TaskStatus
	Priority           Priority
	AcceptanceCriteria []AcceptanceCriterion
	Assignee           *string
	ValidationResults  *ValidationResults
	FailureReason      *string
	FailureCount       int
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// AcceptanceCriterion is one opaque structured acceptance-criteria entry.
type AcceptanceCriterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Met         bool   `json:"met"`
}

// ValidationResults holds the numeric scores persisted by the Tester role.
type ValidationResults struct {
	CoveragePercent *float64 `json:"coverage_percent,omitempty"`
	MutationPercent *float64 `json:"mutation_percent,omitempty"`
}

// Event is a durable, per-target FIFO message used for inter-role
// coordination.
type Event struct {
	ID          string
	AgentID     string
	EventType   EventType
	Payload     []byte
	Status      EventStatus
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// AgentSession is the bookkeeping row describing one live worker process.
type AgentSession struct {
	AgentID       string
	AgentType     AgentType
	ConvoyID      *string
	CurrentTask   *string
	Worktree      *string
	Status        SessionStatus
	LastHeartbeat time.Time
	StartedAt     time.Time
	CrashedAt     *time.Time
}
