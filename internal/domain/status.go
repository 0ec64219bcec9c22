// Package domain holds the plain data types shared across the coordination
// plane: features, convoys, tasks, events and agent sessions, plus the
// closed enumerations each status column is checked against.
package domain

// FeatureStatus is the CHECK-style enumeration for features.status.
type FeatureStatus string

const (
	FeatureReady      FeatureStatus = "ready"
	FeatureInProgress FeatureStatus = "in_progress"
	FeatureDone       FeatureStatus = "done"
	FeatureFailed     FeatureStatus = "failed"
)

func (s FeatureStatus) Valid() bool {
	switch s {
	case FeatureReady, FeatureInProgress, FeatureDone, FeatureFailed:
		return true
	}
	return false
}

// ConvoyStatus is the CHECK-style enumeration for convoys.status.
type ConvoyStatus string

const (
	ConvoyAvailable  ConvoyStatus = "available"
	ConvoyInProgress ConvoyStatus = "in_progress"
	ConvoyDone       ConvoyStatus = "done"
	ConvoyBlocked    ConvoyStatus = "blocked"
)

func (s ConvoyStatus) Valid() bool {
	switch s {
	case ConvoyAvailable, ConvoyInProgress, ConvoyDone, ConvoyBlocked:
		return true
	}
	return false
}

// Priority is an orderable convoy/task priority tag: P1 < P2 < P3.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Rank returns the sort weight for strict priority ordering (lower first).
func (p Priority) Rank() int {
	switch p {
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	default:
		return 99
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityP1, PriorityP2, PriorityP3:
		return true
	}
	return false
}

// TaskStatus is the CHECK-style enumeration for tasks.status and is also
// the state space of the task state machine in package taskfsm.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskInTests    TaskStatus = "in_tests"
	TaskInDocs     TaskStatus = "in_docs"
	TaskDone       TaskStatus = "done"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskInReview, TaskInTests, TaskInDocs, TaskDone:
		return true
	}
	return false
}

// Terminal reports whether the status is the task's terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone
}

// EventStatus is the CHECK-style enumeration for events.status.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventDone       EventStatus = "done"
	EventFailed     EventStatus = "failed"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventPending, EventProcessing, EventDone, EventFailed:
		return true
	}
	return false
}

// AgentType is the CHECK-style enumeration for agent_sessions.agent_type.
type AgentType string

const (
	AgentManager   AgentType = "manager"
	AgentCAB       AgentType = "cab"
	AgentRefinery  AgentType = "refinery"
	AgentLibrarian AgentType = "librarian"
	AgentDeveloper AgentType = "developer"
	AgentTester    AgentType = "tester"
)

func (a AgentType) Valid() bool {
	switch a {
	case AgentManager, AgentCAB, AgentRefinery, AgentLibrarian, AgentDeveloper, AgentTester:
		return true
	}
	return false
}

// SessionStatus is the CHECK-style enumeration for agent_sessions.status.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionCrashed SessionStatus = "crashed"
	SessionHung    SessionStatus = "hung"
	SessionStuck   SessionStatus = "stuck"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCrashed, SessionHung, SessionStuck:
		return true
	}
	return false
}
