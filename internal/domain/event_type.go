package domain

import "encoding/json"

// EventType is the closed vocabulary of inter-agent events.
type EventType string

const (
	EventRouteTask          EventType = "ROUTE_TASK"
	EventReworkNeeded       EventType = "REWORK_NEEDED"
	EventRunTests           EventType = "RUN_TESTS"
	EventSecurityScan       EventType = "SECURITY_SCAN"
	EventMergeTask          EventType = "MERGE_TASK"
	EventUpdateDocs         EventType = "UPDATE_DOCS"
	EventEscalateTask       EventType = "ESCALATE_TASK"
	EventAgentRestartFailed EventType = "AGENT_RESTART_FAILED"
)

// ValidEventTypes is the closed set queue.Publish validates against.
var ValidEventTypes = map[EventType]bool{
	EventRouteTask:          true,
	EventReworkNeeded:       true,
	EventRunTests:           true,
	EventSecurityScan:       true,
	EventMergeTask:          true,
	EventUpdateDocs:         true,
	EventEscalateTask:       true,
	EventAgentRestartFailed: true,
}

// RouteTaskPayload: Developer -> CAB.
type RouteTaskPayload struct {
	TaskID    string     `json:"task_id"`
	FromState TaskStatus `json:"from_state"`
	ToState   TaskStatus `json:"to_state"`
}

// ReworkNeededPayload: CAB/Tester/Refinery -> Developer.
type ReworkNeededPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// RunTestsPayload: CAB -> Tester.
type RunTestsPayload struct {
	TaskID string `json:"task_id"`
}

// SecurityScanPayload: Tester -> Refinery.
type SecurityScanPayload struct {
	TaskID string `json:"task_id"`
}

// MergeTaskPayload: Refinery -> Supervisor.
type MergeTaskPayload struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
}

// UpdateDocsPayload: Refinery -> Librarian.
type UpdateDocsPayload struct {
	ConvoyID string `json:"convoy_id"`
}

// EscalateTaskPayload: any -> Supervisor.
type EscalateTaskPayload struct {
	TaskID       string `json:"task_id"`
	FailureCount int    `json:"failure_count"`
	FailureType  string `json:"failure_type"`
	LastAgent    string `json:"last_agent"`
}

// AgentRestartFailedPayload: Supervisor -> observability.
type AgentRestartFailedPayload struct {
	AgentID     string `json:"agent_id"`
	FailureType string `json:"failure_type"`
	TaskID      string `json:"task_id"`
	Error       string `json:"error"`
}

// Marshal helpers. Each payload type marshals itself; callers never build
// map[string]interface{} payloads by hand.

func MarshalPayload(v interface{}) ([]byte, error) { return json.Marshal(v) }

func ParseRouteTaskPayload(b []byte) (RouteTaskPayload, error) {
	var p RouteTaskPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func ParseReworkNeededPayload(b []byte) (ReworkNeededPayload, error) {
	var p ReworkNeededPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func ParseRunTestsPayload(b []byte) (RunTestsPayload, error) {
	var p RunTestsPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func ParseSecurityScanPayload(b []byte) (SecurityScanPayload, error) {
	var p SecurityScanPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func ParseMergeTaskPayload(b []byte) (MergeTaskPayload, error) {
	var p MergeTaskPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func ParseUpdateDocsPayload(b []byte) (UpdateDocsPayload, error) {
	var p UpdateDocsPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func ParseEscalateTaskPayload(b []byte) (EscalateTaskPayload, error) {
	var p EscalateTaskPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

func ParseAgentRestartFailedPayload(b []byte) (AgentRestartFailedPayload, error) {
	var p AgentRestartFailedPayload
	err := json.Unmarshal(b, &p)
	return p, err
}
