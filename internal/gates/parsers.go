package gates

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Default parsers for each gate kind. These are reference implementations:
// the real analysis tools live outside this module, so these parsers
// target the simplest structured output format a wired tool would
// plausibly emit, and exist mainly to exercise the
// error-on-unparseable-output rule below.

// ParseLintOutput expects the whole output to be a single JSON object of
// the form {"issues": <int>}. Output that is not such an object is an error.
func ParseLintOutput(out ToolOutput) (*float64, map[string]any, string, error) {
	var summary struct {
		Issues int `json:"issues"`
	}
	if err := json.Unmarshal([]byte(out.Raw), &summary); err != nil {
		return nil, nil, "", fmt.Errorf("parse lint summary: %w", err)
	}
	msg := fmt.Sprintf("%d lint issues", summary.Issues)
	details := map[string]any{"issues": float64(summary.Issues)}
	return nil, details, msg, nil
}

// ParseTypeCheckOutput expects {"errors": <int>}. StageResult.FailureMessage
// uppercases the gate kind, so a type-check failure reads
// "TYPE_CHECKING: FAIL — 2 type errors" when errors=2.
func ParseTypeCheckOutput(out ToolOutput) (*float64, map[string]any, string, error) {
	var summary struct {
		Errors int `json:"errors"`
	}
	if err := json.Unmarshal([]byte(out.Raw), &summary); err != nil {
		return nil, nil, "", fmt.Errorf("parse type-check summary: %w", err)
	}
	msg := fmt.Sprintf("%d type errors", summary.Errors)
	return nil, map[string]any{"errors": float64(summary.Errors)}, msg, nil
}

// ParseComplexityOutput expects {"max_function_complexity": <int>}.
func ParseComplexityOutput(out ToolOutput) (*float64, map[string]any, string, error) {
	var summary struct {
		MaxFunctionComplexity int `json:"max_function_complexity"`
	}
	if err := json.Unmarshal([]byte(out.Raw), &summary); err != nil {
		return nil, nil, "", fmt.Errorf("parse complexity summary: %w", err)
	}
	msg := fmt.Sprintf("max function complexity %d", summary.MaxFunctionComplexity)
	return nil, map[string]any{"max_function_complexity": float64(summary.MaxFunctionComplexity)}, msg, nil
}

// ParseCoverageOutput expects a bare percentage, e.g. "coverage: 84.2%".
func ParseCoverageOutput(out ToolOutput) (*float64, map[string]any, string, error) {
	pct, err := extractPercent(out.Raw)
	if err != nil {
		return nil, nil, "", fmt.Errorf("parse coverage output: %w", err)
	}
	msg := fmt.Sprintf("coverage %.1f%%", pct)
	return &pct, map[string]any{"coverage_percent": pct}, msg, nil
}

// ParseMutationOutput expects a bare percentage, e.g. "mutation score: 76.0%".
// A mutation tool's output that can't be parsed must never be silently
// read as a 0% score; this parser always returns an error on unparseable
// input, which RunStage turns into ERROR.
func ParseMutationOutput(out ToolOutput) (*float64, map[string]any, string, error) {
	pct, err := extractPercent(out.Raw)
	if err != nil {
		return nil, nil, "", fmt.Errorf("parse mutation output: %w", err)
	}
	msg := fmt.Sprintf("mutation score %.1f%%", pct)
	return &pct, map[string]any{"mutation_percent": pct}, msg, nil
}

// ParseSASTOutput expects {"findings": <int>}.
func ParseSASTOutput(out ToolOutput) (*float64, map[string]any, string, error) {
	var summary struct {
		Findings int `json:"findings"`
	}
	if err := json.Unmarshal([]byte(out.Raw), &summary); err != nil {
		return nil, nil, "", fmt.Errorf("parse sast summary: %w", err)
	}
	msg := fmt.Sprintf("%d sast findings", summary.Findings)
	return nil, map[string]any{"findings": float64(summary.Findings)}, msg, nil
}

// ParseDependencyScanOutput expects {"critical": n, "high": n, "medium": n}.
func ParseDependencyScanOutput(out ToolOutput) (*float64, map[string]any, string, error) {
	var summary struct {
		Critical int `json:"critical"`
		High     int `json:"high"`
		Medium   int `json:"medium"`
	}
	if err := json.Unmarshal([]byte(out.Raw), &summary); err != nil {
		return nil, nil, "", fmt.Errorf("parse dependency scan summary: %w", err)
	}
	msg := fmt.Sprintf("critical=%d high=%d medium=%d", summary.Critical, summary.High, summary.Medium)
	details := map[string]any{
		"critical": float64(summary.Critical),
		"high":     float64(summary.High),
		"medium":   float64(summary.Medium),
	}
	return nil, details, msg, nil
}

// ParseSecretDetectionOutput expects {"secrets_found": <int>}.
func ParseSecretDetectionOutput(out ToolOutput) (*float64, map[string]any, string, error) {
	var summary struct {
		SecretsFound int `json:"secrets_found"`
	}
	if err := json.Unmarshal([]byte(out.Raw), &summary); err != nil {
		return nil, nil, "", fmt.Errorf("parse secret detection summary: %w", err)
	}
	msg := fmt.Sprintf("%d secrets found", summary.SecretsFound)
	details := map[string]any{"secrets_found": float64(summary.SecretsFound)}
	return nil, details, msg, nil
}

// DefaultParsers wires every gate kind to its reference parser above.
func DefaultParsers() map[GateKind]Parser {
	return map[GateKind]Parser{
		Linting:         ParseLintOutput,
		TypeChecking:    ParseTypeCheckOutput,
		Complexity:      ParseComplexityOutput,
		Coverage:        ParseCoverageOutput,
		Mutation:        ParseMutationOutput,
		SAST:            ParseSASTOutput,
		DependencyScan:  ParseDependencyScanOutput,
		SecretDetection: ParseSecretDetectionOutput,
	}
}

func extractPercent(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	idx := strings.LastIndex(trimmed, ":")
	field := trimmed
	if idx >= 0 {
		field = trimmed[idx+1:]
	}
	field = strings.TrimSpace(field)
	field = strings.TrimSuffix(field, "%")
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("no numeric percent found in %q: %w", raw, err)
	}
	return v, nil
}
