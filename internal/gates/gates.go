// Package gates implements the Quality Gate Runner: eight gate kinds, four
// outcomes, stage membership, the pass rule, configurable thresholds, and
// aggregated failure messages. Each gate invokes its external tool through
// a pluggable Tool interface (exec.CommandContext + context.WithTimeout +
// CombinedOutput) rather than a single hardcoded executor.
package gates

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// GateKind is one of the eight quality gate kinds.
type GateKind string

const (
	Linting         GateKind = "linting"
	TypeChecking    GateKind = "type_checking"
	Complexity      GateKind = "complexity"
	Coverage        GateKind = "coverage"
	Mutation        GateKind = "mutation"
	SAST            GateKind = "sast"
	DependencyScan  GateKind = "dependency_scan"
	SecretDetection GateKind = "secret_detection"
)

// Outcome is one of the four possible gate results.
type Outcome string

const (
	Pass  Outcome = "PASS"
	Fail  Outcome = "FAIL"
	Skip  Outcome = "SKIP"
	Error Outcome = "ERROR"
)

// Stage is a named bundle of gates run by a specific worker role.
type Stage string

const (
	StageReview Stage = "review"
	StageTests  Stage = "tests"
	StageMerge  Stage = "merge"
)

// gateSpec pairs a gate kind with whether it is required for its stage's
// pass rule (review/merge are all-required, tests has coverage required
// and mutation optional) and the per-gate timeout.
type gateSpec struct {
	Kind     GateKind
	Required bool
	Timeout  time.Duration
}

// Stages is the closed stage -> gate membership table.
var Stages = map[Stage][]gateSpec{
	StageReview: {
		{Linting, true, 120 * time.Second},
		{TypeChecking, true, 180 * time.Second},
		{Complexity, true, 60 * time.Second},
	},
	StageTests: {
		{Coverage, true, 300 * time.Second},
		{Mutation, false, 600 * time.Second},
	},
	StageMerge: {
		{SAST, true, 300 * time.Second},
		{DependencyScan, true, 300 * time.Second},
		{SecretDetection, true, 180 * time.Second},
	},
}

// Thresholds holds the configurable numeric thresholds for each gate.
type Thresholds struct {
	CoverageMin    float64
	MutationMin    float64
	ComplexityMax  int
	CriticalCVEMax int
	HighCVEMax     int
	MediumCVEMax   int
}

// DefaultThresholds returns the out-of-the-box threshold values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CoverageMin:    80,
		MutationMin:    80,
		ComplexityMax:  15,
		CriticalCVEMax: 0,
		HighCVEMax:     0,
		MediumCVEMax:   5,
	}
}

// ToolOutput is what a Tool returns: raw output plus whatever structured
// detail the gate-specific parser extracts from it.
type ToolOutput struct {
	Raw      string
	ExitCode int
}

// Tool is the external-tool invocation contract: a gate is SKIP when no
// Tool is configured for it, and ERROR when Tool.Run returns an error (for
// example a timeout) or when the gate-specific parser cannot make sense of
// the output. A nonzero exit code alone is not an error.
type Tool interface {
	Run(ctx context.Context, workdir string) (ToolOutput, error)
}

// ExecTool is the default Tool implementation: run an external binary with
// arguments in workdir via exec.CommandContext + CombinedOutput.
type ExecTool struct {
	Binary string
	Args   []string
}

func (t ExecTool) Run(ctx context.Context, workdir string) (ToolOutput, error) {
	cmd := exec.CommandContext(ctx, t.Binary, t.Args...)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	result := ToolOutput{Raw: string(out)}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return result, fmt.Errorf("%w: %s timed out", ErrToolError, t.Binary)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil // nonzero exit is a normal FAIL signal, not a tool error
		}
		return result, fmt.Errorf("%w: %s: %v", ErrToolError, t.Binary, err)
	}
	return result, nil
}

// ErrGateFailed and ErrToolError are this package's error-taxonomy
// entries.
var (
	ErrGateFailed = errors.New("gate failed")
	ErrToolError  = errors.New("tool error")
)

// Parser extracts a GateResult's score/details from a Tool's raw output.
// A parser that cannot make sense of its input must return an error
// (producing ERROR), never a silent zero score.
type Parser func(ToolOutput) (score *float64, details map[string]any, message string, err error)

// GateResult is the outcome of one gate run within a stage.
type GateResult struct {
	Kind     GateKind
	Outcome  Outcome
	Message  string
	Details  map[string]any
	Score    *float64
	Required bool
}

// StageResult is the aggregated outcome of running a full stage.
type StageResult struct {
	Stage   Stage
	Results []GateResult
}

// AllPassed implements the pass rule: all_passed = no result has status
// FAIL or ERROR, where an optional gate's FAIL/ERROR is downgraded to SKIP
// for this check (but still reported in Results).
func (r StageResult) AllPassed() bool {
	for _, res := range r.Results {
		effective := res.Outcome
		if !res.Required && (effective == Fail || effective == Error) {
			effective = Skip
		}
		if effective == Fail || effective == Error {
			return false
		}
	}
	return true
}

// FailureMessage aggregates one line per failed/errored gate with its
// gate-specific details, for use as the REWORK_NEEDED payload.
// Downgraded-to-skip optional failures are still reported here, just not
// counted against AllPassed.
func (r StageResult) FailureMessage() string {
	var lines []string
	for _, res := range r.Results {
		if res.Outcome != Fail && res.Outcome != Error {
			continue
		}
		line := fmt.Sprintf("%s: %s — %s", strings.ToUpper(string(res.Kind)), res.Outcome, res.Message)
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RunStage runs every gate configured for stage, in parallel per gate,
// applying timeouts and thresholds.
func RunStage(ctx context.Context, stage Stage, tools map[GateKind]Tool, parsers map[GateKind]Parser, workdir string, th Thresholds) (StageResult, error) {
	specs, ok := Stages[stage]
	if !ok {
		return StageResult{}, fmt.Errorf("unknown stage %q", stage)
	}

	results := make([]GateResult, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			results[i] = runGate(gctx, spec, tools[spec.Kind], parsers[spec.Kind], workdir, th)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		return indexOf(specs, results[i].Kind) < indexOf(specs, results[j].Kind)
	})

	return StageResult{Stage: stage, Results: results}, nil
}

func indexOf(specs []gateSpec, kind GateKind) int {
	for i, s := range specs {
		if s.Kind == kind {
			return i
		}
	}
	return -1
}

func runGate(ctx context.Context, spec gateSpec, tool Tool, parse Parser, workdir string, th Thresholds) GateResult {
	base := GateResult{Kind: spec.Kind, Required: spec.Required}
	if tool == nil {
		base.Outcome = Skip
		base.Message = "tool unavailable"
		return base
	}

	gateCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	out, err := tool.Run(gateCtx, workdir)
	if err != nil {
		base.Outcome = Error
		base.Message = err.Error()
		return base
	}

	if parse == nil {
		if out.ExitCode != 0 {
			base.Outcome = Fail
			base.Message = fmt.Sprintf("exit code %d", out.ExitCode)
			return base
		}
		base.Outcome = Pass
		return base
	}

	score, details, message, err := parse(out)
	if err != nil {
		base.Outcome = Error
		base.Message = fmt.Sprintf("unparseable output: %v", err)
		return base
	}
	base.Details = details
	base.Score = score
	base.Message = message

	switch spec.Kind {
	case Coverage:
		base.Outcome = thresholdOutcome(score, th.CoverageMin, out.ExitCode)
	case Mutation:
		base.Outcome = thresholdOutcome(score, th.MutationMin, out.ExitCode)
	case Complexity:
		base.Outcome = complexityOutcome(details, th.ComplexityMax, out.ExitCode)
	case DependencyScan:
		base.Outcome = dependencyOutcome(details, th, out.ExitCode)
	default:
		if out.ExitCode != 0 {
			base.Outcome = Fail
		} else {
			base.Outcome = Pass
		}
	}
	return base
}

// complexityOutcome implements the "complexity per function" rule: fail
// if any reported function exceeds max.
func complexityOutcome(details map[string]any, max int, exitCode int) Outcome {
	raw, ok := details["max_function_complexity"]
	if !ok {
		if exitCode != 0 {
			return Fail
		}
		return Pass
	}
	v, ok := raw.(float64)
	if !ok {
		return Pass
	}
	if int(v) > max {
		return Fail
	}
	return Pass
}

// dependencyOutcome implements the dependency-scan thresholds: critical <=
// CriticalCVEMax, high <= HighCVEMax, medium <= MediumCVEMax.
func dependencyOutcome(details map[string]any, th Thresholds, exitCode int) Outcome {
	critical := countOf(details, "critical")
	high := countOf(details, "high")
	medium := countOf(details, "medium")
	if critical > th.CriticalCVEMax || high > th.HighCVEMax || medium > th.MediumCVEMax {
		return Fail
	}
	if exitCode != 0 {
		return Fail
	}
	return Pass
}

func countOf(details map[string]any, key string) int {
	raw, ok := details[key]
	if !ok {
		return 0
	}
	if v, ok := raw.(float64); ok {
		return int(v)
	}
	if v, ok := raw.(int); ok {
		return v
	}
	return 0
}

func thresholdOutcome(score *float64, min float64, exitCode int) Outcome {
	if score == nil {
		if exitCode != 0 {
			return Fail
		}
		return Pass
	}
	if *score < min {
		return Fail
	}
	return Pass
}
