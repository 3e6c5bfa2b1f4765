// Package search runs conversation searches over staged log files. It owns
// the per-target worker, the execution planner with its fallback chain of
// strategies, and the asynchronous run handle used by callers.
package search

import (
	"errors"
	"fmt"
	"time"

	"github.com/oicur0t/smlog/internal/conversation"
	"github.com/oicur0t/smlog/internal/logkind"
	"github.com/oicur0t/smlog/internal/matcher"
)

// Mode is the pattern interpretation of a request
type Mode = matcher.Mode

// ResultMode selects whole conversations or matching lines only
type ResultMode = conversation.ResultMode

// Target is one staged, readable log file
type Target struct {
	Path  string `json:"path" yaml:"path"`
	Kind  string `json:"kind" yaml:"kind"`
	Label string `json:"label" yaml:"label"`
	Size  int64  `json:"size" yaml:"size"`
}

// Request describes one search. It must not be modified after Start.
type Request struct {
	Mode           Mode            `json:"mode" yaml:"mode"`
	Pattern        string          `json:"pattern" yaml:"pattern"`
	CaseSensitive  bool            `json:"case_sensitive" yaml:"case_sensitive"`
	FuzzyThreshold float64         `json:"fuzzy_threshold" yaml:"fuzzy_threshold"`
	FuzzyBackend   matcher.Backend `json:"fuzzy_backend,omitempty" yaml:"fuzzy_backend,omitempty"`
	ResultMode     ResultMode      `json:"result_mode" yaml:"result_mode"`
	Kind           string          `json:"kind" yaml:"kind"`
	Targets        []Target        `json:"targets" yaml:"targets"`
}

// MatcherOptions returns the compile options of the request
func (r Request) MatcherOptions() matcher.Options {
	return matcher.Options{
		Mode:           r.Mode,
		Pattern:        r.Pattern,
		CaseSensitive:  r.CaseSensitive,
		FuzzyThreshold: r.FuzzyThreshold,
		Backend:        r.FuzzyBackend,
	}
}

// Validate normalizes the request and resolves its kind. The pattern itself
// is compiled by the engine.
func (r Request) Validate() (Request, *logkind.Kind, error) {
	kind, err := logkind.Lookup(r.Kind)
	if err != nil {
		return r, nil, err
	}
	r.Kind = kind.Name

	if r.Mode, err = matcher.ParseMode(string(r.Mode)); err != nil {
		return r, nil, err
	}
	if r.FuzzyBackend, err = matcher.ParseBackend(string(r.FuzzyBackend)); err != nil {
		return r, nil, &ValidationError{Field: "fuzzy_backend", Reason: err.Error()}
	}
	if r.ResultMode, err = conversation.ParseResultMode(string(r.ResultMode)); err != nil {
		return r, nil, &ValidationError{Field: "result_mode", Reason: err.Error()}
	}
	if len(r.Targets) == 0 {
		return r, nil, &ValidationError{Field: "targets", Reason: "no log files to search"}
	}

	targets := make([]Target, len(r.Targets))
	for i, t := range r.Targets {
		if t.Path == "" {
			return r, nil, &ValidationError{Field: "targets", Reason: fmt.Sprintf("target %d has no path", i)}
		}
		if t.Kind == "" {
			t.Kind = kind.Name
		} else if logkind.Normalize(t.Kind) != kind.Name {
			return r, nil, &ValidationError{
				Field:  "targets",
				Reason: fmt.Sprintf("target %s is a %s log, request is for %s", t.Path, t.Kind, kind.Name),
			}
		}
		if t.Label == "" {
			t.Label = t.Path
		}
		targets[i] = t
	}
	r.Targets = targets
	return r, kind, nil
}

// Status is the terminal state of a target or a whole result
type Status string

const (
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	// StatusPartial is aggregate only: some targets failed, none were cancelled
	StatusPartial Status = "partial"
)

// Phase labels a progress report
type Phase string

const (
	PhaseScanning Phase = "scanning"
	PhaseDone     Phase = "done"
)

// TargetResult is the outcome of scanning one target
type TargetResult struct {
	Target        Target                      `json:"target" yaml:"target"`
	Conversations []conversation.Conversation `json:"conversations" yaml:"conversations"`
	Status        Status                      `json:"status" yaml:"status"`
	Reason        string                      `json:"reason,omitempty" yaml:"reason,omitempty"`
	LinesScanned  int64                       `json:"lines_scanned" yaml:"lines_scanned"`
	BytesScanned  int64                       `json:"bytes_scanned" yaml:"bytes_scanned"`
	Matches       int64                       `json:"matches" yaml:"matches"`
	CacheHit      bool                        `json:"cache_hit,omitempty" yaml:"cache_hit,omitempty"`
}

func failedResult(t Target, format string, args ...any) TargetResult {
	return TargetResult{Target: t, Status: StatusFailed, Reason: fmt.Sprintf(format, args...), Conversations: []conversation.Conversation{}}
}

func cancelledResult(t Target) TargetResult {
	return TargetResult{Target: t, Status: StatusCancelled, Conversations: []conversation.Conversation{}}
}

// Attempt records one strategy tried for a run
type Attempt struct {
	Strategy string `json:"strategy" yaml:"strategy"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ExecutionPlan records what the planner chose and what actually ran
type ExecutionPlan struct {
	// Strategy is the strategy that completed the run
	Strategy string    `json:"strategy" yaml:"strategy"`
	Workers  int       `json:"workers" yaml:"workers"`
	Reason   string    `json:"reason" yaml:"reason"`
	Attempts []Attempt `json:"attempts" yaml:"attempts"`
}

// Note is a human readable execution mode
func (p ExecutionPlan) Note() string {
	return executionNote(p.Strategy, p.Workers)
}

func executionNote(strategy string, workers int) string {
	switch strategy {
	case StrategyThreadPool:
		return fmt.Sprintf("parallel (thread pool, %d workers)", workers)
	case StrategyProcessPool:
		return fmt.Sprintf("parallel (process pool, %d workers)", workers)
	case "":
		return "not started"
	default:
		return strategy
	}
}

// Result is the merged outcome of a run, targets in request order
type Result struct {
	RunID        string         `json:"run_id" yaml:"run_id"`
	Request      Request        `json:"request" yaml:"request"`
	Targets      []TargetResult `json:"targets" yaml:"targets"`
	Status       Status         `json:"status" yaml:"status"`
	Plan         ExecutionPlan  `json:"plan" yaml:"plan"`
	Elapsed      time.Duration  `json:"elapsed" yaml:"elapsed"`
	BytesScanned int64          `json:"bytes_scanned" yaml:"bytes_scanned"`
}

// Conversations returns the number of conversations across all targets
func (r *Result) Conversations() int {
	n := 0
	for _, t := range r.Targets {
		n += len(t.Conversations)
	}
	return n
}

func aggregateStatus(targets []TargetResult) Status {
	failed := 0
	for _, t := range targets {
		switch t.Status {
		case StatusCancelled:
			return StatusCancelled
		case StatusFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusComplete
	case failed == len(targets):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// ProgressReport is an observational update from a worker
type ProgressReport struct {
	RunID         string             `json:"run_id,omitempty"`
	Target        Target             `json:"target"`
	Index         int                `json:"index"`
	BytesScanned  int64              `json:"bytes_scanned"`
	TotalBytes    int64              `json:"total_bytes"`
	LinesScanned  int64              `json:"lines_scanned"`
	Phase         Phase              `json:"phase"`
	ExecutionMode string             `json:"execution_mode"`
	Preview       *conversation.Line `json:"preview,omitempty"`
}

// ValidationError rejects a request before any target is scanned
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a request validation failure
func IsValidation(err error) bool {
	var ve *ValidationError
	var ipe *matcher.InvalidPatternError
	var uke *logkind.UnsupportedKindError
	return errors.As(err, &ve) || errors.As(err, &ipe) || errors.As(err, &uke)
}

// EnvironmentError means a strategy cannot run here; the planner falls back
type EnvironmentError struct {
	Strategy string
	Cause    error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("%s strategy unavailable: %v", e.Strategy, e.Cause)
}

func (e *EnvironmentError) Unwrap() error { return e.Cause }

// ErrNoStrategy is returned when every strategy in the chain failed
var ErrNoStrategy = errors.New("no execution strategy could run the search")
