// Package matcher decides whether a log line matches a search pattern.
//
// Four modes are supported: literal substring, shell-style wildcard, regular
// expression and fuzzy similarity. A pattern is compiled once into an
// immutable Matcher that can be shared between goroutines.
package matcher

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// Mode selects how a pattern is interpreted
type Mode string

const (
	ModeLiteral  Mode = "literal"
	ModeWildcard Mode = "wildcard"
	ModeRegex    Mode = "regex"
	ModeFuzzy    Mode = "fuzzy"
)

// Modes lists every supported mode in display order
var Modes = []Mode{ModeLiteral, ModeWildcard, ModeRegex, ModeFuzzy}

// DefaultFuzzyThreshold is used when a caller does not pick one
const DefaultFuzzyThreshold = 0.75

// thresholdEpsilon absorbs float noise so the threshold stays an inclusive bound
const thresholdEpsilon = 1e-9

// Description returns a one-line help text for the mode
func (m Mode) Description() string {
	switch m {
	case ModeLiteral:
		return "Exact substring match."
	case ModeWildcard:
		return "'*' matches any run of characters (including none), '?' matches one."
	case ModeRegex:
		return "Regular expression found anywhere in the line."
	case ModeFuzzy:
		return "Edit-distance similarity at or above the threshold."
	default:
		return ""
	}
}

// ParseMode validates and normalizes a mode name. An empty value means literal.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	if mode == "" {
		return ModeLiteral, nil
	}
	for _, m := range Modes {
		if m == mode {
			return m, nil
		}
	}
	choices := make([]string, len(Modes))
	for i, m := range Modes {
		choices[i] = string(m)
	}
	return "", &InvalidPatternError{
		Mode:   mode,
		Reason: fmt.Sprintf("unsupported search mode %q, choose one of: %s", value, strings.Join(choices, ", ")),
	}
}

// Options describes a pattern to compile
type Options struct {
	Mode           Mode
	Pattern        string
	CaseSensitive  bool
	FuzzyThreshold float64
	Backend        Backend
}

// Outcome is the result of testing one line
type Outcome struct {
	Matched bool
	// Score is only meaningful when Scored is true (fuzzy mode).
	Score  float64
	Scored bool
}

// Matcher tests lines against a compiled pattern
type Matcher interface {
	Test(line string) Outcome
	Mode() Mode
}

// InvalidPatternError is returned when a pattern cannot be compiled for its mode
type InvalidPatternError struct {
	Mode    Mode
	Pattern string
	Reason  string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s pattern %q: %s: %v", e.Mode, e.Pattern, e.Reason, e.Err)
	}
	if e.Pattern == "" {
		return fmt.Sprintf("invalid %s pattern: %s", e.Mode, e.Reason)
	}
	return fmt.Sprintf("invalid %s pattern %q: %s", e.Mode, e.Pattern, e.Reason)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }

// Compile builds a Matcher for the given options
func Compile(opts Options) (Matcher, error) {
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	if opts.Pattern == "" {
		return nil, &InvalidPatternError{Mode: mode, Reason: "pattern is empty"}
	}
	if math.IsNaN(opts.FuzzyThreshold) || opts.FuzzyThreshold < 0 || opts.FuzzyThreshold > 1 {
		return nil, &InvalidPatternError{
			Mode:    mode,
			Pattern: opts.Pattern,
			Reason:  fmt.Sprintf("fuzzy threshold %v is outside [0, 1]", opts.FuzzyThreshold),
		}
	}

	switch mode {
	case ModeLiteral:
		return newLiteral(opts.Pattern, opts.CaseSensitive), nil
	case ModeWildcard:
		return newWildcard(opts.Pattern, opts.CaseSensitive)
	case ModeRegex:
		return newRegex(opts.Pattern, opts.CaseSensitive)
	default:
		return newFuzzy(opts.Pattern, opts.CaseSensitive, opts.FuzzyThreshold, opts.Backend)
	}
}

// Fingerprint returns a stable identity for compiled options, used as a cache key
func (o Options) Fingerprint() string {
	backend := o.Backend
	if backend == "" {
		backend = BackendAuto
	}
	return fmt.Sprintf("%s|cs=%t|t=%.6f|b=%s|%s", o.Mode, o.CaseSensitive, o.FuzzyThreshold, backend, o.Pattern)
}

// folders pools case folders; a cases.Caser must not be shared between goroutines.
var folders = sync.Pool{
	New: func() any {
		c := cases.Fold()
		return &c
	},
}

// Fold returns the Unicode case-folded form of s
func Fold(s string) string {
	c := folders.Get().(*cases.Caser)
	out := c.String(s)
	folders.Put(c)
	return out
}
