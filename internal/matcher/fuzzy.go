package matcher

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Backend selects the edit-distance implementation used by fuzzy mode
type Backend string

const (
	// BackendAuto picks the native backend
	BackendAuto Backend = "auto"
	// BackendNative uses github.com/agnivade/levenshtein
	BackendNative Backend = "native"
	// BackendBuiltin uses the in-package two-row dynamic program
	BackendBuiltin Backend = "builtin"
)

// ParseBackend normalizes a backend name; empty means auto
func ParseBackend(value string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(value))); b {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendNative, BackendBuiltin:
		return b, nil
	default:
		return "", fmt.Errorf("unsupported fuzzy backend %q (auto, native, builtin)", value)
	}
}

// Distance computes the rune-level Levenshtein distance between two strings
type Distance func(a, b string) int

// DistanceFor returns the distance implementation of a backend
func DistanceFor(b Backend) Distance {
	if b == BackendBuiltin {
		return builtinDistance
	}
	return levenshtein.ComputeDistance
}

// builtinDistance is the classic two-row Levenshtein over runes
func builtinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity returns 1 - distance/longest, in [0, 1]. Two empty strings are identical.
func Similarity(dist Distance, a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(dist(a, b))/float64(longest)
}

type fuzzyMatcher struct {
	pattern       string
	patternLen    int
	tokens        int
	threshold     float64
	caseSensitive bool
	dist          Distance
}

func newFuzzy(pattern string, caseSensitive bool, threshold float64, backend Backend) (*fuzzyMatcher, error) {
	b, err := ParseBackend(string(backend))
	if err != nil {
		return nil, &InvalidPatternError{Mode: ModeFuzzy, Pattern: pattern, Reason: "bad backend", Err: err}
	}
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return nil, &InvalidPatternError{Mode: ModeFuzzy, Pattern: pattern, Reason: "pattern has no words"}
	}
	normalized := strings.Join(fields, " ")
	if !caseSensitive {
		normalized = Fold(normalized)
	}
	return &fuzzyMatcher{
		pattern:       normalized,
		patternLen:    utf8.RuneCountInString(normalized),
		tokens:        len(fields),
		threshold:     threshold,
		caseSensitive: caseSensitive,
		dist:          DistanceFor(b),
	}, nil
}

func (m *fuzzyMatcher) Mode() Mode { return ModeFuzzy }

func (m *fuzzyMatcher) Test(line string) Outcome {
	score := m.Score(line)
	return Outcome{
		Matched: score+thresholdEpsilon >= m.threshold,
		Score:   score,
		Scored:  true,
	}
}

// Score compares the pattern with the whole line, or with the best window of
// as many whitespace tokens as the pattern has when the line is longer.
func (m *fuzzyMatcher) Score(line string) float64 {
	if !m.caseSensitive {
		line = Fold(line)
	}
	fields := strings.Fields(line)
	if len(fields) <= m.tokens || utf8.RuneCountInString(line) <= m.patternLen {
		return Similarity(m.dist, m.pattern, strings.Join(fields, " "))
	}

	best := 0.0
	for i := 0; i+m.tokens <= len(fields); i++ {
		window := strings.Join(fields[i:i+m.tokens], " ")
		if s := Similarity(m.dist, m.pattern, window); s > best {
			best = s
			if best == 1 {
				break
			}
		}
	}
	return best
}
