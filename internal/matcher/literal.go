package matcher

import (
	"regexp"
	"strings"
	"unicode/utf8"

	aho "github.com/petar-dambovaliev/aho-corasick"
)

// literalMatcher is substring containment, folded unless case-sensitive
type literalMatcher struct {
	needle        string
	caseSensitive bool
}

func newLiteral(pattern string, caseSensitive bool) *literalMatcher {
	needle := pattern
	if !caseSensitive {
		needle = Fold(pattern)
	}
	return &literalMatcher{needle: needle, caseSensitive: caseSensitive}
}

func (m *literalMatcher) Mode() Mode { return ModeLiteral }

func (m *literalMatcher) Test(line string) Outcome {
	if m.caseSensitive {
		return Outcome{Matched: strings.Contains(line, m.needle)}
	}
	return Outcome{Matched: strings.Contains(Fold(line), m.needle)}
}

// regexMatcher reports whether the expression occurs anywhere in the line
type regexMatcher struct {
	re *regexp.Regexp
}

func newRegex(pattern string, caseSensitive bool) (*regexMatcher, error) {
	source := pattern
	if !caseSensitive {
		source = "(?i)" + pattern
	}
	re, err := regexp.Compile(source)
	if err != nil {
		return nil, &InvalidPatternError{Mode: ModeRegex, Pattern: pattern, Reason: "does not compile", Err: err}
	}
	return &regexMatcher{re: re}, nil
}

func (m *regexMatcher) Mode() Mode { return ModeRegex }

func (m *regexMatcher) Test(line string) Outcome {
	return Outcome{Matched: m.re.MatchString(line)}
}

// wildcardMatcher runs the translated expression behind an optional
// Aho-Corasick prefilter over the pattern's literal runs.
type wildcardMatcher struct {
	re        *regexp.Regexp
	prefilter aho.AhoCorasick
	runs      int
}

// WildcardToRegex translates '*' (any run, possibly empty) and '?' (one rune)
// into an unanchored regular expression source.
func WildcardToRegex(pattern string) string {
	var b strings.Builder
	prevStar := false
	for _, r := range pattern {
		switch r {
		case '*':
			if !prevStar {
				b.WriteString(".*")
			}
			prevStar = true
			continue
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
		prevStar = false
	}
	return b.String()
}

// literalRuns returns the distinct wildcard-free segments of pattern
func literalRuns(pattern string) []string {
	fields := strings.FieldsFunc(pattern, func(r rune) bool { return r == '*' || r == '?' })
	seen := make(map[string]bool, len(fields))
	runs := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			runs = append(runs, f)
		}
	}
	return runs
}

func newWildcard(pattern string, caseSensitive bool) (*wildcardMatcher, error) {
	if !utf8.ValidString(pattern) {
		return nil, &InvalidPatternError{Mode: ModeWildcard, Pattern: pattern, Reason: "pattern is not valid UTF-8"}
	}
	source := "(?s)" + WildcardToRegex(pattern)
	if !caseSensitive {
		source = "(?i)" + source
	}
	re, err := regexp.Compile(source)
	if err != nil {
		return nil, &InvalidPatternError{Mode: ModeWildcard, Pattern: pattern, Reason: "does not translate", Err: err}
	}

	m := &wildcardMatcher{re: re}
	// Folding rules of (?i) reach beyond ASCII, so the byte-level prefilter is
	// only exact for case-sensitive searches.
	if runs := literalRuns(pattern); caseSensitive && len(runs) > 0 {
		builder := aho.NewAhoCorasickBuilder(aho.Opts{DFA: true})
		m.prefilter = builder.Build(runs)
		m.runs = len(runs)
	}
	return m, nil
}

func (m *wildcardMatcher) Mode() Mode { return ModeWildcard }

func (m *wildcardMatcher) Test(line string) Outcome {
	if m.runs > 0 && !m.allRunsPresent(line) {
		return Outcome{}
	}
	return Outcome{Matched: m.re.MatchString(line)}
}

func (m *wildcardMatcher) allRunsPresent(line string) bool {
	seen := make([]bool, m.runs)
	found := 0
	iter := m.prefilter.IterOverlappingByte([]byte(line))
	for next := iter.Next(); next != nil; next = iter.Next() {
		idx := next.Pattern()
		if !seen[idx] {
			seen[idx] = true
			found++
			if found == m.runs {
				return true
			}
		}
	}
	return false
}
