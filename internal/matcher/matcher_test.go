package matcher

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, opts Options) Matcher {
	t.Helper()
	m, err := Compile(opts)
	require.NoError(t, err)
	return m
}

func TestParseMode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Mode
	}{
		{"", ModeLiteral},
		{"literal", ModeLiteral},
		{" Wildcard ", ModeWildcard},
		{"REGEX", ModeRegex},
		{"fuzzy", ModeFuzzy},
	} {
		got, err := ParseMode(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParseMode("glob")
	var ipe *InvalidPatternError
	require.ErrorAs(t, err, &ipe)
	assert.Contains(t, err.Error(), "unsupported search mode")
}

func TestCompile_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"empty pattern", Options{Mode: ModeLiteral}},
		{"unbalanced group", Options{Mode: ModeRegex, Pattern: "(abc"}},
		{"threshold above one", Options{Mode: ModeFuzzy, Pattern: "abc", FuzzyThreshold: 1.5}},
		{"negative threshold", Options{Mode: ModeFuzzy, Pattern: "abc", FuzzyThreshold: -0.1}},
		{"whitespace fuzzy", Options{Mode: ModeFuzzy, Pattern: "   ", FuzzyThreshold: 0.5}},
		{"unknown mode", Options{Mode: "soundex", Pattern: "abc"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.opts)
			var ipe *InvalidPatternError
			assert.True(t, errors.As(err, &ipe), "want InvalidPatternError, got %v", err)
		})
	}
}

func TestLiteral(t *testing.T) {
	m := mustCompile(t, Options{Mode: ModeLiteral, Pattern: "hello"})
	assert.True(t, m.Test("00:00:01 [1.1.1.1][ABC] User HELLO logged in").Matched)
	assert.False(t, m.Test("goodbye").Matched)

	cs := mustCompile(t, Options{Mode: ModeLiteral, Pattern: "hello", CaseSensitive: true})
	assert.False(t, cs.Test("User HELLO logged in").Matched)
	assert.True(t, cs.Test("hello world").Matched)

	// Unicode folding, not just ASCII lowering.
	u := mustCompile(t, Options{Mode: ModeLiteral, Pattern: "ÉCOLE"})
	assert.True(t, u.Test("user@école.fr rejected").Matched)
	assert.False(t, u.Test("user@ecole.fr rejected").Matched)
}

func TestRegex(t *testing.T) {
	m := mustCompile(t, Options{Mode: ModeRegex, Pattern: `rcpt to:<\w+@example\.com>`})
	assert.True(t, m.Test("cmd: RCPT TO:<bob@example.com>").Matched)
	assert.False(t, m.Test("cmd: RCPT TO:<bob@example.org>").Matched)

	cs := mustCompile(t, Options{Mode: ModeRegex, Pattern: `^ERR`, CaseSensitive: true})
	assert.True(t, cs.Test("ERR boom").Matched)
	assert.False(t, cs.Test("err boom").Matched)
}

func TestWildcardToRegex(t *testing.T) {
	assert.Equal(t, `User .* not found`, WildcardToRegex("User * not found"))
	assert.Equal(t, `a.*b`, WildcardToRegex("a**b"))
	assert.Equal(t, `a\.b.`, WildcardToRegex("a.b?"))
}

// '*' may match an empty run. "User * not found" therefore needs two spaces
// around an empty middle, so "User not found" (one space) still does not match.
func TestWildcard_StarSemantics(t *testing.T) {
	for _, cs := range []bool{false, true} {
		m := mustCompile(t, Options{Mode: ModeWildcard, Pattern: "User * not found", CaseSensitive: cs})
		assert.True(t, m.Test("12:00:00 [1.2.3.4] User admin not found in domain").Matched)
		assert.False(t, m.Test("12:00:00 [1.2.3.4] User not found").Matched)
		assert.True(t, m.Test("12:00:00 User  not found").Matched, "empty run between the two spaces")
	}

	zero := mustCompile(t, Options{Mode: ModeWildcard, Pattern: "ab*cd", CaseSensitive: true})
	assert.True(t, zero.Test("xxabcdxx").Matched)
	assert.True(t, zero.Test("ab123cd").Matched)
}

func TestWildcard_QuestionMark(t *testing.T) {
	m := mustCompile(t, Options{Mode: ModeWildcard, Pattern: "code 5?0"})
	assert.True(t, m.Test("reply code 550 rejected").Matched)
	assert.True(t, m.Test("REPLY CODE 500").Matched)
	assert.False(t, m.Test("code 50").Matched)
}

func TestWildcard_PrefilterAgreesWithRegex(t *testing.T) {
	pattern := "[*]*RCPT?TO*"
	lines := []string{
		"00:00:01 [1.2.3.4][A1] RCPT TO:<x@y>",
		"00:00:01 [1.2.3.4][A1] RCPT:TO",
		"[x] RCPTTO",
		"no brackets RCPT TO",
		"[a]RCPT",
	}
	cs := mustCompile(t, Options{Mode: ModeWildcard, Pattern: pattern, CaseSensitive: true}).(*wildcardMatcher)
	require.Positive(t, cs.runs)
	for _, line := range lines {
		assert.Equal(t, cs.re.MatchString(line), cs.Test(line).Matched, line)
	}
}

func TestWildcard_OverlappingRuns(t *testing.T) {
	m := mustCompile(t, Options{Mode: ModeWildcard, Pattern: "ab*bc", CaseSensitive: true})
	assert.True(t, m.Test("abc abc").Matched)
	assert.False(t, m.Test("abc").Matched)
}

func TestMatchersAreSafeForConcurrentUse(t *testing.T) {
	matchers := []Matcher{
		mustCompile(t, Options{Mode: ModeLiteral, Pattern: "needle"}),
		mustCompile(t, Options{Mode: ModeWildcard, Pattern: "n*dle", CaseSensitive: true}),
		mustCompile(t, Options{Mode: ModeRegex, Pattern: "ne+dle"}),
		mustCompile(t, Options{Mode: ModeFuzzy, Pattern: "needle", FuzzyThreshold: 0.8}),
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for _, m := range matchers {
					assert.True(t, m.Test("hay needle hay").Matched, m.Mode())
				}
			}
		}()
	}
	wg.Wait()
}

func TestOptionsFingerprint(t *testing.T) {
	a := Options{Mode: ModeLiteral, Pattern: "x"}
	b := Options{Mode: ModeLiteral, Pattern: "x", Backend: BackendAuto}
	c := Options{Mode: ModeLiteral, Pattern: "x", CaseSensitive: true}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.True(t, strings.HasSuffix(a.Fingerprint(), "|x"))
}
