// Package conversation assembles log lines into conversations: ordered groups
// of lines that share a correlation key or belong to one timestamped entry.
package conversation

import (
	"fmt"
	"strings"

	"github.com/oicur0t/smlog/internal/matcher"
)

// ResultMode controls which lines of a matching conversation are kept
type ResultMode string

const (
	// Related keeps every line of a conversation that has at least one match
	Related ResultMode = "related"
	// MatchingOnly keeps only the directly matching lines
	MatchingOnly ResultMode = "matching-only"
)

// ParseResultMode normalizes a result mode; empty means related
func ParseResultMode(value string) (ResultMode, error) {
	switch mode := ResultMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "":
		return Related, nil
	case Related, MatchingOnly:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported result mode %q, expected one of: %s, %s", value, Related, MatchingOnly)
	}
}

// Line is one log line copied into a conversation
type Line struct {
	Ordinal int64  `json:"ordinal" yaml:"ordinal"`
	Offset  int64  `json:"offset" yaml:"offset"`
	Text    string `json:"text" yaml:"text"`
	Matched bool   `json:"matched,omitempty" yaml:"matched,omitempty"`
}

// Conversation is a set of lines sharing a correlation key
type Conversation struct {
	Key string `json:"key" yaml:"key"`
	// Synthetic keys are generated from entry boundaries, not read from the log
	Synthetic bool `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
	// Sequence is the ordinal of the first line and never changes
	Sequence   int64  `json:"sequence" yaml:"sequence"`
	Lines      []Line `json:"lines" yaml:"lines"`
	MatchCount int    `json:"match_count" yaml:"match_count"`

	slot int
}

// Correlator extracts keys and recognizes entry boundaries for one log kind
type Correlator interface {
	Extract(line string) (string, bool)
	IsEntryBoundary(line string) bool
}

// Class is the correlation outcome for one line, independent of the pattern
type Class struct {
	Key      string
	HasKey   bool
	Boundary bool
}

// Builder is the per-target state machine. It is not safe for concurrent use.
type Builder struct {
	correlator Correlator
	matcher    matcher.Matcher

	byKey   map[string]*Conversation
	convs   []*Conversation
	cursor  *Conversation
	entries int
	lines   int64
	matches int64
	dropped int
}

// NewBuilder creates a builder for one target
func NewBuilder(c Correlator, m matcher.Matcher) *Builder {
	return &Builder{
		correlator: c,
		matcher:    m,
		byKey:      make(map[string]*Conversation),
	}
}

// Classify runs the correlator over a line
func (b *Builder) Classify(text string) Class {
	if key, ok := b.correlator.Extract(text); ok {
		return Class{Key: key, HasKey: true}
	}
	return Class{Boundary: b.correlator.IsEntryBoundary(text)}
}

// Add classifies and appends a line
func (b *Builder) Add(ordinal, offset int64, text string) matcher.Outcome {
	return b.AddClassified(ordinal, offset, text, b.Classify(text))
}

// AddClassified appends a line whose class is already known
func (b *Builder) AddClassified(ordinal, offset int64, text string, c Class) matcher.Outcome {
	b.lines++

	switch {
	case c.HasKey:
		conv, ok := b.byKey[c.Key]
		if !ok {
			conv = b.open(c.Key, false, ordinal)
			b.byKey[c.Key] = conv
		}
		b.moveCursor(conv)
	case c.Boundary || b.cursor == nil:
		// A keyless first line opens a conversation of its own.
		b.entries++
		b.moveCursor(b.open(fmt.Sprintf("#%d", b.entries), true, ordinal))
	}

	outcome := b.matcher.Test(text)
	conv := b.cursor
	conv.Lines = append(conv.Lines, Line{Ordinal: ordinal, Offset: offset, Text: text, Matched: outcome.Matched})
	if outcome.Matched {
		conv.MatchCount++
		b.matches++
	}
	return outcome
}

func (b *Builder) open(key string, synthetic bool, ordinal int64) *Conversation {
	conv := &Conversation{Key: key, Synthetic: synthetic, Sequence: ordinal, slot: len(b.convs)}
	b.convs = append(b.convs, conv)
	return conv
}

// moveCursor retargets continuation lines. A synthetic conversation can only
// grow while it is the cursor, so leaving it seals it.
func (b *Builder) moveCursor(conv *Conversation) {
	if prev := b.cursor; prev != nil && prev != conv && prev.Synthetic {
		b.seal(prev)
	}
	b.cursor = conv
}

func (b *Builder) seal(conv *Conversation) {
	if conv.MatchCount == 0 {
		b.convs[conv.slot] = nil
		b.dropped++
	}
}

// Lines returns the number of lines added so far
func (b *Builder) Lines() int64 { return b.lines }

// Matches returns the number of matching lines added so far
func (b *Builder) Matches() int64 { return b.matches }

// Finish applies the drop rule and returns conversations in first-occurrence order
func (b *Builder) Finish(mode ResultMode) []Conversation {
	out := make([]Conversation, 0)
	for _, c := range b.convs {
		if c == nil || c.MatchCount == 0 {
			continue
		}
		conv := *c
		conv.slot = 0
		if mode == MatchingOnly {
			kept := make([]Line, 0, c.MatchCount)
			for _, l := range c.Lines {
				if l.Matched {
					kept = append(kept, l)
				}
			}
			conv.Lines = kept
		}
		out = append(out, conv)
	}
	return out
}
