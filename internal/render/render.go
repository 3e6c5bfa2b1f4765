// Package render turns search results into text, JSON or YAML
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oicur0t/smlog/internal/conversation"
	"github.com/oicur0t/smlog/internal/logkind"
	"github.com/oicur0t/smlog/internal/search"
)

// Format names an output format
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat normalizes a format name; empty means text
func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format %q, expected text, json or yaml", value)
	}
}

// Write renders res in the given format
func Write(w io.Writer, format Format, res *search.Result) error {
	switch format {
	case FormatJSON:
		return JSON(w, res)
	case FormatYAML:
		return YAML(w, res)
	default:
		return Text(w, res)
	}
}

// JSON writes the result as indented JSON
func JSON(w io.Writer, res *search.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// YAML writes the result as a YAML document
func YAML(w io.Writer, res *search.Result) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return enc.Close()
}

// Text writes a human readable report: one section per target, one block per
// conversation, and a summary line.
func Text(w io.Writer, res *search.Result) error {
	p := &printer{w: w}
	grouped := true
	if k, err := logkind.Lookup(res.Request.Kind); err == nil {
		grouped = k.Grouped
	}
	label := "conversation"
	if !grouped {
		label = "entry"
	}
	matchingOnly := res.Request.ResultMode == conversation.MatchingOnly

	for _, tr := range res.Targets {
		p.printf("=== %s ===\n", filepath.Base(tr.Target.Path))
		switch tr.Status {
		case search.StatusFailed:
			p.printf("Failed: %s\n\n", tr.Reason)
			continue
		case search.StatusCancelled:
			p.printf("Cancelled.\n\n")
			continue
		}

		if matchingOnly {
			p.printf("Search term '%s' -> %d matching row(s)\n", res.Request.Pattern, tr.Matches)
		} else {
			p.printf("Search term '%s' -> %d %s(s)\n", res.Request.Pattern, len(tr.Conversations), label)
		}
		if len(tr.Conversations) == 0 {
			p.printf("No matches found.\n\n")
			continue
		}

		width := ordinalWidth(tr.Conversations)
		for _, c := range tr.Conversations {
			if grouped && !matchingOnly {
				p.printf("\n[%s] first seen on line %d\n", c.Key, c.Sequence)
			}
			for _, l := range c.Lines {
				marker := " "
				if l.Matched && !matchingOnly {
					marker = ">"
				}
				p.printf("%s %*d: %s\n", marker, width, l.Ordinal, l.Text)
			}
		}
		p.printf("\n")
	}

	p.printf("%s: %d file(s), %d %s(s), %s scanned in %s using %s (%s)\n",
		res.Status, len(res.Targets), res.Conversations(), label,
		humanBytes(res.BytesScanned), res.Elapsed.Round(1e6), res.Plan.Note(), res.Plan.Reason)
	return p.err
}

// printer remembers the first write error so callers check once
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func ordinalWidth(convs []conversation.Conversation) int {
	var highest int64
	for _, c := range convs {
		if n := len(c.Lines); n > 0 && c.Lines[n-1].Ordinal > highest {
			highest = c.Lines[n-1].Ordinal
		}
	}
	return len(fmt.Sprint(highest))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
