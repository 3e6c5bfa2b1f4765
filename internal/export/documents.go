package export

import (
	"context"
	"time"

	"github.com/oicur0t/smlog/internal/conversation"
	"github.com/oicur0t/smlog/internal/follow"
	"github.com/oicur0t/smlog/internal/search"
	"github.com/oicur0t/smlog/pkg/models"
)

// Source describes where exported documents come from
type Source struct {
	RunID    string
	Hostname string
	Kind     string
	Mode     string
	Pattern  string
}

// SourceOf returns the export source of a search result
func SourceOf(res *search.Result, hostname string) Source {
	return Source{
		RunID:    res.RunID,
		Hostname: hostname,
		Kind:     res.Request.Kind,
		Mode:     string(res.Request.Mode),
		Pattern:  res.Request.Pattern,
	}
}

// ResultDocuments converts every conversation of a result into a document,
// targets in request order.
func ResultDocuments(res *search.Result, hostname string, now time.Time) []models.ConversationDoc {
	src := SourceOf(res, hostname)
	docs := make([]models.ConversationDoc, 0, res.Conversations())
	for _, tr := range res.Targets {
		for _, c := range tr.Conversations {
			docs = append(docs, conversationDoc(src, tr.Target, c, now))
		}
	}
	return docs
}

func conversationDoc(src Source, t search.Target, c conversation.Conversation, now time.Time) models.ConversationDoc {
	lines := make([]models.LineDoc, len(c.Lines))
	for i, l := range c.Lines {
		lines[i] = models.LineDoc{Ordinal: l.Ordinal, Offset: l.Offset, Text: l.Text, Matched: l.Matched}
	}
	return models.ConversationDoc{
		RunID:      src.RunID,
		Hostname:   src.Hostname,
		Kind:       src.Kind,
		Mode:       src.Mode,
		Pattern:    src.Pattern,
		Source:     t.Path,
		Label:      t.Label,
		Key:        c.Key,
		Sequence:   c.Sequence,
		MatchCount: c.MatchCount,
		Lines:      lines,
		ExportedAt: now,
	}
}

// MatchDocument converts a followed line into a single-line document
func MatchDocument(src Source, m follow.Match, now time.Time) models.ConversationDoc {
	return models.ConversationDoc{
		RunID:      src.RunID,
		Hostname:   src.Hostname,
		Kind:       src.Kind,
		Mode:       src.Mode,
		Pattern:    src.Pattern,
		Source:     m.Path,
		Label:      m.Path,
		Key:        m.Key,
		Sequence:   m.LineNumber,
		MatchCount: 1,
		Lines:      []models.LineDoc{{Ordinal: m.LineNumber, Text: m.Text, Matched: true}},
		ExportedAt: now,
	}
}

// Result queues every conversation of res on the batcher
func Result(ctx context.Context, b *Batcher, res *search.Result, hostname string) (int, error) {
	docs := ResultDocuments(res, hostname, time.Now().UTC())
	for i, doc := range docs {
		if err := b.Add(ctx, doc); err != nil {
			return i, err
		}
	}
	return len(docs), nil
}
