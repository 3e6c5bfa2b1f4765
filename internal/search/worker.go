package search

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/oicur0t/smlog/internal/conversation"
	"github.com/oicur0t/smlog/internal/indexcache"
	"github.com/oicur0t/smlog/internal/logkind"
)

// cancelCheckLines is how many lines are read between cancellation checks
const cancelCheckLines = 256

const readBufferSize = 256 * 1024

// DefaultMaxScaffoldBytes caps the scaffold kept for a single target
const DefaultMaxScaffoldBytes = 64 * mib

// scanner runs the conversation builder over single targets
type scanner struct {
	cache            *indexcache.Cache
	logger           *zap.Logger
	progressInterval time.Duration
	maxScaffoldBytes int64
}

// scanJob is everything a scan needs besides the target
type scanJob struct {
	runID   string
	request Request
	kind    *logkind.Kind
	note    string
	emit    func(ProgressReport)
}

// errStopped ends a line walk when the context is cancelled
var errStopped = errors.New("scan stopped")

// walkLines feeds every line of r to fn, checking ctx every few hundred lines.
// Offsets are byte positions of each line start in the file.
func walkLines(ctx context.Context, r io.Reader, fn func(ordinal, offset int64, text string), tick func(bytes, lines int64)) (lines, bytes int64, err error) {
	br := bufio.NewReaderSize(r, readBufferSize)
	for {
		raw, readErr := br.ReadString('\n')
		if len(raw) > 0 {
			lines++
			text := strings.TrimSuffix(raw, "\n")
			text = strings.TrimSuffix(text, "\r")
			if !utf8.ValidString(text) {
				text = strings.ToValidUTF8(text, "\uFFFD")
			}
			fn(lines, bytes, text)
			bytes += int64(len(raw))

			if lines%cancelCheckLines == 0 {
				if ctx.Err() != nil {
					return lines, bytes, errStopped
				}
				if tick != nil {
					tick(bytes, lines)
				}
			}
		}
		if readErr == io.EOF {
			return lines, bytes, nil
		}
		if readErr != nil {
			return lines, bytes, readErr
		}
	}
}

// scanTarget searches one target. It never returns an error: failures and
// cancellation are reported through the result status.
func (s *scanner) scanTarget(ctx context.Context, index int, target Target, job scanJob) TargetResult {
	if ctx.Err() != nil {
		return cancelledResult(target)
	}

	m, _, err := s.cache.Matcher(job.request.MatcherOptions())
	if err != nil {
		return failedResult(target, "failed to compile pattern: %v", err)
	}

	f, err := os.Open(target.Path)
	if err != nil {
		return failedResult(target, "failed to open %s: %v", target.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return failedResult(target, "failed to stat %s: %v", target.Path, err)
	}
	total := target.Size
	if total <= 0 {
		total = info.Size()
	}
	scaffoldKey := indexcache.ScaffoldKey(target.Path, indexcache.FingerprintInfo(info), job.kind.Name)

	var (
		scaffold *indexcache.Scaffold
		recorder *indexcache.Recorder
	)
	if e, ok := s.cache.Get(scaffoldKey); ok && e.Scaffold != nil {
		scaffold = e.Scaffold
	} else {
		recorder = indexcache.NewRecorder()
	}

	report := newProgress(job.emit, s.progressInterval, ProgressReport{
		RunID:         job.runID,
		Target:        target,
		Index:         index,
		TotalBytes:    total,
		ExecutionMode: job.note,
	})
	report.scanning(0, 0, nil)

	builder := conversation.NewBuilder(job.kind, m)
	var preview *conversation.Line

	lines, bytes, err := walkLines(ctx, f, func(ordinal, offset int64, text string) {
		var class conversation.Class
		if scaffold != nil && int(ordinal) <= scaffold.Len() {
			class = scaffold.Class(int(ordinal - 1))
		} else {
			class = builder.Classify(text)
		}
		if recorder != nil {
			recorder.Record(class)
			if recorder.Size() > s.scaffoldCap() {
				recorder = nil
			}
		}
		if out := builder.AddClassified(ordinal, offset, text, class); out.Matched {
			preview = &conversation.Line{Ordinal: ordinal, Offset: offset, Text: text, Matched: true}
		}
	}, func(bytes, lines int64) {
		report.scanning(bytes, lines, preview)
	})

	switch {
	case errors.Is(err, errStopped):
		s.logger.Debug("Scan cancelled",
			zap.String("target", target.Path),
			zap.Int64("lines", lines))
		res := cancelledResult(target)
		res.LinesScanned, res.BytesScanned = lines, bytes
		return res
	case err != nil:
		res := failedResult(target, "failed to read %s: %v", target.Path, err)
		res.LinesScanned, res.BytesScanned = lines, bytes
		return res
	}

	if recorder != nil {
		s.cache.Put(scaffoldKey, &indexcache.Entry{Scaffold: recorder.Scaffold()})
	}
	report.done(bytes, lines, preview)

	return TargetResult{
		Target:        target,
		Conversations: builder.Finish(job.request.ResultMode),
		Status:        StatusComplete,
		LinesScanned:  lines,
		BytesScanned:  bytes,
		Matches:       builder.Matches(),
		CacheHit:      scaffold != nil,
	}
}

// warmTarget records the correlation scaffold of a target without matching
func (s *scanner) warmTarget(ctx context.Context, target Target, kind *logkind.Kind) error {
	fingerprint, err := indexcache.Fingerprint(target.Path)
	if err != nil {
		return err
	}
	key := indexcache.ScaffoldKey(target.Path, fingerprint, kind.Name)
	if s.cache.Contains(key) {
		return nil
	}

	f, err := os.Open(target.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", target.Path, err)
	}
	defer f.Close()

	recorder := indexcache.NewRecorder()
	_, _, err = walkLines(ctx, f, func(_, _ int64, text string) {
		if recorder == nil {
			return
		}
		if key, ok := kind.Extract(text); ok {
			recorder.Record(conversation.Class{Key: key, HasKey: true})
		} else {
			recorder.Record(conversation.Class{Boundary: kind.IsEntryBoundary(text)})
		}
		if recorder.Size() > s.scaffoldCap() {
			recorder = nil
		}
	}, nil)
	if err != nil {
		return err
	}
	if recorder == nil {
		return nil
	}
	s.cache.Put(key, &indexcache.Entry{Scaffold: recorder.Scaffold()})
	return nil
}

func (s *scanner) scaffoldCap() int64 {
	if s.maxScaffoldBytes <= 0 {
		return DefaultMaxScaffoldBytes
	}
	return s.maxScaffoldBytes
}
