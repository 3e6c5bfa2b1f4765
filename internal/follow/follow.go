// Package follow searches a log file as it grows, reporting matching lines
// together with the conversation key they belong to.
package follow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"go.uber.org/zap"

	"github.com/oicur0t/smlog/internal/conversation"
	"github.com/oicur0t/smlog/internal/matcher"
	"github.com/oicur0t/smlog/pkg/models"
)

// Config controls where following starts and how state is kept
type Config struct {
	// StateFile persists read positions between runs; empty disables it
	StateFile string `mapstructure:"state_file"`
	// FromStart reads the existing content instead of starting at the end
	FromStart    bool          `mapstructure:"from_start"`
	SaveInterval time.Duration `mapstructure:"save_interval"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
}

// DefaultConfig returns the follower defaults
func DefaultConfig() Config {
	return Config{
		SaveInterval: 10 * time.Second,
		SendTimeout:  5 * time.Second,
	}
}

// Match is one matching line seen while following
type Match struct {
	Path       string    `json:"path"`
	LineNumber int64     `json:"line_number"`
	Key        string    `json:"key"`
	Synthetic  bool      `json:"synthetic,omitempty"`
	Text       string    `json:"text"`
	Score      float64   `json:"score,omitempty"`
	Time       time.Time `json:"time"`
}

// Follower tails one log file
type Follower struct {
	path    string
	keys    *keyTracker
	matcher matcher.Matcher
	cfg     Config
	logger  *zap.Logger
	out     chan<- Match

	state   map[string]*models.FollowState
	stateMu sync.RWMutex
}

// New creates a follower that sends matches to out
func New(path string, c conversation.Correlator, m matcher.Matcher, cfg Config, logger *zap.Logger, out chan<- Match) *Follower {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultConfig().SaveInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	return &Follower{
		path:    path,
		keys:    &keyTracker{correlator: c},
		matcher: m,
		cfg:     cfg,
		logger:  logger,
		out:     out,
		state:   make(map[string]*models.FollowState),
	}
}

// Run follows the file until ctx is done. The read position is saved on the
// way out so the next run resumes where this one stopped.
func (f *Follower) Run(ctx context.Context) error {
	if err := f.loadState(); err != nil {
		f.logger.Warn("Failed to load follow state, starting fresh", zap.Error(err))
	}

	saverCtx, stopSaver := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.stateSaver(saverCtx)
	}()

	err := f.tailFile(ctx)
	stopSaver()
	wg.Wait()

	if saveErr := f.saveState(); saveErr != nil {
		f.logger.Error("Failed to save final follow state", zap.Error(saveErr))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (f *Follower) start() (offset, lineNumber int64, err error) {
	f.stateMu.RLock()
	st, resumed := f.state[f.path]
	f.stateMu.RUnlock()

	info, statErr := os.Stat(f.path)
	switch {
	case statErr != nil && os.IsNotExist(statErr):
		return 0, 0, nil
	case statErr != nil:
		return 0, 0, fmt.Errorf("failed to stat %s: %w", f.path, statErr)
	case resumed && st.Offset <= info.Size():
		f.logger.Info("Resuming from saved position",
			zap.String("file", f.path),
			zap.Int64("offset", st.Offset),
			zap.Int64("line_number", st.LineNumber))
		return st.Offset, st.LineNumber, nil
	case resumed:
		f.logger.Warn("Log shrank since last run, starting over", zap.String("file", f.path))
		return 0, 0, nil
	case f.cfg.FromStart:
		return 0, 0, nil
	}
	lines, err := countLines(f.path, info.Size())
	if err != nil {
		return 0, 0, err
	}
	return info.Size(), lines, nil
}

func (f *Follower) tailFile(ctx context.Context) error {
	offset, lineNumber, err := f.start()
	if err != nil {
		return err
	}
	f.logger.Info("Following log",
		zap.String("file", f.path),
		zap.Int64("offset", offset),
		zap.String("mode", string(f.matcher.Mode())))

	t, err := tail.TailFile(f.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail file %s: %w", f.path, err)
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Stopping follow", zap.String("file", f.path))
			return ctx.Err()

		case line, ok := <-t.Lines:
			if !ok {
				f.logger.Warn("Tail channel closed", zap.String("file", f.path))
				return t.Err()
			}
			if line.Err != nil {
				f.logger.Error("Error reading line", zap.String("file", f.path), zap.Error(line.Err))
				continue
			}

			lineNumber++
			text := strings.ToValidUTF8(strings.TrimSuffix(line.Text, "\r"), "�")
			key, synthetic := f.keys.observe(text)

			if outcome := f.matcher.Test(text); outcome.Matched {
				m := Match{
					Path:       f.path,
					LineNumber: lineNumber,
					Key:        key,
					Synthetic:  synthetic,
					Text:       text,
					Time:       line.Time,
				}
				if outcome.Scored {
					m.Score = outcome.Score
				}
				if err := f.send(ctx, m); err != nil {
					return err
				}
			}

			if pos, err := t.Tell(); err == nil {
				f.updateState(pos, lineNumber)
			}
		}
	}
}

func (f *Follower) send(ctx context.Context, m Match) error {
	timer := time.NewTimer(f.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case f.out <- m:
		return nil
	case <-timer.C:
		f.logger.Warn("Timeout delivering match, dropping it",
			zap.String("file", f.path),
			zap.Int64("line_number", m.LineNumber))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Follower) updateState(offset, lineNumber int64) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.state[f.path] = &models.FollowState{
		Path:       f.path,
		Offset:     offset,
		LineNumber: lineNumber,
		LastRead:   time.Now(),
	}
}

// State returns the current read position, if any line was read or resumed
func (f *Follower) State() (models.FollowState, bool) {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	st, ok := f.state[f.path]
	if !ok {
		return models.FollowState{}, false
	}
	return *st, true
}

func (f *Follower) stateSaver(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.saveState(); err != nil {
				f.logger.Error("Failed to save follow state", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// saveState writes every known position; positions of other files already in
// the state file are kept.
func (f *Follower) saveState() error {
	if f.cfg.StateFile == "" {
		return nil
	}
	f.stateMu.RLock()
	data, err := json.MarshalIndent(f.state, "", "  ")
	f.stateMu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := f.cfg.StateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, f.cfg.StateFile); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	f.logger.Debug("Follow state saved", zap.String("state_file", f.cfg.StateFile))
	return nil
}

func (f *Follower) loadState() error {
	if f.cfg.StateFile == "" {
		return nil
	}
	data, err := os.ReadFile(f.cfg.StateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if err := json.Unmarshal(data, &f.state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}
	f.logger.Info("Follow state loaded", zap.String("state_file", f.cfg.StateFile), zap.Int("files", len(f.state)))
	return nil
}

// countLines counts newline-terminated lines in the first size bytes of path
func countLines(path string, size int64) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var n int64
	buf := make([]byte, 256*1024)
	r := io.LimitReader(file, size)
	for {
		read, err := r.Read(buf)
		n += int64(bytes.Count(buf[:read], []byte{'\n'}))
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
}

// keyTracker assigns conversation keys to a stream of lines without keeping
// the lines. Keyless lines belong to the last keyed line; ungrouped kinds get
// one synthetic key per entry.
type keyTracker struct {
	correlator conversation.Correlator
	cursor     string
	synthetic  bool
	entries    int
}

func (k *keyTracker) observe(text string) (string, bool) {
	if key, ok := k.correlator.Extract(text); ok {
		k.cursor, k.synthetic = key, false
		return k.cursor, false
	}
	if k.cursor == "" || k.correlator.IsEntryBoundary(text) {
		k.entries++
		k.cursor, k.synthetic = fmt.Sprintf("#%d", k.entries), true
	}
	return k.cursor, k.synthetic
}
