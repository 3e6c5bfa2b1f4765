package follow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oicur0t/smlog/internal/logkind"
	"github.com/oicur0t/smlog/internal/matcher"
	"github.com/oicur0t/smlog/pkg/models"
)

func newFollower(t *testing.T, path string, cfg Config, out chan<- Match) *Follower {
	t.Helper()
	kind, err := logkind.Lookup(logkind.SMTP)
	require.NoError(t, err)
	m, err := matcher.Compile(matcher.Options{Mode: matcher.ModeLiteral, Pattern: "hello"})
	require.NoError(t, err)
	return New(path, kind, m, cfg, zap.NewNop(), out)
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func next(t *testing.T, ch <-chan Match) Match {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a match")
		return Match{}
	}
}

func TestKeyTracker(t *testing.T) {
	smtp, err := logkind.Lookup(logkind.SMTP)
	require.NoError(t, err)
	k := &keyTracker{correlator: smtp}

	key, synthetic := k.observe("stray line before any session")
	assert.Equal(t, "#1", key)
	assert.True(t, synthetic)

	key, synthetic = k.observe("00:00:00 [1.1.1.1][AAA] EHLO")
	assert.Equal(t, "AAA", key)
	assert.False(t, synthetic)

	key, _ = k.observe("    continuation")
	assert.Equal(t, "AAA", key)

	errorsKind, err := logkind.Lookup(logkind.GeneralErrors)
	require.NoError(t, err)
	k = &keyTracker{correlator: errorsKind}
	key, _ = k.observe("10:00:00 first error")
	assert.Equal(t, "#1", key)
	key, _ = k.observe("   at stack frame")
	assert.Equal(t, "#1", key)
	key, _ = k.observe("10:00:01 second error")
	assert.Equal(t, "#2", key)
}

func TestCountLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\npartial"), 0o644))

	n, err := countLines(path, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = countLines(path, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStartPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2024.01.02-smtpLog.log")
	appendLines(t, path, "one", "two", "three")
	size := int64(len("one\ntwo\nthree\n"))

	f := newFollower(t, path, Config{}, nil)
	offset, line, err := f.start()
	require.NoError(t, err)
	assert.Equal(t, size, offset)
	assert.Equal(t, int64(3), line)

	f = newFollower(t, path, Config{FromStart: true}, nil)
	offset, line, err = f.start()
	require.NoError(t, err)
	assert.Zero(t, offset)
	assert.Zero(t, line)

	f = newFollower(t, path, Config{}, nil)
	f.updateState(4, 1)
	offset, line, err = f.start()
	require.NoError(t, err)
	assert.Equal(t, int64(4), offset)
	assert.Equal(t, int64(1), line)

	f.updateState(size+100, 9)
	offset, line, err = f.start()
	require.NoError(t, err)
	assert.Zero(t, offset, "a shrunken log restarts from the beginning")
	assert.Zero(t, line)

	f = newFollower(t, filepath.Join(dir, "missing.log"), Config{}, nil)
	offset, _, err = f.start()
	require.NoError(t, err)
	assert.Zero(t, offset)
}

func TestFollow_ReportsMatchesWithKeysAndResumes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2024.01.02-smtpLog.log")
	stateFile := filepath.Join(dir, "follow-state.json")
	appendLines(t, path,
		"00:00:00 [1.1.1.1][AAA] EHLO",
		"00:00:01 [1.1.1.1][AAA] hello there",
		"continuation hello",
	)

	out := make(chan Match, 16)
	cfg := Config{StateFile: stateFile, FromStart: true, SaveInterval: 50 * time.Millisecond}
	f := newFollower(t, path, cfg, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	m := next(t, out)
	assert.Equal(t, "AAA", m.Key)
	assert.Equal(t, int64(2), m.LineNumber)
	assert.Equal(t, path, m.Path)

	m = next(t, out)
	assert.Equal(t, "AAA", m.Key, "keyless lines inherit the current key")
	assert.Equal(t, int64(3), m.LineNumber)

	appendLines(t, path,
		"00:00:02 [2.2.2.2][BBB] MAIL",
		"00:00:03 [2.2.2.2][BBB] say hello",
	)
	m = next(t, out)
	assert.Equal(t, "BBB", m.Key)
	assert.Equal(t, int64(5), m.LineNumber)
	assert.Equal(t, "00:00:03 [2.2.2.2][BBB] say hello", m.Text)

	cancel()
	require.NoError(t, <-done)

	data, err := os.ReadFile(stateFile)
	require.NoError(t, err)
	var saved map[string]*models.FollowState
	require.NoError(t, json.Unmarshal(data, &saved))
	require.Contains(t, saved, path)
	assert.Equal(t, int64(5), saved[path].LineNumber)
	assert.Positive(t, saved[path].Offset)

	// A second run resumes after the saved position.
	appendLines(t, path, "00:00:04 [3.3.3.3][CCC] hello again")
	out2 := make(chan Match, 16)
	f2 := newFollower(t, path, Config{StateFile: stateFile}, out2)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	done2 := make(chan error, 1)
	go func() { done2 <- f2.Run(ctx2) }()

	m = next(t, out2)
	assert.Equal(t, "CCC", m.Key)
	assert.Equal(t, int64(6), m.LineNumber)

	cancel2()
	require.NoError(t, <-done2)
}
