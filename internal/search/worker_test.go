package search

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oicur0t/smlog/internal/indexcache"
	"github.com/oicur0t/smlog/internal/logkind"
)

func newScanner(t *testing.T) *scanner {
	t.Helper()
	cache, err := indexcache.New(16)
	require.NoError(t, err)
	return &scanner{cache: cache, logger: zap.NewNop()}
}

func scanJobFor(t *testing.T, req Request) scanJob {
	t.Helper()
	req, kind, err := req.Validate()
	require.NoError(t, err)
	return scanJob{request: req, kind: kind, note: "serial"}
}

func TestScanTarget_LineHandling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "2024.01.01-smtpLog.log")
	content := "00:00:00 [1.1.1.1][A] first hello\r\n" +
		"00:00:01 [1.1.1.1][A] bad \xff byte hello\n" +
		"00:00:02 [1.1.1.1][A] no newline hello"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	target := Target{Path: path, Kind: logkind.SMTP}
	job := scanJobFor(t, Request{Pattern: "hello", Kind: "smtp", Targets: []Target{target}})
	res := newScanner(t).scanTarget(context.Background(), 0, job.request.Targets[0], job)

	require.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, int64(3), res.LinesScanned)
	assert.Equal(t, int64(len(content)), res.BytesScanned)
	require.Len(t, res.Conversations, 1)

	lines := res.Conversations[0].Lines
	require.Len(t, lines, 3)
	assert.Equal(t, "00:00:00 [1.1.1.1][A] first hello", lines[0].Text, "CR is stripped")
	assert.Equal(t, "00:00:01 [1.1.1.1][A] bad � byte hello", lines[1].Text)
	assert.Equal(t, int64(0), lines[0].Offset)
	assert.Equal(t, int64(strings.Index(content, "00:00:01")), lines[1].Offset)
	assert.Equal(t, int64(strings.Index(content, "00:00:02")), lines[2].Offset)
	assert.Equal(t, int64(3), lines[2].Ordinal)
}

func TestScanTarget_ScaffoldReuseIsTransparent(t *testing.T) {
	target := bigTarget(t, 3000)
	s := newScanner(t)

	hello := scanJobFor(t, request([]Target{target}))
	first := s.scanTarget(context.Background(), 0, hello.request.Targets[0], hello)
	require.Equal(t, StatusComplete, first.Status)
	assert.False(t, first.CacheHit)

	second := s.scanTarget(context.Background(), 0, hello.request.Targets[0], hello)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Conversations, second.Conversations)

	// A different pattern on the same target reuses the scaffold too.
	other := scanJobFor(t, Request{Pattern: "hello 29", Kind: "smtp", Targets: []Target{target}})
	third := s.scanTarget(context.Background(), 0, other.request.Targets[0], other)
	assert.True(t, third.CacheHit)
	assert.NotEmpty(t, third.Conversations)
}

func TestScanTarget_ScaffoldCap(t *testing.T) {
	target := bigTarget(t, 1000)
	s := newScanner(t)
	s.maxScaffoldBytes = 100

	job := scanJobFor(t, request([]Target{target}))
	res := s.scanTarget(context.Background(), 0, job.request.Targets[0], job)
	require.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, 1, s.cache.Stats().Entries, "only the matcher is cached")
}

func TestScanTarget_CancelledBeforeStart(t *testing.T) {
	target := bigTarget(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := scanJobFor(t, request([]Target{target}))
	res := newScanner(t).scanTarget(ctx, 0, job.request.Targets[0], job)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Empty(t, res.Conversations)
}

func TestWarmTarget(t *testing.T) {
	target := bigTarget(t, 500)
	s := newScanner(t)
	kind, err := logkind.Lookup(logkind.SMTP)
	require.NoError(t, err)

	require.NoError(t, s.warmTarget(context.Background(), target, kind))
	fp, err := indexcache.Fingerprint(target.Path)
	require.NoError(t, err)
	e, ok := s.cache.Get(indexcache.ScaffoldKey(target.Path, fp, kind.Name))
	require.True(t, ok)
	assert.Equal(t, 500, e.Scaffold.Len())
	assert.Len(t, e.Scaffold.Keys, 50)

	assert.Error(t, s.warmTarget(context.Background(), Target{Path: "/does/not/exist"}, kind))
}

func decodeMessages(t *testing.T, out *bytes.Buffer) []message {
	t.Helper()
	var msgs []message
	dec := json.NewDecoder(out)
	for dec.More() {
		var m message
		require.NoError(t, dec.Decode(&m))
		msgs = append(msgs, m)
	}
	return msgs
}

func encodeMessages(t *testing.T, msgs ...message) *bytes.Buffer {
	t.Helper()
	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	for _, m := range msgs {
		require.NoError(t, enc.Encode(m))
	}
	return &in
}

func TestRunWorker_ServesTasks(t *testing.T) {
	targets := smtpTargets(t)
	req, _, err := request(targets).Validate()
	require.NoError(t, err)

	var tasks []message
	for _, i := range []int{2, 0} {
		one := req
		one.Targets = []Target{req.Targets[i]}
		tasks = append(tasks, message{Type: msgTask, Index: i, Task: &wireTask{Index: i, Request: one, Note: "worker"}})
	}

	var out bytes.Buffer
	require.NoError(t, RunWorker(context.Background(), encodeMessages(t, tasks...), &out, zap.NewNop()))

	var results []message
	for _, m := range decodeMessages(t, &out) {
		switch m.Type {
		case msgResult:
			results = append(results, m)
		case msgProgress:
			require.NotNil(t, m.Progress)
			assert.Equal(t, "worker", m.Progress.ExecutionMode)
		}
	}
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].Index)
	assert.Equal(t, targets[2].Path, results[0].Result.Target.Path)
	assert.Len(t, results[0].Result.Conversations, 2)
	assert.Equal(t, 0, results[1].Index)
	assert.Equal(t, StatusComplete, results[1].Result.Status)
}

func TestRunWorker_CancelMessage(t *testing.T) {
	targets := smtpTargets(t)
	req, _, err := request(targets[:1]).Validate()
	require.NoError(t, err)

	in := encodeMessages(t,
		message{Type: msgCancel},
		message{Type: msgTask, Task: &wireTask{Request: req}},
	)
	var out bytes.Buffer
	require.NoError(t, RunWorker(context.Background(), in, &out, zap.NewNop()))

	msgs := decodeMessages(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgResult, msgs[0].Type)
	assert.Equal(t, StatusCancelled, msgs[0].Result.Status)
}

func TestRunWorker_RejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	err := RunWorker(context.Background(), strings.NewReader("{not json"), &out, zap.NewNop())
	assert.Error(t, err)
}
