package render

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oicur0t/smlog/internal/conversation"
	"github.com/oicur0t/smlog/internal/search"
)

func sampleResult() *search.Result {
	return &search.Result{
		RunID:   "run-1",
		Request: search.Request{Mode: "literal", Pattern: "hello", Kind: "smtp", ResultMode: conversation.Related},
		Status:  search.StatusPartial,
		Plan:    search.ExecutionPlan{Strategy: search.StrategySerial, Workers: 1, Reason: "small per-target workload"},
		Elapsed: 1500 * time.Millisecond,
		Targets: []search.TargetResult{
			{
				Target: search.Target{Path: "/staging/2024.01.02-smtpLog.log", Label: "2024.01.02"},
				Status: search.StatusComplete,
				Conversations: []conversation.Conversation{{
					Key:        "ABC123",
					Sequence:   9,
					MatchCount: 1,
					Lines: []conversation.Line{
						{Ordinal: 9, Text: "00:00:00 [1.1.1.1][ABC123] EHLO"},
						{Ordinal: 12, Text: "00:00:01 [1.1.1.1][ABC123] hello", Matched: true},
					},
				}},
				Matches:      1,
				BytesScanned: 2048,
			},
			{
				Target: search.Target{Path: "/staging/2024.01.01-smtpLog.log"},
				Status: search.StatusFailed,
				Reason: "failed to open",
			},
		},
		BytesScanned: 2048,
	}
}

func TestText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Text(&buf, sampleResult()))
	out := buf.String()

	assert.Contains(t, out, "=== 2024.01.02-smtpLog.log ===")
	assert.Contains(t, out, "Search term 'hello' -> 1 conversation(s)")
	assert.Contains(t, out, "[ABC123] first seen on line 9")
	assert.Contains(t, out, "   9: 00:00:00 [1.1.1.1][ABC123] EHLO")
	assert.Contains(t, out, "> 12: 00:00:01 [1.1.1.1][ABC123] hello")
	assert.Contains(t, out, "Failed: failed to open")
	assert.Contains(t, out, "partial: 2 file(s), 1 conversation(s), 2.0 KiB scanned in 1.5s using serial (small per-target workload)")
}

func TestText_UngroupedMatchingOnly(t *testing.T) {
	res := sampleResult()
	res.Request.Kind = "generalerrors"
	res.Request.ResultMode = conversation.MatchingOnly
	res.Targets = res.Targets[:1]
	res.Targets[0].Conversations[0].Lines = res.Targets[0].Conversations[0].Lines[1:]

	var buf bytes.Buffer
	require.NoError(t, Text(&buf, res))
	out := buf.String()
	assert.Contains(t, out, "1 matching row(s)")
	assert.NotContains(t, out, "first seen")
	assert.Contains(t, out, "entry(s)")
}

func TestJSONAndYAML(t *testing.T) {
	res := sampleResult()

	var js bytes.Buffer
	require.NoError(t, Write(&js, FormatJSON, res))
	var decoded search.Result
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, res.Targets[0].Conversations, decoded.Targets[0].Conversations)
	assert.Equal(t, search.StatusPartial, decoded.Status)

	var ym bytes.Buffer
	require.NoError(t, Write(&ym, FormatYAML, res))
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &doc))
	assert.Equal(t, "run-1", doc["run_id"])
	assert.Equal(t, "partial", doc["status"])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)
	f, err = ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "3.0 MiB", humanBytes(3*1024*1024))
}
