package stream

import (
	"strings"
	"testing"

	"github.com/coulsontl/gemini-antiblock/internal/gemini"
	"github.com/coulsontl/gemini-antiblock/internal/protocol"
	"github.com/coulsontl/gemini-antiblock/internal/sse"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// TestCleanFinalText tests sentinel stripping with whitespace preservation
func TestCleanFinalText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "token at end",
			input:    "answer" + protocol.FinishToken,
			expected: "answer",
		},
		{
			name:     "whitespace after token",
			input:    "answer" + protocol.FinishToken + " \n\t",
			expected: "answer",
		},
		{
			name:     "whitespace before token preserved",
			input:    "answer \n" + protocol.FinishToken,
			expected: "answer \n",
		},
		{
			name:     "leading whitespace preserved",
			input:    "  \n answer" + protocol.FinishToken,
			expected: "  \n answer",
		},
		{
			name:     "no token untouched",
			input:    "answer with trailing space ",
			expected: "answer with trailing space ",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanFinalText(tt.input))
		})
	}
}

// TestCleanFinalTextProperty verifies cleanFinalText(s + FINISHED) == s for
// strings not ending in the token
func TestCleanFinalTextProperty(t *testing.T) {
	samples := []string{
		"plain answer",
		"  leading whitespace",
		"trailing newline\n",
		"internal " + protocol.BeginToken + " token",
		"",
	}
	for _, s := range samples {
		assert.Equal(t, s, CleanFinalText(s+protocol.FinishToken), "sample %q", s)
	}
}

// TestCleanPartialSentinel tests trailing fragment removal
func TestCleanPartialSentinel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"full token", "text" + protocol.FinishToken, "text"},
		{"half token", "text[RESPONSE_FIN", "text"},
		{"single bracket", "text[", "text"},
		{"no fragment", "plain text", "plain text"},
		{"fragment mid-text stays", "text[RESPONSE_ more", "text[RESPONSE_ more"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanPartialSentinel(tt.input))
		})
	}
}

// TestFinalizeSuccessTemplate verifies upstream metadata — typed and unknown
// alike — survives into the terminal event untouched
func TestFinalizeSuccessTemplate(t *testing.T) {
	cfg := defaultConfig()
	cfg.InjectBegin = false
	rec := &recorder{}
	a := NewAttempt(cfg, &RequestState{}, rec.emit)

	raw := `data: {"candidates":[{"content":{"parts":[{"text":"the answer` + protocol.FinishToken + `"}],"role":"model"},"index":0,"safetyRatings":[{"category":"HARM_CATEGORY_HARASSMENT","probability":"NEGLIGIBLE"}]}],"usageMetadata":{"promptTokenCount":7,"totalTokenCount":42},"modelVersion":"gemini-2.5-pro","responseId":"abc123"}` + "\n\n"
	_, err := a.Ingest([]byte(raw))
	require.NoError(t, err)
	require.True(t, a.Complete())
	require.NoError(t, a.FinalizeSuccess())

	lastRaw := strings.TrimSuffix(rec.raw[len(rec.raw)-1], "\n\n")
	last := sse.ParseEvent(lastRaw)
	require.NotNil(t, last)
	assert.Equal(t, "gemini-2.5-pro", last.ModelVersion)
	assert.Equal(t, "abc123", last.ResponseID)
	assert.Equal(t, "the answer", last.FirstCandidate().Content.Parts[0].Text)
	assert.Equal(t, gemini.FinishReasonStop, last.FirstCandidate().FinishReason)

	// Metadata the proxy does not model is preserved verbatim.
	payload := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lastRaw), "data:"))
	assert.Equal(t, "HARM_CATEGORY_HARASSMENT", gjson.Get(payload, "candidates.0.safetyRatings.0.category").String())
	assert.Equal(t, int64(42), gjson.Get(payload, "usageMetadata.totalTokenCount").Int())
}

// TestFlushCleaned verifies the incomplete-attempt flush scrubs the sentinel
// fragment and counts the rest as delivered
func TestFlushCleaned(t *testing.T) {
	cfg := defaultConfig()
	cfg.InjectBegin = false
	rec := &recorder{}
	a := NewAttempt(cfg, &RequestState{}, rec.emit)

	ingestAll(t, a, textEvent(t, "partial answer"), textEvent(t, " more[RESPONSE_FIN"))
	require.NoError(t, a.FlushCleaned())

	assert.Equal(t, "partial answer more", rec.formalText())
	assert.Equal(t, "partial answer more", a.EmittedText())
}

// TestFlushCleanedNothingBuffered tests the empty case
func TestFlushCleanedNothingBuffered(t *testing.T) {
	cfg := defaultConfig()
	cfg.InjectBegin = false
	rec := &recorder{}
	a := NewAttempt(cfg, &RequestState{}, rec.emit)

	require.NoError(t, a.FlushCleaned())
	assert.Empty(t, rec.raw)
	assert.Empty(t, a.EmittedText())
}

// TestIncompleteEvent verifies the exhausted-retry terminal event shape
func TestIncompleteEvent(t *testing.T) {
	event := IncompleteEvent()
	resp := sse.ParseEvent(strings.TrimSuffix(event, "\n\n"))
	require.NotNil(t, resp)

	cand := resp.FirstCandidate()
	require.NotNil(t, cand)
	assert.Equal(t, gemini.FinishReasonIncomplete, cand.FinishReason)
	assert.True(t, strings.HasSuffix(cand.Content.Parts[0].Text, protocol.IncompleteToken))
}

// TestEmittedTextAccumulation verifies only forwarded text counts as
// delivered
func TestEmittedTextAccumulation(t *testing.T) {
	cfg := defaultConfig()
	cfg.InjectBegin = false
	rec := &recorder{}
	a := NewAttempt(cfg, &RequestState{}, rec.emit)

	ingestAll(t, a, textEvent(t, "0123456789"), textEvent(t, strings.Repeat("x", 30)))

	// The first event was forwarded, the second is held back.
	assert.Equal(t, "0123456789", a.EmittedText())
}
