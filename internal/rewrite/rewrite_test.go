package rewrite

import (
	"encoding/json"
	"testing"

	"github.com/coulsontl/gemini-antiblock/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	body, err := DecodeBody([]byte(raw))
	require.NoError(t, err)
	return body
}

func encode(t *testing.T, body map[string]any) string {
	t.Helper()
	out, err := EncodeBody(body)
	require.NoError(t, err)
	return string(out)
}

// TestNormalize tests folding of the system_instruction alias
func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{
			name:     "alias renamed to canonical",
			body:     `{"system_instruction":{"parts":[{"text":"be nice"}]}}`,
			expected: "be nice",
		},
		{
			name:     "canonical wins on conflict",
			body:     `{"systemInstruction":{"parts":[{"text":"canonical"}]},"system_instruction":{"parts":[{"text":"alias"}]}}`,
			expected: "canonical",
		},
		{
			name:     "canonical only untouched",
			body:     `{"systemInstruction":{"parts":[{"text":"canonical"}]}}`,
			expected: "canonical",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := Normalize(decode(t, tt.body))
			out := encode(t, body)
			assert.Equal(t, tt.expected, gjson.Get(out, "systemInstruction.parts.0.text").String())
			assert.False(t, gjson.Get(out, "system_instruction").Exists())
		})
	}
}

// TestNormalizeIdempotent verifies normalise(normalise(b)) == normalise(b)
func TestNormalizeIdempotent(t *testing.T) {
	bodies := []string{
		`{"system_instruction":{"parts":[{"text":"a"}]}}`,
		`{"systemInstruction":{"parts":[{"text":"a"}]},"system_instruction":{"parts":[{"text":"b"}]}}`,
		`{"contents":[]}`,
	}
	for _, raw := range bodies {
		once := Normalize(decode(t, raw))
		onceJSON := encode(t, once)
		twice := Normalize(once)
		assert.Equal(t, onceJSON, encode(t, twice))
	}
}

// TestDeepCopyIsolation verifies attempts cannot observe each other's mutations
func TestDeepCopyIsolation(t *testing.T) {
	body := decode(t, `{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"temperature":0.5}}`)
	clone := DeepCopy(body).(map[string]any)

	contents := clone["contents"].([]any)
	part := contents[0].(map[string]any)["parts"].([]any)[0].(map[string]any)
	part["text"] = "mutated"

	original := body["contents"].([]any)[0].(map[string]any)["parts"].([]any)[0].(map[string]any)
	assert.Equal(t, "hi", original["text"])
}

// TestInjectPrompts tests protocol block injection layout
func TestInjectPrompts(t *testing.T) {
	body := decode(t, `{
		"systemInstruction":{"parts":[{"text":"existing instruction"}]},
		"contents":[
			{"role":"user","parts":[{"text":"first question"}]},
			{"role":"model","parts":[{"text":"first answer"}]},
			{"role":"user","parts":[{"text":"second question"}]}
		]
	}`)

	out := InjectPrompts(body, true, true)
	outJSON := encode(t, out)

	si := gjson.Get(outJSON, "systemInstruction.parts.0.text").String()
	assert.Contains(t, si, "existing instruction")
	assert.Contains(t, si, protocol.BeginToken)
	assert.Contains(t, si, protocol.FinishToken)
	// Existing instruction is preserved in front of the appended blocks.
	assert.True(t, len(si) > len("existing instruction"))
	assert.Equal(t, 0, indexOf(si, "existing instruction"))

	// Prior model turn teaches the finish token by example.
	modelText := gjson.Get(outJSON, "contents.1.parts.0.text").String()
	assert.Equal(t, "first answer"+protocol.FinishToken, modelText)

	// Reminder lands on the last user turn only.
	assert.Contains(t, gjson.Get(outJSON, "contents.2.parts.0.text").String(), protocol.ReminderPrompt)
	assert.NotContains(t, gjson.Get(outJSON, "contents.0.parts.0.text").String(), protocol.ReminderPrompt)

	// Input body is untouched.
	assert.Equal(t, "first answer", body["contents"].([]any)[1].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"])
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// TestInjectPromptsWithoutBegin tests thinking-budget-zero requests
func TestInjectPromptsWithoutBegin(t *testing.T) {
	body := decode(t, `{"contents":[{"role":"user","parts":[{"text":"q"}]}]}`)
	out := InjectPrompts(body, false, true)
	outJSON := encode(t, out)

	si := gjson.Get(outJSON, "systemInstruction.parts.0.text").String()
	assert.NotContains(t, si, protocol.BeginToken)
	assert.Contains(t, si, protocol.FinishToken)
}

// TestInjectPromptsCreatesSystemInstruction tests structure creation
func TestInjectPromptsCreatesSystemInstruction(t *testing.T) {
	body := decode(t, `{"contents":[{"role":"user","parts":[{"text":"q"}]}]}`)
	out := InjectPrompts(body, true, true)
	outJSON := encode(t, out)
	assert.Contains(t, gjson.Get(outJSON, "systemInstruction.parts.0.text").String(), protocol.BeginToken)
}

// TestClampThinkingBudgetBody tests in-place clamping and presence detection
func TestClampThinkingBudgetBody(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedBudget int
		expectedFound  bool
	}{
		{
			name:           "clamped up",
			body:           `{"generationConfig":{"thinkingConfig":{"thinkingBudget":1}}}`,
			expectedBudget: 128,
			expectedFound:  true,
		},
		{
			name:           "zero preserved",
			body:           `{"generationConfig":{"thinkingConfig":{"thinkingBudget":0}}}`,
			expectedBudget: 0,
			expectedFound:  true,
		},
		{
			name:           "absent",
			body:           `{"generationConfig":{}}`,
			expectedBudget: 0,
			expectedFound:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := decode(t, tt.body)
			budget, found := ClampThinkingBudget(body, "gemini-2.5-pro")
			assert.Equal(t, tt.expectedFound, found)
			assert.Equal(t, tt.expectedBudget, budget)
			if found && tt.expectedBudget > 0 {
				out := encode(t, body)
				assert.Equal(t, int64(tt.expectedBudget), gjson.Get(out, "generationConfig.thinkingConfig.thinkingBudget").Int())
			}
		})
	}
}

// TestBuildContinuation verifies exactly two entries land after the last user
// content, in order: model partial answer, then the retry prompt
func TestBuildContinuation(t *testing.T) {
	body := decode(t, `{"contents":[
		{"role":"user","parts":[{"text":"q1"}]},
		{"role":"model","parts":[{"text":"a1"}]},
		{"role":"user","parts":[{"text":"q2"}]},
		{"role":"model","parts":[{"text":"trailing model"}]}
	]}`)

	accumulated := "the answer so far, well past the token length"
	out := BuildContinuation(body, accumulated)
	outJSON := encode(t, out)

	contents := gjson.Get(outJSON, "contents").Array()
	require.Len(t, contents, 6)
	assert.Equal(t, "user", contents[2].Get("role").String())
	assert.Equal(t, "model", contents[3].Get("role").String())
	assert.Equal(t, accumulated, contents[3].Get("parts.0.text").String())
	assert.Equal(t, "user", contents[4].Get("role").String())
	assert.Equal(t, protocol.RetryPrompt, contents[4].Get("parts.0.text").String())
	assert.Equal(t, "trailing model", contents[5].Get("parts.0.text").String())

	// Original body untouched.
	assert.Len(t, body["contents"].([]any), 4)
}

// TestBuildContinuationNoUser tests appending when no user entry exists
func TestBuildContinuationNoUser(t *testing.T) {
	body := decode(t, `{"contents":[{"role":"model","parts":[{"text":"a"}]}]}`)
	out := BuildContinuation(body, "accumulated text that is long enough")
	contents := gjson.Get(encode(t, out), "contents").Array()
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, "user", contents[2].Get("role").String())
}

// TestBuildContinuationShortText verifies short accumulations are ignored
func TestBuildContinuationShortText(t *testing.T) {
	body := decode(t, `{"contents":[{"role":"user","parts":[{"text":"q"}]}]}`)
	out := BuildContinuation(body, "short")
	assert.Len(t, out["contents"].([]any), 1)
}

// TestRemediateGhostLoop tests continuation anchor reset
func TestRemediateGhostLoop(t *testing.T) {
	body := decode(t, `{"contents":[
		{"role":"user","parts":[{"text":"q"}]},
		{"role":"model","parts":[{"text":"looping thought looping thought"}]}
	]}`)
	RemediateGhostLoop(body, "**Thinking**")
	assert.Equal(t, "**Thinking**", gjson.Get(encode(t, body), "contents.1.parts.0.text").String())

	// No-op when the last content is a user turn.
	body2 := decode(t, `{"contents":[{"role":"user","parts":[{"text":"q"}]}]}`)
	RemediateGhostLoop(body2, "**Thinking**")
	assert.Equal(t, "q", gjson.Get(encode(t, body2), "contents.0.parts.0.text").String())
}

// TestIsStructuredOutput tests the structured-output bypass probe
func TestIsStructuredOutput(t *testing.T) {
	assert.True(t, IsStructuredOutput([]byte(`{"generationConfig":{"responseSchema":{"type":"OBJECT"}}}`)))
	assert.True(t, IsStructuredOutput([]byte(`{"generationConfig":{"response_schema":{"type":"OBJECT"}}}`)))
	assert.False(t, IsStructuredOutput([]byte(`{"generationConfig":{"temperature":1}}`)))
}

// TestIncludeThoughts tests the includeThoughts probe
func TestIncludeThoughts(t *testing.T) {
	assert.True(t, IncludeThoughts([]byte(`{"generationConfig":{"thinkingConfig":{"includeThoughts":true}}}`)))
	assert.False(t, IncludeThoughts([]byte(`{"generationConfig":{"thinkingConfig":{"includeThoughts":false}}}`)))
	assert.False(t, IncludeThoughts([]byte(`{}`)))
}

// TestBuildUpstreamRequest tests header construction and key normalisation
func TestBuildUpstreamRequest(t *testing.T) {
	headers := map[string][]string{
		"Content-Type": {"application/json"},
	}

	t.Run("query key moved to header", func(t *testing.T) {
		req, err := BuildUpstreamRequest(t.Context(), "https://upstream/v1beta/models/m:generateContent?key=secret&alt=sse", headers, []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, "secret", req.Header.Get("X-Goog-Api-Key"))
		assert.NotContains(t, req.URL.RawQuery, "secret")
		assert.Contains(t, req.URL.RawQuery, "alt=sse")
		assert.Equal(t, protocol.UserAgent, req.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Equal(t, "POST", req.Method)
	})

	t.Run("header key wins over query key", func(t *testing.T) {
		h := map[string][]string{"X-Goog-Api-Key": {"header-key"}}
		req, err := BuildUpstreamRequest(t.Context(), "https://upstream/path?key=query-key", h, nil)
		require.NoError(t, err)
		assert.Equal(t, "header-key", req.Header.Get("X-Goog-Api-Key"))
		assert.Empty(t, req.URL.Query().Get("key"))
	})
}

// TestAsInt tests numeric coercion from decoded JSON
func TestAsInt(t *testing.T) {
	v, ok := asInt(float64(42))
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	v, ok = asInt(json.Number("7"))
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = asInt("not a number")
	assert.False(t, ok)
}
