// Package rewrite builds the upstream request bodies for the sentinel
// protocol: prompt injection, thinking-budget clamping, continuation assembly
// for retries, and ghost-loop remediation. Bodies are handled as decoded JSON
// maps so every field the proxy does not understand survives verbatim.
package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/coulsontl/gemini-antiblock/internal/protocol"

	"github.com/tidwall/gjson"
)

const (
	systemInstructionKey = "systemInstruction"
	systemInstructionAlias = "system_instruction"
)

// DecodeBody parses a raw request body into a mutable map.
func DecodeBody(raw []byte) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// EncodeBody serialises a body map back to JSON.
func EncodeBody(body map[string]any) ([]byte, error) {
	return json.Marshal(body)
}

// IsStructuredOutput reports whether the raw body requests schema-constrained
// generation, which bypasses the sentinel engine entirely.
func IsStructuredOutput(raw []byte) bool {
	return gjson.GetBytes(raw, "generationConfig.responseSchema").Exists() ||
		gjson.GetBytes(raw, "generationConfig.response_schema").Exists()
}

// IncludeThoughts reports whether the client asked for thought content.
func IncludeThoughts(raw []byte) bool {
	return gjson.GetBytes(raw, "generationConfig.thinkingConfig.includeThoughts").Bool() ||
		gjson.GetBytes(raw, "generationConfig.thinking_config.include_thoughts").Bool()
}

// DeepCopy produces a structural clone of a decoded JSON value. Attempts must
// never observe each other's mutations, so every container is copied.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		clone := make(map[string]any, len(val))
		for k, item := range val {
			clone[k] = DeepCopy(item)
		}
		return clone
	case []any:
		clone := make([]any, len(val))
		for i, item := range val {
			clone[i] = DeepCopy(item)
		}
		return clone
	default:
		return v
	}
}

// Normalize folds the system_instruction alias into the canonical
// systemInstruction key. When both exist the canonical key wins and the alias
// is removed. Idempotent; mutates body in place and returns it.
func Normalize(body map[string]any) map[string]any {
	if body == nil {
		return body
	}
	alias, hasAlias := body[systemInstructionAlias]
	if !hasAlias {
		return body
	}
	if _, hasCanonical := body[systemInstructionKey]; !hasCanonical {
		body[systemInstructionKey] = alias
	}
	delete(body, systemInstructionAlias)
	return body
}

// ClampThinkingBudget clamps generationConfig.thinkingConfig.thinkingBudget
// into the model's inclusive range, mutating body in place. It returns the
// effective budget and whether one was present; a budget of zero disables
// begin-sentinel injection at the caller.
func ClampThinkingBudget(body map[string]any, model string) (int, bool) {
	genConfig, ok := body["generationConfig"].(map[string]any)
	if !ok {
		return 0, false
	}
	thinkingConfig, ok := genConfig["thinkingConfig"].(map[string]any)
	if !ok {
		return 0, false
	}
	raw, ok := thinkingConfig["thinkingBudget"]
	if !ok {
		return 0, false
	}
	budget, ok := asInt(raw)
	if !ok {
		return 0, false
	}
	if budget > 0 {
		clamped := protocol.ClampThinkingBudget(model, budget)
		if clamped != budget {
			thinkingConfig["thinkingBudget"] = clamped
			budget = clamped
		}
	}
	return budget, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// InjectPrompts deep-copies the body and injects the active protocol blocks:
// the start/finish demands into systemInstruction, a FinishToken example onto
// every prior model turn, and the reminder onto the last user turn.
func InjectPrompts(body map[string]any, injectBegin, injectFinish bool) map[string]any {
	out := Normalize(DeepCopy(body).(map[string]any))

	var blocks []string
	if injectBegin {
		blocks = append(blocks, protocol.OutputStartProtocol)
	}
	if injectFinish {
		blocks = append(blocks, protocol.FinalOutputProtocol)
	}
	if len(blocks) == 0 {
		return out
	}

	appendSystemInstruction(out, strings.Join(blocks, protocol.PromptSeparator))

	contents, _ := out["contents"].([]any)
	if injectFinish {
		for _, entry := range contents {
			content, ok := entry.(map[string]any)
			if !ok || content["role"] != "model" {
				continue
			}
			appendToLastTextPart(content, protocol.FinishToken, false)
		}
	}
	for i := len(contents) - 1; i >= 0; i-- {
		content, ok := contents[i].(map[string]any)
		if !ok || content["role"] != "user" {
			continue
		}
		appendToLastTextPart(content, "\n\n"+protocol.ReminderPrompt, true)
		break
	}

	return out
}

// appendSystemInstruction appends text onto systemInstruction.parts[0].text,
// creating the structure as needed. Existing instructions are preserved; the
// protocol blocks are appended after a separator.
func appendSystemInstruction(body map[string]any, text string) {
	si, ok := body[systemInstructionKey].(map[string]any)
	if !ok {
		si = map[string]any{}
		body[systemInstructionKey] = si
	}
	parts, ok := si["parts"].([]any)
	if !ok || len(parts) == 0 {
		parts = []any{map[string]any{"text": ""}}
		si["parts"] = parts
	}
	first, ok := parts[0].(map[string]any)
	if !ok {
		first = map[string]any{"text": ""}
		parts[0] = first
	}
	existing, _ := first["text"].(string)
	if existing == "" {
		first["text"] = text
	} else {
		first["text"] = existing + protocol.PromptSeparator + text
	}
}

// appendToLastTextPart appends text to the content's last text part. With
// requireNonEmpty, only parts that already carry text qualify; when nothing
// qualifies a new text part is appended.
func appendToLastTextPart(content map[string]any, text string, requireNonEmpty bool) {
	parts, _ := content["parts"].([]any)
	for i := len(parts) - 1; i >= 0; i-- {
		part, ok := parts[i].(map[string]any)
		if !ok {
			continue
		}
		existing, isText := part["text"].(string)
		if !isText {
			continue
		}
		if requireNonEmpty && existing == "" {
			continue
		}
		part["text"] = existing + text
		return
	}
	content["parts"] = append(parts, map[string]any{"text": text})
}

// BuildContinuation extends the conversation with the model's partial answer
// and a resume prompt so the next attempt continues instead of restarting.
// Both new entries land immediately after the last user entry; with no user
// entry they go at the end. Text no longer than the finish token cannot hold
// useful progress, so the body is returned unchanged.
func BuildContinuation(current map[string]any, accumulatedText string) map[string]any {
	if len(accumulatedText) <= len(protocol.FinishToken) {
		return current
	}

	out := Normalize(DeepCopy(current).(map[string]any))
	contents, _ := out["contents"].([]any)

	modelEntry := map[string]any{
		"role":  "model",
		"parts": []any{map[string]any{"text": accumulatedText}},
	}
	userEntry := map[string]any{
		"role":  "user",
		"parts": []any{map[string]any{"text": protocol.RetryPrompt}},
	}

	lastUser := -1
	for i, entry := range contents {
		if content, ok := entry.(map[string]any); ok && content["role"] == "user" {
			lastUser = i
		}
	}

	if lastUser < 0 {
		contents = append(contents, modelEntry, userEntry)
	} else {
		rest := make([]any, len(contents[lastUser+1:]))
		copy(rest, contents[lastUser+1:])
		contents = append(contents[:lastUser+1], modelEntry, userEntry)
		contents = append(contents, rest...)
	}
	out["contents"] = contents
	return out
}

// RemediateGhostLoop resets the model's continuation anchor after a detected
// repetition loop: the final model turn's last text part is rewritten to
// exactly the thought prelude, in place.
func RemediateGhostLoop(body map[string]any, thoughtPrelude string) {
	contents, _ := body["contents"].([]any)
	if len(contents) == 0 {
		return
	}
	last, ok := contents[len(contents)-1].(map[string]any)
	if !ok || last["role"] != "model" {
		return
	}
	parts, _ := last["parts"].([]any)
	for i := len(parts) - 1; i >= 0; i-- {
		part, ok := parts[i].(map[string]any)
		if !ok {
			continue
		}
		if _, isText := part["text"].(string); isText {
			part["text"] = thoughtPrelude
			return
		}
	}
}

// BuildUpstreamRequest constructs the POST to the upstream endpoint. The
// Content-Type header is copied from the client, the API key is normalised
// from ?key= into the header form, and the User-Agent is pinned to the proxy's
// identifier.
func BuildUpstreamRequest(ctx context.Context, upstreamURL string, clientHeaders http.Header, body []byte) (*http.Request, error) {
	parsed, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}

	apiKey := clientHeaders.Get("X-Goog-Api-Key")
	query := parsed.Query()
	if queryKey := query.Get("key"); queryKey != "" {
		if apiKey == "" {
			apiKey = queryKey
		}
		query.Del("key")
		parsed.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsed.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(body))

	contentType := clientHeaders.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	if apiKey != "" {
		req.Header.Set("X-Goog-Api-Key", apiKey)
	}
	req.Header.Set("User-Agent", protocol.UserAgent)
	return req, nil
}
