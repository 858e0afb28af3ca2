// Package sse implements the server-sent-event codec for the Gemini streaming
// wire format: splitting raw chunks into events, extracting text, thought, and
// function-call parts, and re-encoding edited events.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/coulsontl/gemini-antiblock/internal/gemini"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxEventBytes rejects pathological events before JSON decoding.
const maxEventBytes = 100 * 1024

// maxTextPerEvent caps concatenated response text extracted from one event.
const maxTextPerEvent = 50 * 1024

// dataPrefix starts every payload line of an event.
const dataPrefix = "data:"

// Scanner splits an incoming byte stream into complete SSE events. Events are
// delimited by a blank line; a partial event at the end of a chunk is carried
// over to the next Feed call.
type Scanner struct {
	buf bytes.Buffer
}

// NewScanner creates a stream scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed appends a chunk and returns every complete raw event block accumulated
// so far, without the trailing blank line.
func (s *Scanner) Feed(chunk []byte) []string {
	s.buf.Write(chunk)

	var events []string
	for {
		raw := s.buf.Bytes()
		end, consumed := findEventBoundary(raw)
		if end < 0 {
			break
		}
		events = append(events, string(raw[:end]))
		s.buf.Next(consumed)
	}
	return events
}

// Rest returns any buffered partial event, consuming it.
func (s *Scanner) Rest() string {
	rest := s.buf.String()
	s.buf.Reset()
	return rest
}

// findEventBoundary locates the first blank-line delimiter (\r?\n\r?\n) and
// returns the event content length (delimiter excluded) and the total bytes
// to consume.
func findEventBoundary(data []byte) (end, consumed int) {
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(data) && data[j] == '\r' {
			j++
		}
		if j < len(data) && data[j] == '\n' {
			end = i
			if end > 0 && data[end-1] == '\r' {
				end--
			}
			return end, j + 1
		}
	}
	return -1, 0
}

// IsDataLine reports whether the line carries an event payload.
func IsDataLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), dataPrefix)
}

// ParseDataLine decodes the JSON payload of a data line. Returns nil when the
// line is not a data line, exceeds the size guard, or fails to decode.
func ParseDataLine(line string) *gemini.Response {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, dataPrefix) {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, dataPrefix))
	if payload == "" || len(payload) > maxEventBytes {
		return nil
	}
	var resp gemini.Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil
	}
	return &resp
}

// ParsedParts is the classified content of one event.
type ParsedParts struct {
	ThoughtParts      []gemini.Part
	ResponseText      string
	FunctionCallParts []gemini.Part
	HasThought        bool
	HasFunctionCall   bool
}

// ParseParts walks a candidate's parts and separates thought text, formal
// response text, and function calls. Formal text is concatenated across parts
// and truncated at the per-event cap.
func ParseParts(parts []gemini.Part) ParsedParts {
	var out ParsedParts
	var text strings.Builder
	for _, part := range parts {
		switch {
		case part.Thought && part.Text != "":
			out.ThoughtParts = append(out.ThoughtParts, part)
			out.HasThought = true
		case part.Text != "" && !part.Thought:
			if text.Len() < maxTextPerEvent {
				text.WriteString(part.Text)
			}
		case len(part.FunctionCall) > 0:
			out.FunctionCallParts = append(out.FunctionCallParts, part)
			out.HasFunctionCall = true
		}
	}
	s := text.String()
	if len(s) > maxTextPerEvent {
		s = s[:maxTextPerEvent]
	}
	out.ResponseText = s
	return out
}

// ParseEvent decodes the first data line of a raw event block. The returned
// response is nil for comment-only or undecodable blocks, which are forwarded
// verbatim by the engine.
func ParseEvent(rawEvent string) *gemini.Response {
	for _, line := range strings.Split(rawEvent, "\n") {
		if resp := ParseDataLine(line); resp != nil {
			return resp
		}
	}
	return nil
}

// EncodeDataEvent serialises a response back into wire form, including the
// blank-line terminator.
func EncodeDataEvent(resp *gemini.Response) string {
	payload, err := json.Marshal(resp)
	if err != nil {
		return ""
	}
	return dataPrefix + " " + string(payload) + "\n\n"
}

// editDataPayload applies edit to the first data line's JSON payload of a raw
// event block. Non-data lines are preserved in place; any edit failure leaves
// the block untouched.
func editDataPayload(rawEvent string, edit func(payload string) (string, error)) string {
	lines := strings.Split(rawEvent, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, dataPrefix))
		if payload == "" || !gjson.Valid(payload) {
			continue
		}
		edited, err := edit(payload)
		if err != nil {
			return rawEvent
		}
		lines[i] = dataPrefix + " " + edited
		break
	}
	return strings.Join(lines, "\n")
}

// ReplaceEventText re-serialises a raw event block with the first candidate's
// parts replaced. The edit is surgical: every byte of upstream metadata
// outside the parts array survives verbatim.
func ReplaceEventText(rawEvent string, parts []gemini.Part) string {
	return editDataPayload(rawEvent, func(payload string) (string, error) {
		partsJSON, err := json.Marshal(parts)
		if err != nil {
			return "", err
		}
		return sjson.SetRaw(payload, "candidates.0.content.parts", string(partsJSON))
	})
}

// TerminalEvent rewrites a template event into the stream's terminal event:
// parts replaced, finishReason set, all other upstream metadata preserved
// byte-for-byte.
func TerminalEvent(rawEvent string, parts []gemini.Part, finishReason string) string {
	return editDataPayload(rawEvent, func(payload string) (string, error) {
		partsJSON, err := json.Marshal(parts)
		if err != nil {
			return "", err
		}
		edited, err := sjson.SetRaw(payload, "candidates.0.content.parts", string(partsJSON))
		if err != nil {
			return "", err
		}
		return sjson.Set(edited, "candidates.0.finishReason", finishReason)
	})
}
