package stream

import (
	"strings"

	"github.com/coulsontl/gemini-antiblock/internal/gemini"
	"github.com/coulsontl/gemini-antiblock/internal/protocol"
	"github.com/coulsontl/gemini-antiblock/internal/sse"
	"github.com/coulsontl/gemini-antiblock/internal/utils"
)

// CleanFinalText strips one trailing finish sentinel and the whitespace after
// it. Leading whitespace and anything before the sentinel are preserved.
func CleanFinalText(s string) string {
	trimmed := strings.TrimRight(s, " \t\r\n")
	if strings.HasSuffix(trimmed, protocol.FinishToken) {
		return trimmed[:len(trimmed)-len(protocol.FinishToken)]
	}
	return s
}

// CleanPartialSentinel removes a trailing fragment of the finish sentinel: a
// complete token, or the longest prefix of one still being streamed.
func CleanPartialSentinel(s string) string {
	s = CleanFinalText(s)
	max := len(protocol.FinishToken) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, protocol.FinishToken[:n]) {
			return s[:len(s)-n]
		}
	}
	return s
}

// Complete evaluates the completion predicate at stream end: the begin
// sentinel must have been seen (or not required) and the formal text must end
// with the finish sentinel (unless the model class is exempt).
func (a *Attempt) Complete() bool {
	if !a.hasBeginToken {
		return false
	}
	if !a.cfg.RequireFinish {
		return true
	}
	tail := strings.TrimRight(a.textBuffer, " \t\r\n")
	return strings.HasSuffix(tail, protocol.FinishToken)
}

// FinalizeSuccess synthesises the terminal event from everything still
// buffered: thought and formal texts are gathered separately, the formal text
// is cleaned of its sentinel, and the most recent upstream event serves as the
// metadata template — edited surgically so metadata outside parts and
// finishReason survives byte-for-byte. Returns an emit error when the client
// is gone.
func (a *Attempt) FinalizeSuccess() error {
	thought := utils.GetStringBuilder()
	for _, line := range a.linesBuffer {
		thought.WriteString(line.thoughtText)
	}
	cleanFormal := CleanFinalText(a.textBuffer)

	var parts []gemini.Part
	if thought.Len() > 0 {
		parts = append(parts, gemini.Part{Text: thought.String(), Thought: true})
	}
	utils.PutStringBuilder(thought)
	if cleanFormal != "" {
		parts = append(parts, gemini.Part{Text: cleanFormal})
	}
	if len(parts) == 0 {
		parts = append(parts, gemini.Part{Text: ""})
	}

	a.linesBuffer = nil
	a.textBuffer = ""
	a.emittedText.WriteString(cleanFormal)

	if a.lastRaw != "" {
		return a.emit(sse.TerminalEvent(a.lastRaw, parts, gemini.FinishReasonStop) + "\n\n")
	}

	resp := &gemini.Response{}
	resp.SetParts(parts)
	resp.Candidates[0].FinishReason = gemini.FinishReasonStop
	return a.emit(sse.EncodeDataEvent(resp))
}

// FlushCleaned emits the buffered tail minus any trailing sentinel fragment
// and counts it as delivered. Used when an incomplete attempt ends: the
// continuation resumes from exactly what the client has seen.
func (a *Attempt) FlushCleaned() error {
	cleaned := CleanPartialSentinel(a.textBuffer)
	remaining := len(cleaned)
	for _, line := range a.linesBuffer {
		if remaining <= 0 {
			break
		}
		text := line.text
		raw := line.raw
		if len(text) > remaining {
			text = text[:remaining]
			raw = sse.ReplaceEventText(raw, []gemini.Part{{Text: text}})
		}
		if err := a.emit(raw + "\n\n"); err != nil {
			return err
		}
		a.emittedText.WriteString(text)
		remaining -= len(text)
	}
	a.linesBuffer = nil
	a.textBuffer = ""
	return nil
}

// FlushResidual emits the buffered lines unchanged. Used on the
// exhausted-retry path where hiding the partial tail no longer matters.
func (a *Attempt) FlushResidual() error {
	for _, line := range a.linesBuffer {
		if err := a.emit(line.raw + "\n\n"); err != nil {
			return err
		}
		a.emittedText.WriteString(line.text)
	}
	a.linesBuffer = nil
	a.textBuffer = ""
	return nil
}

// IncompleteEvent builds the synthetic terminal event for the exhausted-retry
// path: the incomplete marker on its own line, with the distinguished
// finish reason.
func IncompleteEvent() string {
	return sse.EncodeDataEvent(&gemini.Response{
		Candidates: []gemini.Candidate{{
			Content: &gemini.Content{
				Role:  "model",
				Parts: []gemini.Part{{Text: "\n" + protocol.IncompleteToken}},
			},
			FinishReason: gemini.FinishReasonIncomplete,
		}},
	})
}
