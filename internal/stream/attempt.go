// Package stream implements the streaming engine that hides truncation from
// clients: the phase state machine that separates thought from formal content,
// cross-event begin-sentinel detection, the lookahead forwarder that keeps the
// finish sentinel out of the client stream, and the terminal-event finaliser.
package stream

import (
	"strings"
	"sync/atomic"

	"github.com/coulsontl/gemini-antiblock/internal/gemini"
	"github.com/coulsontl/gemini-antiblock/internal/protocol"
	"github.com/coulsontl/gemini-antiblock/internal/sse"
	"github.com/coulsontl/gemini-antiblock/internal/utils"

	"github.com/sirupsen/logrus"
)

// Phase is the state of the stream engine within one attempt.
type Phase int

const (
	// PhaseThought covers everything before the begin sentinel.
	PhaseThought Phase = iota
	// PhaseFormal covers the formal answer after the begin sentinel.
	PhaseFormal
	// PhasePassthrough is sticky: bytes flow unchanged once a function call
	// has been observed.
	PhasePassthrough
)

// Signal is a terminal condition the ingestion loop reports to the retry
// controller.
type Signal int

const (
	SignalNone Signal = iota
	// SignalFunctionCall means passthrough mode was entered.
	SignalFunctionCall
	// SignalGhostLoop means the model re-entered its thought prelude.
	SignalGhostLoop
	// SignalPrematureBegin means the model skipped the thought stage.
	SignalPrematureBegin
)

// EmitFunc delivers one raw SSE block (with terminator) to the client.
type EmitFunc func(raw string) error

// Config carries the per-request protocol decisions into each attempt.
type Config struct {
	InjectBegin     bool
	RequireFinish   bool
	IncludeThoughts bool
	ThoughtPrelude  string
	SwallowThoughts bool
}

// RequestState is shared across every attempt of one client request. The
// heartbeat timer reads it from its own goroutine, hence the atomic.
type RequestState struct {
	isThoughtFinished atomic.Bool
}

// ThoughtFinished reports whether the thought phase completed in any attempt.
func (s *RequestState) ThoughtFinished() bool {
	return s.isThoughtFinished.Load()
}

// FinishThought latches the thought phase as finished; it never resets for
// the lifetime of the request.
func (s *RequestState) FinishThought() {
	s.isThoughtFinished.Store(true)
}

// bufferedLine is one not-yet-forwarded event awaiting the lookahead window.
type bufferedLine struct {
	raw         string
	text        string
	thoughtText string
}

// beginWindowSize is how many prior event texts the begin sentinel may span,
// in addition to the current one.
const beginWindowSize = 2

// Attempt is the streaming state for a single upstream call.
type Attempt struct {
	cfg   Config
	req   *RequestState
	emit  EmitFunc
	phase Phase

	scanner *sse.Scanner

	// begin-detection window of recent thought-phase texts
	pending []string

	// formal-phase forwarding state
	textBuffer  string
	linesBuffer []bufferedLine

	emittedText   strings.Builder
	hasBeginToken bool
	isFirstOutput bool
	sawThought    bool

	// lastRaw is the most recent valid upstream event, kept verbatim as the
	// metadata template for the terminal event.
	lastRaw string
}

// NewAttempt creates the streaming state for one upstream call. Without begin
// injection the engine starts directly in the formal phase; so do continuation
// attempts, whose retry prompt forbids a second begin token.
func NewAttempt(cfg Config, req *RequestState, emit EmitFunc) *Attempt {
	a := &Attempt{
		cfg:           cfg,
		req:           req,
		emit:          emit,
		scanner:       sse.NewScanner(),
		isFirstOutput: true,
	}
	if !cfg.InjectBegin || req.ThoughtFinished() {
		a.phase = PhaseFormal
		a.hasBeginToken = true
	}
	return a
}

// Passthrough reports whether the attempt is in sticky passthrough mode.
func (a *Attempt) Passthrough() bool {
	return a.phase == PhasePassthrough
}

// HasBeginToken reports whether the begin sentinel was observed (or not
// required).
func (a *Attempt) HasBeginToken() bool {
	return a.hasBeginToken
}

// EmittedText returns the formal text the client has already seen in this
// attempt. Text still held in the lookahead buffer is excluded; FlushCleaned
// moves that buffer into the emitted text (minus any sentinel fragment).
func (a *Attempt) EmittedText() string {
	return a.emittedText.String()
}

// Ingest feeds one upstream chunk through the engine. The returned signal
// breaks the attempt; an error means the client went away.
func (a *Attempt) Ingest(chunk []byte) (Signal, error) {
	if a.phase == PhasePassthrough {
		return SignalNone, a.emit(string(chunk))
	}

	events := a.scanner.Feed(chunk)
	for i, rawEvent := range events {
		sig, err := a.ingestEvent(rawEvent)
		if sig == SignalFunctionCall && err == nil {
			// Events after the trigger were already split off this chunk;
			// they go out raw, ahead of the scanner's partial tail.
			for _, later := range events[i+1:] {
				if err := a.emit(later + "\n\n"); err != nil {
					return sig, err
				}
			}
			if rest := a.scanner.Rest(); rest != "" {
				return sig, a.emit(rest)
			}
			return sig, nil
		}
		if sig != SignalNone || err != nil {
			return sig, err
		}
	}
	return SignalNone, nil
}

// ingestEvent routes one complete event block through the state machine.
func (a *Attempt) ingestEvent(rawEvent string) (Signal, error) {
	resp := sse.ParseEvent(rawEvent)
	if resp == nil {
		// Comments and undecodable blocks are forwarded verbatim.
		return SignalNone, a.emit(rawEvent + "\n\n")
	}
	a.lastRaw = rawEvent

	cand := resp.FirstCandidate()
	var parsed sse.ParsedParts
	if cand != nil && cand.Content != nil {
		parsed = sse.ParseParts(cand.Content.Parts)
	}

	if parsed.HasFunctionCall {
		return SignalFunctionCall, a.enterPassthrough(rawEvent)
	}

	if err := a.emitThoughtPreludeOnce(); err != nil {
		return SignalNone, err
	}

	switch a.phase {
	case PhaseThought:
		return a.ingestThoughtPhase(rawEvent, parsed)
	default:
		return a.ingestFormalPhase(rawEvent, parsed)
	}
}

// emitThoughtPreludeOnce surfaces the configured thought prelude on the first
// output of the request, so thought-hungry clients see reasoning has started.
func (a *Attempt) emitThoughtPreludeOnce() error {
	if !a.isFirstOutput {
		return nil
	}
	a.isFirstOutput = false
	if !a.cfg.IncludeThoughts || a.req.ThoughtFinished() || !a.cfg.InjectBegin {
		return nil
	}
	event := sse.EncodeDataEvent(&gemini.Response{
		Candidates: []gemini.Candidate{{
			Content: &gemini.Content{
				Role:  "model",
				Parts: []gemini.Part{{Text: a.cfg.ThoughtPrelude, Thought: true}},
			},
		}},
	})
	return a.emit(event)
}

// ingestThoughtPhase handles events before the begin sentinel: garbage
// thought-only frames, real thought frames, and the begin-detection window
// over formal text candidates.
func (a *Attempt) ingestThoughtPhase(rawEvent string, parsed sse.ParsedParts) (Signal, error) {
	if parsed.HasThought && parsed.ResponseText == "" {
		a.sawThought = true
		if a.forwardThoughts() {
			return SignalNone, a.emit(rawEvent + "\n\n")
		}
		return SignalNone, nil
	}
	if parsed.ResponseText == "" {
		return SignalNone, nil
	}
	if parsed.HasThought {
		a.sawThought = true
	}

	// Try the current text alone, then joined with up to two most-recent
	// pending texts, oldest first.
	for take := 0; take <= len(a.pending); take++ {
		joined := a.joinPending(take) + parsed.ResponseText
		idx := findBeginToken(joined)
		if idx < 0 {
			continue
		}
		a.consumePending(take)
		return a.transition(rawEvent, joined, idx)
	}

	a.pushPending(parsed.ResponseText)
	return a.checkGhostLoop()
}

// transition splits the concatenated text around the begin sentinel: prefix
// becomes the final thought event, suffix becomes the first formal event.
func (a *Attempt) transition(rawEvent, joined string, idx int) (Signal, error) {
	prefix := joined[:idx]
	suffix := joined[idx+len(protocol.BeginToken):]

	if prefix == "" && !a.sawThought && !a.req.ThoughtFinished() {
		logrus.Debug("Model emitted begin token as first output, restarting attempt")
		return SignalPrematureBegin, nil
	}

	logrus.Debug("Begin token detected, entering formal phase")
	a.hasBeginToken = true
	a.req.FinishThought()
	a.phase = PhaseFormal

	// Flush anything left in the detection window ahead of the prefix.
	leftover := a.joinPending(len(a.pending))
	a.pending = nil

	if thought := leftover + prefix; thought != "" {
		event := sse.EncodeDataEvent(&gemini.Response{
			Candidates: []gemini.Candidate{{
				Content: &gemini.Content{
					Role:  "model",
					Parts: []gemini.Part{{Text: thought, Thought: true}},
				},
			}},
		})
		if err := a.emit(event); err != nil {
			return SignalNone, err
		}
	}

	if suffix != "" {
		raw := sse.ReplaceEventText(rawEvent, []gemini.Part{{Text: suffix}})
		a.bufferFormal(raw, suffix, "")
	}
	return a.pump()
}

// ingestFormalPhase buffers formal events behind the lookahead window.
func (a *Attempt) ingestFormalPhase(rawEvent string, parsed sse.ParsedParts) (Signal, error) {
	if parsed.HasThought && parsed.ResponseText == "" {
		// Late thought frames after the transition; swallowed when the
		// thought phase already finished in an earlier attempt.
		if a.forwardThoughts() {
			return SignalNone, a.emit(rawEvent + "\n\n")
		}
		return SignalNone, nil
	}

	var thoughtText string
	for _, part := range parsed.ThoughtParts {
		thoughtText += part.Text
	}
	a.bufferFormal(rawEvent, parsed.ResponseText, thoughtText)
	return a.pump()
}

// forwardThoughts reports whether upstream thought frames should reach the
// client: only when asked for, and never again once the thought phase has
// finished (unless swallowing is disabled).
func (a *Attempt) forwardThoughts() bool {
	if !a.cfg.IncludeThoughts {
		return false
	}
	if a.req.ThoughtFinished() && a.cfg.SwallowThoughts {
		return false
	}
	return true
}

// bufferFormal appends an event to the forwarding buffers.
func (a *Attempt) bufferFormal(raw, text, thoughtText string) {
	a.textBuffer += text
	a.linesBuffer = append(a.linesBuffer, bufferedLine{
		raw:         raw,
		text:        text,
		thoughtText: thoughtText,
	})
}

// pump runs the lookahead forwarder, then the ghost-loop check.
func (a *Attempt) pump() (Signal, error) {
	if err := a.forward(); err != nil {
		return SignalNone, err
	}
	return a.checkGhostLoop()
}

// enterPassthrough flushes everything buffered (with partial sentinels
// scrubbed), emits the triggering event verbatim, and pins the attempt in
// passthrough mode.
func (a *Attempt) enterPassthrough(rawEvent string) error {
	logrus.Debug("Function call observed, entering passthrough mode")
	a.phase = PhasePassthrough

	for _, line := range a.linesBuffer {
		cleaned := CleanPartialSentinel(line.text)
		raw := line.raw
		if cleaned != line.text {
			raw = sse.ReplaceEventText(raw, []gemini.Part{{Text: cleaned}})
		}
		if err := a.emit(raw + "\n\n"); err != nil {
			return err
		}
		a.emittedText.WriteString(cleaned)
	}
	a.linesBuffer = nil
	a.textBuffer = ""

	return a.emit(rawEvent + "\n\n")
}

// pushPending adds a thought-phase text to the detection window, aging the
// oldest entry out as synthesised thought content.
func (a *Attempt) pushPending(text string) {
	a.sawThought = true
	a.pending = append(a.pending, text)
	if len(a.pending) <= beginWindowSize {
		return
	}
	aged := a.pending[0]
	a.pending = a.pending[1:]
	if !a.forwardThoughts() {
		return
	}
	event := sse.EncodeDataEvent(&gemini.Response{
		Candidates: []gemini.Candidate{{
			Content: &gemini.Content{
				Role:  "model",
				Parts: []gemini.Part{{Text: aged, Thought: true}},
			},
		}},
	})
	// Best effort: a failed emit here surfaces on the next regular emit.
	_ = a.emit(event)
}

// joinPending concatenates the last take pending texts, oldest first.
func (a *Attempt) joinPending(take int) string {
	if take == 0 {
		return ""
	}
	var b strings.Builder
	for _, text := range a.pending[len(a.pending)-take:] {
		b.WriteString(text)
	}
	return b.String()
}

// consumePending pops the last take entries from the detection window.
func (a *Attempt) consumePending(take int) {
	a.pending = a.pending[:len(a.pending)-take]
}

// checkGhostLoop breaks the attempt once the thought prelude shows up twice in
// the combined delivered and buffered text. Runs per event, so the scan buffer
// comes from the pool.
func (a *Attempt) checkGhostLoop() (Signal, error) {
	if a.cfg.ThoughtPrelude == "" {
		return SignalNone, nil
	}
	sb := utils.GetStringBuilder()
	sb.WriteString(a.emittedText.String())
	sb.WriteString(a.textBuffer)
	for _, text := range a.pending {
		sb.WriteString(text)
	}
	combined := sb.String()
	utils.PutStringBuilder(sb)
	if strings.Count(combined, a.cfg.ThoughtPrelude) >= 2 {
		logrus.Warn("Ghost loop detected: thought prelude repeated")
		return SignalGhostLoop, nil
	}
	return SignalNone, nil
}

// findBeginToken locates the begin sentinel, rejecting a match directly
// preceded by a backtick, which indicates the token is being quoted inside a
// code fence rather than emitted structurally.
func findBeginToken(s string) int {
	from := 0
	for {
		idx := strings.Index(s[from:], protocol.BeginToken)
		if idx < 0 {
			return -1
		}
		idx += from
		if idx == 0 || s[idx-1] != '`' {
			return idx
		}
		from = idx + 1
	}
}
