package proxy

import (
	"context"
	"io"
	"net/http"
	"time"

	app_errors "github.com/coulsontl/gemini-antiblock/internal/errors"
	"github.com/coulsontl/gemini-antiblock/internal/protocol"
	"github.com/coulsontl/gemini-antiblock/internal/rewrite"
	"github.com/coulsontl/gemini-antiblock/internal/stream"
	"github.com/coulsontl/gemini-antiblock/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// outcomeKind is the terminal condition of one streaming attempt.
type outcomeKind int

const (
	outcomeComplete outcomeKind = iota
	outcomeIncomplete
	outcomeFunctionCall
	outcomeGhostLoop
	outcomePrematureBegin
	outcomeFatalStatus
	outcomeRetryableStatus
	outcomeNonRetryableStatus
	outcomeNetworkError
	outcomeClientGone
)

type attemptOutcome struct {
	kind       outcomeKind
	statusCode int
	errorBody  string
}

// handleStreaming runs the streaming retry engine for one client request.
// Whatever happens upstream, the client sees HTTP 200 and a stream that ends
// in either a clean terminal event or the incomplete marker.
func (ps *ProxyServer) handleStreaming(c *gin.Context, log *logrus.Entry, body map[string]any, rawBody []byte) {
	pc := ps.configManager.GetProtocolConfig()
	rc := ps.configManager.GetRetryConfig()
	model := protocol.ModelFromPath(c.Request.URL.Path)

	budget, hasBudget := rewrite.ClampThinkingBudget(body, model)
	injectBegin := !(hasBudget && budget == 0)

	cfg := stream.Config{
		InjectBegin:     injectBegin,
		RequireFinish:   !protocol.IsLiteModel(c.Request.URL.Path),
		IncludeThoughts: rewrite.IncludeThoughts(rawBody),
		ThoughtPrelude:  pc.ThoughtPrelude,
		SwallowThoughts: pc.SwallowThoughtsAfterRetry,
	}
	reqState := &stream.RequestState{}
	currentBody := rewrite.InjectPrompts(body, injectBegin, true)

	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	emitter := newSSEEmitter(c)
	cherry := isCherryClient(c)
	hb := startHeartbeat(emitter, protocol.HeartbeatSeconds*time.Second, func() bool {
		return !reqState.ThoughtFinished() && !cherry
	})
	defer hb.Stop()

	// Heartbeats cover upstream silence only: the first engine emission of an
	// attempt suspends them so a tick can never split a data event, and each
	// new attempt resumes them.
	emit := func(raw string) error {
		hb.Suspend()
		return emitter.Emit(raw)
	}

	var retryableUsed, fetchUsed, nonRetryableUsed, attempts int
	var attempt *stream.Attempt

	for {
		attempts++
		hb.Resume()
		attempt = stream.NewAttempt(cfg, reqState, emit)
		outcome := ps.runStreamAttempt(c, log, attempt, currentBody)

		attemptLog := log.WithFields(logrus.Fields{
			"attempt": attempts,
			"model":   model,
		})

		switch outcome.kind {
		case outcomeClientGone:
			attemptLog.Debug("Client disconnected, aborting")
			return

		case outcomeFunctionCall:
			attemptLog.Debug("Stream finished in passthrough mode")
			return

		case outcomeComplete:
			if err := attempt.FinalizeSuccess(); err != nil {
				return
			}
			attemptLog.Debug("Stream completed")
			return

		case outcomeFatalStatus:
			attemptLog.Warnf("Fatal upstream status %d, closing", outcome.statusCode)
			_ = emitter.Emit(outcome.errorBody)
			return

		case outcomeIncomplete:
			retryableUsed++
			if retryableUsed > rc.MaxRetries {
				ps.exhaust(attemptLog, emitter, attempt)
				return
			}
			attemptLog.Debugf("Stream incomplete, retrying (%d/%d)", retryableUsed, rc.MaxRetries)
			if err := attempt.FlushCleaned(); err != nil {
				return
			}
			currentBody = rewrite.BuildContinuation(currentBody, attempt.EmittedText())

		case outcomeGhostLoop:
			retryableUsed++
			if retryableUsed > rc.MaxRetries {
				ps.exhaust(attemptLog, emitter, attempt)
				return
			}
			attemptLog.Warnf("Ghost loop, resetting continuation anchor (%d/%d)", retryableUsed, rc.MaxRetries)
			rewrite.RemediateGhostLoop(currentBody, pc.ThoughtPrelude)

		case outcomePrematureBegin:
			retryableUsed++
			if retryableUsed > rc.MaxRetries {
				ps.exhaust(attemptLog, emitter, attempt)
				return
			}
			attemptLog.Debugf("Premature begin token, restarting attempt (%d/%d)", retryableUsed, rc.MaxRetries)

		case outcomeRetryableStatus:
			retryableUsed++
			if retryableUsed > rc.MaxRetries {
				ps.exhaust(attemptLog, emitter, attempt)
				return
			}
			attemptLog.Warnf("Upstream status %d, retrying (%d/%d)", outcome.statusCode, retryableUsed, rc.MaxRetries)
			if outcome.statusCode == http.StatusTooManyRequests && !isHardQuotaExhausted(outcome.errorBody) {
				time.Sleep(time.Second)
			}

		case outcomeNonRetryableStatus:
			nonRetryableUsed++
			if nonRetryableUsed > rc.MaxNonRetryableStatusRetries {
				ps.exhaust(attemptLog, emitter, attempt)
				return
			}
			attemptLog.Warnf("Upstream status %d, retrying (%d/%d)", outcome.statusCode, nonRetryableUsed, rc.MaxNonRetryableStatusRetries)

		case outcomeNetworkError:
			fetchUsed++
			if fetchUsed > rc.MaxFetchRetries {
				ps.exhaust(attemptLog, emitter, attempt)
				return
			}
			attemptLog.Warnf("Network error, retrying (%d/%d)", fetchUsed, rc.MaxFetchRetries)
		}
	}
}

// exhaust flushes whatever is buffered and emits the incomplete marker.
func (ps *ProxyServer) exhaust(log *logrus.Entry, emitter *sseEmitter, attempt *stream.Attempt) {
	log.Warn("Retry budget exhausted, emitting incomplete marker")
	if attempt != nil {
		if err := attempt.FlushResidual(); err != nil {
			return
		}
	}
	_ = emitter.Emit(stream.IncompleteEvent())
}

type readResult struct {
	data []byte
	err  error
}

// streamReader pumps upstream chunks into a channel so the controller can
// race reads against the inactivity timer and client cancellation.
func streamReader(ctx context.Context, body io.Reader, ch chan<- readResult) {
	for {
		buf := make([]byte, 4*1024)
		n, err := body.Read(buf)
		r := readResult{data: buf[:n], err: err}
		select {
		case ch <- r:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// runStreamAttempt performs one upstream call and feeds the stream engine.
// Reads race an inactivity timer: 20s before the first byte, 4s between
// bytes; a timeout counts as a clean stream end.
func (ps *ProxyServer) runStreamAttempt(c *gin.Context, log *logrus.Entry, attempt *stream.Attempt, body map[string]any) attemptOutcome {
	bodyBytes, err := rewrite.EncodeBody(body)
	if err != nil {
		log.Errorf("Failed to encode request body: %v", err)
		return attemptOutcome{kind: outcomeNetworkError}
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	req, err := rewrite.BuildUpstreamRequest(ctx, ps.upstreamURL(c), c.Request.Header, bodyBytes)
	if err != nil {
		log.Errorf("Failed to build upstream request: %v", err)
		return attemptOutcome{kind: outcomeNetworkError}
	}
	log.WithField("api_key", utils.MaskAPIKey(req.Header.Get("X-Goog-Api-Key"))).
		Debug("Dispatching upstream stream request")

	resp, err := ps.clientManager.StreamClient().Do(req)
	if err != nil {
		categorized := utils.CategorizeError(err)
		log.Warnf("Upstream request failed (%s): %v", categorized.Type, err)
		return attemptOutcome{kind: outcomeNetworkError}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := readErrorBody(resp)
		parsed := app_errors.ParseUpstreamError(errBody)
		log.Warnf("Upstream status %d: %s", resp.StatusCode, utils.TruncateString(parsed, 200))
		switch ps.classifyStatus(resp.StatusCode, parsed) {
		case statusClassFatal:
			return attemptOutcome{kind: outcomeFatalStatus, statusCode: resp.StatusCode, errorBody: string(errBody)}
		case statusClassRetryable:
			return attemptOutcome{kind: outcomeRetryableStatus, statusCode: resp.StatusCode, errorBody: string(errBody)}
		default:
			return attemptOutcome{kind: outcomeNonRetryableStatus, statusCode: resp.StatusCode, errorBody: string(errBody)}
		}
	}

	ch := make(chan readResult)
	go streamReader(ctx, resp.Body, ch)

	timer := time.NewTimer(protocol.FirstByteTimeoutSeconds * time.Second)
	defer timer.Stop()

	endOutcome := func() attemptOutcome {
		if attempt.Passthrough() {
			return attemptOutcome{kind: outcomeFunctionCall}
		}
		if attempt.Complete() {
			return attemptOutcome{kind: outcomeComplete}
		}
		return attemptOutcome{kind: outcomeIncomplete}
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return attemptOutcome{kind: outcomeClientGone}

		case r := <-ch:
			if len(r.data) > 0 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(protocol.InterByteTimeoutSeconds * time.Second)

				sig, ingestErr := attempt.Ingest(r.data)
				if ingestErr != nil {
					return attemptOutcome{kind: outcomeClientGone}
				}
				switch sig {
				case stream.SignalGhostLoop:
					return attemptOutcome{kind: outcomeGhostLoop}
				case stream.SignalPrematureBegin:
					return attemptOutcome{kind: outcomePrematureBegin}
				}
			}
			if r.err != nil {
				if r.err != io.EOF {
					log.Debugf("Upstream read ended: %v", r.err)
				}
				return endOutcome()
			}

		case <-timer.C:
			log.Debug("Inactivity timeout, treating as stream end")
			cancel()
			return endOutcome()
		}
	}
}
