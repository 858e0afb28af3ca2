package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	app_errors "github.com/coulsontl/gemini-antiblock/internal/errors"
	"github.com/coulsontl/gemini-antiblock/internal/gemini"
	"github.com/coulsontl/gemini-antiblock/internal/protocol"
	"github.com/coulsontl/gemini-antiblock/internal/rewrite"
	"github.com/coulsontl/gemini-antiblock/internal/sse"
	"github.com/coulsontl/gemini-antiblock/internal/stream"
	"github.com/coulsontl/gemini-antiblock/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// nonStreamState accumulates the answer across non-streaming attempts. The
// client sees nothing until the final JSON, so formal text from every attempt
// is concatenated here.
type nonStreamState struct {
	hasBegin bool
	thought  strings.Builder
	formal   strings.Builder
}

// handleNonStreaming applies the sentinel protocol to a single-JSON-response
// request: same rewrite, same completion predicate, same retry budgets; the
// continuation loop runs server-side until the answer is complete.
func (ps *ProxyServer) handleNonStreaming(c *gin.Context, log *logrus.Entry, body map[string]any, rawBody []byte) {
	pc := ps.configManager.GetProtocolConfig()
	rc := ps.configManager.GetRetryConfig()
	model := protocol.ModelFromPath(c.Request.URL.Path)

	budget, hasBudget := rewrite.ClampThinkingBudget(body, model)
	injectBegin := !(hasBudget && budget == 0)
	includeThoughts := rewrite.IncludeThoughts(rawBody)
	requireFinish := !protocol.IsLiteModel(c.Request.URL.Path)

	currentBody := rewrite.InjectPrompts(body, injectBegin, true)
	state := &nonStreamState{hasBegin: !injectBegin}

	var retryableUsed, fetchUsed, nonRetryableUsed, attempts int

	for {
		attempts++
		attemptLog := log.WithFields(logrus.Fields{
			"attempt": attempts,
			"model":   model,
		})

		bodyBytes, err := rewrite.EncodeBody(currentBody)
		if err != nil {
			attemptLog.Errorf("Failed to encode request body: %v", err)
			ps.emitIncompleteJSON(c, state)
			return
		}

		req, err := rewrite.BuildUpstreamRequest(c.Request.Context(), ps.upstreamURL(c), c.Request.Header, bodyBytes)
		if err != nil {
			attemptLog.Errorf("Failed to build upstream request: %v", err)
			ps.emitIncompleteJSON(c, state)
			return
		}
		attemptLog.WithField("api_key", utils.MaskAPIKey(req.Header.Get("X-Goog-Api-Key"))).
			Debug("Dispatching upstream request")

		resp, err := ps.clientManager.DefaultClient().Do(req)
		if err != nil {
			categorized := utils.CategorizeError(err)
			fetchUsed++
			if fetchUsed > rc.MaxFetchRetries {
				ps.emitIncompleteJSON(c, state)
				return
			}
			attemptLog.Warnf("Upstream request failed (%s), retrying (%d/%d): %v",
				categorized.Type, fetchUsed, rc.MaxFetchRetries, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			errBody := readErrorBody(resp)
			resp.Body.Close()
			parsed := app_errors.ParseUpstreamError(errBody)
			switch ps.classifyStatus(resp.StatusCode, parsed) {
			case statusClassFatal:
				attemptLog.Warnf("Fatal upstream status %d, closing", resp.StatusCode)
				c.Data(resp.StatusCode, "application/json", errBody)
				return
			case statusClassRetryable:
				retryableUsed++
				if retryableUsed > rc.MaxRetries {
					ps.emitIncompleteJSON(c, state)
					return
				}
				attemptLog.Warnf("Upstream status %d (%s), retrying (%d/%d)",
					resp.StatusCode, utils.TruncateString(parsed, 200), retryableUsed, rc.MaxRetries)
				if resp.StatusCode == http.StatusTooManyRequests && !isHardQuotaExhausted(string(errBody)) {
					time.Sleep(500 * time.Millisecond)
				}
			default:
				nonRetryableUsed++
				if nonRetryableUsed > rc.MaxNonRetryableStatusRetries {
					ps.emitIncompleteJSON(c, state)
					return
				}
				attemptLog.Warnf("Upstream status %d (%s), retrying (%d/%d)",
					resp.StatusCode, utils.TruncateString(parsed, 200), nonRetryableUsed, rc.MaxNonRetryableStatusRetries)
			}
			continue
		}

		respBytes, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			fetchUsed++
			if fetchUsed > rc.MaxFetchRetries {
				ps.emitIncompleteJSON(c, state)
				return
			}
			attemptLog.Warnf("Failed to read upstream response, retrying (%d/%d): %v", fetchUsed, rc.MaxFetchRetries, err)
			continue
		}

		var upstreamResp gemini.Response
		if err := json.Unmarshal(respBytes, &upstreamResp); err != nil {
			retryableUsed++
			if retryableUsed > rc.MaxRetries {
				ps.emitIncompleteJSON(c, state)
				return
			}
			attemptLog.Warnf("Undecodable upstream response, retrying (%d/%d)", retryableUsed, rc.MaxRetries)
			continue
		}

		var parts []gemini.Part
		if cand := upstreamResp.FirstCandidate(); cand != nil && cand.Content != nil {
			parts = cand.Content.Parts
		}
		parsed := sse.ParseParts(parts)

		// Function calls bypass the completion predicate entirely.
		if parsed.HasFunctionCall {
			ps.emitFunctionCallJSON(c, respBytes, state, parsed, includeThoughts, pc.ThoughtPrelude)
			return
		}

		ingestNonStreamParts(state, parsed)

		complete := state.hasBegin &&
			(!requireFinish || strings.HasSuffix(strings.TrimRight(state.formal.String(), " \t\r\n"), protocol.FinishToken))
		if complete {
			ps.emitFinalJSON(c, respBytes, state, includeThoughts)
			return
		}

		retryableUsed++
		if retryableUsed > rc.MaxRetries {
			ps.emitIncompleteJSON(c, state)
			return
		}
		attemptLog.Debugf("Response incomplete, retrying with continuation (%d/%d)", retryableUsed, rc.MaxRetries)
		currentBody = rewrite.BuildContinuation(currentBody, state.formal.String())
	}
}

// ingestNonStreamParts feeds a response's parts through the non-streaming
// variant of the phase machine: begin-sentinel detection checks only the
// current part's text.
func ingestNonStreamParts(state *nonStreamState, parsed sse.ParsedParts) {
	for _, part := range parsed.ThoughtParts {
		state.thought.WriteString(part.Text)
	}
	text := parsed.ResponseText
	if text == "" {
		return
	}
	if state.hasBegin {
		state.formal.WriteString(text)
		return
	}
	idx := findBeginTokenText(text)
	if idx < 0 {
		state.thought.WriteString(text)
		return
	}
	state.hasBegin = true
	state.thought.WriteString(text[:idx])
	state.formal.WriteString(text[idx+len(protocol.BeginToken):])
}

// findBeginTokenText mirrors the streaming begin detection guard for a single
// text fragment.
func findBeginTokenText(s string) int {
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

// emitFinalJSON returns the completed answer with cleaned parts. The edit is
// surgical on the upstream response bytes so metadata outside parts and
// finishReason survives verbatim.
func (ps *ProxyServer) emitFinalJSON(c *gin.Context, rawResp []byte, state *nonStreamState, includeThoughts bool) {
	var parts []gemini.Part
	if includeThoughts && state.thought.Len() > 0 {
		parts = append(parts, gemini.Part{Text: state.thought.String(), Thought: true})
	}
	clean := stream.CleanFinalText(state.formal.String())
	parts = append(parts, gemini.Part{Text: clean})

	edited, err := setResponseParts(rawResp, parts)
	if err == nil {
		edited, err = sjson.SetBytes(edited, "candidates.0.finishReason", gemini.FinishReasonStop)
	}
	if err != nil {
		resp := &gemini.Response{}
		resp.SetParts(parts)
		resp.Candidates[0].FinishReason = gemini.FinishReasonStop
		c.JSON(http.StatusOK, resp)
		return
	}
	c.Data(http.StatusOK, "application/json", edited)
}

// emitFunctionCallJSON returns a function-call response: the thought prelude
// (only when the client asked for thoughts), the cleaned formal text (when
// non-empty), then the function-call parts in upstream order.
func (ps *ProxyServer) emitFunctionCallJSON(c *gin.Context, rawResp []byte, state *nonStreamState, parsed sse.ParsedParts, includeThoughts bool, thoughtPrelude string) {
	var parts []gemini.Part
	if includeThoughts {
		parts = append(parts, gemini.Part{Text: thoughtPrelude, Thought: true})
	}
	formal := stream.CleanPartialSentinel(state.formal.String() + parsed.ResponseText)
	if formal != "" {
		parts = append(parts, gemini.Part{Text: formal})
	}
	parts = append(parts, parsed.FunctionCallParts...)

	edited, err := setResponseParts(rawResp, parts)
	if err != nil {
		resp := &gemini.Response{}
		resp.SetParts(parts)
		c.JSON(http.StatusOK, resp)
		return
	}
	c.Data(http.StatusOK, "application/json", edited)
}

// setResponseParts replaces the first candidate's parts on raw response bytes.
func setResponseParts(rawResp []byte, parts []gemini.Part) ([]byte, error) {
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(rawResp, "candidates.0.content.parts", partsJSON)
}

// emitIncompleteJSON returns whatever was gathered plus the incomplete
// marker, with the distinguished finish reason and HTTP 200.
func (ps *ProxyServer) emitIncompleteJSON(c *gin.Context, state *nonStreamState) {
	resp := &gemini.Response{}
	resp.SetParts([]gemini.Part{{Text: state.formal.String() + "\n" + protocol.IncompleteToken}})
	resp.Candidates[0].FinishReason = gemini.FinishReasonIncomplete
	c.JSON(http.StatusOK, resp)
}
