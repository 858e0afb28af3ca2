// Package protocol defines the sentinel-token contract between the proxy and
// the model: the literal tokens, the prompt blocks that teach the model to emit
// them, the model allow-list, and the retry-policy tables.
package protocol

import "strings"

// Sentinel tokens. The model is instructed to wrap its formal answer between
// BeginToken and FinishToken; IncompleteToken is appended by the proxy when the
// retry budget is exhausted without ever seeing FinishToken.
const (
	BeginToken      = "[RESPONSE_BEGIN]"
	FinishToken     = "[RESPONSE_FINISHED]"
	IncompleteToken = "[RESPONSE_NOT_FINISHED]"
)

// Lookahead is the number of trailing characters of formal text withheld from
// the client so that a FinishToken arriving in pieces can always be stripped
// before it becomes visible.
const Lookahead = len(FinishToken) + 4

// OutputStartProtocol demands BeginToken as the very first bytes of the formal
// answer, exactly once.
const OutputStartProtocol = `[OUTPUT START PROTOCOL]
When you transition from thinking to your formal response, the very first characters of the formal response MUST be the token ` + BeginToken + `.
Rules:
1. Emit ` + BeginToken + ` exactly once, before any other output.
2. Do not prefix it with whitespace, greetings, or any other text.
3. Never mention or repeat this token anywhere else in your output.`

// FinalOutputProtocol demands FinishToken as the very last bytes of the output,
// exactly once, outside any markup.
const FinalOutputProtocol = `[FINAL OUTPUT PROTOCOL]
When your response is fully complete, the very last characters of your output MUST be the token ` + FinishToken + `.
Rules:
1. Emit ` + FinishToken + ` exactly once, after everything else.
2. It must appear outside of any code fence, table, or other markup.
3. Never stop generating before emitting it.`

// ReminderPrompt is glued onto the last user turn of every request.
const ReminderPrompt = `(Reminder: begin your formal response with ` + BeginToken + ` and end your entire output with ` + FinishToken + `.)`

// RetryPrompt instructs the model to resume a truncated answer at the exact
// next character, with no repetition and no preamble.
const RetryPrompt = `Your previous response was cut off before it was finished. Continue EXACTLY from the point where it stopped.
Rules:
1. Output only the continuation. Do not repeat any text you already produced.
2. Do not add any preamble, apology, or commentary.
3. Do not emit ` + BeginToken + ` again.
4. When the response is fully complete, end your output with ` + FinishToken + `.`

// DefaultThoughtPrelude is the default anchor string the model tends to open
// its reasoning with. It is configurable because upstream prompt tuning can
// change it; ghost-loop detection and remediation key off this value.
const DefaultThoughtPrelude = "**Understanding the Request**"

// PromptSeparator joins injected protocol blocks inside systemInstruction.
const PromptSeparator = "\n\n---\n"

// Retry budgets. RetryableStatusCodes and incomplete streams consume the large
// MAX_RETRIES budget; network faults and other HTTP errors get small budgets.
const (
	DefaultMaxRetries                 = 100
	DefaultMaxFetchRetries            = 3
	DefaultMaxNonRetryableStatusCodes = 3
)

// RetryableStatusCodes are upstream statuses worth burning MAX_RETRIES on.
var RetryableStatusCodes = map[int]bool{
	403: true,
	429: true,
	500: true,
	503: true,
}

// EffectivelyRetryable400Markers promote a 400 into the retryable class when
// its body names a transient key or region problem.
var EffectivelyRetryable400Markers = []string{
	"api key",
	"user location",
}

// HardQuotaMarkers identify 429 bodies for daily-quota exhaustion, which no
// amount of waiting inside one request will fix.
var HardQuotaMarkers = []string{
	`"quota_limit_value":"0"`,
	"GenerateRequestsPerDayPerProjectPerModel",
}

// Inactivity timeouts for the streaming reader and the heartbeat cadence.
const (
	FirstByteTimeoutSeconds = 20
	InterByteTimeoutSeconds = 4
	HeartbeatSeconds        = 5
)

// CherryClientMarker identifies clients that render thought parts literally;
// heartbeats sent to them must never carry the thought flag.
const CherryClientMarker = "CherryStudio"

// UserAgent is the fixed identifier sent upstream.
const UserAgent = "gemini-antiblock/1.0"

// allowedModels are the model families the sentinel protocol is applied to.
// Everything else is passed through untouched.
var allowedModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
}

// thinkingBudgetRange is the inclusive clamp range for a model family.
type thinkingBudgetRange struct {
	Min int
	Max int
}

var thinkingBudgetRanges = map[string]thinkingBudgetRange{
	"gemini-2.5-pro":        {Min: 128, Max: 32768},
	"gemini-2.5-flash":      {Min: 0, Max: 24576},
	"gemini-2.5-flash-lite": {Min: 512, Max: 24576},
}

var defaultThinkingBudgetRange = thinkingBudgetRange{Min: 128, Max: 32768}

// ModelFromPath extracts the model segment from a generate path, e.g.
// "/v1beta/models/gemini-2.5-pro:streamGenerateContent" -> "gemini-2.5-pro".
func ModelFromPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "models" && i+1 < len(parts) {
			return strings.Split(parts[i+1], ":")[0]
		}
	}
	return ""
}

// IsProtocolModel reports whether the sentinel engine applies to the model in
// the given request path.
func IsProtocolModel(path string) bool {
	model := ModelFromPath(path)
	for _, allowed := range allowedModels {
		if strings.Contains(model, allowed) {
			return true
		}
	}
	return false
}

// IsLiteModel reports whether the path targets the flash-lite family, which is
// exempt from the FinishToken completion requirement.
func IsLiteModel(path string) bool {
	return strings.Contains(ModelFromPath(path), "gemini-2.5-flash-lite")
}

// ClampThinkingBudget clamps budget into the inclusive range for the model.
// Families match as substrings of the model name and the longest matching
// family wins, so "gemini-2.5-flash-lite" wins over "gemini-2.5-flash".
func ClampThinkingBudget(model string, budget int) int {
	r := defaultThinkingBudgetRange
	matched := ""
	for family, fr := range thinkingBudgetRanges {
		if strings.Contains(model, family) && len(family) > len(matched) {
			matched = family
			r = fr
		}
	}
	if budget < r.Min {
		return r.Min
	}
	if budget > r.Max {
		return r.Max
	}
	return budget
}

// IsStreamPath reports whether the request path targets the streaming endpoint.
func IsStreamPath(path string) bool {
	return strings.Contains(path, ":streamGenerateContent")
}

// IsGeneratePath reports whether the request path targets either generate
// endpoint.
func IsGeneratePath(path string) bool {
	return strings.Contains(path, ":generateContent") || strings.Contains(path, ":streamGenerateContent")
}
