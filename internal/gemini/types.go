// Package gemini defines the subset of the Gemini API wire format the proxy
// needs to parse and re-emit. Request bodies are handled as raw JSON elsewhere
// so unknown fields survive verbatim; these types cover response candidates.
package gemini

import "encoding/json"

// Part is a single content part of a candidate. FunctionCall and
// FunctionResponse are kept opaque: the proxy forwards them, never interprets
// them.
type Part struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

// Content is a role-tagged sequence of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Candidate is one generation candidate inside a response event.
type Candidate struct {
	Content      *Content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
	Index        int      `json:"index"`
}

// UsageMetadata carries token accounting; forwarded untouched.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// Response is a single generate response or stream event payload.
type Response struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
	ResponseID    string         `json:"responseId,omitempty"`
}

// FinishReasonStop is the normal terminal finish reason.
const FinishReasonStop = "STOP"

// FinishReasonIncomplete is the distinguished non-standard finish reason the
// proxy emits when all retries are exhausted without a complete answer.
const FinishReasonIncomplete = "FXXKED"

// FirstCandidate returns the first candidate, or nil.
func (r *Response) FirstCandidate() *Candidate {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// SetParts replaces the first candidate's parts, creating the content object
// when the upstream event carried none.
func (r *Response) SetParts(parts []Part) {
	cand := r.FirstCandidate()
	if cand == nil {
		r.Candidates = []Candidate{{}}
		cand = &r.Candidates[0]
	}
	if cand.Content == nil {
		cand.Content = &Content{Role: "model"}
	}
	cand.Content.Parts = parts
}
