package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/claimflow/claimflow/internal/schema"
)

const (
	Approved     = "approved"
	NotApproved  = "not approved"
	ReviewNeeded = "review needed"
)

var responseSchema = schema.MustCompile("decision_response.json", []byte(`{
	"type": "object",
	"required": ["decision", "reason"],
	"properties": {
		"decision": {"type": "string", "minLength": 1},
		"reason": {"type": "string"}
	}
}`))

// Result is the validation outcome carried by the domain event.
type Result struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	// RawResponse holds the engine's verbatim text whenever it could not be
	// read as a decision, so a reviewer sees exactly what came back.
	RawResponse string `json:"raw_response,omitempty"`
}

// Structured reports whether the decision came straight from the engine's JSON.
func (r Result) Structured() bool {
	return r.RawResponse == ""
}

// Parse reads the engine's free text as a decision. It never fails: anything
// it cannot interpret becomes a review-needed result carrying the text.
func Parse(text string) Result {
	body, ok := extractObject(stripCodeFences(text))
	if !ok {
		return Result{
			Decision:    ReviewNeeded,
			Reason:      "decision engine response is not a JSON object",
			RawResponse: text,
		}
	}
	if err := responseSchema.Validate([]byte(body)); err != nil {
		return Result{
			Decision:    ReviewNeeded,
			Reason:      "decision engine response lacks a decision and reason",
			RawResponse: text,
		}
	}

	var r struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Result{Decision: ReviewNeeded, Reason: "decision engine response could not be decoded", RawResponse: text}
	}

	decision, known := normalize(r.Decision)
	if !known {
		return Result{
			Decision:    ReviewNeeded,
			Reason:      fmt.Sprintf("unrecognized decision %q: %s", r.Decision, r.Reason),
			RawResponse: text,
		}
	}
	return Result{Decision: decision, Reason: r.Reason}
}

// normalize maps the spellings models actually produce onto the three decisions.
func normalize(d string) (string, bool) {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.NewReplacer("_", " ", "-", " ").Replace(d)
	d = strings.Join(strings.Fields(d), " ")

	switch d {
	case "approved", "approve", "accepted":
		return Approved, true
	case "not approved", "notapproved", "rejected", "denied", "declined":
		return NotApproved, true
	case "review needed", "needs review", "review required", "manual review", "review":
		return ReviewNeeded, true
	}
	return "", false
}

// extractObject returns the outermost {...} span of s.
func extractObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// stripCodeFences drops a surrounding markdown fence, with or without a language tag.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	rest, fenced := strings.CutPrefix(s, "```")
	if !fenced {
		return s
	}
	if _, body, ok := strings.Cut(rest, "\n"); ok {
		rest = body
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "```"))
}
