package models

import (
	"encoding/json"
	"strings"
)

// ReviewVerdict is the discriminant of a supervisor review decision.
type ReviewVerdict string

const (
	ReviewApproved   ReviewVerdict = "approved"
	ReviewNeedsFixes ReviewVerdict = "needs_fixes"
	ReviewRejected   ReviewVerdict = "rejected"
	ReviewMalformed  ReviewVerdict = "malformed"
)

// ReviewDecision is the validated outcome of a structured supervisor review.
// Every call site switches on Verdict; Malformed carries the raw text so the
// failure can be reported, and is always treated as a rejection downstream.
type ReviewDecision struct {
	Verdict ReviewVerdict
	Issues  []string // populated only for needs_fixes
	Reason  string
	Raw     string // original payload, kept for malformed diagnostics
}

// reviewPayload is the wire shape the supervisor session is asked to emit.
type reviewPayload struct {
	Decision string   `json:"decision"`
	Issues   []string `json:"issues"`
	Reason   string   `json:"reason"`
}

// DecodeReviewDecision parses a structured review response. Anything that is
// not valid JSON with a recognized decision comes back as Malformed — callers
// must never default an unparsable review to success.
func DecodeReviewDecision(raw []byte) ReviewDecision {
	var p reviewPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ReviewDecision{Verdict: ReviewMalformed, Raw: string(raw)}
	}
	switch strings.ToLower(strings.TrimSpace(p.Decision)) {
	case "approved", "approve":
		return ReviewDecision{Verdict: ReviewApproved, Reason: p.Reason}
	case "needs_fixes", "needs-fixes":
		return ReviewDecision{Verdict: ReviewNeedsFixes, Issues: p.Issues, Reason: p.Reason}
	case "rejected", "reject":
		return ReviewDecision{Verdict: ReviewRejected, Reason: p.Reason}
	default:
		return ReviewDecision{Verdict: ReviewMalformed, Raw: string(raw)}
	}
}

// ApprovalDecision is the three-valued answer of the approval gate.
type ApprovalDecision string

const (
	ApprovalAllowOnce   ApprovalDecision = "allow_once"
	ApprovalAllowAlways ApprovalDecision = "allow_always"
	ApprovalDeny        ApprovalDecision = "deny"
)

// approvalPayload is the wire shape the policy session is asked to emit.
type approvalPayload struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// DecodeApprovalDecision parses a structured policy response. Unparsable or
// unrecognized payloads deny: the gate fails closed.
func DecodeApprovalDecision(raw []byte) (ApprovalDecision, string) {
	var p approvalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApprovalDeny, "unparsable policy response"
	}
	switch strings.ToLower(strings.TrimSpace(p.Decision)) {
	case "allow_once", "allow-once", "approve_once", "approve":
		return ApprovalAllowOnce, p.Reason
	case "allow_always", "allow-always", "approve_always":
		return ApprovalAllowAlways, p.Reason
	case "deny", "reject":
		return ApprovalDeny, p.Reason
	default:
		return ApprovalDeny, "unrecognized policy decision"
	}
}
