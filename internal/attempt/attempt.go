// Package attempt bounds how many times a conversation may retry
// recognition or ask clarifying questions, and gates task dispatch on
// the user's quota.
package attempt

import "context"

// Limits are the per-session budgets.
type Limits struct {
	MaxClarifications    int
	MaxRecognitionErrors int
}

// DefaultLimits allows one clarification round and two recognition
// failures.
func DefaultLimits() Limits {
	return Limits{MaxClarifications: 1, MaxRecognitionErrors: 2}
}

// Quota reports whether the user may dispatch another task.
type Quota interface {
	CanPerformTask(ctx context.Context) bool
}

// Policy tracks the counters for one session. It is not safe for
// concurrent use; the dialog loop is its only caller.
type Policy struct {
	limits            Limits
	quota             Quota
	clarifications    int
	recognitionErrors int
}

// NewPolicy creates a Policy with zeroed counters. Negative limits are
// treated as zero. A nil quota allows every task.
func NewPolicy(limits Limits, quota Quota) *Policy {
	if limits.MaxClarifications < 0 {
		limits.MaxClarifications = 0
	}
	if limits.MaxRecognitionErrors < 0 {
		limits.MaxRecognitionErrors = 0
	}
	return &Policy{limits: limits, quota: quota}
}

// Limits returns the configured budgets.
func (p *Policy) Limits() Limits { return p.limits }

// RecordRecognitionError counts a failed recognition and reports
// whether the budget is now exhausted.
func (p *Policy) RecordRecognitionError() (exhausted bool) {
	p.recognitionErrors++
	return p.recognitionErrors >= p.limits.MaxRecognitionErrors
}

// RecognitionErrors returns the failed recognitions so far.
func (p *Policy) RecognitionErrors() int { return p.recognitionErrors }

// CanClarify reports whether another clarification round is allowed.
func (p *Policy) CanClarify() bool {
	return p.clarifications < p.limits.MaxClarifications
}

// RecordClarification consumes one clarification round. It returns
// false without counting when the budget is already spent.
func (p *Policy) RecordClarification() bool {
	if !p.CanClarify() {
		return false
	}
	p.clarifications++
	return true
}

// Clarifications returns the clarification rounds used so far.
func (p *Policy) Clarifications() int { return p.clarifications }

// CanPerformTask consults the quota.
func (p *Policy) CanPerformTask(ctx context.Context) bool {
	if p.quota == nil {
		return true
	}
	return p.quota.CanPerformTask(ctx)
}
