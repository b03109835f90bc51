package dispatch

import "errors"

// ErrExecutorTimeout is the terminal failure for a run that hit its
// deadline. Never retried by the engine; retries, if any, are the
// calling tool layer's decision with a fresh request.
var ErrExecutorTimeout = errors.New("executor timeout")

// Denial reason strings carried in exec.denied events.
const (
	reasonPolicyDeny      = "security mode is deny"
	reasonNoMatch         = "command does not match the allowlist"
	reasonApprovalDenied  = "denied by approver"
	reasonFallbackDeny    = "approval ui unreachable and fallback is deny"
	reasonFallbackNoMatch = "approval ui unreachable and command does not match the allowlist"
)
