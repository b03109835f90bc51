package types

import "fmt"

// SecurityMode is the coarse policy axis governing whether a command
// may run at all.
type SecurityMode string

const (
	SecurityDeny      SecurityMode = "deny"
	SecurityAllowlist SecurityMode = "allowlist"
	SecurityFull      SecurityMode = "full"
)

func ParseSecurityMode(s string) (SecurityMode, error) {
	switch SecurityMode(s) {
	case SecurityDeny, SecurityAllowlist, SecurityFull:
		return SecurityMode(s), nil
	}
	return "", fmt.Errorf("invalid security mode %q", s)
}

// AskMode governs whether a human is prompted before running.
// Ask and security are independent axes: full+always still prompts on
// every command even though everything would otherwise be allowed.
type AskMode string

const (
	AskOff    AskMode = "off"
	AskOnMiss AskMode = "on-miss"
	AskAlways AskMode = "always"
)

func ParseAskMode(s string) (AskMode, error) {
	switch AskMode(s) {
	case AskOff, AskOnMiss, AskAlways:
		return AskMode(s), nil
	}
	return "", fmt.Errorf("invalid ask mode %q", s)
}

// HostKind is the machine/context where a command actually runs.
type HostKind string

const (
	HostSandbox HostKind = "sandbox"
	HostGateway HostKind = "gateway"
	HostNode    HostKind = "node"
)

func ParseHostKind(s string) (HostKind, error) {
	switch HostKind(s) {
	case HostSandbox, HostGateway, HostNode:
		return HostKind(s), nil
	}
	return "", fmt.Errorf("invalid host %q", s)
}

// Decision is a human approval outcome. AllowAlways additionally
// records a durable allowlist entry; AllowOnce and Deny never mutate
// stored policy.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
)

func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
		return Decision(s), nil
	}
	return "", fmt.Errorf("invalid decision %q", s)
}

// Allows reports whether the decision permits execution.
func (d Decision) Allows() bool {
	return d == DecisionAllowOnce || d == DecisionAllowAlways
}
