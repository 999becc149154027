package pipeline

import (
	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/domain"
)

// Branch is the path a run takes through the stages.
type Branch string

const (
	// BranchHeartbeat only refreshes liveness.
	BranchHeartbeat Branch = "heartbeat"
	// BranchViolation answers a frame whose payload failed validation.
	BranchViolation Branch = "protocol_violation"
	// BranchClientError handles an error reported by the client.
	BranchClientError Branch = "client_error"
	// BranchVerify checks a screen against the last issued instruction.
	BranchVerify Branch = "verify"
	// BranchScreen interprets a screen with no instruction outstanding.
	BranchScreen Branch = "screen"
	// BranchFull runs intent, context, knowledge and guidance on user input.
	BranchFull Branch = "full"
)

// Route selects the branch for a frame. It depends only on its arguments.
func Route(kind domain.MessageKind, violation, awaitingVerification bool) Branch {
	switch {
	case violation:
		return BranchViolation
	case kind == domain.KindHeartbeat:
		return BranchHeartbeat
	case kind == domain.KindError:
		return BranchClientError
	case kind == domain.KindScreen && awaitingVerification:
		return BranchVerify
	case kind == domain.KindScreen:
		return BranchScreen
	default:
		return BranchFull
	}
}

// Decision is everything the response kind depends on.
type Decision struct {
	Branch   Branch
	Override *domain.ResponseKind
	Clarify  bool
	Verdict  capability.Verdict
	Skill    domain.SkillLevel
	Element  bool
}

// ResponseKind maps a decision onto the outbound response kind. It depends
// only on its argument.
func ResponseKind(d Decision) domain.ResponseKind {
	switch {
	case d.Override != nil:
		return *d.Override
	case d.Branch == BranchHeartbeat:
		return domain.ResponseVerification
	case d.Clarify:
		return domain.ResponseInstruction
	case d.Verdict == capability.VerdictConfirmed, d.Verdict == capability.VerdictNotYet:
		return domain.ResponseVerification
	case d.Element && d.Skill != domain.SkillAdvanced:
		return domain.ResponseHighlight
	default:
		return domain.ResponseInstruction
	}
}
