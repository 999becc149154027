package pipeline

import (
	"testing"

	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/domain"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		kind      domain.MessageKind
		violation bool
		awaiting  bool
		want      Branch
	}{
		{domain.KindHeartbeat, false, true, BranchHeartbeat},
		{domain.KindHeartbeat, true, false, BranchViolation},
		{domain.KindScreen, true, true, BranchViolation},
		{domain.KindError, false, false, BranchClientError},
		{domain.KindScreen, false, true, BranchVerify},
		{domain.KindScreen, false, false, BranchScreen},
		{domain.KindVoice, false, true, BranchFull},
		{domain.KindCommand, false, false, BranchFull},
	}
	for _, tt := range tests {
		if got := Route(tt.kind, tt.violation, tt.awaiting); got != tt.want {
			t.Errorf("Route(%s, %v, %v) = %s, want %s", tt.kind, tt.violation, tt.awaiting, got, tt.want)
		}
	}
}

func TestResponseKind(t *testing.T) {
	proactive := domain.ResponseProactive
	tests := []struct {
		name string
		d    Decision
		want domain.ResponseKind
	}{
		{"override wins", Decision{Branch: BranchVerify, Override: &proactive, Verdict: capability.VerdictConfirmed}, domain.ResponseProactive},
		{"heartbeat", Decision{Branch: BranchHeartbeat}, domain.ResponseVerification},
		{"clarify", Decision{Branch: BranchFull, Clarify: true, Element: true}, domain.ResponseInstruction},
		{"confirmed", Decision{Branch: BranchVerify, Verdict: capability.VerdictConfirmed, Element: true}, domain.ResponseVerification},
		{"not yet", Decision{Branch: BranchVerify, Verdict: capability.VerdictNotYet}, domain.ResponseVerification},
		{"element for beginner", Decision{Branch: BranchFull, Element: true, Skill: domain.SkillBeginner}, domain.ResponseHighlight},
		{"element for advanced", Decision{Branch: BranchFull, Element: true, Skill: domain.SkillAdvanced}, domain.ResponseInstruction},
		{"plain", Decision{Branch: BranchScreen}, domain.ResponseInstruction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResponseKind(tt.d); got != tt.want {
				t.Errorf("ResponseKind() = %s, want %s", got, tt.want)
			}
		})
	}
}
