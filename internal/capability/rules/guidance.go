package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/domain"
)

const offerText = "You can ask me to order food, send a message, or make a payment."

// GuidanceGenerator renders step instructions with verbosity tailored to the
// user's skill level.
type GuidanceGenerator struct{}

// GenerateGuidance implements capability.GuidanceGenerator.
func (GuidanceGenerator) GenerateGuidance(_ context.Context, req capability.GuidanceRequest) (capability.Guidance, error) {
	if req.Step != nil {
		return stepGuidance(req), nil
	}

	var content string
	switch req.Intent.Name {
	case capability.IntentGreeting:
		content = "Hello! I'm here to help you with your phone. " + offerText
	case capability.IntentCancel:
		content = "Okay, I've stopped. Tell me whenever you want to start something new."
	case capability.IntentHelp:
		if len(req.Snippets) > 0 {
			content = "Here's what I found: " + req.Snippets[0].Text
		} else {
			content = "I'm here to help. " + offerText
		}
	case capability.IntentDescribe:
		if req.Screen != nil && req.Screen.AppContext != "" {
			content = fmt.Sprintf("I can see you're in %s. What would you like to do?", appName(req.Screen.AppContext))
		} else {
			content = "I can see your screen. What would you like to do?"
		}
	default:
		content = "I'm not sure what you'd like to do. " + offerText
	}
	return capability.Guidance{Content: content}, nil
}

func stepGuidance(req capability.GuidanceRequest) capability.Guidance {
	step := req.Step
	instr := strings.TrimSuffix(strings.TrimSpace(step.Instruction), ".")

	var b strings.Builder
	switch req.Skill {
	case domain.SkillAdvanced:
		b.WriteString(instr + ".")
	case domain.SkillIntermediate:
		fmt.Fprintf(&b, "Step %d of %d: %s.", req.StepIndex+1, req.StepCount, instr)
	default:
		fmt.Fprintf(&b, "Step %d of %d: %s.", req.StepIndex+1, req.StepCount, instr)
		if step.Element != nil && step.Element.Label != "" {
			fmt.Fprintf(&b, " Look for %q, I've highlighted it for you.", step.Element.Label)
		}
		if missedBefore(req.Patterns, step.Instruction) {
			b.WriteString(" Many people miss this one, so go slowly.")
		}
		b.WriteString(" Take your time and tell me when you're done.")
	}
	if req.Intent.Name == capability.IntentHelp && len(req.Snippets) > 0 && req.Skill != domain.SkillAdvanced {
		b.WriteString(" Tip: " + req.Snippets[0].Text)
	}

	g := capability.Guidance{
		Content:       b.String(),
		ExpectedState: step.Expect,
	}
	if step.Element != nil {
		el := *step.Element
		if el.AppContext == "" {
			el.AppContext = req.AppContext
		}
		g.Element = &el
	}
	return g
}

func missedBefore(patterns []domain.Pattern, instruction string) bool {
	for _, p := range patterns {
		if p.Outcome == string(capability.VerdictMismatched) && strings.Contains(p.Guidance, instruction) {
			return true
		}
	}
	return false
}

func appName(app string) string {
	switch app {
	case "swiggy":
		return "Swiggy"
	case "whatsapp":
		return "WhatsApp"
	case "google_pay":
		return "Google Pay"
	}
	return app
}

// New returns a Providers set backed by the local rules. Speech capabilities
// are left unset.
func New() capability.Providers {
	return capability.Providers{
		Intent:   NewIntentClassifier(),
		Screen:   ScreenAnalyzer{},
		Guidance: GuidanceGenerator{},
		Verifier: StepVerifier{},
	}
}
