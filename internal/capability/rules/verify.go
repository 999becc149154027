package rules

import (
	"context"
	"strings"

	"github.com/ashureev/safehands/internal/capability"
)

// StepVerifier checks the expected-state keywords of a step against the
// screen text.
//
// A screen in a different app than expected is a mismatch. Otherwise the
// step is confirmed when any expected keyword is visible and not yet done
// when none is.
type StepVerifier struct{}

// VerifyStep implements capability.StepVerifier.
func (StepVerifier) VerifyStep(_ context.Context, req capability.VerifyRequest) (capability.Verification, error) {
	observed := strings.ToLower(strings.TrimSpace(req.Screen.Summary + " " + req.Screen.VisibleText))
	v := capability.Verification{Verdict: capability.VerdictNotYet, Observed: strings.TrimSpace(req.Screen.Summary)}

	want := strings.ToLower(strings.TrimSpace(req.AppContext))
	got := strings.ToLower(strings.TrimSpace(req.Screen.AppContext))
	if want != "" && got != "" && want != got {
		v.Verdict = capability.VerdictMismatched
		v.Observed = "the " + got + " app is open"
		return v, nil
	}

	keywords := splitKeywords(req.Expected)
	if len(keywords) == 0 {
		// Nothing to check against: accept the screen as progress.
		v.Verdict = capability.VerdictConfirmed
		return v, nil
	}
	for _, kw := range keywords {
		if strings.Contains(observed, kw) {
			v.Verdict = capability.VerdictConfirmed
			return v, nil
		}
	}
	return v, nil
}

func splitKeywords(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
