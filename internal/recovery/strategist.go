// Package recovery selects how the pipeline answers errors.
package recovery

import (
	"fmt"
	"strings"

	"github.com/ashureev/safehands/internal/domain"
)

// Response texts.
const (
	ApologyText = "Sorry, I'm having trouble right now. Please give me a moment and try again."
	HandoffText = "This seems to be tricky. Would you like me to connect you with a person who can help?"
	GenericText = "Sorry, something went wrong with that message. Please try again."
)

// Failure describes one error detected during a pipeline run.
type Failure struct {
	Class  domain.ErrorClass
	Stage  string
	Detail string
	// Retried is set when the failing stage has already been retried in
	// this run.
	Retried bool
	// Expected and Observed describe a deviation from the last instruction.
	Expected string
	Observed string
}

// Override replaces the default guidance of a run.
type Override struct {
	Action   domain.RecoveryAction
	Kind     domain.ResponseKind
	Content  string
	Retry    bool
	Escalate bool
}

// Strategist maps failures onto recovery actions and keeps the per-session
// error counters that drive escalation. It holds no state of its own.
type Strategist struct {
	threshold int
}

// New returns a strategist that escalates after threshold consecutive errors
// of the same class.
func New(threshold int) *Strategist {
	if threshold <= 0 {
		threshold = 3
	}
	return &Strategist{threshold: threshold}
}

// Recover records f against sess and returns the chosen override. Every call
// counts toward the repeated-error threshold, including failures of a retry.
// Protocol violations never escalate and do not affect the streak.
func (s *Strategist) Recover(f Failure, sess *domain.Session) Override {
	sess.ErrorCount++

	if f.Class == domain.ErrorProtocolViolation {
		return Override{Action: domain.ActionGenericError, Kind: domain.ResponseError, Content: GenericText}
	}

	if sess.LastErrorClass == f.Class {
		sess.ErrorStreak++
	} else {
		sess.LastErrorClass = f.Class
		sess.ErrorStreak = 1
	}

	if sess.ErrorStreak >= s.threshold {
		sess.Escalated = true
		sess.EscalationCount++
		sess.ErrorStreak = 0
		return Override{
			Action:   domain.ActionOfferHandoff,
			Kind:     domain.ResponseProactive,
			Content:  HandoffText,
			Escalate: true,
		}
	}

	switch f.Class {
	case domain.ErrorCapabilityFailure:
		if !f.Retried {
			return Override{Action: domain.ActionRetry, Kind: domain.ResponseError, Content: ApologyText, Retry: true}
		}
		return Override{Action: domain.ActionApology, Kind: domain.ResponseError, Content: ApologyText}
	case domain.ErrorVerificationMismatch, domain.ErrorClientReported:
		return Override{
			Action:  domain.ActionCorrective,
			Kind:    domain.ResponseInstruction,
			Content: corrective(f, sess),
		}
	default:
		return Override{Action: domain.ActionGenericError, Kind: domain.ResponseError, Content: GenericText}
	}
}

// Succeeded clears the error streak after a run without errors.
func (s *Strategist) Succeeded(sess *domain.Session) {
	sess.ErrorStreak = 0
	sess.LastErrorClass = ""
}

// Threshold returns the escalation threshold.
func (s *Strategist) Threshold() int {
	return s.threshold
}

func corrective(f Failure, sess *domain.Session) string {
	var b strings.Builder
	if f.Class == domain.ErrorClientReported {
		b.WriteString("It looks like something went wrong on your phone")
		if f.Detail != "" {
			fmt.Fprintf(&b, " (%s)", f.Detail)
		}
		b.WriteString(".")
	} else {
		b.WriteString("That doesn't look quite right.")
		if f.Expected != "" {
			fmt.Fprintf(&b, " I was expecting to see %s", f.Expected)
			if f.Observed != "" {
				fmt.Fprintf(&b, ", but %s", f.Observed)
			}
			b.WriteString(".")
		}
	}

	step := sess.LastInstruction
	if step == "" {
		step = sess.CurrentStep()
	}
	if step != "" {
		fmt.Fprintf(&b, " Let's try that again: %s.", strings.TrimSuffix(step, "."))
	} else {
		b.WriteString(" Let's try again.")
	}
	return b.String()
}
