// Package learning records pipeline outcomes into session skill estimates and
// the shared pattern store.
package learning

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/domain"
)

// Pattern outcomes recorded for runs without a verification verdict.
const (
	OutcomeResponded = "responded"
	OutcomeError     = "error"
)

// PatternWriter appends learned patterns.
type PatternWriter interface {
	AppendPattern(ctx context.Context, p domain.Pattern) error
}

// Outcome summarizes one pipeline run for learning.
type Outcome struct {
	AppContext string
	Task       string
	Intent     string
	Guidance   string
	// Verdict is empty when no verification ran.
	Verdict capability.Verdict
	// StepIssued is set when an instruction was awaiting verification at
	// the start of the run.
	StepIssued bool
	Errored    bool
}

// Unit is the learning feedback unit.
type Unit struct {
	patterns     PatternWriter
	promoteAfter int
	timeout      time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a learning unit. patterns may be nil.
func New(patterns PatternWriter, promoteAfter int, logger *slog.Logger) *Unit {
	if logger == nil {
		logger = slog.Default()
	}
	if promoteAfter <= 0 {
		promoteAfter = 3
	}
	return &Unit{
		patterns:     patterns,
		promoteAfter: promoteAfter,
		timeout:      2 * time.Second,
		logger:       logger,
		now:          time.Now,
	}
}

// Record updates the skill estimate on sess and appends the run's pattern.
// Failures are logged and never returned.
func (u *Unit) Record(ctx context.Context, sess *domain.Session, o Outcome) {
	switch o.Verdict {
	case capability.VerdictConfirmed:
		sess.SuccessStreak++
		if sess.SuccessStreak >= u.promoteAfter {
			prev := sess.Skill
			sess.Skill = sess.Skill.Raise()
			sess.SuccessStreak = 0
			if prev != sess.Skill {
				u.logger.Info("Skill level raised", "session_id", sess.ID, "from", prev, "to", sess.Skill)
			}
		}
	case capability.VerdictMismatched:
		sess.SuccessStreak = 0
		if o.StepIssued {
			prev := sess.Skill
			sess.Skill = sess.Skill.Lower()
			if prev != sess.Skill {
				u.logger.Info("Skill level lowered", "session_id", sess.ID, "from", prev, "to", sess.Skill)
			}
		}
	}

	if u.patterns == nil || o.AppContext == "" || o.Task == "" || o.Guidance == "" {
		return
	}
	outcome := string(o.Verdict)
	if outcome == "" {
		outcome = OutcomeResponded
		if o.Errored {
			outcome = OutcomeError
		}
	}

	appendCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	err := u.patterns.AppendPattern(appendCtx, domain.Pattern{
		AppContext: o.AppContext,
		Task:       o.Task,
		Intent:     o.Intent,
		Guidance:   o.Guidance,
		Outcome:    outcome,
		CreatedAt:  u.now(),
	})
	if err != nil {
		u.logger.Warn("Failed to record pattern", "session_id", sess.ID, "error", err)
	}
}
