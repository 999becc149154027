// Package pipeline implements the per-frame decision pipeline: intent,
// context, knowledge, guidance, verification, error handling, learning and
// response assembly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/config"
	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/eventlog"
	"github.com/ashureev/safehands/internal/knowledge"
	"github.com/ashureev/safehands/internal/learning"
	"github.com/ashureev/safehands/internal/recovery"
	"github.com/google/uuid"
)

// Response texts owned by the orchestrator.
const (
	clarifyText     = "Sorry, I didn't quite catch that. Could you please say it again?"
	completedText   = "Well done! You've completed all the steps. Is there anything else I can help you with?"
	confirmedPrefix = "Great, that's done! "
	notYetPrefix    = "I don't see that on your screen yet. Take your time: "
	unavailableText = "Sorry, I can't reach your session right now. Please try again in a moment."
	endedText       = "Your session has ended. Please start a new session."
	heartbeatText   = "alive"
)

// Store is the session state the orchestrator reads and writes.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSession(ctx context.Context, sessionID string, fn func(*domain.Session) error) (*domain.Session, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	AppendErrorRecord(ctx context.Context, rec domain.ErrorRecord) error
}

// AlertFunc is notified when session store failures repeat.
type AlertFunc func(consecutive int64, err error)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store           Store
	Providers       capability.Providers
	Knowledge       *knowledge.Base
	Strategist      *recovery.Strategist
	Learner         *learning.Unit
	Events          eventlog.Logger
	Policy          config.Policy
	ProviderTimeout time.Duration
	Logger          *slog.Logger
	Alert           AlertFunc
}

// Orchestrator runs the decision pipeline. Runs for one session are
// serialized; runs for different sessions proceed in parallel.
type Orchestrator struct {
	store      Store
	providers  capability.Providers
	kb         *knowledge.Base
	strategist *recovery.Strategist
	learner    *learning.Unit
	events     eventlog.Logger
	policy     config.Policy
	timeout    time.Duration
	logger     *slog.Logger
	alert      AlertFunc
	now        func() time.Time

	locks         *keyedMutex
	storeFailures atomic.Int64
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = eventlog.Nop{}
	}
	if d.Strategist == nil {
		d.Strategist = recovery.New(d.Policy.RepeatedErrorThreshold)
	}
	if d.Learner == nil {
		d.Learner = learning.New(nil, d.Policy.PromoteAfter, d.Logger)
	}
	if d.ProviderTimeout <= 0 {
		d.ProviderTimeout = 5 * time.Second
	}
	return &Orchestrator{
		store:      d.Store,
		providers:  d.Providers,
		kb:         d.Knowledge,
		strategist: d.Strategist,
		learner:    d.Learner,
		events:     d.Events,
		policy:     d.Policy,
		timeout:    d.ProviderTimeout,
		logger:     d.Logger,
		alert:      d.Alert,
		now:        time.Now,
		locks:      newKeyedMutex(),
	}
}

// Run executes one pipeline run for frame and returns the single outbound
// frame it produces. The frame is always usable; the error is non-nil only
// when session state could not be read or written (wrapping
// domain.ErrSessionUnavailable or domain.ErrSessionNotFound).
func (o *Orchestrator) Run(ctx context.Context, frame domain.InboundFrame) (domain.OutboundFrame, error) {
	unlock := o.locks.Lock(frame.SessionID)
	defer unlock()

	rc := &runContext{
		runID:   uuid.NewString(),
		frame:   frame,
		started: o.now(),
	}

	if frame.Kind == domain.KindHeartbeat && frame.Violation == nil {
		return o.heartbeat(ctx, rc)
	}

	stored, err := o.store.GetSession(ctx, frame.SessionID)
	if err != nil {
		return o.unavailable(rc, fmt.Errorf("read session: %w", err))
	}
	if stored == nil {
		return o.ended(rc)
	}
	o.storeRecovered()

	rc.sess = stored.Clone()
	rc.awaiting = stored.AwaitingVerification
	rc.branch = Route(frame.Kind, frame.Violation != nil, rc.awaiting)

	switch rc.branch {
	case BranchViolation:
		o.fail(rc, recovery.Failure{Class: domain.ErrorProtocolViolation, Stage: "router", Detail: frame.Violation.Error()})
	case BranchClientError:
		detail := frame.ClientError.Message
		if detail == "" {
			detail = frame.ClientError.Code
		}
		o.fail(rc, recovery.Failure{Class: domain.ErrorClientReported, Stage: "client", Detail: detail})
	case BranchVerify:
		o.runVerify(ctx, rc)
	case BranchScreen:
		o.runScreen(ctx, rc)
	default:
		o.runFull(ctx, rc)
	}

	o.learn(ctx, rc)
	out := o.assemble(ctx, rc)

	if err := o.persist(ctx, rc); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return o.ended(rc)
		}
		return o.unavailable(rc, err)
	}
	o.emit(rc, "response", string(out.Kind), "", rc.started)
	return out, nil
}

func (o *Orchestrator) heartbeat(ctx context.Context, rc *runContext) (domain.OutboundFrame, error) {
	rc.branch = BranchHeartbeat
	if err := o.store.TouchSession(ctx, rc.frame.SessionID, o.now()); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return o.ended(rc)
		}
		return o.unavailable(rc, fmt.Errorf("touch session: %w", err))
	}
	o.storeRecovered()
	o.emit(rc, "heartbeat", "ack", "", rc.started)
	return domain.OutboundFrame{
		Kind:      ResponseKind(Decision{Branch: BranchHeartbeat}),
		Content:   heartbeatText,
		SessionID: rc.frame.SessionID,
		Ack:       true,
		Timestamp: o.now().UTC(),
	}, nil
}

// unavailable produces the degraded frame for a session store failure.
func (o *Orchestrator) unavailable(rc *runContext, err error) (domain.OutboundFrame, error) {
	n := o.storeFailures.Add(1)
	o.logger.Error("Session store failure", "session_id", rc.frame.SessionID, "consecutive", n, "error", err)
	if o.alert != nil && o.policy.StoreFailureAlert > 0 && n >= int64(o.policy.StoreFailureAlert) {
		o.alert(n, err)
	}
	o.emit(rc, "response", string(domain.ResponseError), "session_unavailable", rc.started)
	return domain.OutboundFrame{
		Kind:      domain.ResponseError,
		Content:   unavailableText,
		SessionID: rc.frame.SessionID,
		Timestamp: o.now().UTC(),
	}, fmt.Errorf("%w: %v", domain.ErrSessionUnavailable, err)
}

func (o *Orchestrator) ended(rc *runContext) (domain.OutboundFrame, error) {
	o.emit(rc, "response", string(domain.ResponseError), "session_not_found", rc.started)
	return domain.OutboundFrame{
		Kind:      domain.ResponseError,
		Content:   endedText,
		SessionID: rc.frame.SessionID,
		Timestamp: o.now().UTC(),
	}, domain.ErrSessionNotFound
}

func (o *Orchestrator) storeRecovered() {
	o.storeFailures.Store(0)
}

// persist writes the run's session state and error history in one atomic
// update. The is-active flag is owned by the connection manager and is left
// as stored.
func (o *Orchestrator) persist(ctx context.Context, rc *runContext) error {
	working := rc.sess.Clone()
	working.LastActivity = o.now()
	working.LastInteraction = working.LastActivity
	_, err := o.store.UpdateSession(ctx, rc.frame.SessionID, func(cur *domain.Session) error {
		active := cur.Active
		*cur = *working.Clone()
		cur.Active = active
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("write session: %w", err)
	}
	o.storeRecovered()

	for _, rec := range rc.records {
		if err := o.store.AppendErrorRecord(ctx, rec); err != nil {
			o.logger.Warn("Failed to append error record", "session_id", rec.SessionID, "class", rec.Class, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) emit(rc *runContext, stage, outcome, detail string, started time.Time) {
	o.events.Log(eventlog.Event{
		SessionID:  rc.frame.SessionID,
		RunID:      rc.runID,
		FrameKind:  string(rc.frame.Kind),
		Stage:      stage,
		Branch:     string(rc.branch),
		Outcome:    outcome,
		Detail:     detail,
		DurationMs: o.now().Sub(started).Milliseconds(),
	})
}
