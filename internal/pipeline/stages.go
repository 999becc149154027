package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/knowledge"
	"github.com/ashureev/safehands/internal/learning"
	"github.com/ashureev/safehands/internal/recovery"
	"github.com/cenkalti/backoff/v4"
)

// runContext is the transient state of one run. It is owned by a single
// goroutine and discarded when the run ends.
type runContext struct {
	runID   string
	frame   domain.InboundFrame
	started time.Time
	branch  Branch

	// sess is a working copy; the stored record is replaced only when the
	// run completes.
	sess     *domain.Session
	awaiting bool
	judged   string

	intent    capability.Intent
	screen    *capability.ScreenAnalysis
	knowledge knowledge.Result
	guidance  *capability.Guidance
	prefix    string
	content   string
	clarify   bool
	verdict   capability.Verdict

	override *recovery.Override
	errored  bool
	records  []domain.ErrorRecord

	learnApp  string
	learnTask string
}

// callStage invokes a capability with the provider timeout. A failure is
// handed to the strategist, which either asks for a retry (bounded by
// policy) or supplies the override for the run. It reports whether a value
// was obtained.
func callStage[T any](ctx context.Context, o *Orchestrator, rc *runContext, stage string, fn func(context.Context) (T, error)) (T, bool) {
	var (
		val      T
		attempts int
		retryIdx = -1
	)
	op := func() error {
		v, err := capability.Call(ctx, stage, o.timeout, fn)
		if err == nil {
			val = v
			return nil
		}
		attempts++
		o.logger.Warn("Capability call failed", "session_id", rc.frame.SessionID, "stage", stage, "attempt", attempts, "error", err)

		ov := o.recover(rc, recovery.Failure{
			Class:   domain.ErrorCapabilityFailure,
			Stage:   stage,
			Detail:  err.Error(),
			Retried: attempts > o.policy.RetriesPerStage,
		})
		if ov.Retry {
			retryIdx = len(rc.records) - 1
			return err
		}
		rc.override = &ov
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.policy.RetryBackoff), uint64(o.policy.RetriesPerStage)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	if err == nil {
		if retryIdx >= 0 {
			rc.records[retryIdx].Outcome = domain.OutcomeRecovered
		}
		return val, true
	}
	if rc.override == nil {
		// Cancelled between attempts.
		ov := recovery.Override{Action: domain.ActionApology, Kind: domain.ResponseError, Content: recovery.ApologyText}
		rc.override = &ov
	}
	return val, false
}

// recover hands a failure to the strategist and records the outcome.
func (o *Orchestrator) recover(rc *runContext, f recovery.Failure) recovery.Override {
	ov := o.strategist.Recover(f, rc.sess)
	rc.errored = true

	outcome := domain.OutcomeResponded
	switch {
	case ov.Escalate:
		outcome = domain.OutcomeEscalated
		o.logger.Info("Offering human handoff", "session_id", rc.sess.ID, "class", f.Class, "escalations", rc.sess.EscalationCount)
	case ov.Retry:
		outcome = "retrying"
	}
	rc.records = append(rc.records, domain.ErrorRecord{
		SessionID: rc.sess.ID,
		Class:     f.Class,
		Stage:     f.Stage,
		Action:    ov.Action,
		Outcome:   outcome,
		Detail:    f.Detail,
		CreatedAt: o.now(),
	})
	o.emit(rc, "error_handling", string(ov.Action), string(f.Class), o.now())
	return ov
}

// fail routes a non-retryable failure to the strategist; its override
// replaces the run's guidance.
func (o *Orchestrator) fail(rc *runContext, f recovery.Failure) {
	ov := o.recover(rc, f)
	rc.override = &ov
}

func (o *Orchestrator) runFull(ctx context.Context, rc *runContext) {
	sess := rc.sess

	start := o.now()
	text, ok := o.inputText(ctx, rc)
	if !ok {
		o.emit(rc, "intent", "failed", "transcribe", start)
		return
	}
	intent, ok := callStage(ctx, o, rc, "intent", func(ctx context.Context) (capability.Intent, error) {
		if o.providers.Intent == nil {
			return capability.Intent{}, capability.ErrUnavailable
		}
		return o.providers.Intent.ClassifyIntent(ctx, capability.IntentRequest{
			Text:        text,
			AppContext:  sess.CurrentApp,
			CurrentTask: sess.CurrentTask,
			CurrentStep: sess.CurrentStep(),
		})
	})
	if !ok {
		o.emit(rc, "intent", "failed", "", start)
		return
	}
	if intent.Text == "" {
		intent.Text = text
	}
	rc.intent = intent
	if intent.Confidence < o.policy.ConfidenceThreshold {
		rc.clarify = true
		rc.content = clarifyText
		o.emit(rc, "intent", "clarify", intent.Name, start)
		return
	}
	o.emit(rc, "intent", intent.Name, "", start)

	o.contextStage(rc)

	// A verbal confirmation completes the outstanding step without counting
	// as a verified success.
	if rc.intent.Name == capability.IntentContinue && rc.intent.Continuation && sess.HasTask() && sess.AwaitingVerification {
		rc.learnApp, rc.learnTask = sess.CurrentApp, sess.CurrentTask
		rc.judged = sess.LastInstruction
		if sess.AdvanceStep() {
			rc.content = completedText
			return
		}
		rc.prefix = confirmedPrefix
	}

	o.knowledgeStage(ctx, rc, text)
	o.guidanceStage(ctx, rc)
}

func (o *Orchestrator) inputText(ctx context.Context, rc *runContext) (string, bool) {
	switch rc.frame.Kind {
	case domain.KindCommand:
		return rc.frame.Command.Text, true
	case domain.KindVoice:
		v := rc.frame.Voice
		if v.Transcript != "" {
			return capability.NormalizeTranscript(v.Transcript), true
		}
		text, ok := callStage(ctx, o, rc, "transcribe", func(ctx context.Context) (string, error) {
			if o.providers.Transcriber == nil {
				return "", capability.ErrUnavailable
			}
			return o.providers.Transcriber.Transcribe(ctx, v.Audio, v.Language)
		})
		return capability.NormalizeTranscript(text), ok
	}
	return "", false
}

func (o *Orchestrator) contextStage(rc *runContext) {
	start := o.now()
	sess := rc.sess
	intent := rc.intent
	outcome := "unchanged"

	switch {
	case intent.Name == capability.IntentCancel:
		if sess.CurrentTask != "" {
			outcome = "task_cancelled"
		}
		sess.StartTask("", nil)
	case intent.Task != "" && intent.Task != sess.CurrentTask:
		if sess.CurrentTask == "" || intent.Confidence >= o.policy.OverrideConfidence {
			outcome = "task_started"
			if sess.CurrentTask != "" {
				outcome = "task_overridden"
			}
			sess.StartTask(intent.Task, o.instructions(intent.Task))
			if intent.AppContext != "" {
				sess.CurrentApp = intent.AppContext
			}
		} else {
			// Too weak to abandon the task in progress.
			rc.intent.Task = sess.CurrentTask
			outcome = "task_kept"
		}
	case intent.AppContext != "" && sess.CurrentApp == "":
		sess.CurrentApp = intent.AppContext
		outcome = "app_set"
	}
	o.emit(rc, "context", outcome, sess.CurrentTask, start)
}

func (o *Orchestrator) knowledgeStage(ctx context.Context, rc *runContext, query string) {
	start := o.now()
	if o.kb == nil {
		return
	}
	if rc.intent.Continuation && rc.intent.Name == capability.IntentContinue {
		o.emit(rc, "knowledge", "skipped", "continuation", start)
		return
	}
	res, err := o.kb.Retrieve(ctx, knowledge.Query{
		Text:         query,
		AppContext:   rc.sess.CurrentApp,
		Task:         rc.sess.CurrentTask,
		Limit:        3,
		PatternLimit: o.policy.PatternLookupLimit,
	})
	if err != nil {
		o.logger.Warn("Knowledge retrieval incomplete", "session_id", rc.sess.ID, "error", err)
	}
	rc.knowledge = res
	o.emit(rc, "knowledge", "retrieved", "", start)
}

func (o *Orchestrator) guidanceStage(ctx context.Context, rc *runContext) {
	start := o.now()
	sess := rc.sess

	var step *capability.Step
	if sess.HasTask() {
		step = o.currentStep(sess)
	}
	req := capability.GuidanceRequest{
		Intent:     rc.intent,
		AppContext: sess.CurrentApp,
		Task:       sess.CurrentTask,
		Skill:      sess.Skill,
		Step:       step,
		StepIndex:  sess.StepIndex,
		StepCount:  len(sess.Steps),
		Snippets:   rc.knowledge.Snippets,
		Patterns:   rc.knowledge.Patterns,
		Screen:     rc.screen,
	}
	g, ok := callStage(ctx, o, rc, "guidance", func(ctx context.Context) (capability.Guidance, error) {
		if o.providers.Guidance == nil {
			return capability.Guidance{}, capability.ErrUnavailable
		}
		return o.providers.Guidance.GenerateGuidance(ctx, req)
	})
	if !ok {
		o.emit(rc, "guidance", "failed", "", start)
		return
	}

	if step != nil {
		sess.LastInstruction = step.Instruction
		sess.ExpectedState = firstNonEmpty(g.ExpectedState, step.Expect)
		sess.AwaitingVerification = true
		if next := sess.StepIndex + 1; g.NextStep == "" && next < len(sess.Steps) {
			g.NextStep = sess.Steps[next]
		}
		rc.learnApp, rc.learnTask = sess.CurrentApp, sess.CurrentTask
	}
	if sess.Skill == domain.SkillAdvanced {
		g.Element = nil
	}
	rc.guidance = &g
	o.emit(rc, "guidance", string(sess.Skill), "", start)
}

// currentStep returns the guide step matching the session's current
// instruction, falling back to the bare instruction.
func (o *Orchestrator) currentStep(sess *domain.Session) *capability.Step {
	instr := sess.CurrentStep()
	if o.kb != nil {
		if s := o.kb.Step(sess.CurrentTask, sess.StepIndex); s != nil && s.Instruction == instr {
			return s
		}
	}
	return &capability.Step{Instruction: instr}
}

func (o *Orchestrator) instructions(task string) []string {
	if o.kb == nil {
		return nil
	}
	return o.kb.Instructions(task)
}

// taskApp is the app a task is expected to run in, or "" when it spans apps.
func (o *Orchestrator) taskApp(sess *domain.Session) string {
	if o.kb != nil {
		if g, ok := o.kb.Plan(sess.CurrentTask); ok && g.AppContext != "general" {
			return g.AppContext
		}
	}
	return sess.CurrentApp
}

func (o *Orchestrator) analyze(ctx context.Context, rc *runContext, expected string) (capability.ScreenAnalysis, bool) {
	start := o.now()
	s := rc.frame.Screen
	analysis, ok := callStage(ctx, o, rc, "screen", func(ctx context.Context) (capability.ScreenAnalysis, error) {
		if o.providers.Screen == nil {
			return capability.ScreenAnalysis{}, capability.ErrUnavailable
		}
		return o.providers.Screen.AnalyzeScreen(ctx, capability.ScreenRequest{
			Image:       s.Image,
			Width:       s.Width,
			Height:      s.Height,
			AppContext:  s.AppContext,
			VisibleText: s.VisibleText,
			Expected:    expected,
		})
	})
	if !ok {
		o.emit(rc, "intent", "failed", "screen", start)
		return analysis, false
	}
	if analysis.AppContext == "" {
		analysis.AppContext = s.AppContext
	}
	o.emit(rc, "intent", "screen_analyzed", analysis.AppContext, start)
	return analysis, true
}

func (o *Orchestrator) runScreen(ctx context.Context, rc *runContext) {
	sess := rc.sess
	analysis, ok := o.analyze(ctx, rc, "")
	if !ok {
		return
	}
	rc.screen = &analysis

	rc.intent = capability.Intent{Name: capability.IntentDescribe, Confidence: 1, AppContext: analysis.AppContext}
	if sess.HasTask() {
		rc.intent.Name = capability.IntentContinue
		rc.intent.Task = sess.CurrentTask
		rc.intent.Continuation = true
	}

	start := o.now()
	if analysis.AppContext != "" && analysis.AppContext != sess.CurrentApp {
		sess.CurrentApp = analysis.AppContext
		o.emit(rc, "context", "app_set", analysis.AppContext, start)
	}

	o.knowledgeStage(ctx, rc, analysis.VisibleText)
	o.guidanceStage(ctx, rc)
}

func (o *Orchestrator) runVerify(ctx context.Context, rc *runContext) {
	sess := rc.sess
	analysis, ok := o.analyze(ctx, rc, sess.ExpectedState)
	if !ok {
		return
	}
	rc.screen = &analysis
	rc.intent = capability.Intent{
		Name:         capability.IntentContinue,
		Confidence:   1,
		AppContext:   analysis.AppContext,
		Task:         sess.CurrentTask,
		Continuation: true,
	}
	rc.learnApp, rc.learnTask = sess.CurrentApp, sess.CurrentTask
	rc.judged = sess.LastInstruction

	// Leaving the task's app only counts as a deviation once it was opened.
	expectApp := ""
	if sess.StepIndex > 0 {
		expectApp = o.taskApp(sess)
	}

	start := o.now()
	v, ok := callStage(ctx, o, rc, "verify", func(ctx context.Context) (capability.Verification, error) {
		if o.providers.Verifier == nil {
			return capability.Verification{}, capability.ErrUnavailable
		}
		return o.providers.Verifier.VerifyStep(ctx, capability.VerifyRequest{
			AppContext:  expectApp,
			Instruction: sess.LastInstruction,
			Expected:    sess.ExpectedState,
			Screen:      analysis,
		})
	})
	if !ok {
		o.emit(rc, "verification", "failed", "", start)
		return
	}
	if v.Verdict != capability.VerdictConfirmed && v.Verdict != capability.VerdictMismatched {
		v.Verdict = capability.VerdictNotYet
	}
	rc.verdict = v.Verdict
	o.emit(rc, "verification", string(v.Verdict), v.Observed, start)

	switch v.Verdict {
	case capability.VerdictConfirmed:
		if analysis.AppContext != "" {
			sess.CurrentApp = analysis.AppContext
		}
		if sess.AdvanceStep() {
			rc.content = completedText
			return
		}
		rc.prefix = confirmedPrefix
		o.guidanceStage(ctx, rc)
	case capability.VerdictMismatched:
		o.fail(rc, recovery.Failure{
			Class:    domain.ErrorVerificationMismatch,
			Stage:    "verify",
			Detail:   v.Observed,
			Expected: sess.ExpectedState,
			Observed: v.Observed,
		})
	default:
		rc.content = notYetPrefix + strings.TrimSuffix(sess.LastInstruction, ".") + "."
	}
}

func (o *Orchestrator) learn(ctx context.Context, rc *runContext) {
	start := o.now()
	sess := rc.sess

	guidance := rc.judged
	if guidance == "" && rc.guidance != nil {
		guidance = rc.guidance.Content
	}
	o.learner.Record(ctx, sess, learning.Outcome{
		AppContext: firstNonEmpty(rc.learnApp, sess.CurrentApp),
		Task:       firstNonEmpty(rc.learnTask, sess.CurrentTask),
		Intent:     rc.intent.Name,
		Guidance:   guidance,
		Verdict:    rc.verdict,
		StepIssued: rc.awaiting,
		Errored:    rc.errored,
	})
	if !rc.errored {
		o.strategist.Succeeded(sess)
	}
	o.emit(rc, "learning", string(sess.Skill), string(rc.verdict), start)
}

func (o *Orchestrator) assemble(ctx context.Context, rc *runContext) domain.OutboundFrame {
	out := domain.OutboundFrame{
		SessionID: rc.frame.SessionID,
		Timestamp: o.now().UTC(),
	}
	d := Decision{
		Branch:  rc.branch,
		Clarify: rc.clarify,
		Verdict: rc.verdict,
		Skill:   rc.sess.Skill,
	}

	switch {
	case rc.override != nil:
		kind := rc.override.Kind
		d.Override = &kind
		out.Content = rc.override.Content
	case rc.guidance != nil:
		out.Content = rc.prefix + rc.guidance.Content
		out.UIElement = rc.guidance.Element
		out.NextStep = rc.guidance.NextStep
		d.Element = out.UIElement != nil
	default:
		out.Content = rc.content
	}
	out.Kind = ResponseKind(d)

	if rc.frame.Voice != nil && o.providers.Synthesizer != nil && out.Content != "" {
		start := o.now()
		lang := rc.frame.Voice.Language
		audio, err := capability.Call(ctx, "synthesize", o.timeout, func(ctx context.Context) ([]byte, error) {
			return o.providers.Synthesizer.Synthesize(ctx, out.Content, lang)
		})
		if err != nil {
			// Audio is optional; the text response stands.
			o.logger.Warn("Speech synthesis failed", "session_id", rc.frame.SessionID, "error", err)
			rc.records = append(rc.records, domain.ErrorRecord{
				SessionID: rc.frame.SessionID,
				Class:     domain.ErrorCapabilityFailure,
				Stage:     "synthesize",
				Outcome:   domain.OutcomeResponded,
				Detail:    err.Error(),
				CreatedAt: o.now(),
			})
			o.emit(rc, "synthesize", "failed", "", start)
		} else {
			out.Audio = audio
			o.emit(rc, "synthesize", "ok", "", start)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
