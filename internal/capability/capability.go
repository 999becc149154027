// Package capability defines the external inference providers consumed by the
// pipeline: intent classification, screen analysis, guidance generation, step
// verification and speech.
package capability

import (
	"context"

	"github.com/ashureev/safehands/internal/domain"
)

// Well-known intent names.
const (
	IntentStartTask   = "start_task"
	IntentContinue    = "continue"
	IntentHelp        = "help"
	IntentGreeting    = "greeting"
	IntentCancel      = "cancel"
	IntentReportIssue = "report_issue"
	IntentDescribe    = "describe_screen"
	IntentUnknown     = "unknown"
)

// Intent is the classified meaning of one user utterance or screen.
type Intent struct {
	Name       string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	AppContext string  `json:"app_context,omitempty"`
	Task       string  `json:"task,omitempty"`
	// Continuation marks an unambiguous continuation of the current task.
	Continuation bool   `json:"continuation,omitempty"`
	Text         string `json:"text,omitempty"`
}

// IntentRequest is the input to intent classification.
type IntentRequest struct {
	Text        string `json:"text"`
	AppContext  string `json:"app_context,omitempty"`
	CurrentTask string `json:"current_task,omitempty"`
	CurrentStep string `json:"current_step,omitempty"`
}

// ScreenRequest is the input to screen analysis.
type ScreenRequest struct {
	Image       []byte `json:"image"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	AppContext  string `json:"app_context,omitempty"`
	VisibleText string `json:"visible_text,omitempty"`
	// Expected is the state the last instruction should have produced.
	Expected string `json:"expected,omitempty"`
}

// ScreenAnalysis describes what is visible on the device.
type ScreenAnalysis struct {
	AppContext  string             `json:"app_context,omitempty"`
	Summary     string             `json:"summary,omitempty"`
	VisibleText string             `json:"visible_text,omitempty"`
	Elements    []domain.UIElement `json:"elements,omitempty"`
}

// Step is one instruction of a guided task.
type Step struct {
	Instruction string            `json:"instruction"`
	Expect      string            `json:"expect,omitempty"`
	Element     *domain.UIElement `json:"element,omitempty"`
}

// Snippet is a knowledge fragment retrieved for guidance.
type Snippet struct {
	Source string  `json:"source"`
	Title  string  `json:"title"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// GuidanceRequest is the input to guidance generation.
type GuidanceRequest struct {
	Intent     Intent            `json:"intent"`
	AppContext string            `json:"app_context,omitempty"`
	Task       string            `json:"task,omitempty"`
	Skill      domain.SkillLevel `json:"skill_level"`
	Step       *Step             `json:"step,omitempty"`
	StepIndex  int               `json:"step_index"`
	StepCount  int               `json:"step_count"`
	Snippets   []Snippet         `json:"snippets,omitempty"`
	Patterns   []domain.Pattern  `json:"patterns,omitempty"`
	Screen     *ScreenAnalysis   `json:"screen,omitempty"`
}

// Guidance is generated instruction content.
type Guidance struct {
	Content       string            `json:"content"`
	NextStep      string            `json:"next_step,omitempty"`
	ExpectedState string            `json:"expected_state,omitempty"`
	Element       *domain.UIElement `json:"element,omitempty"`
}

// Verdict is the outcome of step verification.
type Verdict string

const (
	VerdictConfirmed  Verdict = "confirmed"
	VerdictNotYet     Verdict = "not_yet"
	VerdictMismatched Verdict = "mismatched"
)

// VerifyRequest is the input to step verification.
type VerifyRequest struct {
	AppContext  string         `json:"app_context,omitempty"`
	Instruction string         `json:"instruction"`
	Expected    string         `json:"expected,omitempty"`
	Screen      ScreenAnalysis `json:"screen"`
}

// Verification is the verifier's judgement of the current screen.
type Verification struct {
	Verdict  Verdict `json:"verdict"`
	Observed string  `json:"observed,omitempty"`
}

// IntentClassifier classifies user input into an intent.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, req IntentRequest) (Intent, error)
}

// ScreenAnalyzer describes a screenshot.
type ScreenAnalyzer interface {
	AnalyzeScreen(ctx context.Context, req ScreenRequest) (ScreenAnalysis, error)
}

// GuidanceGenerator produces instruction content.
type GuidanceGenerator interface {
	GenerateGuidance(ctx context.Context, req GuidanceRequest) (Guidance, error)
}

// StepVerifier compares a screen against the expected post-instruction state.
type StepVerifier interface {
	VerifyStep(ctx context.Context, req VerifyRequest) (Verification, error)
}

// SpeechSynthesizer converts text to audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

// SpeechTranscriber converts audio to text.
type SpeechTranscriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Providers bundles one implementation of each capability. Synthesizer and
// Transcriber are optional.
type Providers struct {
	Intent      IntentClassifier
	Screen      ScreenAnalyzer
	Guidance    GuidanceGenerator
	Verifier    StepVerifier
	Synthesizer SpeechSynthesizer
	Transcriber SpeechTranscriber
}
