// Package openai implements the capability providers on the OpenAI API:
// chat models for intent, guidance and verification, a vision model for
// screens, and the speech endpoints for TTS and transcription.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/domain"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

var errEmptyCompletion = errors.New("empty completion")

// Config selects the models used for each capability.
type Config struct {
	APIKey       string
	Model        string
	VisionModel  string
	TTSModel     string
	WhisperModel string
	Voice        string
}

// Client implements every capability interface.
type Client struct {
	api oai.Client
	cfg Config
}

// New creates a Client. opts are appended to the API key option.
func New(cfg Config, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &Client{api: oai.NewClient(opts...), cfg: cfg}
}

// Providers returns c as a full provider set.
func (c *Client) Providers() capability.Providers {
	return capability.Providers{
		Intent:      c,
		Screen:      c,
		Guidance:    c,
		Verifier:    c,
		Synthesizer: c,
		Transcriber: c,
	}
}

func (c *Client) complete(ctx context.Context, model, system string, user oai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    []oai.ChatCompletionMessageParamUnion{oai.SystemMessage(system), user},
		Temperature: oai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errEmptyCompletion
	}
	return content, nil
}

// completeJSON runs a completion and decodes the first JSON object in the
// reply into v.
func (c *Client) completeJSON(ctx context.Context, model, system string, user oai.ChatCompletionMessageParamUnion, v any) error {
	content, err := c.complete(ctx, model, system, user)
	if err != nil {
		return err
	}
	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in reply %q", truncate(content, 80))
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

const intentPrompt = `You classify requests from people learning to use smartphone apps.
Reply with one JSON object: {"intent": string, "confidence": number 0-1, "app_context": string, "task": string, "continuation": bool}.
intent is one of: start_task, continue, help, greeting, cancel, report_issue, unknown.
task is one of: order_food (swiggy), send_message (whatsapp), make_payment (google_pay), troubleshoot, or "" when none applies.
continuation is true only when the request plainly continues the current task.`

// ClassifyIntent implements capability.IntentClassifier.
func (c *Client) ClassifyIntent(ctx context.Context, req capability.IntentRequest) (capability.Intent, error) {
	user := fmt.Sprintf("Request: %q\nCurrent app: %q\nCurrent task: %q\nCurrent step: %q",
		req.Text, req.AppContext, req.CurrentTask, req.CurrentStep)

	var intent capability.Intent
	if err := c.completeJSON(ctx, c.cfg.Model, intentPrompt, oai.UserMessage(user), &intent); err != nil {
		return capability.Intent{}, err
	}
	if !knownIntent(intent.Name) {
		intent.Name = capability.IntentUnknown
	}
	intent.Confidence = clamp01(intent.Confidence)
	if intent.Task == "" && intent.Name != capability.IntentCancel {
		intent.Task = req.CurrentTask
	}
	if intent.AppContext == "" {
		intent.AppContext = req.AppContext
	}
	intent.Text = req.Text
	return intent, nil
}

const screenPrompt = `You describe smartphone screenshots for an assistant that guides elderly users.
Reply with one JSON object: {"app_context": string, "summary": string, "visible_text": string,
"elements": [{"id": string, "type": string, "label": string, "x": int, "y": int, "width": int, "height": int}]}.
app_context is one of swiggy, whatsapp, google_pay, or a short lowercase app name. Coordinates are pixels.`

type screenReply struct {
	AppContext  string `json:"app_context"`
	Summary     string `json:"summary"`
	VisibleText string `json:"visible_text"`
	Elements    []struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Label  string `json:"label"`
		X      int    `json:"x"`
		Y      int    `json:"y"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"elements"`
}

// AnalyzeScreen implements capability.ScreenAnalyzer.
func (c *Client) AnalyzeScreen(ctx context.Context, req capability.ScreenRequest) (capability.ScreenAnalysis, error) {
	text := fmt.Sprintf("Screen size %dx%d.", req.Width, req.Height)
	if req.AppContext != "" {
		text += " The phone reports the app " + req.AppContext + "."
	}
	if req.Expected != "" {
		text += " The user was asked to reach a screen showing: " + req.Expected + "."
	}
	dataURL := "data:" + http.DetectContentType(req.Image) + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
	user := oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
		oai.TextContentPart(text),
		oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	})

	var reply screenReply
	if err := c.completeJSON(ctx, c.cfg.VisionModel, screenPrompt, user, &reply); err != nil {
		return capability.ScreenAnalysis{}, err
	}

	out := capability.ScreenAnalysis{
		AppContext:  strings.ToLower(strings.TrimSpace(reply.AppContext)),
		Summary:     reply.Summary,
		VisibleText: reply.VisibleText,
	}
	if out.AppContext == "" {
		out.AppContext = req.AppContext
	}
	if out.VisibleText == "" {
		out.VisibleText = req.VisibleText
	}
	for _, el := range reply.Elements {
		if el.ID == "" || el.Width <= 0 || el.Height <= 0 {
			continue
		}
		out.Elements = append(out.Elements, domain.UIElement{
			ID:         el.ID,
			Type:       el.Type,
			Label:      el.Label,
			Bounds:     domain.Rect{X: el.X, Y: el.Y, Width: el.Width, Height: el.Height},
			AppContext: out.AppContext,
		})
	}
	return out, nil
}

const guidancePrompt = `You are SafeHands, a patient assistant teaching elderly people to use smartphone apps.
Write the reply spoken to the user in plain words, no markdown.
For a beginner: warm, one small action, say exactly where to look. For an intermediate user: one or two short sentences.
For an advanced user: a single terse sentence.`

// GenerateGuidance implements capability.GuidanceGenerator. The model only
// words the reply; the step, its expected state and its UI element come
// from the request.
func (c *Client) GenerateGuidance(ctx context.Context, req capability.GuidanceRequest) (capability.Guidance, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Skill level: %s\nUser intent: %s\nUser said: %q\n", req.Skill, req.Intent.Name, req.Intent.Text)
	if req.AppContext != "" {
		fmt.Fprintf(&b, "App: %s\n", req.AppContext)
	}
	if req.Step != nil {
		fmt.Fprintf(&b, "Task %s, step %d of %d: %s\n", req.Task, req.StepIndex+1, req.StepCount, req.Step.Instruction)
		if req.Step.Element != nil && req.Step.Element.Label != "" {
			fmt.Fprintf(&b, "The control to use is labelled %q.\n", req.Step.Element.Label)
		}
	}
	if req.Screen != nil && req.Screen.Summary != "" {
		fmt.Fprintf(&b, "Screen: %s\n", req.Screen.Summary)
	}
	for _, s := range req.Snippets {
		fmt.Fprintf(&b, "Reference (%s): %s\n", s.Title, s.Text)
	}
	for _, p := range req.Patterns {
		if p.Outcome == string(capability.VerdictMismatched) {
			fmt.Fprintf(&b, "Other users often got this wrong: %s\n", p.Guidance)
		}
	}

	content, err := c.complete(ctx, c.cfg.Model, guidancePrompt, oai.UserMessage(b.String()))
	if err != nil {
		return capability.Guidance{}, err
	}

	g := capability.Guidance{Content: content}
	if req.Step != nil {
		g.ExpectedState = req.Step.Expect
		if req.Step.Element != nil {
			el := *req.Step.Element
			if el.AppContext == "" {
				el.AppContext = req.AppContext
			}
			g.Element = &el
		}
	}
	return g, nil
}

const verifyPrompt = `You check whether a user completed an instruction on their phone.
Reply with one JSON object: {"verdict": "confirmed" | "not_yet" | "mismatched", "observed": string}.
Use mismatched only when the user has clearly gone somewhere else, such as a different app.
observed briefly describes what the screen shows.`

// VerifyStep implements capability.StepVerifier.
func (c *Client) VerifyStep(ctx context.Context, req capability.VerifyRequest) (capability.Verification, error) {
	user := fmt.Sprintf("Instruction: %q\nExpected to see: %q\nExpected app: %q\nScreen app: %q\nScreen summary: %q\nVisible text: %q",
		req.Instruction, req.Expected, req.AppContext, req.Screen.AppContext, req.Screen.Summary, truncate(req.Screen.VisibleText, 2000))

	var v capability.Verification
	if err := c.completeJSON(ctx, c.cfg.Model, verifyPrompt, oai.UserMessage(user), &v); err != nil {
		return capability.Verification{}, err
	}
	switch v.Verdict {
	case capability.VerdictConfirmed, capability.VerdictNotYet, capability.VerdictMismatched:
	default:
		return capability.Verification{}, fmt.Errorf("unknown verdict %q", v.Verdict)
	}
	return v, nil
}

// Synthesize implements capability.SpeechSynthesizer. The audio is MP3.
func (c *Client) Synthesize(ctx context.Context, text, _ string) ([]byte, error) {
	resp, err := c.api.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(c.cfg.TTSModel),
		Voice:          oai.AudioSpeechNewParamsVoice(c.cfg.Voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	return audio, nil
}

// Transcribe implements capability.SpeechTranscriber.
func (c *Client) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio), "speech.webm", "audio/webm"),
		Model: oai.AudioModel(c.cfg.WhisperModel),
	}
	if language != "" {
		params.Language = oai.String(language)
	}
	tr, err := c.api.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return tr.Text, nil
}

func knownIntent(name string) bool {
	switch name {
	case capability.IntentStartTask, capability.IntentContinue, capability.IntentHelp,
		capability.IntentGreeting, capability.IntentCancel, capability.IntentReportIssue,
		capability.IntentDescribe, capability.IntentUnknown:
		return true
	}
	return false
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
