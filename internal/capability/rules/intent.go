// Package rules provides deterministic keyword-driven capability providers
// that run locally without any model.
package rules

import (
	"context"
	"strings"

	"github.com/ashureev/safehands/internal/capability"
)

// TaskRule maps keywords onto a task in an app.
type TaskRule struct {
	Task       string
	AppContext string
	Keywords   []string
}

// DefaultTaskRules are the tasks recognised out of the box.
var DefaultTaskRules = []TaskRule{
	{Task: "order_food", AppContext: "swiggy", Keywords: []string{"swiggy", "food", "order", "hungry", "restaurant", "biryani", "pizza", "meal"}},
	{Task: "send_message", AppContext: "whatsapp", Keywords: []string{"whatsapp", "message", "chat", "text my", "send"}},
	{Task: "make_payment", AppContext: "google_pay", Keywords: []string{"google pay", "gpay", "pay", "payment", "upi", "money", "send money", "transfer"}},
	{Task: "troubleshoot", Keywords: []string{"not working", "crash", "frozen", "stuck on", "won't open", "problem", "broken"}},
}

var (
	continueWords = []string{"done", "next", "completed", "finished", "yes", "ok", "okay", "ready", "continue"}
	helpWords     = []string{"how", "what", "help", "stuck", "confused", "where", "don't understand", "dont understand"}
	greetWords    = []string{"hello", "hi", "hey", "namaste", "good morning", "good evening"}
	cancelWords   = []string{"stop", "cancel", "quit", "never mind", "nevermind"}
)

// IntentClassifier classifies text by keyword matching.
type IntentClassifier struct {
	Tasks []TaskRule
}

// NewIntentClassifier returns a classifier over DefaultTaskRules.
func NewIntentClassifier() *IntentClassifier {
	return &IntentClassifier{Tasks: DefaultTaskRules}
}

// ClassifyIntent implements capability.IntentClassifier.
//
// Precedence: cancel, help, new task, continuation, greeting. Confidence grows
// with the number of matched task keywords.
func (c *IntentClassifier) ClassifyIntent(_ context.Context, req capability.IntentRequest) (capability.Intent, error) {
	text := strings.ToLower(strings.TrimSpace(req.Text))
	intent := capability.Intent{
		Name:       capability.IntentUnknown,
		Confidence: 0.3,
		AppContext: req.AppContext,
		Task:       req.CurrentTask,
		Text:       req.Text,
	}
	if text == "" {
		intent.Confidence = 0
		return intent, nil
	}

	rule, matches := c.matchTask(text)

	switch {
	case containsAny(text, cancelWords):
		intent.Name = capability.IntentCancel
		intent.Confidence = 0.9
		intent.Task = ""
	case containsAny(text, helpWords):
		intent.Name = capability.IntentHelp
		intent.Confidence = 0.8
		if matches > 0 {
			intent.Task = rule.Task
			intent.AppContext = firstNonEmpty(rule.AppContext, req.AppContext)
		}
		intent.Continuation = req.CurrentTask != "" && intent.Task == req.CurrentTask
	case matches > 0 && rule.Task != req.CurrentTask:
		intent.Name = capability.IntentStartTask
		intent.Confidence = taskConfidence(matches)
		intent.Task = rule.Task
		intent.AppContext = firstNonEmpty(rule.AppContext, req.AppContext)
	case containsAny(text, continueWords) || (matches > 0 && rule.Task == req.CurrentTask):
		intent.Name = capability.IntentContinue
		intent.Confidence = 0.9
		intent.Continuation = req.CurrentTask != ""
		if !intent.Continuation {
			intent.Confidence = 0.6
		}
	case containsAny(text, greetWords):
		intent.Name = capability.IntentGreeting
		intent.Confidence = 0.9
	}
	return intent, nil
}

func (c *IntentClassifier) matchTask(text string) (TaskRule, int) {
	var best TaskRule
	bestCount := 0
	for _, r := range c.Tasks {
		n := 0
		for _, kw := range r.Keywords {
			if containsWord(text, kw) {
				n++
			}
		}
		if n > bestCount {
			best, bestCount = r, n
		}
	}
	return best, bestCount
}

func taskConfidence(matches int) float64 {
	c := 0.55 + 0.2*float64(matches)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if containsWord(text, w) {
			return true
		}
	}
	return false
}

// containsWord reports whether phrase occurs in text on word boundaries.
func containsWord(text, phrase string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		if (i == 0 || !isWordByte(text[i-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '\'' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
