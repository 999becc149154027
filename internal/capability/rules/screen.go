package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/safehands/internal/capability"
)

var appHints = map[string][]string{
	"swiggy":     {"swiggy", "restaurants near you", "add to cart", "instamart"},
	"whatsapp":   {"whatsapp", "chats", "status", "type a message"},
	"google_pay": {"google pay", "gpay", "pay contacts", "upi id"},
}

// ScreenAnalyzer describes screens from the app context and on-screen text
// reported by the client. It does not inspect pixels.
type ScreenAnalyzer struct{}

// AnalyzeScreen implements capability.ScreenAnalyzer.
func (ScreenAnalyzer) AnalyzeScreen(_ context.Context, req capability.ScreenRequest) (capability.ScreenAnalysis, error) {
	app := strings.ToLower(strings.TrimSpace(req.AppContext))
	text := strings.ToLower(req.VisibleText)
	if app == "" {
		app = guessApp(text)
	}
	summary := fmt.Sprintf("%dx%d screen", req.Width, req.Height)
	if app != "" {
		summary += " in " + app
	}
	return capability.ScreenAnalysis{
		AppContext:  app,
		Summary:     summary,
		VisibleText: req.VisibleText,
	}, nil
}

func guessApp(text string) string {
	best, bestCount := "", 0
	// Iterate in a fixed order so ties resolve deterministically.
	for _, app := range []string{"swiggy", "whatsapp", "google_pay"} {
		n := 0
		for _, hint := range appHints[app] {
			if strings.Contains(text, hint) {
				n++
			}
		}
		if n > bestCount {
			best, bestCount = app, n
		}
	}
	return best
}
