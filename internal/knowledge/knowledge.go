// Package knowledge holds the seeded app guide base and retrieves guidance
// snippets and learned patterns for the pipeline.
package knowledge

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/domain"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

//go:embed guides.yaml
var defaultGuides []byte

// Guide is one app guide document.
type Guide struct {
	ID         string            `yaml:"id"`
	Title      string            `yaml:"title"`
	AppContext string            `yaml:"app_context"`
	Task       string            `yaml:"task"`
	DocType    string            `yaml:"doc_type"`
	Tags       []string          `yaml:"tags"`
	Steps      []capability.Step `yaml:"-"`
	Tips       []string          `yaml:"tips"`
}

type guideFile struct {
	Guides []struct {
		Guide `yaml:",inline"`
		Steps []stepSpec `yaml:"steps"`
	} `yaml:"guides"`
}

type stepSpec struct {
	Instruction string       `yaml:"instruction"`
	Expect      string       `yaml:"expect"`
	Element     *elementSpec `yaml:"element"`
}

type elementSpec struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Label  string `yaml:"label"`
	X      int    `yaml:"x"`
	Y      int    `yaml:"y"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// PatternSource looks up learned patterns.
type PatternSource interface {
	LookupPatterns(ctx context.Context, appContext, task string, limit int) ([]domain.Pattern, error)
}

// Base is the in-memory guide base. It is read-only after construction and
// safe for concurrent use.
type Base struct {
	guides   []Guide
	patterns PatternSource
	logger   *slog.Logger
}

// Load parses guides from path, or the embedded seed guides when path is
// empty. patterns may be nil.
func Load(path string, patterns PatternSource, logger *slog.Logger) (*Base, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data := defaultGuides
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read guides file: %w", err)
		}
		data = b
	}
	guides, err := parseGuides(data)
	if err != nil {
		return nil, err
	}
	logger.Info("Knowledge base loaded", "guides", len(guides), "source", firstNonEmpty(path, "embedded"))
	return &Base{guides: guides, patterns: patterns, logger: logger}, nil
}

func parseGuides(data []byte) ([]Guide, error) {
	var f guideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse guides: %w", err)
	}
	guides := make([]Guide, 0, len(f.Guides))
	seen := make(map[string]bool)
	for _, g := range f.Guides {
		if g.ID == "" {
			return nil, fmt.Errorf("guide %q has no id", g.Title)
		}
		if seen[g.ID] {
			return nil, fmt.Errorf("duplicate guide id %q", g.ID)
		}
		seen[g.ID] = true

		guide := g.Guide
		for _, s := range g.Steps {
			step := capability.Step{Instruction: s.Instruction, Expect: s.Expect}
			if s.Element != nil {
				step.Element = &domain.UIElement{
					ID:         s.Element.ID,
					Type:       s.Element.Type,
					Label:      s.Element.Label,
					AppContext: guide.AppContext,
					Bounds:     domain.Rect{X: s.Element.X, Y: s.Element.Y, Width: s.Element.Width, Height: s.Element.Height},
				}
			}
			guide.Steps = append(guide.Steps, step)
		}
		guides = append(guides, guide)
	}
	return guides, nil
}

// Guides returns the loaded guides.
func (b *Base) Guides() []Guide {
	return b.guides
}

// Plan returns the guide for a task.
func (b *Base) Plan(task string) (Guide, bool) {
	for _, g := range b.guides {
		if g.Task == task && task != "" {
			return g, true
		}
	}
	return Guide{}, false
}

// Instructions returns the step instructions of a task.
func (b *Base) Instructions(task string) []string {
	g, ok := b.Plan(task)
	if !ok {
		return nil
	}
	out := make([]string, len(g.Steps))
	for i, s := range g.Steps {
		out[i] = s.Instruction
	}
	return out
}

// Step returns step i of a task, or nil when out of range.
func (b *Base) Step(task string, i int) *capability.Step {
	g, ok := b.Plan(task)
	if !ok || i < 0 || i >= len(g.Steps) {
		return nil
	}
	s := g.Steps[i]
	return &s
}

// Search scores guides against a free-text query and app context and returns
// the best snippets, highest score first.
func (b *Base) Search(query, appContext, task string, limit int) []capability.Snippet {
	if limit <= 0 {
		limit = 3
	}
	words := queryWords(query)
	q := strings.ToLower(query)

	type scored struct {
		guide Guide
		score float64
	}
	var results []scored
	for _, g := range b.guides {
		score := 0.0
		if appContext != "" && g.AppContext == appContext {
			score += 0.3
		}
		if task != "" && g.Task == task {
			score += 0.5
		}
		for _, tag := range g.Tags {
			if strings.Contains(q, tag) {
				score += 0.2
			}
		}
		text := strings.ToLower(g.Title + " " + strings.Join(g.Tips, " "))
		for _, w := range words {
			if strings.Contains(text, w) {
				score += 0.1
			}
		}
		if score > 0 {
			results = append(results, scored{g, score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].guide.ID < results[j].guide.ID
	})

	var snippets []capability.Snippet
	for _, r := range results {
		if len(snippets) >= limit {
			break
		}
		snippets = append(snippets, capability.Snippet{
			Source: r.guide.ID,
			Title:  r.guide.Title,
			Text:   bestTip(r.guide, words),
			Score:  r.score,
		})
	}
	return snippets
}

// bestTip picks the tip sharing the most words with the query, falling back
// to the first step.
func bestTip(g Guide, words []string) string {
	best, bestCount := "", 0
	for _, tip := range g.Tips {
		lower := strings.ToLower(tip)
		n := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				n++
			}
		}
		if n > bestCount {
			best, bestCount = tip, n
		}
	}
	if best != "" {
		return best
	}
	if len(g.Steps) > 0 {
		return g.Title + ". First: " + g.Steps[0].Instruction + "."
	}
	if len(g.Tips) > 0 {
		return g.Tips[0]
	}
	return g.Title
}

var stopWords = map[string]bool{
	"the": true, "and": true, "how": true, "what": true, "can": true, "you": true,
	"for": true, "this": true, "that": true, "with": true, "want": true, "need": true,
}

func queryWords(query string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?'\"")
		if len(w) >= 3 && !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

// Query selects what Retrieve looks up.
type Query struct {
	Text       string
	AppContext string
	Task       string
	Limit      int
	// PatternLimit bounds learned patterns; zero skips the pattern store.
	PatternLimit int
}

// Result is the combined output of Retrieve.
type Result struct {
	Snippets []capability.Snippet
	Patterns []domain.Pattern
}

// Retrieve searches the guide base and the pattern store in parallel. A
// pattern store failure is returned alongside whatever snippets were found.
func (b *Base) Retrieve(ctx context.Context, q Query) (Result, error) {
	var res Result
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res.Snippets = b.Search(q.Text, q.AppContext, q.Task, q.Limit)
		return nil
	})

	if b.patterns != nil && q.PatternLimit > 0 && q.Task != "" {
		g.Go(func() error {
			patterns, err := b.patterns.LookupPatterns(gctx, q.AppContext, q.Task, q.PatternLimit)
			if err != nil {
				return fmt.Errorf("lookup patterns: %w", err)
			}
			res.Patterns = patterns
			return nil
		})
	}

	err := g.Wait()
	return res, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
