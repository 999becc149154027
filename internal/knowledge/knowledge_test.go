package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/safehands/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePatterns struct {
	patterns []domain.Pattern
	err      error
	calls    int
}

func (f *fakePatterns) LookupPatterns(_ context.Context, app, task string, limit int) ([]domain.Pattern, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Pattern
	for _, p := range f.patterns {
		if p.AppContext == app && p.Task == task && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestLoadEmbedded(t *testing.T) {
	b, err := Load("", nil, nil)
	require.NoError(t, err)
	require.Len(t, b.Guides(), 4)

	steps := b.Instructions("order_food")
	require.Len(t, steps, 8)
	assert.Equal(t, "Open the Swiggy app on your phone", steps[0])

	step := b.Step("order_food", 1)
	require.NotNil(t, step)
	require.NotNil(t, step.Element)
	assert.Equal(t, "search_bar", step.Element.ID)
	assert.Equal(t, "swiggy", step.Element.AppContext)
	assert.Equal(t, 1000, step.Element.Bounds.Width)

	assert.Nil(t, b.Step("order_food", 99))
	assert.Nil(t, b.Step("unknown_task", 0))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guides.yaml")
	content := `guides:
  - id: g1
    title: Call someone
    app_context: phone
    task: make_call
    steps:
      - instruction: Open the phone app
        expect: keypad
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	b, err := Load(path, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Open the phone app"}, b.Instructions("make_call"))
}

func TestLoadRejectsDuplicates(t *testing.T) {
	_, err := parseGuides([]byte("guides:\n  - id: a\n  - id: a\n"))
	assert.Error(t, err)
}

func TestSearch(t *testing.T) {
	b, err := Load("", nil, nil)
	require.NoError(t, err)

	got := b.Search("how do I order food from a restaurant", "", "", 2)
	require.NotEmpty(t, got)
	assert.Equal(t, "swiggy_guide_001", got[0].Source)

	got = b.Search("my upi payment failed", "google_pay", "", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "gpay_guide_001", got[0].Source)

	assert.Empty(t, b.Search("zzz", "", "", 3))
}

func TestRetrieve(t *testing.T) {
	patterns := &fakePatterns{patterns: []domain.Pattern{
		{AppContext: "swiggy", Task: "order_food", Guidance: "Tap search"},
		{AppContext: "whatsapp", Task: "send_message", Guidance: "Tap chat"},
	}}
	b, err := Load("", patterns, nil)
	require.NoError(t, err)

	res, err := b.Retrieve(context.Background(), Query{
		Text: "food", AppContext: "swiggy", Task: "order_food", Limit: 2, PatternLimit: 5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Snippets)
	require.Len(t, res.Patterns, 1)
	assert.Equal(t, "Tap search", res.Patterns[0].Guidance)

	res, err = b.Retrieve(context.Background(), Query{Text: "food", Limit: 2, PatternLimit: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, patterns.calls, "pattern store is skipped without a task")
	assert.NotEmpty(t, res.Snippets)
}

func TestRetrievePatternFailure(t *testing.T) {
	b, err := Load("", &fakePatterns{err: errors.New("db down")}, nil)
	require.NoError(t, err)

	res, err := b.Retrieve(context.Background(), Query{Text: "food", Task: "order_food", PatternLimit: 3})
	assert.Error(t, err)
	assert.NotEmpty(t, res.Snippets)
}
