package domain

import "time"

// Pattern is one learned (intent, guidance, outcome) triple for an app/task pair.
type Pattern struct {
	AppContext string    `json:"app_context"`
	Task       string    `json:"task"`
	Intent     string    `json:"intent"`
	Guidance   string    `json:"guidance"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"created_at"`
}
