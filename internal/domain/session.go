// Package domain contains core domain types for the SafeHands assistant.
package domain

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionUnavailable is returned when session state cannot be read or written.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrBusy is returned when a session's inbound queue is full.
	ErrBusy = errors.New("session busy")
)

// SkillLevel is a session-scoped estimate of user proficiency.
type SkillLevel string

const (
	SkillBeginner     SkillLevel = "beginner"
	SkillIntermediate SkillLevel = "intermediate"
	SkillAdvanced     SkillLevel = "advanced"
)

var skillOrder = []SkillLevel{SkillBeginner, SkillIntermediate, SkillAdvanced}

func (s SkillLevel) rank() int {
	for i, l := range skillOrder {
		if l == s {
			return i
		}
	}
	return 0
}

// Valid reports whether s is a known level.
func (s SkillLevel) Valid() bool {
	for _, l := range skillOrder {
		if l == s {
			return true
		}
	}
	return false
}

// Raise returns the next level up, saturating at advanced.
func (s SkillLevel) Raise() SkillLevel {
	r := s.rank()
	if r+1 >= len(skillOrder) {
		return skillOrder[len(skillOrder)-1]
	}
	return skillOrder[r+1]
}

// Lower returns the next level down, saturating at beginner.
func (s SkillLevel) Lower() SkillLevel {
	r := s.rank()
	if r == 0 {
		return skillOrder[0]
	}
	return skillOrder[r-1]
}

// Session is the persisted state of one ongoing interaction with a user/device.
type Session struct {
	ID           string            `json:"session_id"`
	UserID       string            `json:"user_id,omitempty"`
	DeviceInfo   map[string]string `json:"device_info,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	CurrentApp   string            `json:"current_app,omitempty"`
	CurrentTask  string            `json:"current_task,omitempty"`
	Skill        SkillLevel        `json:"skill_level"`
	ErrorCount   int               `json:"error_count"`
	Active       bool              `json:"is_active"`

	// Escalated is permanent once set; EscalationCount counts handoff offers.
	Escalated       bool `json:"escalated"`
	EscalationCount int  `json:"escalation_count"`

	// Task workflow progress.
	Steps                []string `json:"steps,omitempty"`
	StepIndex            int      `json:"step_index"`
	AwaitingVerification bool     `json:"awaiting_verification"`
	LastInstruction      string   `json:"last_instruction,omitempty"`
	ExpectedState        string   `json:"expected_state,omitempty"`

	// Streaks feeding the learning and escalation policies.
	SuccessStreak  int        `json:"success_streak"`
	ErrorStreak    int        `json:"error_streak"`
	LastErrorClass ErrorClass `json:"last_error_class,omitempty"`

	// LastInteraction is the time of the last user frame. Heartbeats refresh
	// LastActivity only.
	LastInteraction time.Time `json:"last_interaction"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewSession returns a fresh active session with default skill level.
func NewSession(id, userID string, device map[string]string, now time.Time) *Session {
	return &Session{
		ID:           id,
		UserID:       userID,
		DeviceInfo:   device,
		CreatedAt:    now,
		LastActivity: now,
		Skill:        SkillBeginner,
		UpdatedAt:    now,

		LastInteraction: now,
	}
}

// Clone returns a deep copy safe to mutate independently.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Steps != nil {
		c.Steps = append([]string(nil), s.Steps...)
	}
	if s.DeviceInfo != nil {
		c.DeviceInfo = make(map[string]string, len(s.DeviceInfo))
		for k, v := range s.DeviceInfo {
			c.DeviceInfo[k] = v
		}
	}
	return &c
}

// CurrentStep returns the step awaiting completion, or "" when no task is in progress.
func (s *Session) CurrentStep() string {
	if s.StepIndex < 0 || s.StepIndex >= len(s.Steps) {
		return ""
	}
	return s.Steps[s.StepIndex]
}

// HasTask reports whether a multi-step task is in progress.
func (s *Session) HasTask() bool {
	return s.CurrentTask != "" && s.StepIndex < len(s.Steps)
}

// StartTask replaces the current task and its step plan.
func (s *Session) StartTask(task string, steps []string) {
	s.CurrentTask = task
	s.Steps = append([]string(nil), steps...)
	s.StepIndex = 0
	s.AwaitingVerification = false
	s.ExpectedState = ""
	s.LastInstruction = ""
}

// AdvanceStep marks the current step done. It returns true when the task is complete.
func (s *Session) AdvanceStep() bool {
	s.StepIndex++
	s.AwaitingVerification = false
	s.ExpectedState = ""
	if s.StepIndex >= len(s.Steps) {
		s.CurrentTask = ""
		s.Steps = nil
		s.StepIndex = 0
		return true
	}
	return false
}

// Expired reports whether the session has been idle longer than ttl.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.LastActivity) > ttl
}
