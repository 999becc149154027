package domain

import "time"

// ErrorClass is the origin of an error recorded against a session.
type ErrorClass string

const (
	ErrorClientReported       ErrorClass = "client_reported"
	ErrorCapabilityFailure    ErrorClass = "capability_failure"
	ErrorVerificationMismatch ErrorClass = "verification_mismatch"
	ErrorProtocolViolation    ErrorClass = "protocol_violation"
)

// RecoveryAction is the action chosen by the recovery strategist.
type RecoveryAction string

const (
	ActionRetry        RecoveryAction = "retry"
	ActionApology      RecoveryAction = "fallback_apology"
	ActionCorrective   RecoveryAction = "corrective_instruction"
	ActionOfferHandoff RecoveryAction = "offer_handoff"
	ActionGenericError RecoveryAction = "generic_error"
)

// Outcome of a recovery attempt.
const (
	OutcomeRecovered = "recovered"
	OutcomeResponded = "responded"
	OutcomeEscalated = "escalated"
)

// ErrorRecord is one entry in a session's error history.
type ErrorRecord struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Class     ErrorClass     `json:"class"`
	Stage     string         `json:"stage,omitempty"`
	Action    RecoveryAction `json:"action,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
