package engine

import (
	"time"

	"github.com/example/faceverify/internal/faults"
	"github.com/example/faceverify/internal/liveness"
	"github.com/example/faceverify/internal/quality"
	"github.com/example/faceverify/internal/verifyapi"
)

// Step is a state of the verification flow.
type Step string

const (
	StepInitializing Step = "initializing"
	StepDetecting    Step = "detecting"
	StepLiveness     Step = "liveness"
	StepCapturing    Step = "capturing"
	StepProcessing   Step = "processing"
	StepSuccess      Step = "success"
	StepError        Step = "error"
	StepCancelled    Step = "cancelled"
)

// Terminal reports whether no further automatic transition follows.
func (s Step) Terminal() bool {
	return s == StepSuccess || s == StepError || s == StepCancelled
}

func (s Step) usesCamera() bool {
	return s == StepDetecting || s == StepLiveness || s == StepCapturing
}

func (s Step) progress() int {
	switch s {
	case StepInitializing:
		return 5
	case StepDetecting:
		return 20
	case StepLiveness:
		return 45
	case StepCapturing:
		return 70
	case StepProcessing:
		return 85
	case StepSuccess:
		return 100
	}
	return 0
}

// Mode selects what the captured photo is used for.
type Mode string

const (
	ModeVerify   Mode = "verify"
	ModeRegister Mode = "register"
)

// Directive asks the host to leave the flow for something only it can do.
type Directive string

const (
	DirectiveNone           Directive = ""
	DirectiveOpenSettings   Directive = "open_settings"
	DirectiveContactSupport Directive = "contact_support"
)

// Snapshot is the UI-visible state emitted after every change.
type Snapshot struct {
	SessionID       string                    `json:"session_id"`
	Mode            Mode                      `json:"mode"`
	Step            Step                      `json:"step"`
	ProgressPercent int                       `json:"progress_percent"`
	StatusMessage   string                    `json:"status_message"`
	GuidanceMessage string                    `json:"guidance_message,omitempty"`
	CurrentError    *faults.VerificationError `json:"current_error,omitempty"`
	RecoveryActions []faults.RecoveryAction   `json:"recovery_actions,omitempty"`
	CanRetry        bool                      `json:"can_retry"`
	Countdown       int                       `json:"countdown,omitempty"`
	AttemptNumber   int                       `json:"attempt_number"`
	RetryCount      int                       `json:"retry_count"`
	Quality         *quality.Assessment       `json:"quality,omitempty"`
	Liveness        liveness.State            `json:"liveness"`
	Result          *verifyapi.Result         `json:"result,omitempty"`
	Directive       Directive                 `json:"directive,omitempty"`
	Manual          bool                      `json:"manual,omitempty"`
	Degraded        bool                      `json:"degraded,omitempty"`
	Suspended       bool                      `json:"suspended,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// Outcome is how an attempt ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Report describes a finished attempt.
type Report struct {
	SessionID  string
	UserID     string
	DeviceID   string
	Mode       Mode
	Outcome    Outcome
	Attempt    int
	RetryCount int
	Manual     bool
	Err        *faults.VerificationError
	Result     *verifyapi.Result
	StartedAt  time.Time
	FinishedAt time.Time
}
