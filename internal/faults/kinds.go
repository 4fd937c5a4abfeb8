package faults

// Kind enumerates every fault the verification flow distinguishes.
type Kind string

const (
	KindPermissionDenied         Kind = "permission_denied"
	KindHardwareUnavailable      Kind = "hardware_unavailable"
	KindInitializationFailed     Kind = "initialization_failed"
	KindHardwareError            Kind = "hardware_error"
	KindNoFaceDetected           Kind = "no_face_detected"
	KindMultipleFaces            Kind = "multiple_faces"
	KindFaceTooSmall             Kind = "face_too_small"
	KindFaceTooLarge             Kind = "face_too_large"
	KindFaceNotCentered          Kind = "face_not_centered"
	KindFaceAngleInvalid         Kind = "face_angle_invalid"
	KindPoorLighting             Kind = "poor_lighting"
	KindTooBright                Kind = "too_bright"
	KindTooDark                  Kind = "too_dark"
	KindBlurryImage              Kind = "blurry_image"
	KindLowImageQuality          Kind = "low_image_quality"
	KindNoLivenessDetected       Kind = "no_liveness_detected"
	KindLivenessTimeout          Kind = "liveness_timeout"
	KindInsufficientMovement     Kind = "insufficient_movement"
	KindFakeFaceDetected         Kind = "fake_face_detected"
	KindLowConfidence            Kind = "low_confidence"
	KindFaceNotRegistered        Kind = "face_not_registered"
	KindVerificationFailed       Kind = "verification_failed"
	KindEncodingGenerationFailed Kind = "encoding_generation_failed"
	KindNetworkError             Kind = "network_error"
	KindServerError              Kind = "server_error"
	KindStorageError             Kind = "storage_error"
	KindSyncError                Kind = "sync_error"
	KindTooManyAttempts          Kind = "too_many_attempts"
	KindAccountLocked            Kind = "account_locked"
	KindSecurityViolation        Kind = "security_violation"
	KindTimeoutError             Kind = "timeout_error"
	KindMemoryError              Kind = "memory_error"
	KindProcessingError          Kind = "processing_error"
	KindUnknownError             Kind = "unknown_error"
)

// Severity grades how disruptive a fault is to the user.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryAction is a remediation the UI can offer for a surfaced error.
type RecoveryAction string

const (
	ActionRetry          RecoveryAction = "retry"
	ActionRestartCamera  RecoveryAction = "restart_camera"
	ActionOpenSettings   RecoveryAction = "open_settings"
	ActionManualCapture  RecoveryAction = "manual_capture"
	ActionCancel         RecoveryAction = "cancel"
	ActionContactSupport RecoveryAction = "contact_support"
)

// ParseRecoveryAction validates an action name received from the host.
func ParseRecoveryAction(s string) (RecoveryAction, bool) {
	switch a := RecoveryAction(s); a {
	case ActionRetry, ActionRestartCamera, ActionOpenSettings, ActionManualCapture, ActionCancel, ActionContactSupport:
		return a, true
	}
	return "", false
}

type profile struct {
	code        string
	userMessage string
	suggestions []string
	severity    Severity
	retryable   bool
	deferred    bool
	actions     []RecoveryAction
}

var (
	retryActions    = []RecoveryAction{ActionRetry, ActionCancel}
	terminalActions = []RecoveryAction{ActionCancel, ActionContactSupport}
)

// profiles is the fixed presentation of every kind. Entries are never
// modified at runtime.
var profiles = map[Kind]profile{
	KindPermissionDenied: {
		code:        "FV-100",
		userMessage: "Camera access is needed to verify your face.",
		suggestions: []string{"Open settings and allow camera access", "Return to the app and start again"},
		severity:    SeverityCritical,
		actions:     []RecoveryAction{ActionOpenSettings, ActionCancel},
	},
	KindHardwareUnavailable: {
		code:        "FV-101",
		userMessage: "The camera is not available on this device right now.",
		suggestions: []string{"Close other apps that may be using the camera", "Restart the device", "Contact support if the problem continues"},
		severity:    SeverityCritical,
		actions:     terminalActions,
	},
	KindInitializationFailed: {
		code:        "FV-102",
		userMessage: "The camera could not be started.",
		suggestions: []string{"Try again", "Close other apps that may be using the camera"},
		severity:    SeverityHigh,
		retryable:   true,
		actions:     []RecoveryAction{ActionRestartCamera, ActionRetry, ActionCancel},
	},
	KindHardwareError: {
		code:        "FV-103",
		userMessage: "The camera stopped responding.",
		suggestions: []string{"Restart the app", "Restart the device", "Contact support if the problem continues"},
		severity:    SeverityCritical,
		actions:     terminalActions,
	},
	KindNoFaceDetected: {
		code:        "FV-200",
		userMessage: "We could not see your face.",
		suggestions: []string{"Position your face inside the frame", "Make sure your face is well lit", "Remove anything covering your face"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindMultipleFaces: {
		code:        "FV-201",
		userMessage: "More than one face is in view.",
		suggestions: []string{"Make sure only you are in the frame"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindFaceTooSmall: {
		code:        "FV-202",
		userMessage: "Your face is too far from the camera.",
		suggestions: []string{"Move closer to the camera"},
		severity:    SeverityLow,
		retryable:   true,
		actions:     retryActions,
	},
	KindFaceTooLarge: {
		code:        "FV-203",
		userMessage: "Your face is too close to the camera.",
		suggestions: []string{"Move back from the camera"},
		severity:    SeverityLow,
		retryable:   true,
		actions:     retryActions,
	},
	KindFaceNotCentered: {
		code:        "FV-204",
		userMessage: "Your face is not centered.",
		suggestions: []string{"Center your face in the frame"},
		severity:    SeverityLow,
		retryable:   true,
		actions:     retryActions,
	},
	KindFaceAngleInvalid: {
		code:        "FV-205",
		userMessage: "Please look straight at the camera.",
		suggestions: []string{"Face the camera directly", "Keep your head level"},
		severity:    SeverityLow,
		retryable:   true,
		actions:     retryActions,
	},
	KindPoorLighting: {
		code:        "FV-206",
		userMessage: "The lighting is not good enough.",
		suggestions: []string{"Move to a brighter area", "Avoid strong light behind you"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindTooBright: {
		code:        "FV-207",
		userMessage: "The image is too bright.",
		suggestions: []string{"Move away from direct light", "Avoid facing a window"},
		severity:    SeverityLow,
		retryable:   true,
		actions:     retryActions,
	},
	KindTooDark: {
		code:        "FV-208",
		userMessage: "The image is too dark.",
		suggestions: []string{"Turn on a light", "Move to a brighter area"},
		severity:    SeverityLow,
		retryable:   true,
		actions:     retryActions,
	},
	KindBlurryImage: {
		code:        "FV-209",
		userMessage: "The photo was blurry.",
		suggestions: []string{"Hold the device steady", "Clean the camera lens"},
		severity:    SeverityLow,
		retryable:   true,
		actions:     retryActions,
	},
	KindLowImageQuality: {
		code:        "FV-210",
		userMessage: "The photo quality was too low.",
		suggestions: []string{"Make sure your face is well lit", "Hold the device steady", "Clean the camera lens"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindNoLivenessDetected: {
		code:        "FV-300",
		userMessage: "We could not confirm you are present.",
		suggestions: []string{"Blink naturally while looking at the camera", "Keep your eyes visible"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindLivenessTimeout: {
		code:        "FV-301",
		userMessage: "The liveness check took too long.",
		suggestions: []string{"Blink naturally while looking at the camera", "Keep your face in the frame"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindInsufficientMovement: {
		code:        "FV-302",
		userMessage: "We did not detect enough movement.",
		suggestions: []string{"Blink a few times", "Turn your head slightly"},
		severity:    SeverityLow,
		retryable:   true,
		actions:     retryActions,
	},
	KindFakeFaceDetected: {
		code:        "FV-303",
		userMessage: "The verification could not be completed.",
		suggestions: []string{"Use your real face, not a photo or screen", "Contact support if you think this is a mistake"},
		severity:    SeverityCritical,
		actions:     terminalActions,
	},
	KindLowConfidence: {
		code:        "FV-400",
		userMessage: "We could not confirm your identity with enough confidence.",
		suggestions: []string{"Make sure your face is well lit", "Remove glasses or hats", "Look straight at the camera"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindFaceNotRegistered: {
		code:        "FV-401",
		userMessage: "No face profile is registered for your account.",
		suggestions: []string{"Register your face before verifying", "Contact your administrator"},
		severity:    SeverityHigh,
		actions:     terminalActions,
	},
	KindVerificationFailed: {
		code:        "FV-402",
		userMessage: "Your face could not be verified.",
		suggestions: []string{"Try again in better lighting", "Look straight at the camera"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindEncodingGenerationFailed: {
		code:        "FV-403",
		userMessage: "We could not process your photo.",
		suggestions: []string{"Try again", "Make sure your whole face is visible"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindNetworkError: {
		code:        "FV-500",
		userMessage: "There was a problem connecting to the server.",
		suggestions: []string{"Check your internet connection", "Try again in a moment"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindServerError: {
		code:        "FV-501",
		userMessage: "The verification service is having problems.",
		suggestions: []string{"Try again in a few minutes"},
		severity:    SeverityHigh,
		retryable:   true,
		actions:     retryActions,
	},
	KindStorageError: {
		code:        "FV-502",
		userMessage: "Your result could not be saved.",
		suggestions: []string{"Free up storage space", "Try again"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindSyncError: {
		code:        "FV-503",
		userMessage: "Your result will be synced when the connection is back.",
		suggestions: []string{"Stay connected to the internet"},
		severity:    SeverityLow,
		retryable:   true,
		deferred:    true,
		actions:     []RecoveryAction{ActionCancel},
	},
	KindTooManyAttempts: {
		code:        "FV-600",
		userMessage: "Too many verification attempts.",
		suggestions: []string{"Wait a while before trying again", "Contact support if you need help now"},
		severity:    SeverityHigh,
		actions:     terminalActions,
	},
	KindAccountLocked: {
		code:        "FV-601",
		userMessage: "Your account is locked.",
		suggestions: []string{"Contact your administrator to unlock your account"},
		severity:    SeverityCritical,
		actions:     terminalActions,
	},
	KindSecurityViolation: {
		code:        "FV-602",
		userMessage: "The verification was stopped for security reasons.",
		suggestions: []string{"Sign in again", "Contact support"},
		severity:    SeverityCritical,
		actions:     terminalActions,
	},
	KindTimeoutError: {
		code:        "FV-700",
		userMessage: "The operation took too long.",
		suggestions: []string{"Check your internet connection", "Try again"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindMemoryError: {
		code:        "FV-701",
		userMessage: "The device ran out of memory.",
		suggestions: []string{"Close other apps", "Restart the app"},
		severity:    SeverityCritical,
		actions:     terminalActions,
	},
	KindProcessingError: {
		code:        "FV-702",
		userMessage: "Something went wrong while processing your photo.",
		suggestions: []string{"Try again"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
	KindUnknownError: {
		code:        "FV-999",
		userMessage: "Something went wrong.",
		suggestions: []string{"Try again", "Contact support if the problem continues"},
		severity:    SeverityMedium,
		retryable:   true,
		actions:     retryActions,
	},
}

// Kinds returns every known kind.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(profiles))
	for k := range profiles {
		kinds = append(kinds, k)
	}
	return kinds
}

// ParseKind resolves a fault code emitted by the native layer or the API.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	if _, ok := profiles[k]; ok {
		return k, true
	}
	return "", false
}

// Retryable reports the fixed retryability of a kind.
func (k Kind) Retryable() bool {
	return lookup(k).retryable
}

// Severity reports the fixed severity of a kind.
func (k Kind) Severity() Severity {
	return lookup(k).severity
}

func lookup(k Kind) profile {
	if p, ok := profiles[k]; ok {
		return p
	}
	return profiles[KindUnknownError]
}
