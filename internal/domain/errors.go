package domain

import "errors"

// Reason is a short machine-readable capture failure code.
type Reason string

const (
	ReasonUnknown               Reason = "unknown"
	ReasonPermissionDenied      Reason = "permission_denied"
	ReasonPermissionPrompt      Reason = "permission_prompt"
	ReasonNoDevice              Reason = "no_device"
	ReasonDeviceBusy            Reason = "device_busy"
	ReasonOverconstrained       Reason = "overconstrained"
	ReasonCapabilityUnsupported Reason = "capability_unsupported"
	ReasonEncoderConstruction   Reason = "encoder_construction"
	ReasonEncoderRuntime        Reason = "encoder_runtime"
)

// ReasonedError wraps an error with a reason code.
type ReasonedError struct {
	Err    error
	Reason Reason
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap attaches a reason code to an error. An error that already carries a
// reason keeps it.
func Wrap(err error, reason Reason) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// NewError builds a reasoned error from a plain message.
func NewError(reason Reason, message string) error {
	return ReasonedError{Err: errors.New(message), Reason: reason}
}

// ReasonOf extracts the reason code from err.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason returns true if err carries the given reason.
func HasReason(err error, reason Reason) bool {
	return err != nil && ReasonOf(err) == reason
}

// UserMessage returns the message shown to the user for a reason. It never
// includes platform error text.
func UserMessage(reason Reason) string {
	switch reason {
	case ReasonPermissionDenied:
		return "Microphone access was denied. Allow microphone access in your system settings and try again."
	case ReasonPermissionPrompt:
		return "Microphone access has not been granted yet. Allow access when prompted."
	case ReasonNoDevice:
		return "No microphone was found. Connect a microphone and try again."
	case ReasonDeviceBusy:
		return "Another application is using your microphone. Close it and try again."
	case ReasonOverconstrained:
		return "Your microphone does not support the required audio settings."
	case ReasonCapabilityUnsupported:
		return "Audio recording is not supported on this system."
	case ReasonEncoderConstruction:
		return "The audio recorder could not be created. Try again."
	case ReasonEncoderRuntime:
		return "Recording stopped unexpectedly. The capture was discarded."
	default:
		return "Recording failed. Please try again."
	}
}
