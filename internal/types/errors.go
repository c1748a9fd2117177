package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies provisioning failures
type ErrorKind string

const (
	KindConfigurationMissing          ErrorKind = "configuration_missing"
	KindInvalidKeyFormat              ErrorKind = "invalid_key_format"
	KindRegistrationThrottled         ErrorKind = "registration_throttled"
	KindUnexpectedServerResponse      ErrorKind = "unexpected_server_response"
	KindDeviceUnassociatedOrBlocked   ErrorKind = "device_unassociated_or_blocked"
	KindRegistrationAttemptsExhausted ErrorKind = "registration_attempts_exhausted"
)

// Sentinel errors for use with errors.Is. A *ProvisioningError matches the
// sentinel of its kind.
var (
	ErrConfigurationMissing          = errors.New("configuration missing")
	ErrInvalidKeyFormat              = errors.New("invalid key format")
	ErrRegistrationThrottled         = errors.New("minimum registration timeout not yet exceeded")
	ErrUnexpectedServerResponse      = errors.New("unknown server response")
	ErrDeviceUnassociatedOrBlocked   = errors.New("the device may be unassociated or blocked")
	ErrRegistrationAttemptsExhausted = errors.New("registration was not successful after maximum number of attempts")
)

var kindSentinels = map[ErrorKind]error{
	KindConfigurationMissing:          ErrConfigurationMissing,
	KindInvalidKeyFormat:              ErrInvalidKeyFormat,
	KindRegistrationThrottled:         ErrRegistrationThrottled,
	KindUnexpectedServerResponse:      ErrUnexpectedServerResponse,
	KindDeviceUnassociatedOrBlocked:   ErrDeviceUnassociatedOrBlocked,
	KindRegistrationAttemptsExhausted: ErrRegistrationAttemptsExhausted,
}

// ProvisioningError is the single error type returned by the provisioning
// core. Kind selects the taxonomy entry; the remaining fields are set when
// they apply.
type ProvisioningError struct {
	Kind       ErrorKind
	DeviceID   string
	StatusCode int           // HTTP status of the failing call, 0 if none
	RetryAfter time.Duration // only for KindRegistrationThrottled
	Err        error
}

// Error implements the error interface
func (e *ProvisioningError) Error() string {
	cause := e.cause()

	switch e.Kind {
	case KindConfigurationMissing:
		return cause
	case KindRegistrationThrottled:
		return fmt.Sprintf("Unable to register device %s. Minimum registration timeout not yet exceeded. Please try again in %d seconds",
			e.DeviceID, int64(e.RetryAfter/time.Second))
	}

	if e.DeviceID == "" {
		return cause
	}
	return fmt.Sprintf("Unable to register device %s: %s", e.DeviceID, cause)
}

func (e *ProvisioningError) cause() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		return sentinel.Error()
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause
func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for the error's kind
func (e *ProvisioningError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// Retryable reports whether the caller may try again after waiting out the
// registration cool-down.
func (e *ProvisioningError) Retryable() bool {
	return e.Kind == KindRegistrationThrottled || e.Kind == KindRegistrationAttemptsExhausted
}

// NewProvisioningError creates a provisioning error of the given kind
func NewProvisioningError(kind ErrorKind, deviceID string, err error) *ProvisioningError {
	return &ProvisioningError{
		Kind:     kind,
		DeviceID: deviceID,
		Err:      err,
	}
}

// KindOf returns the kind of a provisioning error anywhere in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// StatusError is a non-2xx HTTP response from the provisioning service
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}
