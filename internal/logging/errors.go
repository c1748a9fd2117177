package logging

import (
	"errors"

	"github.com/sirupsen/logrus"

	"iotc-bridge/internal/types"
)

// ErrorCategory represents different categories of errors for classification
type ErrorCategory string

const (
	ErrorCategoryNetwork  ErrorCategory = "network"
	ErrorCategorySecurity ErrorCategory = "security"
	ErrorCategoryConfig   ErrorCategory = "config"
	ErrorCategoryService  ErrorCategory = "service"
	ErrorCategoryUnknown  ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "critical"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityLow      ErrorSeverity = "low"
)

// Classify maps a provisioning error to a category and severity.
// Errors outside the provisioning taxonomy are unknown/high.
func Classify(err error) (ErrorCategory, ErrorSeverity) {
	kind, ok := types.KindOf(err)
	if !ok {
		return ErrorCategoryUnknown, ErrorSeverityHigh
	}

	switch kind {
	case types.KindConfigurationMissing:
		return ErrorCategoryConfig, ErrorSeverityCritical
	case types.KindInvalidKeyFormat:
		return ErrorCategorySecurity, ErrorSeverityCritical
	case types.KindDeviceUnassociatedOrBlocked:
		return ErrorCategorySecurity, ErrorSeverityHigh
	case types.KindRegistrationThrottled:
		return ErrorCategoryService, ErrorSeverityLow
	case types.KindRegistrationAttemptsExhausted:
		return ErrorCategoryNetwork, ErrorSeverityMedium
	case types.KindUnexpectedServerResponse:
		return ErrorCategoryNetwork, ErrorSeverityHigh
	}

	return ErrorCategoryUnknown, ErrorSeverityHigh
}

// LogProvisioningError logs err with its classification and, when err is a
// *types.ProvisioningError, its structured fields. Level follows severity.
func LogProvisioningError(entry *logrus.Entry, err error, operation string) {
	if entry == nil || err == nil {
		return
	}

	category, severity := Classify(err)
	fields := logrus.Fields{
		"error_category": category,
		"error_severity": severity,
		"operation":      operation,
	}

	var pe *types.ProvisioningError
	if errors.As(err, &pe) {
		fields["error_kind"] = pe.Kind
		fields["recoverable"] = pe.Retryable()
		if pe.DeviceID != "" {
			fields["device_id"] = pe.DeviceID
		}
		if pe.StatusCode != 0 {
			fields["status_code"] = pe.StatusCode
		}
		if pe.RetryAfter > 0 {
			fields["retry_after_seconds"] = int64(pe.RetryAfter.Seconds())
		}
	}

	entry = entry.WithFields(fields)

	switch severity {
	case ErrorSeverityCritical, ErrorSeverityHigh:
		entry.Error(err.Error())
	case ErrorSeverityMedium, ErrorSeverityLow:
		entry.Warn(err.Error())
	default:
		entry.Error(err.Error())
	}
}
