package api

import "time"

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ProvisioningStatusResponse describes a device's provisioning state. The
// device key is never included.
type ProvisioningStatusResponse struct {
	DeviceID          string     `json:"deviceId"`
	State             string     `json:"state"`
	Provisioned       bool       `json:"provisioned"`
	HostName          string     `json:"hostName,omitempty"`
	LastAttempt       *time.Time `json:"lastAttempt,omitempty"`
	AttemptID         string     `json:"attemptId,omitempty"`
	RetryAfterSeconds int64      `json:"retryAfterSeconds"`
	LastError         string     `json:"lastError,omitempty"`
}

// ProvisionResponse is returned by a successful on-demand provision
type ProvisionResponse struct {
	HostName string `json:"hostName"`
	DeviceID string `json:"deviceId"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error     bool      `json:"error"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
	Status    int       `json:"status"`
}
