package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Registration operation statuses reported by the provisioning service
const (
	StatusAssigning = "assigning"
	StatusAssigned  = "assigned"
	StatusFailed    = "failed"
)

// RegistrationRequest is the body of a register call
type RegistrationRequest struct {
	RegistrationID string `json:"registrationId"`
}

// RegistrationOperation is returned by both the register call and the
// operation status query
type RegistrationOperation struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *RegistrationState `json:"registrationState,omitempty"`
}

// RegistrationState describes the outcome of a registration
type RegistrationState struct {
	RegistrationID string `json:"registrationId,omitempty"`
	AssignedHub    string `json:"assignedHub,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
	Status         string `json:"status,omitempty"`
	Substatus      string `json:"substatus,omitempty"`
	ErrorCode      int    `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// RegisterDevice submits a registration for deviceID under idScope
func (c *HTTPClient) RegisterDevice(ctx context.Context, idScope, deviceID, authorization string) (*RegistrationOperation, error) {
	req := &Request{
		Method:        http.MethodPut,
		Path:          fmt.Sprintf("/%s/registrations/%s/register?api-version=%s", url.PathEscape(idScope), url.PathEscape(deviceID), url.QueryEscape(c.apiVersion)),
		Body:          &RegistrationRequest{RegistrationID: deviceID},
		Authorization: authorization,
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}

	var op RegistrationOperation
	if err := parseJSONResponse(resp, &op); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}

	return &op, nil
}

// GetOperationStatus queries the state of a pending registration operation
func (c *HTTPClient) GetOperationStatus(ctx context.Context, idScope, deviceID, operationID, authorization string) (*RegistrationOperation, error) {
	req := &Request{
		Method:        http.MethodGet,
		Path:          fmt.Sprintf("/%s/registrations/%s/operations/%s?api-version=%s", url.PathEscape(idScope), url.PathEscape(deviceID), url.PathEscape(operationID), url.QueryEscape(c.apiVersion)),
		Authorization: authorization,
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("operation status request failed: %w", err)
	}

	var op RegistrationOperation
	if err := parseJSONResponse(resp, &op); err != nil {
		return nil, fmt.Errorf("failed to parse operation status response: %w", err)
	}

	return &op, nil
}
