package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"iotc-bridge/internal/cache"
	"iotc-bridge/internal/types"
)

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, HealthResponse{
		Status:    "ok",
		Timestamp: s.clock.Now().UTC(),
	}, http.StatusOK)
}

// ProvisioningStatus handles GET /api/v1/devices/{deviceId}/provisioning
func (s *Server) ProvisioningStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	response, ok := s.deviceStatus(deviceID)
	if !ok {
		s.writeErrorResponse(w, r, "device_not_found", "No provisioning state for device "+deviceID, http.StatusNotFound)
		return
	}

	s.writeJSONResponse(w, response, http.StatusOK)
}

// deviceStatus builds the status view of a cached device. ok is false when
// the device has no cached state.
func (s *Server) deviceStatus(deviceID string) (ProvisioningStatusResponse, bool) {
	entry, ok := s.cache.Get(deviceID)
	if !ok {
		return ProvisioningStatusResponse{DeviceID: deviceID, State: string(cache.StateIdle)}, false
	}

	response := ProvisioningStatusResponse{
		DeviceID:    deviceID,
		State:       string(entry.State),
		Provisioned: entry.HasCredential(),
		AttemptID:   entry.AttemptID,
		LastError:   entry.LastError,
	}
	if entry.HasCredential() {
		response.HostName = entry.Credential.HostName
	}
	if !entry.LastAttempt.IsZero() {
		lastAttempt := entry.LastAttempt.UTC()
		response.LastAttempt = &lastAttempt
	}
	if elapsed, ok := s.cache.TimeSinceLastAttempt(deviceID, s.clock.Now()); ok && elapsed < s.coolDown {
		response.RetryAfterSeconds = int64((s.coolDown - elapsed) / time.Second)
	}

	return response, true
}

// ProvisionDevice handles POST /api/v1/devices/{deviceId}/provision
func (s *Server) ProvisionDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	cred, err := s.provisioner.GetConnectionString(r.Context(), deviceID)
	if err != nil {
		statusCode, code := statusForError(err)

		var pe *types.ProvisioningError
		if errors.As(err, &pe) && pe.Kind == types.KindRegistrationThrottled {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(pe.RetryAfter), 10))
		}

		s.logger.WithError(err).WithFields(logrus.Fields{
			"device_id":   deviceID,
			"status_code": statusCode,
			"request_id":  requestIDFrom(r.Context()),
		}).Warn("On-demand provisioning failed")

		s.writeErrorResponse(w, r, code, err.Error(), statusCode)
		return
	}

	s.writeJSONResponse(w, ProvisionResponse{
		HostName: cred.HostName,
		DeviceID: cred.DeviceID,
	}, http.StatusOK)
}

// statusForError maps a provisioning error to an HTTP status and error code
func statusForError(err error) (int, string) {
	kind, ok := types.KindOf(err)
	if !ok {
		return http.StatusBadGateway, "provisioning_failed"
	}

	switch kind {
	case types.KindRegistrationThrottled:
		return http.StatusTooManyRequests, string(kind)
	case types.KindDeviceUnassociatedOrBlocked:
		return http.StatusForbidden, string(kind)
	case types.KindRegistrationAttemptsExhausted:
		return http.StatusGatewayTimeout, string(kind)
	default:
		return http.StatusBadGateway, string(kind)
	}
}

// retryAfterSeconds renders d for the Retry-After header, never below one
func retryAfterSeconds(d time.Duration) int64 {
	if secs := int64(d / time.Second); secs > 0 {
		return secs
	}
	return 1
}
