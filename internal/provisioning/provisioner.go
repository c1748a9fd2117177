package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"iotc-bridge/internal/auth"
	"iotc-bridge/internal/cache"
	"iotc-bridge/internal/client"
	"iotc-bridge/internal/clock"
	"iotc-bridge/internal/config"
	"iotc-bridge/internal/logging"
	"iotc-bridge/internal/types"
)

// ErrorCodeDeviceBlocked is reported by the provisioning service when the
// device is not associated with the group or has been blocked
const ErrorCodeDeviceBlocked = 400209

// DPSClient is the transport used to talk to the provisioning service
type DPSClient interface {
	RegisterDevice(ctx context.Context, idScope, deviceID, authorization string) (*client.RegistrationOperation, error)
	GetOperationStatus(ctx context.Context, idScope, deviceID, operationID, authorization string) (*client.RegistrationOperation, error)
}

// DeviceIdentity identifies a device within a provisioning scope
type DeviceIdentity struct {
	DeviceID string
	IDScope  string
}

// Options tunes the registration protocol
type Options struct {
	PollAttempts            int
	PollInterval            time.Duration
	MinRegistrationInterval time.Duration
	TokenTTL                time.Duration
}

// DefaultOptions returns the protocol constants of the provisioning service
func DefaultOptions() Options {
	return Options{
		PollAttempts:            10,
		PollInterval:            2 * time.Second,
		MinRegistrationInterval: time.Minute,
		TokenTTL:                auth.DefaultTokenTTL,
	}
}

// OptionsFromConfig builds Options from the bridge configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollAttempts:            cfg.PollAttempts,
		PollInterval:            cfg.PollIntervalDuration(),
		MinRegistrationInterval: cfg.MinRegistrationIntervalDuration(),
		TokenTTL:                cfg.TokenTTLDuration(),
	}
}

// Provisioner drives one registration: cool-down gate, submit, then poll
// until the operation resolves.
type Provisioner struct {
	client DPSClient
	cache  *cache.CredentialCache
	signer *auth.SASSigner
	clock  clock.Clock
	opts   Options
	logger *logrus.Logger
}

// NewProvisioner creates a provisioner. A nil clock means the real clock.
func NewProvisioner(dps DPSClient, credCache *cache.CredentialCache, clk clock.Clock, opts Options, logger *logrus.Logger) (*Provisioner, error) {
	if dps == nil {
		return nil, fmt.Errorf("provisioning client is required")
	}
	if credCache == nil {
		return nil, fmt.Errorf("credential cache is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.PollAttempts <= 0 {
		return nil, fmt.Errorf("poll attempts must be positive")
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &Provisioner{
		client: dps,
		cache:  credCache,
		signer: auth.NewSASSigner(clk),
		clock:  clk,
		opts:   opts,
		logger: logger,
	}, nil
}

// Register registers the device and returns the hub it was assigned to.
// deviceKey is the derived device key used to sign the requests.
func (p *Provisioner) Register(ctx context.Context, id DeviceIdentity, deviceKey string) (string, error) {
	log := logging.NewDeviceLogger(p.logger, id.DeviceID)

	attemptID := uuid.NewString()
	remaining, ok := p.cache.BeginAttempt(id.DeviceID, attemptID, p.clock.Now(), p.opts.MinRegistrationInterval)
	if !ok {
		err := &types.ProvisioningError{
			Kind:       types.KindRegistrationThrottled,
			DeviceID:   id.DeviceID,
			RetryAfter: remaining.Truncate(time.Second),
		}
		logging.LogProvisioningError(log, err, "register")
		return "", err
	}

	log = log.WithField("attempt_id", attemptID)

	token, err := p.signer.Sign(auth.RegistrationResourcePath(id.IDScope, id.DeviceID), deviceKey, p.opts.TokenTTL)
	if err != nil {
		return "", p.fail(log, id.DeviceID, cache.StateFailed, err)
	}

	log.Info("Initiating device registration")
	op, err := p.client.RegisterDevice(ctx, id.IDScope, id.DeviceID, token)
	if err != nil {
		return "", p.transportFailure(ctx, log, id.DeviceID, err)
	}

	if op.Status != client.StatusAssigning || op.OperationID == "" {
		return "", p.fail(log, id.DeviceID, cache.StateFailed,
			types.NewProvisioningError(types.KindUnexpectedServerResponse, id.DeviceID,
				fmt.Errorf("%w: register returned status %q", types.ErrUnexpectedServerResponse, op.Status)))
	}

	p.cache.SetState(id.DeviceID, cache.StatePolling, nil)
	log = log.WithField("operation_id", op.OperationID)

	for attempt := 1; attempt <= p.opts.PollAttempts; attempt++ {
		if err := p.wait(ctx); err != nil {
			return "", p.timedOut(log, id.DeviceID, err)
		}

		log.WithField("poll", attempt).Info("Querying device registration status")
		status, err := p.client.GetOperationStatus(ctx, id.IDScope, id.DeviceID, op.OperationID, token)
		if err != nil {
			return "", p.transportFailure(ctx, log, id.DeviceID, err)
		}

		state := status.RegistrationState
		switch {
		case status.Status == client.StatusAssigning:
			continue

		case status.Status == client.StatusAssigned && state != nil && state.AssignedHub != "":
			p.cache.SetState(id.DeviceID, cache.StateAssigned, nil)
			log.WithFields(logrus.Fields{
				"assigned_hub": state.AssignedHub,
				"polls":        attempt,
			}).Info("Device registration assigned")
			return state.AssignedHub, nil

		case status.Status == client.StatusFailed && state != nil && state.ErrorCode == ErrorCodeDeviceBlocked:
			return "", p.fail(log, id.DeviceID, cache.StateFailed,
				types.NewProvisioningError(types.KindDeviceUnassociatedOrBlocked, id.DeviceID, nil))

		default:
			return "", p.fail(log, id.DeviceID, cache.StateFailed,
				types.NewProvisioningError(types.KindUnexpectedServerResponse, id.DeviceID,
					fmt.Errorf("%w: operation status %q", types.ErrUnexpectedServerResponse, status.Status)))
		}
	}

	return "", p.fail(log, id.DeviceID, cache.StateTimedOut,
		types.NewProvisioningError(types.KindRegistrationAttemptsExhausted, id.DeviceID, nil))
}

// wait blocks for the poll interval or until ctx is done
func (p *Provisioner) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(p.opts.PollInterval):
		return nil
	}
}

// transportFailure classifies an error from the provisioning client
func (p *Provisioner) transportFailure(ctx context.Context, log *logrus.Entry, deviceID string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return p.timedOut(log, deviceID, err)
	}

	pe := types.NewProvisioningError(types.KindUnexpectedServerResponse, deviceID, err)
	var statusErr *types.StatusError
	if errors.As(err, &statusErr) {
		pe.StatusCode = statusErr.StatusCode
	}
	return p.fail(log, deviceID, cache.StateFailed, pe)
}

// timedOut reports a registration abandoned because ctx ended
func (p *Provisioner) timedOut(log *logrus.Entry, deviceID string, cause error) error {
	return p.fail(log, deviceID, cache.StateTimedOut,
		types.NewProvisioningError(types.KindRegistrationAttemptsExhausted, deviceID,
			fmt.Errorf("%w: %w", types.ErrRegistrationAttemptsExhausted, cause)))
}

// fail records the terminal state and logs the error. err is returned as a
// *types.ProvisioningError carrying deviceID.
func (p *Provisioner) fail(log *logrus.Entry, deviceID string, state cache.State, err error) error {
	var pe *types.ProvisioningError
	if errors.As(err, &pe) {
		if pe.DeviceID == "" {
			pe.DeviceID = deviceID
		}
		err = pe
	}

	p.cache.SetState(deviceID, state, err)
	logging.LogProvisioningError(log, err, "register")
	return err
}
