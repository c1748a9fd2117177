package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"iotc-bridge/internal/clock"
	"iotc-bridge/internal/config"
	"iotc-bridge/internal/logging"
	"iotc-bridge/internal/provisioning"
	"iotc-bridge/internal/types"
)

// CredentialSource resolves the connection credential for a device
type CredentialSource interface {
	GetConnectionString(ctx context.Context, deviceID string) (*provisioning.ConnectionCredential, error)
}

// SessionOpener establishes the cloud messaging session with a resolved
// credential. The relay itself lives behind this interface.
type SessionOpener interface {
	Open(ctx context.Context, cred *provisioning.ConnectionCredential) error
}

// Manager bootstraps the bridge: it obtains the device credential and
// hands it to the session opener
type Manager struct {
	mu     sync.RWMutex
	source CredentialSource
	opener SessionOpener
	clock  clock.Clock
	logger *logrus.Logger

	deviceID   string
	maxRetries int
	coolDown   time.Duration

	// State
	isRunning bool
	startTime time.Time
	version   string
	hostName  string
	lastErr   error
}

// Status is a point-in-time view of the manager
type Status struct {
	Running   bool      `json:"running"`
	StartTime time.Time `json:"startTime,omitempty"`
	Version   string    `json:"version"`
	DeviceID  string    `json:"deviceId"`
	HostName  string    `json:"hostName,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// ManagerOption is a functional option for configuring the Manager
type ManagerOption func(*Manager)

// WithVersion sets the version for the manager
func WithVersion(version string) ManagerOption {
	return func(m *Manager) {
		m.version = version
	}
}

// WithClock replaces the clock used for retry waits
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = clk
	}
}

// WithMaxRetries sets how many times a recoverable failure is retried
func WithMaxRetries(n int) ManagerOption {
	return func(m *Manager) {
		m.maxRetries = n
	}
}

// WithCoolDown sets the wait before retrying an exhausted registration
func WithCoolDown(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.coolDown = d
	}
}

// NewManager creates a new bridge manager for cfg.DeviceID
func NewManager(cfg *config.Config, source CredentialSource, opener SessionOpener, logger *logrus.Logger, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if source == nil {
		return nil, fmt.Errorf("credential source is required")
	}
	if opener == nil {
		return nil, fmt.Errorf("session opener is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.DeviceID == "" {
		return nil, types.NewProvisioningError(types.KindConfigurationMissing, "",
			fmt.Errorf("device id is required"))
	}

	m := &Manager{
		source:     source,
		opener:     opener,
		clock:      clock.Real(),
		logger:     logger,
		deviceID:   cfg.DeviceID,
		maxRetries: cfg.ProvisionRetries,
		coolDown:   cfg.MinRegistrationIntervalDuration(),
		version:    "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Start obtains the credential, retrying recoverable failures, and opens
// the session. It returns once the session opener returns.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("bridge is already running")
	}
	m.isRunning = true
	m.startTime = m.clock.Now()
	m.lastErr = nil
	m.mu.Unlock()

	log := logging.NewServiceLogger(m.logger, "bridge").WithFields(logrus.Fields{
		"device_id": m.deviceID,
		"version":   m.version,
	})
	log.Info("Starting bridge")

	cred, err := m.obtainCredential(ctx, log)
	if err != nil {
		m.finish(err)
		return err
	}

	m.mu.Lock()
	m.hostName = cred.HostName
	m.mu.Unlock()

	log.WithField("connection", cred.Redacted()).Info("Opening messaging session")
	if err := m.opener.Open(ctx, cred); err != nil {
		err = fmt.Errorf("failed to open session: %w", err)
		m.finish(err)
		return err
	}

	m.finish(nil)
	log.Info("Bridge stopped")
	return nil
}

// obtainCredential calls the credential source, waiting out the
// registration cool-down between recoverable failures
func (m *Manager) obtainCredential(ctx context.Context, log *logrus.Entry) (*provisioning.ConnectionCredential, error) {
	for attempt := 0; ; attempt++ {
		cred, err := m.source.GetConnectionString(ctx, m.deviceID)
		if err == nil {
			return cred, nil
		}

		var pe *types.ProvisioningError
		if !errors.As(err, &pe) || !pe.Retryable() || attempt >= m.maxRetries {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}

		delay := m.coolDown
		if pe.Kind == types.KindRegistrationThrottled && pe.RetryAfter > 0 {
			delay = pe.RetryAfter
		}

		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("Provisioning failed, will retry")

		select {
		case <-ctx.Done():
			return nil, err
		case <-m.clock.After(delay):
		}

		// After may be ready at the same time as ctx.Done
		if ctx.Err() != nil {
			return nil, err
		}
	}
}

func (m *Manager) finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isRunning = false
	m.lastErr = err
}

// Status returns the current manager status
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		Running:   m.isRunning,
		StartTime: m.startTime,
		Version:   m.version,
		DeviceID:  m.deviceID,
		HostName:  m.hostName,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// LoggingOpener is a SessionOpener that only records the handoff. It
// blocks until ctx is done.
type LoggingOpener struct {
	Logger *logrus.Logger
	Broker string
	Topic  string
}

// Open implements SessionOpener
func (o *LoggingOpener) Open(ctx context.Context, cred *provisioning.ConnectionCredential) error {
	o.Logger.WithFields(logrus.Fields{
		"host_name":   cred.HostName,
		"device_id":   cred.DeviceID,
		"mqtt_broker": o.Broker,
		"mqtt_topic":  o.Topic,
	}).Info("Messaging session ready")

	<-ctx.Done()
	return nil
}
