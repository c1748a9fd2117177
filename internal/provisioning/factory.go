package provisioning

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"iotc-bridge/internal/auth"
	"iotc-bridge/internal/cache"
	"iotc-bridge/internal/client"
	"iotc-bridge/internal/clock"
	"iotc-bridge/internal/config"
	"iotc-bridge/internal/logging"
	"iotc-bridge/internal/types"
)

// Registrar resolves the hub a device is assigned to
type Registrar interface {
	Register(ctx context.Context, id DeviceIdentity, deviceKey string) (string, error)
}

// Factory produces connection credentials for devices in one provisioning
// scope. It is the entry point callers use; everything else is internal.
type Factory struct {
	idScope   string
	groupKey  string
	cache     *cache.CredentialCache
	registrar Registrar
	logger    *logrus.Logger
	group     singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context shared by every caller waiting on one device's
// registration. It is cancelled when the last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewFactory creates a factory for idScope keyed by the base64 groupKey
func NewFactory(idScope, groupKey string, credCache *cache.CredentialCache, registrar Registrar, logger *logrus.Logger) (*Factory, error) {
	if idScope == "" || groupKey == "" {
		return nil, types.NewProvisioningError(types.KindConfigurationMissing, "",
			fmt.Errorf("id scope and group key are required"))
	}
	if credCache == nil {
		return nil, fmt.Errorf("credential cache is required")
	}
	if registrar == nil {
		return nil, fmt.Errorf("registrar is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Factory{
		idScope:   idScope,
		groupKey:  groupKey,
		cache:     credCache,
		registrar: registrar,
		logger:    logger,
		flights:   make(map[string]*flight),
	}, nil
}

// NewFactoryFromConfig wires a factory with the real provisioning client.
// The configuration must pass ValidateProvisioning.
func NewFactoryFromConfig(cfg *config.Config, credCache *cache.CredentialCache, clk clock.Clock, logger *logrus.Logger) (*Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.ValidateProvisioning(); err != nil {
		return nil, err
	}

	dps, err := client.NewHTTPClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning client: %w", err)
	}

	provisioner, err := NewProvisioner(dps, credCache, clk, OptionsFromConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioner: %w", err)
	}

	return NewFactory(cfg.IDScope, cfg.GroupKey, credCache, provisioner, logger)
}

// IDScope returns the provisioning scope the factory registers into
func (f *Factory) IDScope() string {
	return f.idScope
}

// GetConnectionString returns the device's connection credential, serving
// it from the cache when a previous call succeeded. Concurrent calls for
// the same device share one registration.
func (f *Factory) GetConnectionString(ctx context.Context, deviceID string) (*ConnectionCredential, error) {
	if deviceID == "" {
		return nil, types.NewProvisioningError(types.KindConfigurationMissing, "",
			fmt.Errorf("device id is required"))
	}

	if cred, ok := f.cached(deviceID); ok {
		return cred, nil
	}

	fl := f.join(ctx, deviceID)
	defer f.leave(deviceID, fl)

	ch := f.group.DoChan(deviceID, func() (interface{}, error) {
		return f.provision(fl.ctx, deviceID)
	})

	select {
	case <-ctx.Done():
		logging.NewDeviceLogger(f.logger, deviceID).WithError(ctx.Err()).Debug("Stopped waiting for provisioning")
		return nil, types.NewProvisioningError(types.KindRegistrationAttemptsExhausted, deviceID,
			fmt.Errorf("%w: %w", types.ErrRegistrationAttemptsExhausted, ctx.Err()))
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logging.NewDeviceLogger(f.logger, deviceID).Debug("Joined in-flight provisioning")
		}

		cred := *res.Val.(*ConnectionCredential)
		return &cred, nil
	}
}

// join registers the caller as a waiter on deviceID's flight, starting one
// if none is open. The flight keeps ctx's values but not its cancellation.
func (f *Factory) join(ctx context.Context, deviceID string) *flight {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl, ok := f.flights[deviceID]
	if !ok {
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: flightCtx, cancel: cancel}
		f.flights[deviceID] = fl
	}
	fl.waiters++
	return fl
}

// leave drops the caller from fl and cancels it once nobody is waiting
func (f *Factory) leave(deviceID string, fl *flight) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if f.flights[deviceID] == fl {
		delete(f.flights, deviceID)
		// Later callers must not join the cancelled registration
		f.group.Forget(deviceID)
	}
}

// DeviceKey returns the derived key for deviceID, computing and caching it
// on first use
func (f *Factory) DeviceKey(deviceID string) (string, error) {
	if entry, ok := f.cache.Get(deviceID); ok && entry.DerivedKey != "" {
		return entry.DerivedKey, nil
	}

	key, err := auth.DeriveDeviceKey(f.groupKey, deviceID)
	if err != nil {
		return "", err
	}

	f.cache.SetDerivedKey(deviceID, key)
	return key, nil
}

// provision runs the slow path under the device lock
func (f *Factory) provision(ctx context.Context, deviceID string) (*ConnectionCredential, error) {
	unlock := f.cache.Lock(deviceID)
	defer unlock()

	if cred, ok := f.cached(deviceID); ok {
		return cred, nil
	}

	key, err := f.DeviceKey(deviceID)
	if err != nil {
		return nil, err
	}

	hub, err := f.registrar.Register(ctx, DeviceIdentity{DeviceID: deviceID, IDScope: f.idScope}, key)
	if err != nil {
		return nil, err
	}

	// The provisioning key doubles as the device's shared access key
	cred := &ConnectionCredential{
		HostName:        hub,
		DeviceID:        deviceID,
		SharedAccessKey: key,
	}
	f.cache.SetCredential(deviceID, cache.Credential{
		HostName:        cred.HostName,
		DeviceID:        cred.DeviceID,
		SharedAccessKey: cred.SharedAccessKey,
	})

	logging.NewDeviceLogger(f.logger, deviceID).
		WithField("connection", cred.Redacted()).
		Info("Device provisioned")

	return cred, nil
}

// cached returns the cached credential for deviceID, if any
func (f *Factory) cached(deviceID string) (*ConnectionCredential, bool) {
	entry, ok := f.cache.Get(deviceID)
	if !ok || !entry.HasCredential() {
		return nil, false
	}

	return &ConnectionCredential{
		HostName:        entry.Credential.HostName,
		DeviceID:        entry.Credential.DeviceID,
		SharedAccessKey: entry.Credential.SharedAccessKey,
	}, true
}
