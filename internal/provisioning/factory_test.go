package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"iotc-bridge/internal/cache"
	"iotc-bridge/internal/client"
	"iotc-bridge/internal/clock"
	"iotc-bridge/internal/config"
	"iotc-bridge/internal/logging"
	"iotc-bridge/internal/types"
)

// mockRegistrar implements Registrar for testing
type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) Register(ctx context.Context, id DeviceIdentity, deviceKey string) (string, error) {
	args := m.Called(ctx, id, deviceKey)
	return args.String(0), args.Error(1)
}

// fakeDPS serves the register and operation status endpoints
type fakeDPS struct {
	registers atomic.Int32
	polls     atomic.Int32
	hub       string
}

func (f *fakeDPS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/scope1/registrations/dev-A/register":
		f.registers.Add(1)
		var body client.RegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RegistrationID != "dev-A" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(client.RegistrationOperation{OperationID: testOperation, Status: client.StatusAssigning})

	case r.Method == http.MethodGet && r.URL.Path == "/scope1/registrations/dev-A/operations/"+testOperation:
		f.polls.Add(1)
		json.NewEncoder(w).Encode(client.RegistrationOperation{
			OperationID: testOperation,
			Status:      client.StatusAssigned,
			RegistrationState: &client.RegistrationState{
				RegistrationID: "dev-A",
				AssignedHub:    f.hub,
				DeviceID:       "dev-A",
				Status:         client.StatusAssigned,
			},
		})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestFactory(t *testing.T, dps *fakeDPS) (*Factory, *clock.FakeClock) {
	t.Helper()

	server := httptest.NewServer(dps)
	t.Cleanup(server.Close)

	logger := logging.Initialize("debug")
	clientCfg := client.DefaultClientConfig()
	clientCfg.BaseURL = server.URL
	httpClient, err := client.NewHTTPClientWithConfig(clientCfg, logger)
	require.NoError(t, err)

	clk := clock.NewFake(testEpoch)
	credCache := cache.New()
	provisioner, err := NewProvisioner(httpClient, credCache, clk, DefaultOptions(), logger)
	require.NoError(t, err)

	factory, err := NewFactory(testScope, testGroupKey, credCache, provisioner, logger)
	require.NoError(t, err)
	return factory, clk
}

func TestFactory_GetConnectionString(t *testing.T) {
	dps := &fakeDPS{hub: testHub}
	factory, clk := newTestFactory(t, dps)

	cred, err := factory.GetConnectionString(context.Background(), testDevice)

	require.NoError(t, err)
	assert.Equal(t, &ConnectionCredential{
		HostName:        testHub,
		DeviceID:        testDevice,
		SharedAccessKey: testDeviceKey,
	}, cred)
	assert.Equal(t,
		"HostName=hub1.azure-devices.net;DeviceId=dev-A;SharedAccessKey=8XlRb3lc6jiAHUE0NYeFMH1jnaSbEWxAKRrNmTmckIU=",
		cred.String())
	assert.EqualValues(t, 1, dps.registers.Load())
	assert.EqualValues(t, 1, dps.polls.Load())
	assert.Len(t, clk.Waits(), 1)
}

func TestFactory_GetConnectionString_Idempotent(t *testing.T) {
	dps := &fakeDPS{hub: testHub}
	factory, _ := newTestFactory(t, dps)

	first, err := factory.GetConnectionString(context.Background(), testDevice)
	require.NoError(t, err)

	second, err := factory.GetConnectionString(context.Background(), testDevice)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, dps.registers.Load())
	assert.EqualValues(t, 1, dps.polls.Load())

	// Callers get their own copy
	second.HostName = "tampered"
	third, err := factory.GetConnectionString(context.Background(), testDevice)
	require.NoError(t, err)
	assert.Equal(t, testHub, third.HostName)
}

func TestFactory_GetConnectionString_Concurrent(t *testing.T) {
	dps := &fakeDPS{hub: testHub}
	factory, _ := newTestFactory(t, dps)

	const callers = 8
	var wg sync.WaitGroup
	creds := make([]*ConnectionCredential, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds[i], errs[i] = factory.GetConnectionString(context.Background(), testDevice)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, testHub, creds[i].HostName)
	}
	assert.EqualValues(t, 1, dps.registers.Load())
}

// blockingRegistrar holds Register until release is closed or the
// registration context ends
type blockingRegistrar struct {
	started   chan struct{}
	release   chan struct{}
	calls     atomic.Int32
	startOnce sync.Once

	mu     sync.Mutex
	ctxErr error
}

func newBlockingRegistrar() *blockingRegistrar {
	return &blockingRegistrar{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingRegistrar) Register(ctx context.Context, id DeviceIdentity, deviceKey string) (string, error) {
	b.calls.Add(1)
	b.startOnce.Do(func() { close(b.started) })

	select {
	case <-b.release:
	case <-ctx.Done():
	}

	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.mu.Unlock()

	if ctx.Err() != nil {
		return "", types.NewProvisioningError(types.KindRegistrationAttemptsExhausted, id.DeviceID, ctx.Err())
	}
	return testHub, nil
}

func (b *blockingRegistrar) registrationErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctxErr
}

func waiters(f *Factory, deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.flights[deviceID]; ok {
		return fl.waiters
	}
	return 0
}

func TestFactory_GetConnectionString_JoinerDeadline(t *testing.T) {
	registrar := newBlockingRegistrar()
	factory, err := NewFactory(testScope, testGroupKey, cache.New(), registrar, logging.Initialize("debug"))
	require.NoError(t, err)

	type result struct {
		cred *ConnectionCredential
		err  error
	}
	first := make(chan result, 1)
	go func() {
		cred, err := factory.GetConnectionString(context.Background(), testDevice)
		first <- result{cred, err}
	}()
	<-registrar.started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = factory.GetConnectionString(ctx, testDevice)
	elapsed := time.Since(start)

	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindRegistrationAttemptsExhausted, kind)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, elapsed, time.Second)

	// The first caller's registration carries on
	close(registrar.release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, testHub, res.cred.HostName)
	assert.NoError(t, registrar.registrationErr())
	assert.EqualValues(t, 1, registrar.calls.Load())
}

func TestFactory_GetConnectionString_FirstCallerCancelled(t *testing.T) {
	registrar := newBlockingRegistrar()
	factory, err := NewFactory(testScope, testGroupKey, cache.New(), registrar, logging.Initialize("debug"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstErr := make(chan error, 1)
	go func() {
		_, err := factory.GetConnectionString(ctx, testDevice)
		firstErr <- err
	}()
	<-registrar.started

	type result struct {
		cred *ConnectionCredential
		err  error
	}
	second := make(chan result, 1)
	go func() {
		cred, err := factory.GetConnectionString(context.Background(), testDevice)
		second <- result{cred, err}
	}()
	require.Eventually(t, func() bool { return waiters(factory, testDevice) == 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	err = <-firstErr
	assert.True(t, errors.Is(err, types.ErrRegistrationAttemptsExhausted))
	assert.True(t, errors.Is(err, context.Canceled))

	close(registrar.release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, testHub, res.cred.HostName)
	assert.NoError(t, registrar.registrationErr())
	assert.EqualValues(t, 1, registrar.calls.Load())
}

func TestFactory_GetConnectionString_LastWaiterCancelsRegistration(t *testing.T) {
	registrar := newBlockingRegistrar()
	factory, err := NewFactory(testScope, testGroupKey, cache.New(), registrar, logging.Initialize("debug"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = factory.GetConnectionString(ctx, testDevice)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Eventually(t, func() bool {
		return errors.Is(registrar.registrationErr(), context.Canceled)
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, waiters(factory, testDevice))
}

func TestFactory_GetConnectionString_EmptyDeviceID(t *testing.T) {
	registrar := &mockRegistrar{}
	factory, err := NewFactory(testScope, testGroupKey, cache.New(), registrar, logging.Initialize("debug"))
	require.NoError(t, err)

	_, err = factory.GetConnectionString(context.Background(), "")

	assert.True(t, errors.Is(err, types.ErrConfigurationMissing))
	registrar.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
}

func TestFactory_GetConnectionString_InvalidGroupKey(t *testing.T) {
	registrar := &mockRegistrar{}
	factory, err := NewFactory(testScope, "not base64!", cache.New(), registrar, logging.Initialize("debug"))
	require.NoError(t, err)

	_, err = factory.GetConnectionString(context.Background(), testDevice)

	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindInvalidKeyFormat, kind)
	registrar.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
}

func TestFactory_GetConnectionString_FailureNotCached(t *testing.T) {
	registrar := &mockRegistrar{}
	credCache := cache.New()
	factory, err := NewFactory(testScope, testGroupKey, credCache, registrar, logging.Initialize("debug"))
	require.NoError(t, err)

	identity := DeviceIdentity{DeviceID: testDevice, IDScope: testScope}
	blocked := types.NewProvisioningError(types.KindDeviceUnassociatedOrBlocked, testDevice, nil)
	registrar.On("Register", mock.Anything, identity, testDeviceKey).Return("", blocked).Once()
	registrar.On("Register", mock.Anything, identity, testDeviceKey).Return(testHub, nil).Once()

	_, err = factory.GetConnectionString(context.Background(), testDevice)
	assert.True(t, errors.Is(err, types.ErrDeviceUnassociatedOrBlocked))

	entry, ok := credCache.Get(testDevice)
	require.True(t, ok)
	assert.False(t, entry.HasCredential())
	assert.Equal(t, testDeviceKey, entry.DerivedKey)

	cred, err := factory.GetConnectionString(context.Background(), testDevice)
	require.NoError(t, err)
	assert.Equal(t, testHub, cred.HostName)
	registrar.AssertExpectations(t)
}

func TestFactory_DeviceKey(t *testing.T) {
	credCache := cache.New()
	factory, err := NewFactory(testScope, testGroupKey, credCache, &mockRegistrar{}, logging.Initialize("debug"))
	require.NoError(t, err)

	keyA, err := factory.DeviceKey("dev-A")
	require.NoError(t, err)
	assert.Equal(t, testDeviceKey, keyA)

	keyB, err := factory.DeviceKey("dev-B")
	require.NoError(t, err)
	assert.Equal(t, "9WI8Z+7BWD3rSHaa0+JLPMdXety2o+cNxHIOvbWpxFs=", keyB)

	entry, ok := credCache.Get("dev-A")
	require.True(t, ok)
	assert.Equal(t, testDeviceKey, entry.DerivedKey)
}

func TestNewFactory(t *testing.T) {
	logger := logging.Initialize("debug")

	tests := []struct {
		name     string
		idScope  string
		groupKey string
		wantKind types.ErrorKind
		wantErr  bool
	}{
		{name: "valid", idScope: testScope, groupKey: testGroupKey},
		{name: "missing scope", groupKey: testGroupKey, wantKind: types.KindConfigurationMissing, wantErr: true},
		{name: "missing group key", idScope: testScope, wantKind: types.KindConfigurationMissing, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory, err := NewFactory(tt.idScope, tt.groupKey, cache.New(), &mockRegistrar{}, logger)
			if tt.wantErr {
				kind, ok := types.KindOf(err)
				require.True(t, ok)
				assert.Equal(t, tt.wantKind, kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.idScope, factory.IDScope())
		})
	}
}

func TestNewFactoryFromConfig(t *testing.T) {
	logger := logging.Initialize("debug")

	t.Run("missing configuration", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DeviceID = testDevice

		_, err := NewFactoryFromConfig(cfg, cache.New(), nil, logger)

		assert.True(t, errors.Is(err, types.ErrConfigurationMissing))
		assert.Contains(t, err.Error(), "id_scope (ID_SCOPE)")
		assert.Contains(t, err.Error(), "group_key (IOTC_SAS_KEY)")
	})

	t.Run("complete configuration", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DeviceID = testDevice
		cfg.IDScope = testScope
		cfg.GroupKey = testGroupKey

		factory, err := NewFactoryFromConfig(cfg, cache.New(), nil, logger)

		require.NoError(t, err)
		assert.Equal(t, testScope, factory.IDScope())
	})
}
