package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialCache_GetMissing(t *testing.T) {
	c := New()

	_, ok := c.Get("dev-A")
	assert.False(t, ok)

	elapsed, ok := c.TimeSinceLastAttempt("dev-A", time.Now())
	assert.False(t, ok)
	assert.Zero(t, elapsed)
}

func TestCredentialCache_SetAndGet(t *testing.T) {
	c := New()

	c.SetDerivedKey("dev-A", "key-A")
	c.SetCredential("dev-A", Credential{HostName: "hub1", DeviceID: "dev-A", SharedAccessKey: "key-A"})

	entry, ok := c.Get("dev-A")
	require.True(t, ok)
	assert.Equal(t, "key-A", entry.DerivedKey)
	require.True(t, entry.HasCredential())
	assert.Equal(t, "hub1", entry.Credential.HostName)
	assert.Equal(t, StateIdle, entry.State)
}

func TestCredentialCache_GetReturnsCopy(t *testing.T) {
	c := New()
	c.SetCredential("dev-A", Credential{HostName: "hub1", DeviceID: "dev-A"})

	entry, _ := c.Get("dev-A")
	entry.Credential.HostName = "tampered"

	again, _ := c.Get("dev-A")
	assert.Equal(t, "hub1", again.Credential.HostName)
}

func TestCredentialCache_TimeSinceLastAttempt(t *testing.T) {
	c := New()
	start := time.Unix(1700000000, 0)

	c.RecordAttempt("dev-A", start)

	elapsed, ok := c.TimeSinceLastAttempt("dev-A", start.Add(42*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 42*time.Second, elapsed)
}

func TestCredentialCache_BeginAttempt(t *testing.T) {
	c := New()
	start := time.Unix(1700000000, 0)

	remaining, ok := c.BeginAttempt("dev-A", "a1", start, time.Minute)
	assert.True(t, ok)
	assert.Zero(t, remaining)

	entry, _ := c.Get("dev-A")
	assert.Equal(t, start, entry.LastAttempt)
	assert.Equal(t, "a1", entry.AttemptID)
	assert.Equal(t, StateSubmitting, entry.State)

	// Within the cool-down: refused, timestamp unchanged
	remaining, ok = c.BeginAttempt("dev-A", "a2", start.Add(15*time.Second), time.Minute)
	assert.False(t, ok)
	assert.Equal(t, 45*time.Second, remaining)

	entry, _ = c.Get("dev-A")
	assert.Equal(t, start, entry.LastAttempt)
	assert.Equal(t, "a1", entry.AttemptID)

	// Exactly at the boundary: allowed
	_, ok = c.BeginAttempt("dev-A", "a3", start.Add(time.Minute), time.Minute)
	assert.True(t, ok)
}

func TestCredentialCache_BeginAttemptIsolatedPerDevice(t *testing.T) {
	c := New()
	now := time.Unix(1700000000, 0)

	_, ok := c.BeginAttempt("dev-A", "a", now, time.Minute)
	require.True(t, ok)

	_, ok = c.BeginAttempt("dev-B", "b", now, time.Minute)
	assert.True(t, ok)
}

func TestCredentialCache_BeginAttemptConcurrent(t *testing.T) {
	c := New()
	now := time.Unix(1700000000, 0)

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.BeginAttempt("dev-A", "x", now, time.Minute); ok {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted)
}

func TestCredentialCache_SetState(t *testing.T) {
	c := New()

	c.SetState("dev-A", StateFailed, errors.New("boom"))
	entry, _ := c.Get("dev-A")
	assert.Equal(t, StateFailed, entry.State)
	assert.Equal(t, "boom", entry.LastError)

	c.SetState("dev-A", StateAssigned, nil)
	entry, _ = c.Get("dev-A")
	assert.Equal(t, StateAssigned, entry.State)
	assert.Empty(t, entry.LastError)
}

func TestCredentialCache_LockSerializes(t *testing.T) {
	c := New()

	unlock := c.Lock("dev-A")

	acquired := make(chan struct{})
	go func() {
		release := c.Lock("dev-A")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired")
	}
}

func TestCredentialCache_Snapshot(t *testing.T) {
	c := New()
	c.SetDerivedKey("dev-A", "a")
	c.SetDerivedKey("dev-B", "b")

	entries := c.Snapshot()
	assert.Len(t, entries, 2)
}
