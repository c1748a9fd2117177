// Package cache holds per-device provisioning state for the lifetime of
// the process: the derived device key, the resolved connection credential
// and the time of the last registration attempt.
package cache

import (
	"sync"
	"time"
)

// State is the terminal state of the most recent provisioning attempt
type State string

const (
	StateIdle        State = "idle"
	StateRateLimited State = "rate_limited"
	StateSubmitting  State = "submitting"
	StatePolling     State = "polling"
	StateAssigned    State = "assigned"
	StateFailed      State = "failed"
	StateTimedOut    State = "timed_out"
)

// Credential is the cached form of a resolved connection credential
type Credential struct {
	HostName        string
	DeviceID        string
	SharedAccessKey string
}

// Entry is a snapshot of one device's cached state. Pointer fields are nil
// when unset.
type Entry struct {
	DeviceID    string
	DerivedKey  string
	Credential  *Credential
	LastAttempt time.Time // zero if no attempt was ever made
	AttemptID   string
	State       State
	LastError   string
}

// HasCredential reports whether the entry holds a resolved credential
func (e Entry) HasCredential() bool {
	return e.Credential != nil
}

type record struct {
	mu    sync.Mutex // serializes provisioning for the device
	entry Entry
}

// CredentialCache is a goroutine-safe in-memory map of device state
type CredentialCache struct {
	mu      sync.RWMutex
	records map[string]*record
}

// New creates an empty cache
func New() *CredentialCache {
	return &CredentialCache{
		records: make(map[string]*record),
	}
}

// recordFor returns the record for deviceID, creating it if needed
func (c *CredentialCache) recordFor(deviceID string) *record {
	c.mu.RLock()
	r, ok := c.records[deviceID]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok = c.records[deviceID]; ok {
		return r
	}
	r = &record{entry: Entry{DeviceID: deviceID, State: StateIdle}}
	c.records[deviceID] = r
	return r
}

// Get returns a snapshot of the device's entry and whether one exists
func (c *CredentialCache) Get(deviceID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.records[deviceID]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(r.entry), true
}

// Lock acquires the device's provisioning lock and returns the unlock
// function. At most one registration runs per device while it is held.
func (c *CredentialCache) Lock(deviceID string) (unlock func()) {
	r := c.recordFor(deviceID)
	r.mu.Lock()
	return r.mu.Unlock
}

// SetDerivedKey stores the derived device key
func (c *CredentialCache) SetDerivedKey(deviceID, key string) {
	c.update(deviceID, func(e *Entry) {
		e.DerivedKey = key
	})
}

// SetCredential stores the resolved connection credential
func (c *CredentialCache) SetCredential(deviceID string, cred Credential) {
	c.update(deviceID, func(e *Entry) {
		e.Credential = &cred
	})
}

// RecordAttempt sets the device's last registration attempt time
func (c *CredentialCache) RecordAttempt(deviceID string, at time.Time) {
	c.update(deviceID, func(e *Entry) {
		e.LastAttempt = at
	})
}

// TimeSinceLastAttempt returns the time elapsed since the last recorded
// attempt. ok is false when the device has never attempted registration.
func (c *CredentialCache) TimeSinceLastAttempt(deviceID string, now time.Time) (elapsed time.Duration, ok bool) {
	entry, exists := c.Get(deviceID)
	if !exists || entry.LastAttempt.IsZero() {
		return 0, false
	}
	return now.Sub(entry.LastAttempt), true
}

// BeginAttempt checks the cool-down and records a new attempt as one
// atomic step. If the previous attempt started less than minInterval
// before now, nothing is recorded and the remaining wait is returned with
// ok=false.
func (c *CredentialCache) BeginAttempt(deviceID, attemptID string, now time.Time, minInterval time.Duration) (remaining time.Duration, ok bool) {
	c.update(deviceID, func(e *Entry) {
		if !e.LastAttempt.IsZero() {
			if elapsed := now.Sub(e.LastAttempt); elapsed < minInterval {
				remaining = minInterval - elapsed
				return
			}
		}
		e.LastAttempt = now
		e.AttemptID = attemptID
		e.State = StateSubmitting
		e.LastError = ""
		ok = true
	})
	return remaining, ok
}

// SetState records the state reached by the latest attempt and, for
// failures, the error message
func (c *CredentialCache) SetState(deviceID string, state State, lastErr error) {
	c.update(deviceID, func(e *Entry) {
		e.State = state
		e.LastError = ""
		if lastErr != nil {
			e.LastError = lastErr.Error()
		}
	})
}

// Snapshot returns copies of all entries
func (c *CredentialCache) Snapshot() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]Entry, 0, len(c.records))
	for _, r := range c.records {
		entries = append(entries, copyEntry(r.entry))
	}
	return entries
}

// update applies fn to the device's entry under the map write lock
func (c *CredentialCache) update(deviceID string, fn func(e *Entry)) {
	r := c.recordFor(deviceID)

	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&r.entry)
}

func copyEntry(e Entry) Entry {
	if e.Credential != nil {
		cred := *e.Credential
		e.Credential = &cred
	}
	return e
}
