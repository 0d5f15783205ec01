package sessions

import (
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

// DefaultLockTTL is how long a lease lives without renewal.
const DefaultLockTTL = 15 * time.Minute

// Lease is one session lock grant.
type Lease struct {
	// SessionID is the locked session.
	SessionID string

	// RunID identifies the holder.
	RunID string

	// AcquiredAt is when the lease was granted.
	AcquiredAt time.Time

	// ExpiresAt is when the lease may be reaped by another acquirer.
	ExpiresAt time.Time
}

// Expired reports whether the lease TTL has passed.
func (l *Lease) Expired() bool {
	return time.Now().After(l.ExpiresAt)
}

// Locker grants advisory, in-process session locks. At most one holder per
// session; re-entrant for the same runID; expired leases are reaped
// first-come-first-served. Cross-process exclusion is out of scope.
type Locker struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

// NewLocker creates a locker.
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]*Lease)}
}

// Acquire grants a lease on sessionID for runID. A zero ttl uses the
// default. Re-acquiring with the same runID renews the lease; an unexpired
// lease held by a different runID fails with LOCK_HELD.
func (l *Locker) Acquire(sessionID, runID string, ttl time.Duration) (*Lease, error) {
	if sessionID == "" || runID == "" {
		return nil, models.NewError(models.CodeInvalidInput, "sessionID and runID are required")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.leases[sessionID]; ok {
		if held.RunID != runID && !held.Expired() {
			return nil, models.Errorf(models.CodeLockHeld,
				"session %s locked by run %s until %s",
				sessionID, held.RunID, held.ExpiresAt.Format(time.RFC3339))
		}
	}

	now := time.Now()
	lease := &Lease{
		SessionID:  sessionID,
		RunID:      runID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	l.leases[sessionID] = lease

	copied := *lease
	return &copied, nil
}

// Release drops the lease when held by runID. Idempotent; reports whether
// anything was released.
func (l *Locker) Release(sessionID, runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.leases[sessionID]
	if !ok || held.RunID != runID {
		return false
	}
	delete(l.leases, sessionID)
	return true
}

// Holder returns the current lease for sessionID, or nil.
func (l *Locker) Holder(sessionID string) *Lease {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.leases[sessionID]
	if !ok {
		return nil
	}
	copied := *held
	return &copied
}

// ReapExpired removes every expired lease and returns how many were dropped.
func (l *Locker) ReapExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	reaped := 0
	for sessionID, lease := range l.leases {
		if lease.Expired() {
			delete(l.leases, sessionID)
			reaped++
		}
	}
	return reaped
}
