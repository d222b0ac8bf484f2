package whatsapp

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// TenantID derives the fixed-length tenant identifier from a secret. Identical
// secrets always map to the same identifier; the identifier doubles as the
// on-disk credential namespace, so it must stay filename-safe.
func TenantID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:32]
}

// HandleFactory allocates the driver handle for a new session and begins its
// asynchronous connection. Lifecycle callbacks are delivered through notify.
type HandleFactory func(tenantID string, notify func(LifecycleEvent, string)) (Handle, error)

// Registry maps tenant identifiers to sessions. Lookup-or-create is atomic:
// concurrent resolutions of a never-seen secret produce exactly one handle.
type Registry struct {
	factory HandleFactory

	mu       sync.RWMutex
	sessions map[string]*Session

	group singleflight.Group
}

func NewRegistry(factory HandleFactory) *Registry {
	return &Registry{
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// Resolve returns the session for a secret, creating it on first sight. The
// session is returned immediately; activation is observed via its status, not
// blocked on.
func (r *Registry) Resolve(secret string) (*Session, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("secret must not be empty")
	}
	session, err := r.getOrCreate(TenantID(secret))
	if err != nil {
		return nil, err
	}
	session.setSecret(secret)
	return session, nil
}

// Restore recreates a session for a tenant identifier found in the persisted
// credential store at startup. The plaintext secret is unknown until the
// tenant's next request; Resolve backfills it then.
func (r *Registry) Restore(tenantID string) (*Session, error) {
	return r.getOrCreate(tenantID)
}

func (r *Registry) getOrCreate(tenantID string) (*Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[tenantID]
	r.mu.RUnlock()
	if ok {
		return session, nil
	}

	// singleflight collapses concurrent creations for the same identifier so
	// only one driver handle is ever allocated per tenant.
	v, err, _ := r.group.Do(tenantID, func() (interface{}, error) {
		r.mu.RLock()
		session, ok := r.sessions[tenantID]
		r.mu.RUnlock()
		if ok {
			return session, nil
		}

		session = &Session{
			tenantID: tenantID,
			status:   StatusInitializing,
			delay:    delayConfig,
			sleep:    defaultSleep,
		}

		handle, err := r.factory(tenantID, session.transition)
		if err != nil {
			return nil, err
		}
		session.handle = handle

		r.mu.Lock()
		r.sessions[tenantID] = session
		r.mu.Unlock()

		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns an existing session without creating one.
func (r *Registry) Get(tenantID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[tenantID]
	return session, ok
}

// Range calls fn for every registered session.
func (r *Registry) Range(fn func(session *Session)) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()
	for _, session := range sessions {
		fn(session)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AnyReady reports whether at least one session is authenticated.
func (r *Registry) AnyReady() bool {
	ready := false
	r.Range(func(session *Session) {
		if session.Ready() {
			ready = true
		}
	})
	return ready
}
