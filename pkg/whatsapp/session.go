package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	qrCode "github.com/skip2/go-qrcode"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/log"
)

// Status is the lifecycle state of one tenant session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusAwaitingScan Status = "awaiting_scan"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
)

// LifecycleEvent is a driver-side notification that advances the session
// state machine. All status mutation funnels through Session.transition.
type LifecycleEvent int

const (
	EventChallenge LifecycleEvent = iota
	EventReady
	EventAuthFailed
	EventDisconnected
)

// ActivationState is the pure-read activation snapshot reported to pollers.
type ActivationState string

const (
	ActivationReady   ActivationState = "ready"
	ActivationQR      ActivationState = "qr"
	ActivationWaiting ActivationState = "waiting"
)

var ErrNoChallenge = errors.New("no QR challenge is currently pending")

// Handle is the driver-facing capability of one authenticated (or
// authenticating) messaging connection. It is exclusively owned by its
// registry entry.
type Handle interface {
	SendText(ctx context.Context, phoneDigits string, message string) error
	Connected() bool
	LoggedIn() bool
	Disconnect()
}

// Session is one registry entry: a tenant identifier bound to a driver handle
// plus the bookkeeping the driver does not do for us.
type Session struct {
	tenantID string
	handle   Handle

	mu        sync.RWMutex
	secret    string
	status    Status
	challenge string

	// Serializes concurrent dispatch batches for this tenant so interleaved
	// sends cannot corrupt delivery order.
	dispatchMu sync.Mutex

	delay DelayConfig
	sleep SleepFunc
}

func (s *Session) TenantID() string {
	return s.tenantID
}

func (s *Session) Secret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secret
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Ready() bool {
	return s.Status() == StatusReady
}

// Connected and LoggedIn report the live driver connection state, which can
// lag behind the advertised status.
func (s *Session) Connected() bool {
	return s.handle.Connected()
}

func (s *Session) LoggedIn() bool {
	return s.handle.LoggedIn()
}

// setSecret backfills the plaintext secret on a session restored from disk,
// where only the derived identifier was known.
func (s *Session) setSecret(secret string) {
	s.mu.Lock()
	if s.secret == "" {
		s.secret = secret
	}
	s.mu.Unlock()
}

// transition is the single mutation entry point for session status. The
// driver's callbacks map onto it; nothing else writes status or challenge.
func (s *Session) transition(event LifecycleEvent, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event {
	case EventChallenge:
		s.status = StatusAwaitingScan
		s.challenge = payload
		log.Session(s.tenantID).Info("QR challenge received")
	case EventReady:
		s.status = StatusReady
		s.challenge = ""
		log.Session(s.tenantID).Info("Session ready")
	case EventAuthFailed:
		s.status = StatusFailed
		s.challenge = ""
		log.Session(s.tenantID).Error("Authentication failed: " + payload)
	case EventDisconnected:
		// Demote toward re-activation; a pending challenge keeps the session
		// scannable, otherwise it goes back to initializing.
		if s.challenge != "" {
			s.status = StatusAwaitingScan
		} else {
			s.status = StatusInitializing
		}
		log.Session(s.tenantID).Warn("Session disconnected: " + payload)
	}
}

// MarkDisconnected demotes a session whose driver connection was found dead
// outside the normal event flow, such as by the periodic health sweep.
func (s *Session) MarkDisconnected(reason string) {
	s.transition(EventDisconnected, reason)
}

// Activation reports the current activation snapshot without blocking;
// polling is the caller's responsibility.
func (s *Session) Activation() (ActivationState, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.status == StatusReady:
		return ActivationReady, ""
	case s.status == StatusAwaitingScan && s.challenge != "":
		return ActivationQR, s.challenge
	default:
		return ActivationWaiting, ""
	}
}

// ChallengePNG renders the pending QR challenge as PNG bytes.
func (s *Session) ChallengePNG() ([]byte, error) {
	_, challenge := s.Activation()
	if challenge == "" {
		return nil, ErrNoChallenge
	}
	return qrCode.Encode(challenge, qrCode.Medium, 256)
}

// ChallengeDataURL renders the pending QR challenge as an inline image URL
// suitable for an <img> tag.
func (s *Session) ChallengeDataURL() (string, error) {
	png, err := s.ChallengePNG()
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
