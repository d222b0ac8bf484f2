package whatsapp

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"time"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/env"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/log"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/validation"
)

// Recipient is one entry of a dispatch batch. ContactID is an opaque caller
// correlation id echoed back unchanged.
type Recipient struct {
	Phone     string `json:"phone"`
	ContactID string `json:"contact_id"`
}

// SendResult is the per-recipient outcome of a dispatch batch.
type SendResult struct {
	ContactID string `json:"contact_id"`
	Phone     string `json:"phone"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// DelayConfig bounds the randomized inter-send pause. The randomization is an
// anti-detection measure; it must not collapse into a fixed interval.
type DelayConfig struct {
	MinMS    int
	MaxMS    int
	JitterMS int
}

type SleepFunc func(time.Duration)

var (
	ErrSessionNotReady = errors.New("WhatsApp session is not ready")
	ErrEmptyMessage    = errors.New("message must not be empty")
	ErrNoRecipients    = errors.New("recipients must not be empty")

	delayConfig DelayConfig
	defaultSleep SleepFunc = time.Sleep
)

func init() {
	// Defaults: 12-25s base plus 0-2s jitter between consecutive sends.
	delayConfig = DelayConfig{
		MinMS:    env.GetEnvIntOrDefault("DELAY_MIN_MS", 12000),
		MaxMS:    env.GetEnvIntOrDefault("DELAY_MAX_MS", 25000),
		JitterMS: env.GetEnvIntOrDefault("JITTER_MS", 2000),
	}
}

// randomDelay draws a fresh pause: uniform base from [min, max) plus an
// independent uniform jitter from [0, jitter].
func randomDelay(cfg DelayConfig) time.Duration {
	spread := cfg.MaxMS - cfg.MinMS
	if spread < 0 {
		spread = 0
	}
	ms := cfg.MinMS
	if spread > 0 {
		ms += int(mathrand.Int64N(int64(spread)))
	}
	if cfg.JitterMS > 0 {
		ms += int(mathrand.Int64N(int64(cfg.JitterMS) + 1))
	}
	return time.Duration(ms) * time.Millisecond
}

// Dispatch sends message to every recipient, strictly in input order, pausing
// a randomized interval before each recipient after the first. A recipient
// whose phone holds no digits fails locally without a driver call or a delay
// slot; a driver-reported failure is recorded and the batch continues. The
// result slice always has one entry per recipient, in order.
func (s *Session) Dispatch(ctx context.Context, message string, recipients []Recipient) ([]SendResult, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if !s.Ready() {
		return nil, ErrSessionNotReady
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]SendResult, 0, len(recipients))
	for i, recipient := range recipients {
		result := SendResult{
			ContactID: recipient.ContactID,
			Phone:     recipient.Phone,
		}

		digits := validation.NormalizePhone(recipient.Phone)
		if digits == "" {
			result.Error = "Invalid phone"
			results = append(results, result)
			continue
		}

		if i > 0 {
			wait := randomDelay(s.delay)
			log.Session(s.tenantID).Info(fmt.Sprintf("Delay %.1fs before next send", wait.Seconds()))
			s.sleep(wait)
		}

		if err := s.handle.SendText(ctx, digits, message); err != nil {
			log.Session(s.tenantID).WithError(err).Error("Send failed")
			result.Error = err.Error()
		} else {
			result.Success = true
		}
		results = append(results, result)
	}

	return results, nil
}

// SendText delivers a single message outside of a batch (inbound-relay
// replies). It still holds the dispatch lock so replies cannot interleave
// with a running batch.
func (s *Session) SendText(ctx context.Context, phone string, message string) error {
	if !s.Ready() {
		return ErrSessionNotReady
	}
	digits := validation.NormalizePhone(phone)
	if digits == "" {
		return errors.New("invalid phone")
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	return s.handle.SendText(ctx, digits, message)
}
