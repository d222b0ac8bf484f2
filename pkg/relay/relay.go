package relay

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/env"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/log"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/validation"
)

// Message is the payload forwarded to the callback endpoint when a tenant
// session receives an inbound text. The secret identifies the tenant to the
// callback consumer and keys the payload signature.
type Message struct {
	Secret  string `json:"secret"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// ReplyFunc sends a text back to the original sender over the session that
// received the inbound message.
type ReplyFunc func(message string) error

type delivery struct {
	tenantID string
	msg      Message
	reply    ReplyFunc
	attempt  int
}

// Engine forwards inbound messages to a configured HTTP callback through a
// fixed worker pool. Deliveries are retried with linear backoff; a callback
// response carrying a reply field is sent back to the sender. Failures are
// logged and dropped, never propagated to the messaging session.
type Engine struct {
	callbackURL string
	retryLimit  int
	client      *http.Client

	queue chan delivery
	wg    sync.WaitGroup

	backoff   func(attempt int)
	closeOnce sync.Once
}

// NewEngine validates the callback URL and starts the worker pool. Returns an
// error when the URL is unusable so startup can disable relaying cleanly.
func NewEngine(callbackURL string) (*Engine, error) {
	if err := validation.ValidateURL(callbackURL); err != nil {
		return nil, fmt.Errorf("relay callback url: %w", err)
	}

	workers := env.GetEnvIntOrDefault("RELAY_WORKERS", 4)
	if workers < 1 {
		workers = 1
	}
	retryLimit := env.GetEnvIntOrDefault("RELAY_RETRY_LIMIT", 3)
	if retryLimit < 1 {
		retryLimit = 1
	}

	e := &Engine{
		callbackURL: callbackURL,
		retryLimit:  retryLimit,
		client:      &http.Client{Timeout: 15 * time.Second},
		queue:       make(chan delivery, 256),
		backoff: func(attempt int) {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		},
	}

	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	log.Print(nil).Info(fmt.Sprintf("Relay engine started with %d worker(s)", workers))
	return e, nil
}

// Enqueue schedules an inbound message for delivery. Only the tenant
// identifier is logged, never the secret riding in the payload. A full queue
// drops the message rather than blocking the receive path.
func (e *Engine) Enqueue(tenantID string, msg Message, reply ReplyFunc) {
	select {
	case e.queue <- delivery{tenantID: tenantID, msg: msg, reply: reply, attempt: 1}:
	default:
		log.Session(tenantID).Warn("Relay queue full, inbound message dropped")
	}
}

// Shutdown stops accepting new deliveries and waits for in-flight ones.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		close(e.queue)
	})
	e.wg.Wait()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for d := range e.queue {
		e.process(d)
	}
}

func (e *Engine) process(d delivery) {
	for ; d.attempt <= e.retryLimit; d.attempt++ {
		if d.attempt > 1 {
			e.backoff(d.attempt)
		}

		reply, err := e.deliver(d)
		if err != nil {
			log.Session(d.tenantID).WithError(err).
				Warn(fmt.Sprintf("Relay delivery attempt %d/%d failed", d.attempt, e.retryLimit))
			continue
		}

		if reply != "" && d.reply != nil {
			if err := d.reply(reply); err != nil {
				log.Session(d.tenantID).WithError(err).Error("Relay reply send failed")
			}
		}
		return
	}
	log.Session(d.tenantID).Error("Relay delivery abandoned after retries")
}

func (e *Engine) deliver(d delivery) (string, error) {
	body, err := json.Marshal(d.msg)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, e.callbackURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signPayload(d.msg.Secret, body))

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.New("callback returned status " + resp.Status)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		return "", nil
	}

	var parsed struct {
		Reply string `json:"reply"`
	}
	// A non-JSON body is a valid acknowledgement, just not a reply.
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", nil
	}
	return parsed.Reply, nil
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
