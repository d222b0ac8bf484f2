package whatsapp

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/env"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/log"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/relay"
)

// Sessions is the process-wide tenant session registry, backed by whatsmeow
// driver handles. Tests swap it for a registry with a fake factory.
// Assigned in init rather than a var initializer because newWhatsmeowHandle
// transitively references Sessions, which the compiler rejects as an
// initialization cycle.
var Sessions *Registry

func init() {
	Sessions = NewRegistry(newWhatsmeowHandle)
}

var (
	relayMu     sync.RWMutex
	relayEngine *relay.Engine
)

// SetRelayEngine wires the inbound-message relay. A nil engine disables
// relaying.
func SetRelayEngine(e *relay.Engine) {
	relayMu.Lock()
	relayEngine = e
	relayMu.Unlock()
}

func currentRelayEngine() *relay.Engine {
	relayMu.RLock()
	defer relayMu.RUnlock()
	return relayEngine
}

const qrChannelWaitTimeout = 6 * time.Minute

var deviceProps sync.Once

// waHandle adapts one whatsmeow client to the Handle interface. The client
// pointer is swapped on logout, when stale credentials force a fresh pairing.
type waHandle struct {
	tenantID string
	notify   func(LifecycleEvent, string)

	mu     sync.RWMutex
	client *whatsmeow.Client
}

func newWhatsmeowHandle(tenantID string, notify func(LifecycleEvent, string)) (Handle, error) {
	ctx := context.Background()

	container, err := containerFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	device, err := deviceFor(ctx, tenantID, container)
	if err != nil {
		return nil, err
	}

	deviceProps.Do(func() {
		store.DeviceProps.Os = proto.String(runtime.GOOS)
		store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
		store.DeviceProps.RequireFullSync = proto.Bool(false)
	})

	h := &waHandle{tenantID: tenantID, notify: notify}
	h.client = h.buildClient(device)

	go h.start()
	return h, nil
}

func (h *waHandle) buildClient(device *store.Device) *whatsmeow.Client {
	client := whatsmeow.NewClient(device, nil)

	if proxyURL := env.GetEnvStringOrDefault("WHATSAPP_CLIENT_PROXY_URL", ""); proxyURL != "" {
		if err := client.SetProxyAddress(proxyURL); err != nil {
			log.Session(h.tenantID).WithError(err).Warn("Invalid proxy url ignored")
		}
	}

	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true
	client.AddEventHandler(h.handleEvent)
	return client
}

func (h *waHandle) getClient() *whatsmeow.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

// start connects the client. A never-paired device goes through the QR
// pairing loop, regenerating the challenge when a code expires unscanned; a
// paired device simply reconnects with its stored credentials.
func (h *waHandle) start() {
	client := h.getClient()

	if client.Store.ID != nil {
		if err := client.Connect(); err != nil {
			h.notify(EventAuthFailed, err.Error())
		}
		return
	}

	for {
		ctx, cancel := context.WithTimeout(context.Background(), qrChannelWaitTimeout)
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			cancel()
			h.notify(EventAuthFailed, err.Error())
			return
		}
		if err := client.Connect(); err != nil {
			cancel()
			h.notify(EventAuthFailed, err.Error())
			return
		}

		retry := h.watchQRChannel(qrChan)
		cancel()
		if !retry {
			return
		}

		client.Disconnect()
		log.Session(h.tenantID).Info("QR challenge expired, regenerating")
	}
}

// watchQRChannel drains one QR pairing round. Returns true when the round
// timed out and pairing should restart with a fresh challenge.
func (h *waHandle) watchQRChannel(qrChan <-chan whatsmeow.QRChannelItem) bool {
	for evt := range qrChan {
		switch {
		case evt.Event == "code":
			h.notify(EventChallenge, evt.Code)
		case evt.Event == whatsmeow.QRChannelSuccess.Event:
			// events.Connected carries the ready notification.
			return false
		case evt.Event == whatsmeow.QRChannelTimeout.Event:
			h.notify(EventDisconnected, "QR challenge timed out")
			return true
		case evt.Event == "error":
			msg := "QR pairing failed"
			if evt.Error != nil {
				msg = evt.Error.Error()
			}
			h.notify(EventAuthFailed, msg)
			return false
		default:
			h.notify(EventAuthFailed, "QR pairing entered state "+evt.Event)
			return false
		}
	}
	return false
}

func (h *waHandle) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		h.notify(EventReady, "")
		if client := h.getClient(); client.Store.ID != nil {
			if err := saveTenantDevice(context.Background(), h.tenantID, client.Store.ID.String()); err != nil {
				log.Session(h.tenantID).WithError(err).Warn("Device routing save failed")
			}
		}
	case *events.Disconnected:
		h.notify(EventDisconnected, "stream closed")
	case *events.LoggedOut:
		h.notify(EventAuthFailed, "logged out from paired phone")
		go h.reset()
	case *events.Message:
		h.relayInbound(evt)
	}
}

// reset discards stale credentials after a remote logout and restarts the
// pairing flow with a blank device.
func (h *waHandle) reset() {
	ctx := context.Background()

	old := h.getClient()
	old.Disconnect()
	if err := old.Store.Delete(ctx); err != nil {
		log.Session(h.tenantID).WithError(err).Warn("Stale credential delete failed")
	}
	if err := deleteTenantDevice(ctx, h.tenantID); err != nil {
		log.Session(h.tenantID).WithError(err).Warn("Device routing delete failed")
	}

	container, err := containerFor(ctx, h.tenantID)
	if err != nil {
		h.notify(EventAuthFailed, err.Error())
		return
	}

	h.mu.Lock()
	h.client = h.buildClient(container.NewDevice())
	h.mu.Unlock()

	go h.start()
}

// relayInbound forwards a received direct text to the relay engine, wiring a
// reply path back through this tenant's session.
func (h *waHandle) relayInbound(evt *events.Message) {
	engine := currentRelayEngine()
	if engine == nil {
		return
	}
	if evt.Info.IsFromMe || evt.Info.Chat.Server != types.DefaultUserServer {
		return
	}

	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}

	session, ok := Sessions.Get(h.tenantID)
	if !ok {
		return
	}
	secret := session.Secret()
	if secret == "" {
		// Restored session whose secret has not been presented yet; without it
		// the callback payload cannot be signed.
		log.Session(h.tenantID).Warn("Inbound message not relayed, secret unknown")
		return
	}

	sender := evt.Info.Sender.User
	engine.Enqueue(h.tenantID, relay.Message{
		Secret:  secret,
		From:    sender,
		Message: text,
	}, func(reply string) error {
		return session.SendText(context.Background(), sender, reply)
	})
}

func (h *waHandle) SendText(ctx context.Context, phoneDigits string, message string) error {
	client := h.getClient()
	if !client.IsConnected() {
		return errors.New("client is not connected")
	}
	if !client.IsLoggedIn() {
		return errors.New("client is not logged in")
	}

	remoteJID := types.NewJID(phoneDigits, types.DefaultUserServer)
	msgExtra := whatsmeow.SendRequestExtra{ID: client.GenerateMessageID()}
	msgContent := &waE2E.Message{
		Conversation: proto.String(message),
	}
	_, err := client.SendMessage(ctx, remoteJID, msgContent, msgExtra)
	return err
}

func (h *waHandle) Connected() bool {
	return h.getClient().IsConnected()
}

func (h *waHandle) LoggedIn() bool {
	return h.getClient().IsLoggedIn()
}

func (h *waHandle) Disconnect() {
	h.getClient().Disconnect()
}
