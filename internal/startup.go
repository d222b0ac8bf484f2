package internal

import (
	"context"
	mathrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/auth"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/env"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/log"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/relay"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/whatsapp"
)

// RelayEngine is the running inbound-relay pool, nil when relaying is
// disabled. Main drains it during shutdown.
var RelayEngine *relay.Engine

func jitterSleep(max time.Duration) {
	if max <= 0 {
		return
	}
	ms := mathrand.Int64N(max.Milliseconds() + 1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func Startup() {
	log.Print(nil).Info("Running Startup Tasks")

	ctx := context.Background()

	if err := pkgWhatsApp.InitDatastore(ctx); err != nil {
		// The HTTP surface still comes up; /health reports the broken driver.
		log.Print(nil).WithError(err).Error("Datastore initialization failed, sessions cannot authenticate")
	}

	if callbackURL, err := env.GetEnvString("RELAY_CALLBACK_URL"); err == nil {
		engine, err := relay.NewEngine(callbackURL)
		if err != nil {
			log.Print(nil).WithError(err).Error("Relay engine disabled")
		} else {
			RelayEngine = engine
			pkgWhatsApp.SetRelayEngine(engine)
		}
	}

	if !auth.MultiTenant() {
		// Legacy single-tenant mode activates eagerly so the QR is ready to
		// poll the moment the process is up.
		if _, err := pkgWhatsApp.Sessions.Resolve(auth.LegacySecret); err != nil {
			log.Print(nil).WithError(err).Error("Failed to initialize legacy session")
		}
	}

	restoreSessions(ctx)
}

// restoreSessions reconnects every tenant with persisted credentials so paired
// sessions survive a restart without a rescan. Reconnects are staggered and
// bounded to avoid a thundering herd against the upstream service.
func restoreSessions(ctx context.Context) {
	if !pkgWhatsApp.DriverConfigured() {
		return
	}

	tenants, err := pkgWhatsApp.ListPersistedTenants(ctx)
	if err != nil {
		log.Print(nil).WithError(err).Error("Failed to list persisted tenants")
		return
	}
	if len(tenants) == 0 {
		return
	}

	maxConcurrent := env.GetEnvIntOrDefault("STARTUP_RESTORE_CONCURRENCY", 5)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	jitterMax := time.Duration(env.GetEnvIntOrDefault("STARTUP_RESTORE_JITTER_MS", 5000)) * time.Millisecond

	var restored, failed int64
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, tenantID := range tenants {
		tenantID := tenantID
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			jitterSleep(jitterMax)
			if _, err := pkgWhatsApp.Sessions.Restore(tenantID); err != nil {
				atomic.AddInt64(&failed, 1)
				log.Session(tenantID).WithError(err).Error("Session restore failed")
				return
			}
			atomic.AddInt64(&restored, 1)
			log.Session(tenantID).Info("Session restore started")
		}()
	}
	wg.Wait()

	log.Print(nil).
		WithField("restored", atomic.LoadInt64(&restored)).
		WithField("failed", atomic.LoadInt64(&failed)).
		Info("Startup session restore finished")
}
