package internal

import (
	"github.com/robfig/cron/v3"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/env"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/log"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/whatsapp"
)

// Routines schedules the periodic session health sweep. The driver already
// auto-reconnects; the sweep catches sessions whose advertised status drifted
// from the actual connection state.
func Routines(cron *cron.Cron) {
	log.Print(nil).Info("Running Routine Tasks")

	if env.GetEnvBoolOrDefault("SESSION_HEALTH_CHECK_ENABLED", true) {
		_, err := cron.AddFunc("0 */5 * * * *", func() {
			if pkgWhatsApp.Sessions.Len() == 0 {
				return
			}
			pkgWhatsApp.Sessions.Range(func(session *pkgWhatsApp.Session) {
				healthy := session.Connected() && session.LoggedIn()
				if session.Ready() && !healthy {
					log.Session(session.TenantID()).Warn("Session unhealthy, demoting")
					session.MarkDisconnected("health sweep found a dead connection")
				} else if healthy {
					log.Session(session.TenantID()).Info("Session healthy")
				}
			})
		})
		if err != nil {
			log.Print(nil).WithError(err).Error("Failed to add health sweep cron job")
		}
	} else {
		log.Print(nil).Info("Session health sweep disabled")
	}

	cron.Start()
}
