package log

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
}

func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	return logger.WithFields(logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	})
}

// Session returns an entry scoped to one tenant session. Only the masked
// tenant identifier is logged, never the secret itself.
func Session(tenantID string) *logrus.Entry {
	return logger.WithField("tenant", MaskTenantID(tenantID))
}

// MaskTenantID shortens a tenant identifier to its first 8 characters for logs.
func MaskTenantID(tenantID string) string {
	if len(tenantID) <= 8 {
		return tenantID
	}
	return tenantID[:8]
}
