package types

import (
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/whatsapp"
)

// RequestSend is the body of POST /send. Secret may arrive here instead of the
// query string; the auth middleware accepts either.
type RequestSend struct {
	Secret     string               `json:"secret"`
	Message    string               `json:"message"`
	Recipients []whatsapp.Recipient `json:"recipients"`
}
