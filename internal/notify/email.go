package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
)

// EmailChannel sends notifications via SMTP.
type EmailChannel struct {
	cfg config.EmailNotifyConfig
}

// NewEmail creates an EmailChannel from cfg.
func NewEmail(cfg config.EmailNotifyConfig) *EmailChannel { return &EmailChannel{cfg: cfg} }

func (e *EmailChannel) Name() string { return "email" }
func (e *EmailChannel) IsConfigured() bool {
	return e.cfg.Host != "" && len(e.cfg.To) > 0 && e.cfg.From != ""
}

func (e *EmailChannel) Send(_ context.Context, evt Event) error {
	body := evt.Body
	if evt.URL != "" {
		body += "\n\n" + evt.URL
	}
	msg := fmt.Sprintf("Subject: %s\r\nFrom: %s\r\nTo: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		evt.Title, e.cfg.From, strings.Join(e.cfg.To, ", "), strings.ReplaceAll(body, "\n", "\r\n"))

	port := e.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, port)

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	// SendMail upgrades to STARTTLS when the server advertises it.
	return smtp.SendMail(addr, auth, e.cfg.From, e.cfg.To, []byte(msg))
}
