// Package email sends notification mail over SMTP.
package email

import (
	"context"
	"errors"
	"strings"
	"time"

	gomail "gopkg.in/mail.v2"

	logx "ffbot/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Message is one outgoing mail with an HTML body and a plain text fallback.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type Sender struct {
	cfg Config
	log logx.Logger
}

func NewSender(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email: smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log}, nil
}

// Send dials, authenticates and delivers m. The SMTP exchange itself is not
// interruptible; ctx only bounds how long the caller waits for it.
func (s *Sender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.cfg.From)
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", m.Subject)
	switch {
	case m.HTML != "" && m.Text != "":
		msg.SetBody("text/plain", m.Text)
		msg.AddAlternative("text/html", m.HTML)
	case m.HTML != "":
		msg.SetBody("text/html", m.HTML)
	default:
		msg.SetBody("text/plain", m.Text)
	}

	dialer := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	dialer.Timeout = s.cfg.Timeout

	done := make(chan error, 1)
	go func() { done <- dialer.DialAndSend(msg) }()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("email send failed", logx.String("to", m.To), logx.String("subject", m.Subject), logx.Err(err))
			return err
		}
		s.log.Debug("email sent", logx.String("to", m.To), logx.String("subject", m.Subject))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
