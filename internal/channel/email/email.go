// Package email delivers notifications over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"clubledger/internal/channel"
	logx "clubledger/pkg/logx"
)

// Config configures the SMTP client. An empty Host disables the channel so
// small clubs can run Telegram-only; a disabled sender rejects sends as
// transient rather than claiming delivery.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
}

var errDisabled = errors.New("email channel disabled")

// Sender delivers rendered messages as plain-text mail.
type Sender struct {
	cfg    Config
	client *gomail.Client
	log    logx.Logger
}

func NewSender(cfg Config, log logx.Logger) (*Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{cfg: cfg, log: log}
	if strings.TrimSpace(cfg.Host) == "" {
		log.Info("smtp host not configured; email channel runs as a no-op")
		return s, nil
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is empty")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp from address: %w", err)
	}

	opts := []gomail.Option{
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Username),
		gomail.WithPassword(cfg.Password),
	}
	if cfg.Port > 0 {
		opts = append(opts, gomail.WithPort(cfg.Port))
	}
	if cfg.StartTLS {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	s.client = client
	return s, nil
}

func (s *Sender) Name() channel.Channel { return channel.Email }

// Enabled reports whether a real SMTP client is configured.
func (s *Sender) Enabled() bool { return s.client != nil }

func (s *Sender) Send(ctx context.Context, address string, msg channel.Message) error {
	if s.client == nil {
		// Never report Sent for mail that went nowhere. Transient keeps
		// the attempt retryable in case the operator enables SMTP.
		s.log.Debug("email disabled; rejecting message",
			logx.String("to", address),
			logx.String("subject", msg.Subject),
		)
		return channel.Transient(errDisabled)
	}

	m, err := buildMessage(s.cfg.From, address, msg)
	if err != nil {
		return channel.Permanent(err)
	}
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		s.log.Debug("smtp send failed", logx.String("to", address), logx.Err(err))
		return classify(err)
	}
	return nil
}

func buildMessage(from, to string, msg channel.Message) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("to address %q: %w", to, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextPlain, msg.Body)
	return m, nil
}

// classify maps SMTP failures onto the delivery taxonomy: 4xx and
// transport errors retry, 5xx rejections are terminal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *gomail.SendError
	if errors.As(err, &se) {
		if se.IsTemp() {
			return channel.Transient(err)
		}
		return channel.Permanent(err)
	}
	return channel.Transient(err)
}
