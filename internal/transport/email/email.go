// Package email sends notifications over SMTP with github.com/wneessen/go-mail.
// Each message carries a plain-text part and, when present, an HTML
// alternative.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"

	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

const (
	defaultPort        = 465
	defaultDialTimeout = 15 * time.Second
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS uses STARTTLS (usually 587) instead of implicit TLS.
	StartTLS bool
	Timeout  time.Duration
}

type Sender struct {
	cfg Config
	log logx.Logger

	// dial is swapped by tests.
	dial func(ctx context.Context, c *gomail.Client, m *gomail.Msg) error
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("email: host is required")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("email: invalid from address %q: %w", cfg.From, err)
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDialTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg: cfg,
		log: log,
		dial: func(ctx context.Context, c *gomail.Client, m *gomail.Msg) error {
			return c.DialAndSendWithContext(ctx, m)
		},
	}, nil
}

func (s *Sender) Name() string { return transport.Email }

// Send opens one SMTP session per message. Volumes are a handful of
// reminders per minute, so no connection is kept open between sends.
func (s *Sender) Send(ctx context.Context, to string, m transport.Message) error {
	msg, err := s.build(to, m)
	if err != nil {
		return transport.Permanent(err)
	}
	client, err := gomail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return transport.Permanent(fmt.Errorf("email: client: %w", err))
	}
	if err := s.dial(ctx, client, msg); err != nil {
		return classify(err)
	}
	s.log.Debug("email sent", logx.String("to", to), logx.String("subject", m.Subject))
	return nil
}

func (s *Sender) build(to string, m transport.Message) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("email: from: %w", err)
	}
	if err := msg.To(strings.TrimSpace(to)); err != nil {
		return nil, fmt.Errorf("email: to %q: %w", to, err)
	}
	msg.Subject(m.Subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(gomail.TypeTextPlain, m.Body)
	if strings.TrimSpace(m.HTML) != "" {
		msg.AddAlternativeString(gomail.TypeTextHTML, m.HTML)
	}
	return msg, nil
}

func (s *Sender) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.StartTLS {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithSSL())
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

// classify marks SMTP rejections that a retry cannot fix as permanent.
// Connection problems and 4xx replies stay retryable.
func classify(err error) error {
	var se *gomail.SendError
	if errors.As(err, &se) && !se.IsTemp() {
		switch se.Reason {
		case gomail.ErrSMTPMailFrom, gomail.ErrSMTPRcptTo, gomail.ErrGetRcpts, gomail.ErrGetSender, gomail.ErrNoUnencoded:
			return transport.Permanent(fmt.Errorf("email: %w", err))
		}
	}
	return fmt.Errorf("email: %w", err)
}
