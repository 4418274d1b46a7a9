// Package sms sends notifications as text messages through Twilio.
package sms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

// maxBody keeps a message within ten concatenated segments.
const maxBody = 1600

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
}

// messageAPI is the part of the Twilio REST client the sender uses.
type messageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type Sender struct {
	from string
	api  messageAPI
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("sms: account_sid and auth_token are required")
	}
	if !e164.MatchString(cfg.From) {
		return nil, fmt.Errorf("sms: from %q is not an E.164 number", cfg.From)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{from: cfg.From, api: client.Api, log: log}, nil
}

func (s *Sender) Name() string { return transport.SMS }

// Send texts the plain rendering of m to an E.164 number. The Twilio client
// has no context support, so ctx is only checked before the call.
func (s *Sender) Send(ctx context.Context, to string, m transport.Message) error {
	to = strings.TrimSpace(to)
	if !e164.MatchString(to) {
		return transport.Permanent(fmt.Errorf("sms: %q is not an E.164 number", to))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body := transport.PlainText(m)
	if rs := []rune(body); len(rs) > maxBody {
		body = string(rs[:maxBody-1]) + "…"
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return classify(err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	s.log.Debug("sms sent", logx.String("to", to), logx.String("sid", sid))
	return nil
}

// classify treats Twilio 4xx replies other than 429 as permanent.
func classify(err error) error {
	var rest *twclient.TwilioRestError
	if errors.As(err, &rest) {
		if rest.Status >= 400 && rest.Status < 500 && rest.Status != http.StatusTooManyRequests {
			return transport.Permanent(fmt.Errorf("sms: %w", err))
		}
	}
	return fmt.Errorf("sms: %w", err)
}
