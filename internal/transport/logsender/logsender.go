// Package logsender is the dry-run transport: it writes notifications to
// the log instead of sending them.
package logsender

import (
	"context"
	"sync"

	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

type Sender struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Sent
}

// Sent is one message the sender accepted.
type Sent struct {
	To      string
	Message transport.Message
}

const keepSent = 100

func New(log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log}
}

func (s *Sender) Name() string { return transport.Log }

func (s *Sender) Send(_ context.Context, to string, m transport.Message) error {
	s.log.Info("notification (dry run)",
		logx.String("to", to),
		logx.String("subject", m.Subject),
		logx.String("body", m.Body),
	)
	s.mu.Lock()
	s.sent = append(s.sent, Sent{To: to, Message: m})
	if len(s.sent) > keepSent {
		s.sent = s.sent[len(s.sent)-keepSent:]
	}
	s.mu.Unlock()
	return nil
}

// Sent returns the most recent messages, oldest first.
func (s *Sender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}
