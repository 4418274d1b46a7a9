// Package telegram delivers notifications as Telegram bot messages.
//
// Addresses are "<chat id>" or "<chat id>/<thread id>" for forum topics.
// The bot only sends; it never polls for updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

// textLimit is Telegram's maximum message length in characters.
const textLimit = 4096

type Config struct {
	Token string
	// APIURL overrides https://api.telegram.org (tests).
	APIURL  string
	Timeout time.Duration
}

type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, log: log}, nil
}

func (s *Sender) Name() string { return transport.Telegram }

// Send posts m as HTML, split into as many messages as the length limit
// requires. A failure after the first chunk returns the error; the chunks
// already sent stay sent.
func (s *Sender) Send(ctx context.Context, to string, m transport.Message) error {
	chatID, threadID, err := ParseAddress(to)
	if err != nil {
		return transport.Permanent(err)
	}
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              threadID,
	}

	for i, chunk := range splitText(Render(m), textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return classify(fmt.Errorf("telegram: chunk %d: %w", i+1, err))
		}
	}
	s.log.Debug("telegram message sent", logx.Int64("chat_id", chatID), logx.Int("thread_id", threadID))
	return nil
}

// ParseAddress reads "<chat id>[/<thread id>]".
func ParseAddress(addr string) (chatID int64, threadID int, err error) {
	addr = strings.TrimSpace(addr)
	chatPart, threadPart, hasThread := strings.Cut(addr, "/")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("telegram: invalid chat id %q", addr)
	}
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil || threadID <= 0 {
			return 0, 0, fmt.Errorf("telegram: invalid thread id %q", addr)
		}
	}
	return chatID, threadID, nil
}

// Render builds the HTML text: bold subject, then the escaped plain body.
// The e-mail HTML alternative is not reused since Telegram accepts only a
// small tag subset.
func Render(m transport.Message) string {
	subj := strings.TrimSpace(m.Subject)
	body := strings.TrimSpace(m.Body)
	switch {
	case subj == "":
		return html.EscapeString(body)
	case body == "":
		return "<b>" + html.EscapeString(subj) + "</b>"
	}
	return "<b>" + html.EscapeString(subj) + "</b>\n\n" + html.EscapeString(body)
}

// classify turns Telegram API errors into transport conventions: flood
// control carries a retry hint, 400/403 (bad chat, bot blocked) are
// permanent.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) && flood.RetryAfter > 0 {
		return &transport.RetryAfterError{After: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden) {
		return transport.Permanent(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "(400)") || strings.Contains(msg, "(403)") {
		return transport.Permanent(err)
	}
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of the window and never cutting inside an HTML tag.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			// Back off to before a tag left open at the cut.
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start {
				end = open
			}
		}

		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
