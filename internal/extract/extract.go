// Package extract finds a reminder time in free text.
//
// Candidate phrases are cut out with a fixed, ordered set of patterns
// ("remind me ...", "follow up ...", "schedule for ...") and handed to a
// natural-language date parser. A parsed time is accepted only when it lies
// inside the configured horizon; anything else is "no reminder".
package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	logx "reminderd/pkg/logx"
)

const (
	DefaultMinDelay     = 30 * time.Second
	DefaultMaxDelay     = 365 * 24 * time.Hour
	DefaultParseTimeout = 2 * time.Second
)

var (
	ErrTooSoon    = errors.New("extract: time is below the minimum delay")
	ErrTooFar     = errors.New("extract: time is beyond the maximum horizon")
	ErrNotFuture  = errors.New("extract: time is not in the future")
	errParserHung = errors.New("extract: date parser timed out")
)

// A phrase ends at a full stop followed by space or end of text, at ! or ?,
// at a newline, or at the end of the text. A dot inside "3.30pm" does not
// end the phrase.
const phraseEnd = `(?:\.(?:\s|$)|[!?\n]|$)`

// Pattern is one candidate phrase matcher. Group 1 is the time fragment.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// DefaultPatterns are tried in order.
var DefaultPatterns = []Pattern{
	{Name: "remind_me", Re: regexp.MustCompile(`(?i)\bremind\s+me\s+(.+?)` + phraseEnd)},
	{Name: "follow_up", Re: regexp.MustCompile(`(?i)\bfollow[\s-]?up\s+(?:(?:on|with|about)\s+)?(.+?)` + phraseEnd)},
	{Name: "schedule", Re: regexp.MustCompile(`(?i)\bschedule\s+(?:(?:it|this|that)\s+)?(?:for|at|on)\s+(.+?)` + phraseEnd)},
}

// DateParser resolves a natural-language fragment against ref. ok is false
// when the fragment holds no date.
type DateParser interface {
	ParseDate(ctx context.Context, fragment string, ref time.Time) (t time.Time, ok bool, err error)
}

type Config struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	Location     *time.Location
	ParseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.ParseTimeout <= 0 {
		c.ParseTimeout = DefaultParseTimeout
	}
	return c
}

// Result is an accepted extraction.
type Result struct {
	Due     time.Time
	Phrase  string
	Pattern string
}

type Extractor struct {
	cfg      atomic.Pointer[Config]
	parser   DateParser
	patterns []Pattern
	log      logx.Logger
}

// New builds an Extractor. A nil parser means the when-based parser.
func New(cfg Config, parser DateParser, log logx.Logger) *Extractor {
	if parser == nil {
		parser = NewWhenParser()
	}
	e := &Extractor{parser: parser, patterns: DefaultPatterns, log: log}
	e.Apply(cfg)
	return e
}

// Apply swaps the horizon settings at runtime.
func (e *Extractor) Apply(cfg Config) {
	c := cfg.withDefaults()
	e.cfg.Store(&c)
}

func (e *Extractor) Config() Config { return *e.cfg.Load() }

// Extract returns the first candidate phrase that parses to a time within
// the horizon. ok is false when nothing qualifies; Extract never guesses.
func (e *Extractor) Extract(ctx context.Context, text string, now time.Time) (Result, bool) {
	cfg := e.Config()
	ref := now.In(cfg.Location)

	for _, p := range e.patterns {
		for _, m := range p.Re.FindAllStringSubmatch(text, -1) {
			phrase := strings.TrimSpace(m[1])
			if phrase == "" {
				continue
			}
			due, ok, err := e.parse(ctx, cfg, phrase, ref)
			if err != nil {
				e.log.Warn("date parse failed", logx.String("pattern", p.Name), logx.String("phrase", phrase), logx.Err(err))
				continue
			}
			if !ok {
				e.log.Debug("phrase holds no date", logx.String("pattern", p.Name), logx.String("phrase", phrase))
				continue
			}
			if err := checkHorizon(cfg, due, now); err != nil {
				e.log.Info("parsed time outside horizon",
					logx.String("phrase", phrase),
					logx.Time("due", due),
					logx.Duration("min", cfg.MinDelay),
					logx.Duration("max", cfg.MaxDelay),
					logx.Err(err),
				)
				continue
			}
			return Result{Due: due.UTC(), Phrase: phrase, Pattern: p.Name}, true
		}
	}
	return Result{}, false
}

// CheckHorizon applies the acceptance window to an explicit due time, as
// used by reschedule.
func (e *Extractor) CheckHorizon(due, now time.Time) error {
	return checkHorizon(e.Config(), due, now)
}

func checkHorizon(cfg Config, due, now time.Time) error {
	d := due.Sub(now)
	switch {
	case d <= 0:
		return fmt.Errorf("%w: %s", ErrNotFuture, due.UTC().Format(time.RFC3339))
	case d < cfg.MinDelay:
		return fmt.Errorf("%w: %s < %s", ErrTooSoon, d.Round(time.Second), cfg.MinDelay)
	case d > cfg.MaxDelay:
		return fmt.Errorf("%w: %s > %s", ErrTooFar, d.Round(time.Second), cfg.MaxDelay)
	}
	return nil
}

// parse runs the parser under the configured timeout. Parser panics are
// reported as errors.
func (e *Extractor) parse(ctx context.Context, cfg Config, phrase string, ref time.Time) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ParseTimeout)
	defer cancel()

	type out struct {
		t   time.Time
		ok  bool
		err error
	}
	ch := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- out{err: fmt.Errorf("extract: date parser panic: %v", r)}
			}
		}()
		t, ok, err := e.parser.ParseDate(ctx, phrase, ref)
		ch <- out{t: t, ok: ok, err: err}
	}()

	select {
	case <-ctx.Done():
		return time.Time{}, false, errParserHung
	case o := <-ch:
		return o.t, o.ok, o.err
	}
}
