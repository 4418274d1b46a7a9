package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"reminderd/internal/eventbus"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

// Dispatcher routes messages to transports under a shared rate limit and
// retry policy. It is safe for concurrent use.
type Dispatcher struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
	senders map[string]transport.Sender
	closed  bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	retries atomic.Uint64

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, senders ...transport.Sender) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{
		log:     log,
		bus:     bus,
		senders: map[string]transport.Sender{},
		sleep:   sleepCtx,
	}
	for _, s := range senders {
		d.senders[s.Name()] = s
	}
	d.Apply(cfg)
	return d
}

// Register adds or replaces the sender for its transport name.
func (d *Dispatcher) Register(s transport.Sender) {
	d.mu.Lock()
	d.senders[s.Name()] = s
	d.mu.Unlock()
}

// Apply swaps the policy. In-flight sends keep the limiter they started with.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limiter == nil || d.cfg.RatePerSec != cfg.RatePerSec || d.cfg.Burst != cfg.Burst {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	d.cfg = cfg
}

// Route resolves a recipient to a transport name and the address that
// transport expects.
func (d *Dispatcher) Route(recipient string) (name, addr string, err error) {
	d.mu.RLock()
	def := d.cfg.DefaultTransport
	d.mu.RUnlock()
	return route(recipient, def)
}

func route(recipient, def string) (string, string, error) {
	r := strings.TrimSpace(recipient)
	if r == "" {
		return "", "", fmt.Errorf("%w: empty recipient", ErrNoRoute)
	}
	scheme, rest, hasScheme := strings.Cut(r, ":")
	if hasScheme {
		switch strings.ToLower(scheme) {
		case "tg", "telegram":
			return transport.Telegram, strings.TrimSpace(rest), nil
		case "sms", "tel":
			return transport.SMS, strings.TrimSpace(rest), nil
		case "mailto":
			return transport.Email, strings.TrimSpace(rest), nil
		}
	}
	if strings.Contains(r, "@") {
		return transport.Email, r, nil
	}
	if def = strings.TrimSpace(def); def != "" {
		return def, r, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrNoRoute, recipient)
}

// Dispatch sends m to m.Recipient. It returns once the message is accepted
// by the transport, or with the last error after retries run out.
func (d *Dispatcher) Dispatch(ctx context.Context, m transport.Message) error {
	d.mu.RLock()
	cfg, lim, closed := d.cfg, d.limiter, d.closed
	name, addr, routeErr := route(m.Recipient, cfg.DefaultTransport)
	sender := d.senders[name]
	d.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if routeErr != nil {
		d.fail(name, m.Recipient, 0, routeErr)
		return routeErr
	}
	if sender == nil {
		err := fmt.Errorf("%w: %s", ErrDisabled, name)
		d.fail(name, m.Recipient, 0, err)
		return err
	}
	m = withSignature(m, cfg.Signature)

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("notifier: rate limit wait: %w", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sender.Send(callCtx, addr, m)
		cancel()
		if err == nil {
			d.sent.Add(1)
			if attempt > 1 {
				d.log.Info("notification sent after retry", logx.String("transport", name), logx.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err

		if transport.IsPermanent(err) || ctx.Err() != nil || attempt == attempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if hint, ok := transport.RetryAfter(err); ok && hint > delay {
			delay = hint
		}
		d.log.Debug("notification send failed; retrying",
			logx.String("transport", name),
			logx.Int("attempt", attempt),
			logx.Int("max", attempts),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		d.retries.Add(1)
		if err := d.sleep(ctx, delay); err != nil {
			break
		}
	}

	d.fail(name, m.Recipient, attempts, lastErr)
	return fmt.Errorf("notifier: %s: %w", name, lastErr)
}

func (d *Dispatcher) fail(name, recipient string, attempts int, err error) {
	d.failed.Add(1)
	d.log.Warn("notification failed",
		logx.String("transport", name),
		logx.String("recipient", recipient),
		logx.Int("attempts", attempts),
		logx.Err(err),
	)
	d.bus.Publish(eventbus.Event{
		Type: eventbus.DispatchFailed,
		Time: time.Now(),
		Data: FailedEvent{
			Transport: name,
			Recipient: recipient,
			Attempts:  attempts,
			Permanent: transport.IsPermanent(err) || errors.Is(err, ErrNoRoute) || errors.Is(err, ErrDisabled),
			Error:     err.Error(),
		},
	})
}

// Alert forwards an operator log line. It implements logx.Alerter.
func (d *Dispatcher) Alert(ctx context.Context, recipient, text string) error {
	return d.Dispatch(ctx, transport.Message{
		Recipient: recipient,
		Subject:   "reminderd alert",
		Body:      text,
	})
}

// Close closes every sender that holds resources. Later dispatches fail
// with ErrClosed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	senders := make([]transport.Sender, 0, len(d.senders))
	for _, s := range d.senders {
		senders = append(senders, s)
	}
	d.mu.Unlock()

	var errs []error
	for _, s := range senders {
		if c, ok := s.(transport.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.RLock()
	names := make([]string, 0, len(d.senders))
	for n := range d.senders {
		names = append(names, n)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return Snapshot{
		Transports: names,
		Sent:       d.sent.Load(),
		Failed:     d.failed.Load(),
		Retries:    d.retries.Load(),
	}
}

func withSignature(m transport.Message, sig string) transport.Message {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return m
	}
	m.Body = strings.TrimRight(m.Body, "\n") + "\n\n" + sig
	if m.HTML != "" {
		m.HTML += "<p>" + html.EscapeString(sig) + "</p>"
	}
	return m
}

// retryDelay is the wait after the given failed attempt (1-based):
// base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
