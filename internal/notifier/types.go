package notifier

import (
	"errors"
	"time"
)

var (
	ErrNoRoute  = errors.New("notifier: no transport for recipient")
	ErrDisabled = errors.New("notifier: transport not enabled")
	ErrClosed   = errors.New("notifier: closed")
)

const (
	defaultRatePerSec    = 3
	defaultRetryMax      = 3
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 30 * time.Second
	defaultSendTimeout   = 10 * time.Second
)

// Config is the live-reloadable dispatch policy.
type Config struct {
	// DefaultTransport serves recipients without a recognised address form.
	DefaultTransport string
	RatePerSec       int
	// Burst defaults to RatePerSec.
	Burst int
	// RetryMax is the number of retries after the first attempt. Negative
	// disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	// Signature is appended to every message body.
	Signature string
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	switch {
	case c.RetryMax < 0:
		c.RetryMax = 0
	case c.RetryMax == 0:
		c.RetryMax = defaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	return c
}

// FailedEvent is the payload of an eventbus.DispatchFailed event.
type FailedEvent struct {
	Transport string `json:"transport"`
	Recipient string `json:"recipient"`
	Attempts  int    `json:"attempts"`
	Permanent bool   `json:"permanent"`
	Error     string `json:"error"`
}

// Snapshot reports dispatcher counters and the enabled transports.
type Snapshot struct {
	Transports []string
	Sent       uint64
	Failed     uint64
	Retries    uint64
}
