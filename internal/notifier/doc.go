// Package notifier is the notification dispatcher every outgoing message
// goes through.
//
// # Routing
//
// The recipient's address form picks the transport: "tg:<chat>[/<thread>]"
// goes to Telegram, "sms:" or "tel:" followed by an E.164 number goes to
// SMS, anything with an "@" is e-mail. Other addresses use the configured
// default transport.
//
// # Delivery policy
//
// Sends share one token-bucket rate limiter. Each attempt runs under its own
// timeout; failures are retried with exponential backoff and jitter unless
// the transport marked them permanent. A transport's retry-after hint
// stretches the wait.
package notifier
