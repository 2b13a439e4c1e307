// Package httpclient builds the HTTP clients rollout uses to talk to remote
// task runners and to the controller API.
//
// Clients compose three transport layers around a pooled http.Transport:
//   - logging: sanitized request logs, User-Agent, W3C trace context
//   - auth: bearer tokens from an oauth2.TokenSource, when configured
//   - retry: exponential backoff with jitter for transient failures
//
// # Retry Behavior
//
// Retried: 5xx, 408 and 429 responses (honouring Retry-After) and transient
// network errors. Not retried: other 4xx responses and context cancellation.
// Only GET, HEAD and OPTIONS are retried unless AllowNonIdempotentRetry is
// set, which callers pair with an Idempotency-Key header.
//
// The classification helpers (RetryableStatus, RetryableError, Backoff) are
// exported so that callers with their own retry loops agree with the
// transport about what is transient.
package httpclient
