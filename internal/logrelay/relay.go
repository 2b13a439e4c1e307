// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logrelay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// DefaultBackoff is the fixed delay between reconnects.
const DefaultBackoff = 30 * time.Second

// maxErrorBody bounds how much of a rejected response is read for its message.
const maxErrorBody = 4 << 10

// Relay opens log streams against one controller.
type Relay struct {
	baseURL    string
	client     *http.Client
	backoff    time.Duration
	maxRetries int
	logger     *slog.Logger
	observer   func(Event)
}

// Option configures a Relay.
type Option func(*Relay)

// WithHTTPClient sets the client used for streams. It must not have an
// overall Timeout, which would cut long streams.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) { r.client = c }
}

// WithBackoff sets the delay between reconnects.
func WithBackoff(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.backoff = d
		}
	}
}

// WithMaxRetries bounds reconnects. Zero retries forever.
func WithMaxRetries(n int) Option {
	return func(r *Relay) { r.maxRetries = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithObserver receives every event of a subscription, including the ones
// that are not log lines.
func WithObserver(fn func(Event)) Option {
	return func(r *Relay) { r.observer = fn }
}

// New creates a relay for the controller at baseURL.
func New(baseURL string, opts ...Option) *Relay {
	r := &Relay{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		backoff: DefaultBackoff,
		logger:  log.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(r.logger, "logrelay")
	return r
}

// Subscribe follows target until the job is done, the stream fails with a
// non-retryable error, or ctx is cancelled. Cancellation is not an error.
func (r *Relay) Subscribe(ctx context.Context, target Target, listener Listener) (Outcome, error) {
	logger := r.logger.With(
		slog.String(log.ProjectIDKey, target.ProjectID),
		slog.Int(log.RunNumberKey, target.RunNumber),
		slog.Int(log.JobNumberKey, target.JobNumber),
	)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}

		ev := r.attempt(ctx, target, attempt, listener)
		switch ev.Kind {
		case EventDone:
			r.observe(ev)
			return OutcomeDone, nil

		case EventCancelled:
			r.observe(ev)
			return OutcomeCancelled, nil

		case EventFatal:
			r.observe(ev)
			logger.Debug("log stream rejected", log.Error(ev.Err))
			return OutcomeFailed, ev.Err

		case EventRetryable:
			if r.maxRetries > 0 && attempt > r.maxRetries {
				ev.Kind = EventFatal
				ev.Err = &errors.TransportError{
					Operation: "stream logs",
					Attempts:  attempt,
					Cause:     ev.Err,
				}
				r.observe(ev)
				return OutcomeFailed, ev.Err
			}

			ev.RetryIn = r.backoff
			r.observe(ev)
			logger.Warn("log stream interrupted, reconnecting",
				log.Error(ev.Err),
				slog.Int(log.AttemptKey, attempt),
				slog.Duration("retry_in", r.backoff))

			timer := time.NewTimer(r.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.observe(Event{Kind: EventCancelled, Attempt: attempt})
				return OutcomeCancelled, nil
			case <-timer.C:
			}
		}
	}
}

// attempt runs one connection. Lines are handed to listener as they arrive;
// the returned event is never EventDelivered.
func (r *Relay) attempt(ctx context.Context, target Target, attempt int, listener Listener) Event {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+target.Path(), nil)
	if err != nil {
		return Event{Kind: EventFatal, Err: fmt.Errorf("building log stream request: %w", err), Attempt: attempt}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Event{Kind: EventCancelled, Attempt: attempt}
		}
		return Event{
			Kind:    EventRetryable,
			Err:     &errors.TransportError{Operation: "open log stream", Cause: err},
			Attempt: attempt,
		}
	}
	defer resp.Body.Close()

	if ev, ok := classifyStatus(resp, attempt); !ok {
		return ev
	}

	reader := bufio.NewReader(resp.Body)
	var msg message
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return Event{Kind: EventCancelled, Attempt: attempt}
			}
			if err == io.EOF {
				err = fmt.Errorf("stream closed before done")
			}
			return Event{
				Kind:    EventRetryable,
				Err:     &errors.TransportError{Operation: "read log stream", Cause: err},
				Attempt: attempt,
			}
		}

		line := strings.TrimRight(raw, "\r\n")
		if line != "" {
			msg.add(line)
			continue
		}
		if msg.empty() {
			continue
		}

		// A cancelled subscription delivers nothing further.
		if ctx.Err() != nil {
			return Event{Kind: EventCancelled, Attempt: attempt}
		}

		switch msg.event {
		case "log-line":
			ev := Event{Kind: EventDelivered, Line: msg.line(), Attempt: attempt}
			r.observe(ev)
			if listener != nil {
				listener(ev.Line)
			}
		case "done":
			return Event{Kind: EventDone, Status: msg.status(), Attempt: attempt}
		}
		msg = message{}
	}
}

// classifyStatus reports whether resp opened a stream. Client errors other
// than 429 are definitive; everything else is worth retrying.
func classifyStatus(resp *http.Response, attempt int) (Event, bool) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Event{}, true
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := errorMessage(body)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return Event{
			Kind:    EventFatal,
			Err:     &errors.StreamError{StatusCode: resp.StatusCode, Message: text},
			Attempt: attempt,
		}, false
	}

	cause := fmt.Errorf("unexpected status %s", resp.Status)
	if text != "" {
		cause = fmt.Errorf("unexpected status %s: %s", resp.Status, text)
	}
	return Event{
		Kind:    EventRetryable,
		Err:     &errors.TransportError{Operation: "open log stream", StatusCode: resp.StatusCode, Cause: cause},
		Attempt: attempt,
	}, false
}

// errorMessage extracts the message of a JSON error body, falling back to
// the trimmed body text.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

func (r *Relay) observe(ev Event) {
	if r.observer != nil {
		r.observer(ev)
	}
}

// message accumulates the fields of one server-sent event.
type message struct {
	event string
	data  []string
}

func (m *message) add(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		m.event = value
	case "data":
		m.data = append(m.data, value)
	}
}

func (m *message) empty() bool {
	return m.event == "" && len(m.data) == 0
}

// line decodes a log-line payload. Payloads that are not JSON are taken as
// the line text.
func (m *message) line() Line {
	data := strings.Join(m.data, "\n")
	var l Line
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return Line{Text: data}
	}
	return l
}

func (m *message) status() workflow.JobStatus {
	var payload struct {
		Status workflow.JobStatus `json:"status"`
	}
	_ = json.Unmarshal([]byte(strings.Join(m.data, "\n")), &payload)
	return payload.Status
}
