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

// Package logs keeps per-job log backlogs and fans new lines out to
// live subscribers.
package logs

import (
	"sync"
	"time"

	"github.com/tombee/rollout/internal/controller/metrics"
)

const (
	// DefaultBacklog is the number of lines retained per job.
	DefaultBacklog = 10000

	// DefaultRetention is how long a finished job's stream is kept.
	DefaultRetention = time.Hour

	subscriberBuffer = 100
)

// Line is one log line emitted by a job.
type Line struct {
	// Seq is the 1-based position of the line in the job's stream.
	Seq  int       `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Subscription is a live view of a job's log stream.
type Subscription struct {
	// Backlog holds the lines emitted before the subscription was opened.
	Backlog []Line

	// Lines receives lines emitted after the subscription was opened.
	Lines <-chan Line

	// Done is closed once the job reaches a terminal state. All lines of
	// the job are buffered in Lines before Done is closed.
	Done <-chan struct{}

	// Lagged is closed when the subscriber fell too far behind and was
	// dropped. Readers should reconnect and replay the backlog.
	Lagged <-chan struct{}

	unsubscribe func()
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

type subscriber struct {
	lines  chan Line
	lagged chan struct{}
}

type stream struct {
	lines      []Line
	seq        int
	done       chan struct{}
	finished   bool
	finishedAt time.Time
	subs       []*subscriber
}

// Option configures a Hub.
type Option func(*Hub)

// WithBacklog caps the number of lines retained per job.
func WithBacklog(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.backlog = n
		}
	}
}

// WithRetention sets how long finished streams are kept.
func WithRetention(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// Hub routes job log lines to subscribers. It is keyed by job id.
type Hub struct {
	mu        sync.Mutex
	streams   map[string]*stream
	backlog   int
	retention time.Duration
	now       func() time.Time
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		streams:   make(map[string]*stream),
		backlog:   DefaultBacklog,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// streamLocked returns the stream for jobID, creating it if needed.
// Caller must hold h.mu.
func (h *Hub) streamLocked(jobID string) *stream {
	s, ok := h.streams[jobID]
	if !ok {
		s = &stream{done: make(chan struct{})}
		h.streams[jobID] = s
	}
	return s
}

// Append records a line for jobID and delivers it to subscribers.
// Lines appended after Finish reopen the stream.
func (h *Hub) Append(jobID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streamLocked(jobID)
	if s.finished {
		h.reopenLocked(s)
	}

	s.seq++
	line := Line{Seq: s.seq, Time: h.now(), Text: text}
	s.lines = append(s.lines, line)
	if len(s.lines) > h.backlog+h.backlog/4 {
		s.lines = append(s.lines[:0:0], s.lines[len(s.lines)-h.backlog:]...)
	}

	kept := s.subs[:0]
	for _, sub := range s.subs {
		select {
		case sub.lines <- line:
			kept = append(kept, sub)
		default:
			close(sub.lagged)
			metrics.LogSubscriberRemoved(true)
		}
	}
	s.subs = kept
}

// Subscribe opens a subscription on jobID. The stream need not exist yet.
// A subscription to a finished job has its Done channel already closed.
func (h *Hub) Subscribe(jobID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streamLocked(jobID)
	backlog := h.backlogLocked(s)

	sub := &subscriber{
		lines:  make(chan Line, subscriberBuffer),
		lagged: make(chan struct{}),
	}
	if !s.finished {
		s.subs = append(s.subs, sub)
		metrics.LogSubscriberAdded()
	}

	var once sync.Once
	return &Subscription{
		Backlog: backlog,
		Lines:   sub.lines,
		Done:    s.done,
		Lagged:  sub.lagged,
		unsubscribe: func() {
			once.Do(func() { h.unsubscribe(jobID, sub) })
		},
	}
}

// unsubscribe removes sub from the job's subscriber list. The channel is
// not closed; it is garbage collected once the reader drops it.
func (h *Hub) unsubscribe(jobID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[jobID]
	if !ok {
		return
	}
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			metrics.LogSubscriberRemoved(false)
			return
		}
	}
}

// Finish marks jobID terminal and releases its subscribers. Finished
// streams older than the retention window are pruned.
func (h *Hub) Finish(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streamLocked(jobID)
	if !s.finished {
		s.finished = true
		s.finishedAt = h.now()
		close(s.done)
		for range s.subs {
			metrics.LogSubscriberRemoved(false)
		}
		s.subs = nil
	}
	h.pruneLocked()
}

// Reopen clears the finished flag of jobID so a redriven job can stream
// again. The backlog is kept.
func (h *Hub) Reopen(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.streams[jobID]; ok && s.finished {
		h.reopenLocked(s)
	}
}

func (h *Hub) reopenLocked(s *stream) {
	s.finished = false
	s.finishedAt = time.Time{}
	s.done = make(chan struct{})
}

// Finished reports whether jobID has been marked terminal.
func (h *Hub) Finished(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[jobID]
	return ok && s.finished
}

// Lines returns a copy of the retained backlog for jobID.
func (h *Hub) Lines(jobID string) []Line {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[jobID]
	if !ok {
		return nil
	}
	return h.backlogLocked(s)
}

// backlogLocked copies the newest retained lines of s. Caller must hold h.mu.
func (h *Hub) backlogLocked(s *stream) []Line {
	lines := s.lines
	if len(lines) > h.backlog {
		lines = lines[len(lines)-h.backlog:]
	}
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}

// SubscriberCount returns the number of live subscribers for a job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[jobID]; ok {
		return len(s.subs)
	}
	return 0
}

// TotalSubscriberCount returns the number of live subscribers across jobs.
func (h *Hub) TotalSubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, s := range h.streams {
		total += len(s.subs)
	}
	return total
}

// pruneLocked drops finished streams past retention. Caller must hold h.mu.
func (h *Hub) pruneLocked() {
	cutoff := h.now().Add(-h.retention)
	for id, s := range h.streams {
		if s.finished && s.finishedAt.Before(cutoff) {
			delete(h.streams, id)
		}
	}
}
