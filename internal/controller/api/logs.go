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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/internal/controller/logs"
	"github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// SSE event names on the job log stream.
const (
	EventLogLine = "log-line"
	EventDone    = "done"
)

// heartbeatInterval keeps idle streams open through proxies.
var heartbeatInterval = 15 * time.Second

// DoneEvent is the payload of the done event.
type DoneEvent struct {
	Status workflow.JobStatus `json:"status"`
}

// handleLogs handles
// GET /v1/projects/{project}/logs/{type}/{run_number}/{job_number}?app=.
//
// The stream replays the retained backlog, then follows live lines until the
// job reaches a terminal state, at which point it sends done. A subscriber
// that falls behind is disconnected without done and should reconnect.
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	key, jobNumber, err := logTarget(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	run, err := r.runs.RunByNumber(req.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	job := run.JobByNumber(jobNumber)
	if job == nil {
		writeServiceError(w, &errors.NotFoundError{
			Resource: "job",
			ID:       fmt.Sprintf("%s/%d", run.ID, jobNumber),
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	hub := r.runs.Hub()
	sse := &eventStream{w: w, flusher: flusher}

	// Nothing will ever finish the stream of a settled job in a run that is
	// not being driven, for example after a controller restart.
	if job.Status.IsTerminal() && !r.runs.IsActive(run.ID) {
		sse.open()
		for _, line := range hub.Lines(job.ID) {
			sse.line(line)
		}
		sse.done(job.Status)
		return
	}

	sub := hub.Subscribe(job.ID)
	defer sub.Close()

	sse.open()
	for _, line := range sub.Backlog {
		sse.line(line)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case line := <-sub.Lines:
			sse.line(line)
			flusher.Flush()
		case <-sub.Done:
			for drained := false; !drained; {
				select {
				case line := <-sub.Lines:
					sse.line(line)
				default:
					drained = true
				}
			}
			sse.done(r.jobStatus(req.Context(), run.ID, job.ID))
			return
		case <-sub.Lagged:
			r.logger.Warn("log subscriber fell behind, closing stream",
				slog.String(log.RunIDKey, run.ID), slog.String(log.JobIDKey, job.ID))
			return
		case <-heartbeat.C:
			sse.comment("keep-alive")
		}
	}
}

// jobStatus reads the current status of a job for the done event.
func (r *Router) jobStatus(ctx context.Context, runID, jobID string) workflow.JobStatus {
	run, err := r.runs.Status(ctx, runID)
	if err != nil {
		return ""
	}
	if job := run.Job(jobID); job != nil {
		return job.Status
	}
	return ""
}

// logTarget parses the log stream path.
func logTarget(req *http.Request) (backend.RunKey, int, error) {
	t, err := workflow.ParseWorkflowType(req.PathValue("type"))
	if err != nil {
		return backend.RunKey{}, 0, &errors.ValidationError{Field: "type", Message: err.Error()}
	}
	runNumber, err := strconv.Atoi(req.PathValue("run_number"))
	if err != nil || runNumber < 1 {
		return backend.RunKey{}, 0, &errors.ValidationError{
			Field:   "run_number",
			Message: fmt.Sprintf("invalid run number %q", req.PathValue("run_number")),
		}
	}
	jobNumber, err := strconv.Atoi(req.PathValue("job_number"))
	if err != nil || jobNumber < 1 {
		return backend.RunKey{}, 0, &errors.ValidationError{
			Field:   "job_number",
			Message: fmt.Sprintf("invalid job number %q", req.PathValue("job_number")),
		}
	}

	key := backend.RunKey{
		RunScope: backend.RunScope{
			ProjectID:    req.PathValue("project"),
			WorkflowType: t,
			AppID:        req.URL.Query().Get("app"),
		},
		RunNumber: runNumber,
	}
	return key, jobNumber, nil
}

// eventStream writes server-sent events.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *eventStream) open() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *eventStream) line(line logs.Line) {
	data, _ := json.Marshal(line)
	fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", line.Seq, EventLogLine, data)
}

func (s *eventStream) done(status workflow.JobStatus) {
	data, _ := json.Marshal(DoneEvent{Status: status})
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", EventDone, data)
	s.flusher.Flush()
}

func (s *eventStream) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}
