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
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rollout/internal/controller/logs"
	"github.com/tombee/rollout/internal/testing/fakeexec"
	"github.com/tombee/rollout/pkg/workflow"
)

type sseEvent struct {
	Name string
	Data string
}

// readEvents reads events from body until it closes or ctx expires.
func readEvents(ctx context.Context, t *testing.T, url string, onEvent func(sseEvent)) []sseEvent {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Name != "" {
				events = append(events, current)
				if onEvent != nil {
					onEvent(current)
				}
			}
			current = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func lineTexts(t *testing.T, events []sseEvent) []string {
	t.Helper()
	var texts []string
	for _, ev := range events {
		if ev.Name != EventLogLine {
			continue
		}
		var line logs.Line
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &line))
		texts = append(texts, line.Text)
	}
	return texts
}

func TestLogs_FinishedJobReplaysBacklog(t *testing.T) {
	s := newTestServer(t)
	s.exec.OnApp("api", fakeexec.Behavior{Logs: []string{"terraform init", "terraform apply"}})

	rec := s.do(t, http.MethodPost, "/v1/projects/shop/deploy", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	run := decode[workflow.WorkflowRun](t, rec)
	s.wait(t, run.ID)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Job 2 is the first app job of a deploy.
	events := readEvents(ctx, t, srv.URL+"/v1/projects/shop/logs/deploy/1/2", nil)
	assert.Equal(t, []string{"terraform init", "terraform apply"}, lineTexts(t, events))

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Name)
	assert.JSONEq(t, `{"status":"succeeded"}`, last.Data)
}

func TestLogs_FollowsLiveJob(t *testing.T) {
	s := newTestServer(t)
	block := make(chan struct{})
	s.exec.OnApp("api", fakeexec.Behavior{Logs: []string{"planning", "applying"}, Block: block})

	rec := s.do(t, http.MethodPost, "/v1/projects/shop/deploy", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	run := decode[workflow.WorkflowRun](t, rec)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := 0
	events := readEvents(ctx, t, srv.URL+"/v1/projects/shop/logs/deploy/1/2", func(ev sseEvent) {
		if ev.Name == EventLogLine {
			seen++
			if seen == 2 {
				close(block)
			}
		}
	})

	assert.Equal(t, []string{"planning", "applying"}, lineTexts(t, events))
	require.NotEmpty(t, events)
	assert.Equal(t, EventDone, events[len(events)-1].Name)
	s.wait(t, run.ID)
}

func TestLogs_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/projects/shop/deploy", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	s.wait(t, decode[workflow.WorkflowRun](t, rec).ID)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"unknown workflow type", "/v1/projects/shop/logs/rollback/1/1", http.StatusBadRequest},
		{"bad run number", "/v1/projects/shop/logs/deploy/zero/1", http.StatusBadRequest},
		{"bad job number", "/v1/projects/shop/logs/deploy/1/0", http.StatusBadRequest},
		{"unknown run", "/v1/projects/shop/logs/deploy/7/1", http.StatusNotFound},
		{"unknown job", "/v1/projects/shop/logs/deploy/1/9", http.StatusNotFound},
		{"single app scope has no runs", "/v1/projects/shop/logs/deploy/1/1?app=api", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}
