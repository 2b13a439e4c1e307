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

// Package shell runs tasks as local processes.
//
// The rendered command is executed directly, without a shell. Standard output
// and standard error are streamed to the task's log sink line by line. The
// exit status decides the business outcome; the last standard output line
// that parses as a JSON object becomes the result document.
package shell

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/tombee/rollout/internal/executor"
	"github.com/tombee/rollout/pkg/errors"
)

// maxLineSize bounds a single log line.
const maxLineSize = 1024 * 1024

// Config configures the shell executor.
type Config struct {
	// Program receives the rendered arguments. When empty, the first
	// rendered argument is the program.
	Program string

	// WorkDir is the working directory for task processes.
	WorkDir string

	// Env is appended to the daemon's environment.
	Env []string

	// Logger receives executor diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Executor runs tasks as child processes.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New creates a shell executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, logger: logger.With("component", "executor.shell")}
}

// Accept checks that every command resolves to an executable.
func (e *Executor) Accept(ctx context.Context, sub *executor.Submission) error {
	if len(sub.Commands) == 0 {
		return errors.New("submission has no commands")
	}
	checked := make(map[string]bool)
	for _, cmd := range sub.Commands {
		program, _, err := e.command(cmd.Args)
		if err != nil {
			return fmt.Errorf("job %d: %w", cmd.JobNumber, err)
		}
		if checked[program] {
			continue
		}
		if _, err := exec.LookPath(program); err != nil {
			return fmt.Errorf("job %d: %w", cmd.JobNumber, err)
		}
		checked[program] = true
	}
	return nil
}

// Execute runs one task and waits for it to exit.
func (e *Executor) Execute(ctx context.Context, task *executor.Task, sink executor.LogSink) (*executor.Result, error) {
	program, args, err := e.command(task.Args)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, program, args...)
	if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Env = append(cmd.Env, taskEnv(task)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", program, err)
	}
	e.logger.Debug("task started",
		"step", task.Step,
		"job_number", task.JobNumber,
		"pid", cmd.Process.Pid,
	)

	// Lines from both streams go to the sink one at a time.
	var mu sync.Mutex
	emit := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		sink.WriteLine(line)
	}

	var (
		wg        sync.WaitGroup
		document  json.RawMessage
		lastError string
		stdoutErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdoutErr = scanLines(stdout, func(line string) {
			emit(line)
			if doc := asObject(line); doc != nil {
				document = doc
			}
		})
	}()
	go func() {
		defer wg.Done()
		err := scanLines(stderr, func(line string) {
			emit(line)
			if strings.TrimSpace(line) != "" {
				lastError = line
			}
		})
		if err != nil {
			e.logger.Warn("reading task stderr",
				"step", task.Step,
				"job_number", task.JobNumber,
				"error", err,
			)
		}
	}()
	wg.Wait()
	if stdoutErr != nil {
		e.logger.Warn("reading task stdout",
			"step", task.Step,
			"job_number", task.JobNumber,
			"error", stdoutErr,
		)
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("waiting for %s: %w", program, waitErr)
		}
		message := fmt.Sprintf("exit status %d", exitErr.ExitCode())
		if lastError != "" {
			message += ": " + lastError
		}
		return &executor.Result{Succeeded: false, Message: message, Document: document}, nil
	}

	// The result document may follow the unreadable output.
	if stdoutErr != nil {
		return &executor.Result{
			Succeeded: false,
			Message:   fmt.Sprintf("result document lost: %v", stdoutErr),
			Document:  document,
		}, nil
	}
	return &executor.Result{Succeeded: true, Document: document}, nil
}

func (e *Executor) command(rendered []string) (string, []string, error) {
	if e.cfg.Program != "" {
		return e.cfg.Program, rendered, nil
	}
	if len(rendered) == 0 {
		return "", nil, errors.New("command is empty")
	}
	return rendered[0], rendered[1:], nil
}

func taskEnv(task *executor.Task) []string {
	env := []string{
		"ROLLOUT_PROJECT_ID=" + task.ProjectID,
		"ROLLOUT_RUN_ID=" + task.RunID,
		"ROLLOUT_JOB_ID=" + task.JobID,
		"ROLLOUT_JOB_NUMBER=" + strconv.Itoa(task.JobNumber),
		"ROLLOUT_ACTION=" + string(task.Action),
		"ROLLOUT_ATTEMPT=" + strconv.Itoa(task.Attempt),
	}
	if task.AppID != "" {
		env = append(env, "ROLLOUT_APP_ID="+task.AppID)
	}
	for k, v := range task.Config {
		env = append(env, "ROLLOUT_CONFIG_"+envName(k)+"="+v)
	}
	return env
}

func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
}

// scanLines feeds every line of r to fn. Output after a scan error is
// discarded so the process never blocks on a full pipe.
func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	scanErr := scanner.Err()
	if _, err := io.Copy(io.Discard, r); err != nil && scanErr == nil {
		scanErr = err
	}
	if scanErr != nil {
		return fmt.Errorf("scanning output: %w", scanErr)
	}
	return nil
}

func asObject(line string) json.RawMessage {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil
	}
	return json.RawMessage(trimmed)
}
