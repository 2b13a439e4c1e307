// Package jq evaluates the jq queries that turn an executor's result
// document into job outputs.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single query (1 second).
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds the result document (1MB).
	DefaultMaxInputSize = 1024 * 1024
)

// Executor runs jq queries with a timeout and an input size limit.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates an executor. Zero values select the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{timeout: timeout, maxInputSize: maxInputSize}
}

// Execute runs query against doc. A query producing several values returns
// them as a slice; one producing none returns nil.
func (e *Executor) Execute(ctx context.Context, query string, doc any) (any, error) {
	if query == "" {
		return doc, nil
	}

	code, err := compile(query)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	iter := code.RunWithContext(execCtx, doc)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if execCtx.Err() != nil {
				return nil, fmt.Errorf("query %q timed out after %v", query, e.timeout)
			}
			return nil, fmt.Errorf("query %q: %w", query, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// ExtractOutputs decodes raw as JSON and evaluates every named query against
// it. Strings are kept verbatim, null becomes "", anything else is rendered
// as compact JSON.
func (e *Executor) ExtractOutputs(ctx context.Context, queries map[string]string, raw []byte) (map[string]string, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	if int64(len(raw)) > e.maxInputSize {
		return nil, fmt.Errorf("result document (%d bytes) exceeds maximum (%d bytes)", len(raw), e.maxInputSize)
	}

	var doc any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("result document is not JSON: %w", err)
		}
	}

	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)

	outputs := make(map[string]string, len(queries))
	for _, name := range names {
		v, err := e.Execute(ctx, queries[name], doc)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		s, err := stringify(v)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		outputs[name] = s
	}
	return outputs, nil
}

// Validate reports whether query parses and compiles.
func (e *Executor) Validate(query string) error {
	if query == "" {
		return nil
	}
	_, err := compile(query)
	return err
}

func compile(query string) (*gojq.Code, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query %q: %w", query, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed for %q: %w", query, err)
	}
	return code, nil
}

func stringify(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
