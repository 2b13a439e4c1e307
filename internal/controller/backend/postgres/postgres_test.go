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

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/internal/controller/backend/backendtest"
)

// TestPostgresBackend runs against a live database named by
// ROLLOUT_TEST_POSTGRES_URL. Every subtest starts from empty tables.
func TestPostgresBackend(t *testing.T) {
	url := os.Getenv("ROLLOUT_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("ROLLOUT_TEST_POSTGRES_URL not set")
	}

	backendtest.Run(t, func(t *testing.T) backend.Backend {
		be, err := New(Config{ConnectionString: url, MaxOpenConns: 5})
		if err != nil {
			t.Fatalf("failed to create backend: %v", err)
		}
		_, err = be.db.ExecContext(context.Background(),
			`TRUNCATE runs, jobs, run_sequences, deployments CASCADE`)
		if err != nil {
			t.Fatalf("failed to reset tables: %v", err)
		}
		return be
	})
}
