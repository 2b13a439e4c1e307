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

package projects

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry_Load(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "shop.yaml", "id: shop\napps:\n  - id: api\n")
	writeManifest(t, dir, "teams/blog.yml", "id: blog\napps: []\n")
	writeManifest(t, dir, "broken.yaml", "id: [\n")
	writeManifest(t, dir, "README.md", "not a manifest")

	r := NewRegistry(dir, log.Discard())
	if err := r.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("loaded %d projects, want 2", len(list))
	}
	if list[0].ID != "blog" || list[1].ID != "shop" {
		t.Errorf("unexpected order: %s, %s", list[0].ID, list[1].ID)
	}

	p, err := r.Get("shop")
	if err != nil {
		t.Fatalf("Get(shop) error = %v", err)
	}
	if len(p.Apps) != 1 {
		t.Errorf("shop apps = %d, want 1", len(p.Apps))
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	r := NewRegistry("", nil)
	_, err := r.Get("ghost")

	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestRegistry_DuplicateIDKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", "id: shop\nname: First\n")
	writeManifest(t, dir, "b.yaml", "id: shop\nname: Second\n")

	r := NewRegistry(dir, log.Discard())
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	p, _ := r.Get("shop")
	if p.Name != "First" {
		t.Errorf("Name = %q, want First", p.Name)
	}
}

func TestRegistry_KeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "shop.yaml", "id: shop\nname: Good\n")

	r := NewRegistry(dir, log.Discard())
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}

	writeManifest(t, dir, "shop.yaml", "id: shop\nmax_concurrency: -3\n")
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}

	p, err := r.Get("shop")
	if err != nil {
		t.Fatalf("project dropped after bad edit: %v", err)
	}
	if p.Name != "Good" {
		t.Errorf("Name = %q, want Good", p.Name)
	}
}

func TestRegistry_Put(t *testing.T) {
	r := NewRegistry("", nil)
	if err := r.Put(&workflow.Project{ID: "shop"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Put(&workflow.Project{}); err == nil {
		t.Error("expected validation error for empty id")
	}
	if _, err := r.Get("shop"); err != nil {
		t.Error(err)
	}
}

func TestRegistry_Watch(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, log.Discard())
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, 20*time.Millisecond) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)
	writeManifest(t, dir, "shop.yaml", "id: shop\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get("shop"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("project was not loaded after the manifest appeared")
}
