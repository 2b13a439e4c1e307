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

// Package projects keeps the set of known project manifests and reloads
// them when the projects directory changes.
package projects

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// manifestPattern matches manifests at any depth below the projects directory.
const manifestPattern = "**/*.{yaml,yml}"

// Registry holds the loaded projects. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	dir      string
	projects map[string]*workflow.Project
	sources  map[string]string // project id -> manifest path
	logger   *slog.Logger
}

// NewRegistry creates an empty registry for dir. dir may be empty, in
// which case projects are only added with Put.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:      dir,
		projects: make(map[string]*workflow.Project),
		sources:  make(map[string]string),
		logger:   logger.With(slog.String("component", "projects")),
	}
}

// Dir returns the watched directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Load reads every manifest in the projects directory and replaces the
// registry contents. Manifests that fail to parse are logged and skipped;
// a previously loaded version of the same file is kept.
func (r *Registry) Load() error {
	if r.dir == "" {
		return nil
	}

	fsys := os.DirFS(r.dir)
	paths, err := doublestar.Glob(fsys, manifestPattern, doublestar.WithFilesOnly())
	if err != nil {
		return errors.Wrapf(err, "listing manifests in %s", r.dir)
	}
	sort.Strings(paths)

	r.mu.RLock()
	previous := make(map[string]*workflow.Project, len(r.sources))
	for id, path := range r.sources {
		previous[path] = r.projects[id]
	}
	r.mu.RUnlock()

	projects := make(map[string]*workflow.Project)
	sources := make(map[string]string)

	for _, rel := range paths {
		path := filepath.Join(r.dir, filepath.FromSlash(rel))
		p, err := loadManifest(fsys, rel)
		if err != nil {
			r.logger.Warn("skipping invalid project manifest", "path", path, "error", err)
			if prev, ok := previous[path]; ok && prev != nil {
				p = prev
			} else {
				continue
			}
		}

		if other, dup := sources[p.ID]; dup {
			r.logger.Warn("duplicate project id, keeping first manifest",
				"project_id", p.ID, "path", path, "kept", other)
			continue
		}
		projects[p.ID] = p
		sources[p.ID] = path
	}

	r.mu.Lock()
	r.projects = projects
	r.sources = sources
	r.mu.Unlock()

	r.logger.Info("projects loaded", "dir", r.dir, "count", len(projects))
	return nil
}

func loadManifest(fsys fs.FS, name string) (*workflow.Project, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	return workflow.ParseProject(data)
}

// Put adds or replaces a project.
func (r *Registry) Put(p *workflow.Project) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.ID] = p
	return nil
}

// Get returns the project with the given id.
func (r *Registry) Get(id string) (*workflow.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "project", ID: id}
	}
	return p, nil
}

// List returns all projects ordered by id.
func (r *Registry) List() []*workflow.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*workflow.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
