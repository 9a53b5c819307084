// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifestNames are tried in order inside each module directory. JSON is a
// subset of YAML, so one decoder reads all three.
var manifestNames = []string{"manifest.json", "manifest.yaml", "manifest.yml"}

var validID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Manifest describes one feature module.
type Manifest struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Icon        string `yaml:"icon" json:"icon,omitempty"`
	Version     string `yaml:"version" json:"version,omitempty"`
	Entry       Entry  `yaml:"entry" json:"entry"`
	Routes      Routes `yaml:"routes" json:"routes"`

	// Dir is the module directory the manifest was read from
	Dir string `yaml:"-" json:"-"`
}

// Entry names the module's handler and assets. Template and Static are
// relative to the module directory.
type Entry struct {
	Backend  string `yaml:"backend" json:"backend,omitempty"`
	Template string `yaml:"template" json:"template,omitempty"`
	Static   string `yaml:"static" json:"static,omitempty"`
}

// Routes lists the public paths a module claims.
type Routes struct {
	Page string `yaml:"page" json:"page,omitempty"`
}

// TemplatePath returns the absolute template path, or "".
func (m Manifest) TemplatePath() string {
	if m.Entry.Template == "" {
		return ""
	}
	return filepath.Join(m.Dir, m.Entry.Template)
}

// StaticDir returns the static asset directory, or "".
func (m Manifest) StaticDir() string {
	if m.Entry.Static == "" {
		return ""
	}
	return filepath.Join(m.Dir, m.Entry.Static)
}

// =============================================================================
// LOADING
// =============================================================================

// LoadManifests reads every <dir>/<module>/manifest.* in sorted module order.
// A missing dir yields no manifests.
func LoadManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var manifests []Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		moduleDir := filepath.Join(dir, e.Name())
		path := findManifest(moduleDir)
		if path == "" {
			continue
		}
		m, err := readManifest(path)
		if err != nil {
			return nil, err
		}
		m.Dir = moduleDir
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func findManifest(moduleDir string) string {
	for _, name := range manifestNames {
		path := filepath.Join(moduleDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func readManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return m, nil
}

// isManifestFile reports whether name is one of the recognised manifest names.
func isManifestFile(name string) bool {
	base := filepath.Base(name)
	for _, n := range manifestNames {
		if base == n {
			return true
		}
	}
	return false
}

// =============================================================================
// VALIDATION
// =============================================================================

// ManifestError is one validation failure.
type ManifestError struct {
	Path    string
	Message string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("plugin manifest %s: %s", e.Path, e.Message)
}

// Validate checks manifests against the handler table and the filesystem.
// Every failure is returned, joined.
func Validate(manifests []Manifest, table Table) error {
	var errs []error
	fail := func(m Manifest, format string, args ...any) {
		errs = append(errs, &ManifestError{Path: m.Dir, Message: fmt.Sprintf(format, args...)})
	}

	seen := make(map[string]bool)
	for _, m := range manifests {
		switch {
		case m.ID == "":
			fail(m, "id is required")
		case !validID.MatchString(m.ID):
			fail(m, "id %q must be lowercase letters, digits, '-' or '_'", m.ID)
		case seen[m.ID]:
			fail(m, "duplicate id %q", m.ID)
		}
		seen[m.ID] = true

		if m.Entry.Backend != "" {
			if _, ok := table[m.Entry.Backend]; !ok {
				fail(m, "entry.backend %q is not a compiled-in module", m.Entry.Backend)
			}
		}

		if m.Entry.Template != "" {
			if info, err := os.Stat(m.TemplatePath()); err != nil || info.IsDir() {
				fail(m, "entry.template %q does not exist", m.Entry.Template)
			}
			if m.Routes.Page == "" {
				fail(m, "routes.page is required with a template")
			} else if !strings.HasPrefix(m.Routes.Page, "/") {
				fail(m, "routes.page %q must start with /", m.Routes.Page)
			}
		}

		if m.Entry.Static != "" {
			if info, err := os.Stat(m.StaticDir()); err != nil || !info.IsDir() {
				fail(m, "entry.static %q is not a directory", m.Entry.Static)
			}
		}
	}
	return errors.Join(errs...)
}
