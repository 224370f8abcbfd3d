// Package manifest handles fugue.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ManifestFile is the file name looked up in a project directory.
const ManifestFile = "fugue.toml"

// Manifest represents a fugue.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Image   ImageConfig   `toml:"image"`
	Runtime RuntimeConfig `toml:"runtime"`
	Store   StoreConfig   `toml:"store"`

	// Dir is the directory containing the fugue.toml file (set at load
	// time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// ImageConfig locates the program image and its console behaviour.
type ImageConfig struct {
	Path string `toml:"path"`

	// Console forces console mode regardless of the image flag word.
	Console bool `toml:"console"`
}

// RuntimeConfig tunes the execution engine.
type RuntimeConfig struct {
	// PoolSize is the worker count installed as the shared thread pool
	// before execution; zero leaves pool creation to the program.
	PoolSize int `toml:"pool-size"`

	// StackSize is an operand stack capacity in bytes. Validate rejects a
	// negative value; nothing else reads it, and every execution context
	// starts with vm.DefaultStackSize.
	StackSize int `toml:"stack-size"`
}

// StoreConfig locates the content-addressed image store.
type StoreConfig struct {
	Path string `toml:"path"`
}

// Load parses a fugue.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	m.Dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for structural problems.
func (m *Manifest) Validate() error {
	if m.Project.Name == "" {
		return fmt.Errorf("manifest: project.name is required")
	}
	if m.Image.Path == "" {
		return fmt.Errorf("manifest: image.path is required")
	}
	if m.Runtime.PoolSize < 0 {
		return fmt.Errorf("manifest: runtime.pool-size cannot be negative")
	}
	if m.Runtime.StackSize < 0 {
		return fmt.Errorf("manifest: runtime.stack-size cannot be negative")
	}
	return nil
}

// ImagePath resolves the image path relative to the manifest directory.
func (m *Manifest) ImagePath() string {
	if filepath.IsAbs(m.Image.Path) {
		return m.Image.Path
	}
	return filepath.Join(m.Dir, m.Image.Path)
}

// StorePath resolves the store path relative to the manifest directory,
// or "" when no store is configured.
func (m *Manifest) StorePath() string {
	if m.Store.Path == "" {
		return ""
	}
	if filepath.IsAbs(m.Store.Path) {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}
