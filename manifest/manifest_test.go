package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadValidManifest(t *testing.T) {
	dir := writeManifest(t, `
[project]
name = "demo"
version = "0.1.0"

[image]
path = "out/demo.fvm"
console = true

[runtime]
pool-size = 4
stack-size = 131072

[store]
path = ".fugue/store.db"
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Project.Name != "demo" {
		t.Errorf("name = %q", m.Project.Name)
	}
	if !m.Image.Console {
		t.Error("console flag lost")
	}
	if m.Runtime.PoolSize != 4 || m.Runtime.StackSize != 131072 {
		t.Errorf("runtime = %+v", m.Runtime)
	}
	if got := m.ImagePath(); got != filepath.Join(dir, "out/demo.fvm") {
		t.Errorf("ImagePath = %q", got)
	}
	if got := m.StorePath(); got != filepath.Join(dir, ".fugue/store.db") {
		t.Errorf("StorePath = %q", got)
	}
}

func TestLoadRequiresNameAndImage(t *testing.T) {
	dir := writeManifest(t, `
[project]
version = "0.1.0"

[image]
path = "out/demo.fvm"
`)
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "project.name") {
		t.Fatalf("Load without name = %v", err)
	}

	dir = writeManifest(t, `
[project]
name = "demo"
`)
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "image.path") {
		t.Fatalf("Load without image = %v", err)
	}
}

func TestLoadRejectsNegativeRuntimeValues(t *testing.T) {
	dir := writeManifest(t, `
[project]
name = "demo"

[image]
path = "demo.fvm"

[runtime]
pool-size = -1
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("negative pool-size accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("missing manifest accepted")
	}
}

func TestStorePathEmptyWhenUnset(t *testing.T) {
	dir := writeManifest(t, `
[project]
name = "demo"

[image]
path = "demo.fvm"
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.StorePath() != "" {
		t.Fatalf("StorePath = %q, want empty", m.StorePath())
	}
}
