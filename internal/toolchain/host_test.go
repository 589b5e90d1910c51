package toolchain

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir string, m manifestFile) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0644); err != nil {
		t.Fatalf("write manifest failed: %v", err)
	}
}

func TestHostLoaderResolvesManifestWithoutFetch(t *testing.T) {
	root := t.TempDir()
	imgDir := filepath.Join(root, "gcc-12")
	if err := os.MkdirAll(imgDir, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	writeManifest(t, imgDir, manifestFile{
		Title:          "GNU C++ 12",
		Name:           "gcc-12",
		SourceFilename: "source.cpp",
	})

	l := NewHostLoader(root)
	resolved, err := l.Resolve(context.Background(), "gcc-12")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Path != imgDir {
		t.Fatalf("expected path %s, got %s", imgDir, resolved.Path)
	}
	if resolved.Spec.Name != "gcc-12" || resolved.Spec.SourceFilename != "source.cpp" {
		t.Fatalf("unexpected manifest-derived spec: %+v", resolved.Spec)
	}
}

func TestHostLoaderRejectsRefEscapingRoot(t *testing.T) {
	root := t.TempDir()
	l := NewHostLoader(root)

	resolved, err := l.Resolve(context.Background(), "../../etc")
	if err != nil {
		return
	}
	if resolved.Path != filepath.Join(root, "etc") {
		t.Fatalf("expected a path-traversal ref to be cleaned under root, got %s", resolved.Path)
	}
}

func TestHostLoaderErrorsWithoutManifest(t *testing.T) {
	root := t.TempDir()
	imgDir := filepath.Join(root, "gcc-12")
	if err := os.MkdirAll(imgDir, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	l := NewHostLoader(root)
	if _, err := l.Resolve(context.Background(), "gcc-12"); err == nil {
		t.Fatalf("expected an error when the host directory lacks a manifest")
	}
}
