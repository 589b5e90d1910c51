package toolchain

import (
	"context"
	"path/filepath"
)

// HostLoader implements the same Resolve contract as Loader, but for
// spec §9's host_toolchains mode: "skip per-image toolchain fetch and use
// host dirs directly." A ref names a subdirectory of root that already
// holds an extracted toolchain image (manifest included) on the host
// filesystem; no object-storage fetch, hashing or zstd extraction happens,
// since the toolchain is assumed already materialized by the operator.
type HostLoader struct {
	root string
}

// NewHostLoader builds a HostLoader resolving refs under root.
func NewHostLoader(root string) *HostLoader {
	return &HostLoader{root: root}
}

// Resolve reads ref's manifest directly from root/ref, without touching
// any cache, lock or object store.
func (l *HostLoader) Resolve(_ context.Context, ref string) (Resolved, error) {
	dir := filepath.Join(l.root, filepath.Clean(string(filepath.Separator)+ref))
	spec, err := readManifest(dir)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Path: dir, Spec: spec}, nil
}
