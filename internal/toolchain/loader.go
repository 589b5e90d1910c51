// Package toolchain implements the Toolchain Loader external interface:
// resolve an opaque toolchain_ref to an extracted root filesystem plus the
// parsed Toolchain manifest. Grounded on the teacher's DataPackCache
// (services/judge_service/internal/cache/data_pack_cache.go): minio-backed
// download with SHA256 verification, zstd+tar extraction with
// path-traversal guards, and the shared DirCache discipline from
// internal/cache for concurrent-safe population.
package toolchain

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jjs-dev/invoker/internal/cache"
	"github.com/jjs-dev/invoker/internal/model"
	appErr "github.com/jjs-dev/invoker/pkg/errors"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
)

// manifestName is the well-known in-image path carrying the toolchain
// manifest. If an image lacks it, resolution fails with BadConfig.
const manifestName = "jjs-toolchain.json"

// manifestFile is the on-disk shape of manifestName.
type manifestFile struct {
	Title          string              `json:"title"`
	Name           string              `json:"name"`
	SourceFilename string              `json:"source_filename"`
	BuildCommands  []model.CommandTemplate `json:"build_commands"`
	RunCommand     model.CommandTemplate   `json:"run_command"`
	BuildLimits    model.Limits            `json:"build_limits"`
	Env            map[string]string       `json:"env"`
	EnvPassing     bool                    `json:"env_passing"`
	EnvBlacklist   []string                `json:"env_blacklist"`
}

// Source fetches the raw image bytes for a toolchain ref.
type Source interface {
	GetObject(ctx context.Context, ref string) (io.ReadCloser, int64, error)
	ExpectedHash(ctx context.Context, ref string) (string, error)
}

// MinioSource is a Source backed by an S3-compatible object store, as the
// teacher's ObjectStorage abstraction is.
type MinioSource struct {
	Client     *minio.Client
	Bucket     string
	HashLookup func(ctx context.Context, ref string) (string, error)
}

func (s *MinioSource) GetObject(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, appErr.Wrap(err, appErr.ToolchainUnavailable).WithMessagef("get toolchain object %s", ref)
	}
	info, err := obj.Stat()
	if err != nil {
		return nil, 0, appErr.Wrap(err, appErr.ToolchainUnavailable).WithMessagef("stat toolchain object %s", ref)
	}
	return obj, info.Size, nil
}

func (s *MinioSource) ExpectedHash(ctx context.Context, ref string) (string, error) {
	if s.HashLookup == nil {
		return "", nil
	}
	return s.HashLookup(ctx, ref)
}

// Loader resolves toolchain_ref to a {path, spec} pair, idempotent and
// concurrency-safe per spec §6.
type Loader struct {
	source Source
	dc     *cache.DirCache
}

// New builds a Loader backed by source, caching extracted images under
// root. lock may be nil for single-process deployments.
func New(source Source, root string, ttl time.Duration, lock cache.DistributedLock) *Loader {
	l := &Loader{source: source}
	l.dc = cache.New(root, ttl, l.materialize, lock, "toolchain-lock:")
	return l
}

// Resolved is what Resolve returns: the extracted sysroot path and its
// parsed manifest-derived spec.
type Resolved struct {
	Path string
	Spec model.Toolchain
}

func (l *Loader) Resolve(ctx context.Context, toolchainRef string) (Resolved, error) {
	entry, err := l.dc.Resolve(ctx, toolchainRef)
	if err != nil {
		return Resolved{}, err
	}
	spec, err := readManifest(entry.Path)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Path: entry.Path, Spec: spec}, nil
}

func (l *Loader) materialize(ctx context.Context, ref, dir string) (string, error) {
	body, size, err := l.source.GetObject(ctx, ref)
	if err != nil {
		return "", err
	}
	defer body.Close()

	hasher := sha256.New()
	tee := io.TeeReader(body, hasher)
	if err := extractZstdTar(tee, dir); err != nil {
		return "", appErr.Wrap(err, appErr.ToolchainUnavailable).WithMessagef("extract toolchain image %s", ref)
	}
	sum := hex.EncodeToString(hasher.Sum(nil))

	if expected, err := l.source.ExpectedHash(ctx, ref); err == nil && expected != "" && expected != sum {
		return "", appErr.New(appErr.ToolchainUnavailable).WithMessagef("toolchain image %s hash mismatch: want %s got %s (%d bytes)", ref, expected, sum, size)
	}
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
		return "", appErr.New(appErr.BadConfig).WithMessagef("toolchain image %s lacks %s", ref, manifestName)
	}
	return sum, nil
}

func readManifest(dir string) (model.Toolchain, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return model.Toolchain{}, appErr.Wrap(err, appErr.BadConfig).WithMessage("read toolchain manifest")
	}
	var m manifestFile
	if err := json.Unmarshal(data, &m); err != nil {
		return model.Toolchain{}, appErr.Wrap(err, appErr.BadConfig).WithMessage("parse toolchain manifest")
	}
	blacklist := make(map[string]struct{}, len(m.EnvBlacklist))
	for _, k := range m.EnvBlacklist {
		blacklist[k] = struct{}{}
	}
	return model.Toolchain{
		Title:          m.Title,
		Name:           m.Name,
		SourceFilename: m.SourceFilename,
		BuildCommands:  m.BuildCommands,
		RunCommand:     m.RunCommand,
		BuildLimits:    m.BuildLimits,
		Env:            m.Env,
		EnvPassing:     m.EnvPassing,
		EnvBlacklist:   blacklist,
	}, nil
}

// extractZstdTar decompresses a zstd-compressed tar stream into dest,
// rejecting any entry whose resolved path would escape dest (path
// traversal via `..` or an absolute path inside the archive).
func extractZstdTar(r io.Reader, dest string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("open zstd stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		target := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		default:
			// Symlinks and other special entries are skipped: a toolchain
			// image has no legitimate use for them and they widen the
			// path-traversal surface.
		}
	}
}
