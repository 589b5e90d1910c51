// Package problemasset implements the Problem Asset Loader external
// interface (spec §6): resolve an opaque problem_ref to an extracted asset
// directory plus the parsed Problem manifest. Grounded on
// internal/toolchain's loader (itself grounded on the teacher's
// DataPackCache): the same minio-backed fetch, sha256 verification and
// zstd+tar extraction, sharing the internal/cache DirCache discipline so
// concurrent resolution of the same ref across workers is safe.
package problemasset

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

// manifestName is the well-known in-bundle path carrying the problem
// manifest, mirroring the toolchain loader's jjs-toolchain.json.
const manifestName = "jjs-problem.json"

type manifestTest struct {
	Input   string      `json:"input"`
	Correct string      `json:"correct,omitempty"`
	Limits  model.Limits `json:"limits"`
	Group   string      `json:"group"`
}

type manifestFile struct {
	Title       string         `json:"title"`
	Name        string         `json:"name"`
	Tests       []manifestTest `json:"tests"`
	CheckerExe  string         `json:"checker_exe"`
	CheckerArgv []string       `json:"checker_argv"`
	ValuerExe   string         `json:"valuer_exe"`
	ValuerCfg   string         `json:"valuer_cfg,omitempty"`
}

// Source fetches the raw asset bundle bytes for a problem ref.
type Source interface {
	GetObject(ctx context.Context, ref string) (io.ReadCloser, int64, error)
	ExpectedHash(ctx context.Context, ref string) (string, error)
}

// MinioSource is a Source backed by an S3-compatible object store.
type MinioSource struct {
	Client     *minio.Client
	Bucket     string
	HashLookup func(ctx context.Context, ref string) (string, error)
}

func (s *MinioSource) GetObject(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, appErr.Wrap(err, appErr.AssetUnavailable).WithMessagef("get problem asset object %s", ref)
	}
	info, err := obj.Stat()
	if err != nil {
		return nil, 0, appErr.Wrap(err, appErr.AssetUnavailable).WithMessagef("stat problem asset object %s", ref)
	}
	return obj, info.Size, nil
}

func (s *MinioSource) ExpectedHash(ctx context.Context, ref string) (string, error) {
	if s.HashLookup == nil {
		return "", nil
	}
	return s.HashLookup(ctx, ref)
}

// Loader resolves problem_ref to a {path, Problem} pair, idempotent and
// concurrency-safe per spec §6.
type Loader struct {
	source Source
	dc     *cache.DirCache
}

// New builds a Loader backed by source, caching extracted bundles under
// root. lock may be nil for single-process deployments.
func New(source Source, root string, ttl time.Duration, lock cache.DistributedLock) *Loader {
	l := &Loader{source: source}
	l.dc = cache.New(root, ttl, l.materialize, lock, "problem-lock:")
	return l
}

// Resolved is what Resolve returns: the extracted asset directory and its
// parsed manifest-derived Problem.
type Resolved struct {
	Path    string
	Problem model.Problem
}

func (l *Loader) Resolve(ctx context.Context, problemRef string) (Resolved, error) {
	entry, err := l.dc.Resolve(ctx, problemRef)
	if err != nil {
		return Resolved{}, err
	}
	p, err := readManifest(entry.Path)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Path: entry.Path, Problem: p}, nil
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
		return "", appErr.Wrap(err, appErr.AssetUnavailable).WithMessagef("extract problem asset bundle %s", ref)
	}
	sum := hex.EncodeToString(hasher.Sum(nil))

	if expected, err := l.source.ExpectedHash(ctx, ref); err == nil && expected != "" && expected != sum {
		return "", appErr.New(appErr.AssetUnavailable).WithMessagef("problem asset bundle %s hash mismatch: want %s got %s (%d bytes)", ref, expected, sum, size)
	}
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
		return "", appErr.New(appErr.BadConfig).WithMessagef("problem asset bundle %s lacks %s", ref, manifestName)
	}
	return sum, nil
}

// Resolve turns a FileRef into a host filesystem path against the staged
// problem directory (the only FileRoot the loader understands -- a
// RootRequest ref is resolved against the request workspace by the
// pipeline's resolveFileRef instead).
func Resolve(problemDir string, ref model.FileRef) string {
	return filepath.Join(problemDir, filepath.Clean("/"+ref.Path))
}

func readManifest(dir string) (model.Problem, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return model.Problem{}, appErr.Wrap(err, appErr.BadConfig).WithMessage("read problem manifest")
	}
	var m manifestFile
	if err := json.Unmarshal(data, &m); err != nil {
		return model.Problem{}, appErr.Wrap(err, appErr.BadConfig).WithMessage("parse problem manifest")
	}
	tests := make([]model.Test, 0, len(m.Tests))
	for _, t := range m.Tests {
		test := model.Test{
			Input:  model.FileRef{Root: model.RootProblem, Path: t.Input},
			Limits: t.Limits,
			Group:  t.Group,
		}
		if t.Correct != "" {
			ref := model.FileRef{Root: model.RootProblem, Path: t.Correct}
			test.Correct = &ref
		}
		tests = append(tests, test)
	}
	return model.Problem{
		Title:       m.Title,
		Name:        m.Name,
		Tests:       tests,
		CheckerExe:  model.FileRef{Root: model.RootProblem, Path: m.CheckerExe},
		CheckerArgv: m.CheckerArgv,
		ValuerExe:   model.FileRef{Root: model.RootProblem, Path: m.ValuerExe},
		ValuerCfg:   model.FileRef{Root: model.RootProblem, Path: m.ValuerCfg},
	}, nil
}

// extractZstdTar decompresses a zstd-compressed tar stream into dest,
// rejecting any entry whose resolved path would escape dest.
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
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)|0100)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		default:
		}
	}
}
