// Package workspace lays out the per-request directory tree spec §6
// specifies: <request_dir>/compile/{data,root}/, <request_dir>/t-<k>/{data,
// root}/, and <request_dir>/valuer-log.txt. One Workspace is created per
// judge request and removed in full once the request reaches a terminal
// state.
package workspace

import (
	"os"
	"path/filepath"
	"strconv"

	appErr "github.com/jjs-dev/invoker/pkg/errors"
)

// Workspace is the staged working tree for one judge request.
type Workspace struct {
	Root string
}

// Create makes a fresh per-request directory under baseDir, named after
// requestID.
func Create(baseDir, requestID string) (*Workspace, error) {
	root := filepath.Join(baseDir, requestID)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, appErr.Wrap(err, appErr.WorkspaceIOError).WithMessagef("create workspace for %s", requestID)
	}
	return &Workspace{Root: root}, nil
}

// Remove deletes the entire workspace tree. Called once the request
// reaches a terminal state (spec §6).
func (w *Workspace) Remove() {
	_ = os.RemoveAll(w.Root)
}

// CompileDataDir is compile/data: writable, mounted as /jjs during compile.
func (w *Workspace) CompileDataDir() string { return filepath.Join(w.Root, "compile", "data") }

// CompileRootDir is compile/root: the compile dominion's chroot root.
func (w *Workspace) CompileRootDir() string { return filepath.Join(w.Root, "compile", "root") }

// TestDataDir is t-<k>/data: holds the staged build artifact and receives
// the stdout/stderr capture files and the checker's output files, mounted as
// /jjs during the run. The test input and correct answer are not copied
// here; they are read from the problem directory.
func (w *Workspace) TestDataDir(testID uint32) string {
	return filepath.Join(w.Root, testDirName(testID), "data")
}

// TestRootDir is t-<k>/root: the per-test dominion's chroot root.
func (w *Workspace) TestRootDir(testID uint32) string {
	return filepath.Join(w.Root, testDirName(testID), "root")
}

// ValuerLogPath is <request_dir>/valuer-log.txt.
func (w *Workspace) ValuerLogPath() string { return filepath.Join(w.Root, "valuer-log.txt") }

// PrepareCompile creates compile/data and compile/root.
func (w *Workspace) PrepareCompile() error {
	return mkdirAll(w.CompileDataDir(), w.CompileRootDir())
}

// PrepareTest creates t-<k>/data and t-<k>/root.
func (w *Workspace) PrepareTest(testID uint32) error {
	return mkdirAll(w.TestDataDir(testID), w.TestRootDir(testID))
}

func testDirName(testID uint32) string {
	return "t-" + strconv.FormatUint(uint64(testID), 10)
}

func mkdirAll(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return appErr.Wrap(err, appErr.WorkspaceIOError).WithMessagef("create %s", d)
		}
	}
	return nil
}
