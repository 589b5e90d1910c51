// Package valuer owns the valuer child process: a problem-supplied binary
// implementing a scoring policy, driven over a line-delimited JSON channel.
// Grounded directly on the Rust original's invoker/src/valuer.rs: a
// BufWriter/BufReader pair over the child's stdin/stdout, one JSON value
// per line with a hard check against embedded newlines, and Drop-pattern
// teardown (kill + wait, errors swallowed). The valuer is launched as an
// ordinary child process, never inlined into the pipeline (design note in
// spec §9): it is a black box the pipeline only relays bytes to and from.
package valuer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"

	appErr "github.com/jjs-dev/invoker/pkg/errors"
	"github.com/jjs-dev/invoker/pkg/logger"

	"go.uber.org/zap"
)

// Coordinator owns one valuer child process for the lifetime of a single
// judge request.
type Coordinator struct {
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdout *bufio.Reader
	closer func()
}

// Launch starts the valuer executable. workDir is the problem's
// valuer-config directory; if it does not exist, the working directory is
// left unset and a warning is logged, matching the original's behavior.
func Launch(ctx context.Context, exePath, workDir string, env []string) (*Coordinator, error) {
	cmd := exec.Command(exePath)
	cmd.Env = env
	if workDir != "" {
		if _, err := os.Stat(workDir); err == nil {
			cmd.Dir = workDir
		} else {
			logger.Warn(ctx, "not setting current dir for valuer, path does not exist", zap.String("work_dir", workDir))
		}
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.ValuerCrashed).WithMessage("open valuer stdin")
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.ValuerCrashed).WithMessage("open valuer stdout")
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, appErr.Wrap(err, appErr.ValuerCrashed).WithMessagef("spawn valuer %s", exePath)
	}

	return &Coordinator{
		cmd:    cmd,
		stdin:  bufio.NewWriter(stdinPipe),
		stdout: bufio.NewReader(stdoutPipe),
		closer: func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		},
	}, nil
}

// Close kills and reaps the valuer child. Safe to call multiple times.
func (c *Coordinator) Close() {
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

func (c *Coordinator) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return appErr.Wrap(err, appErr.JudgeFault).WithMessage("serialize valuer message")
	}
	if bytes.ContainsRune(data, '\n') {
		return appErr.New(appErr.JudgeFault).WithMessage("bug: serialized valuer message is not one line")
	}
	if _, err := c.stdin.Write(data); err != nil {
		return appErr.Wrap(err, appErr.ValuerCrashed).WithMessage("write valuer message")
	}
	if err := c.stdin.WriteByte('\n'); err != nil {
		return appErr.Wrap(err, appErr.ValuerCrashed).WithMessage("write valuer message")
	}
	return c.stdin.Flush()
}

// WriteProblemInfo sends the mandatory first message.
func (c *Coordinator) WriteProblemInfo(info ProblemInfo) error {
	return c.writeLine(info)
}

// NotifyTestDone sends a per-test outcome notification.
func (c *Coordinator) NotifyTestDone(n TestDoneNotification) error {
	return c.writeLine(n)
}

// Poll reads and decodes the next ValuerResponse line. An unparseable line
// or an early EOF before Finish is a protocol violation (ProtocolViolation,
// request-fatal per spec §4.4).
func (c *Coordinator) Poll() (Response, error) {
	line, err := c.stdout.ReadString('\n')
	if err != nil && line == "" {
		return Response{}, appErr.Wrap(err, appErr.ProtocolViolation).WithMessage("valuer closed stdout before Finish")
	}
	var raw wireResponse
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Response{}, appErr.Wrap(err, appErr.ProtocolViolation).WithMessage("unparseable valuer message")
	}
	switch raw.Tag {
	case "Test":
		if raw.TestID == nil {
			return Response{}, appErr.New(appErr.ProtocolViolation).WithMessage("Test message missing test_id")
		}
		live := raw.Live != nil && *raw.Live
		return Response{Kind: ResponseTest, TestID: *raw.TestID, Live: live}, nil
	case "Finish":
		if raw.Score == nil || raw.JudgeLog == nil {
			return Response{}, appErr.New(appErr.ProtocolViolation).WithMessage("Finish message missing score or judge_log")
		}
		treatAsFull := raw.TreatAsFull != nil && *raw.TreatAsFull
		return Response{
			Kind:        ResponseFinish,
			Score:       *raw.Score,
			TreatAsFull: treatAsFull,
			JudgeLog:    fromWireJudgeLog(*raw.JudgeLog),
		}, nil
	default:
		return Response{}, appErr.New(appErr.ProtocolViolation).WithMessagef("unknown valuer message tag %q", raw.Tag)
	}
}

// ValidateTestID treats a test index outside [1, testCount] as a protocol
// violation, never an inferred intent.
func ValidateTestID(testID, testCount uint32) error {
	if testID < 1 || testID > testCount {
		return appErr.New(appErr.ProtocolViolation).WithMessagef("valuer requested test %d outside [1,%d]", testID, testCount)
	}
	return nil
}
