package valuer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jjs-dev/invoker/internal/model"
	appErr "github.com/jjs-dev/invoker/pkg/errors"
)

// writeShellScript writes an executable shell script standing in for a real
// valuer binary, the way the teacher's own subprocess tests substitute a
// one-liner shell script for a binary under test.
func writeShellScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-valuer.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake valuer script failed: %v", err)
	}
	return path
}

func launchScript(t *testing.T, body string) *Coordinator {
	t.Helper()
	c, err := Launch(context.Background(), writeShellScript(t, body), "", os.Environ())
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCoordinatorWriteProblemInfoAndPollTestRequest(t *testing.T) {
	c := launchScript(t, `read line; echo '{"tag":"Test","test_id":3,"live":true}'`)

	if err := c.WriteProblemInfo(ProblemInfo{TestCount: 10}); err != nil {
		t.Fatalf("write problem info failed: %v", err)
	}
	resp, err := c.Poll()
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if resp.Kind != ResponseTest || resp.TestID != 3 || !resp.Live {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCoordinatorPollDecodesFinishWithJudgeLog(t *testing.T) {
	finishLine := `{"tag":"Finish","score":77,"treat_as_full":false,"judge_log":{"name":"contestant","tests":[{"test_id":1,"status":{"kind":"Accepted","code":"TEST_PASSED"},"visibility":1}],"subtasks":[],"compile_stdout":"","compile_stderr":""}}`
	c := launchScript(t, `read line; echo '`+finishLine+`'`)

	if err := c.NotifyTestDone(TestDoneNotification{TestID: 1, TestStatus: model.Status{Kind: model.Accepted, Code: model.CodeTestPassed}}); err != nil {
		t.Fatalf("notify test done failed: %v", err)
	}
	resp, err := c.Poll()
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if resp.Kind != ResponseFinish || resp.Score != 77 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.JudgeLog.Tests) != 1 || resp.JudgeLog.Tests[0].TestID != 1 {
		t.Fatalf("unexpected judge log: %+v", resp.JudgeLog)
	}
}

func TestCoordinatorPollRejectsTestMessageMissingTestID(t *testing.T) {
	c := launchScript(t, `echo '{"tag":"Test"}'`)

	_, err := c.Poll()
	if appErr.GetCode(err) != appErr.ProtocolViolation {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}

func TestCoordinatorPollRejectsUnknownTag(t *testing.T) {
	c := launchScript(t, `echo '{"tag":"Bogus"}'`)

	_, err := c.Poll()
	if appErr.GetCode(err) != appErr.ProtocolViolation {
		t.Fatalf("expected ProtocolViolation for an unknown tag, got %v", err)
	}
}

func TestCoordinatorPollRejectsEarlyEOF(t *testing.T) {
	c := launchScript(t, `true`)

	_, err := c.Poll()
	if appErr.GetCode(err) != appErr.ProtocolViolation {
		t.Fatalf("expected ProtocolViolation on early EOF, got %v", err)
	}
}

func TestWriteLineEscapesEmbeddedNewlinesIntoOneLine(t *testing.T) {
	c := launchScript(t, `read -r line; printf '%s\n' "$line"`)

	err := c.writeLine(struct {
		Note string `json:"note"`
	}{Note: "line one\nline two"})
	if err != nil {
		t.Fatalf("expected the message to be written, got %v", err)
	}
	echoed, err := c.stdout.ReadString('\n')
	if err != nil {
		t.Fatalf("read echoed line failed: %v", err)
	}
	if want := `{"note":"line one\nline two"}` + "\n"; echoed != want || strings.Count(echoed, "\n") != 1 {
		t.Fatalf("expected the message on exactly one line as %q, got %q", want, echoed)
	}
}

func TestValidateTestIDRejectsOutOfRangeIndex(t *testing.T) {
	if err := ValidateTestID(0, 10); appErr.GetCode(err) != appErr.ProtocolViolation {
		t.Fatalf("expected ProtocolViolation for test id 0, got %v", err)
	}
	if err := ValidateTestID(11, 10); appErr.GetCode(err) != appErr.ProtocolViolation {
		t.Fatalf("expected ProtocolViolation for test id above range, got %v", err)
	}
	if err := ValidateTestID(1, 10); err != nil {
		t.Fatalf("expected test id 1 to be valid, got %v", err)
	}
}

func TestLaunchWarnsAndContinuesWhenWorkDirDoesNotExist(t *testing.T) {
	script := writeShellScript(t, "true")
	c, err := Launch(context.Background(), script, "/no/such/directory", os.Environ())
	if err != nil {
		t.Fatalf("expected launch to succeed despite a missing work dir, got %v", err)
	}
	t.Cleanup(c.Close)
}
