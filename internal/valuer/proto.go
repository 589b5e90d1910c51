package valuer

import "github.com/jjs-dev/invoker/internal/model"

// ProblemInfo is the first message the pipeline writes to the valuer.
type ProblemInfo struct {
	TestCount uint32 `json:"test_count"`
}

// TestDoneNotification reports one executed test's outcome to the valuer.
type TestDoneNotification struct {
	TestID     uint32       `json:"test_id"`
	TestStatus model.Status `json:"test_status"`
}

// wireResponse is the raw shape a valuer line unmarshals into before being
// resolved to a typed Response; exactly one of its non-tag fields is set.
type wireResponse struct {
	Tag         string        `json:"tag"`
	TestID      *uint32       `json:"test_id,omitempty"`
	Live        *bool         `json:"live,omitempty"`
	Score       *uint32       `json:"score,omitempty"`
	TreatAsFull *bool         `json:"treat_as_full,omitempty"`
	JudgeLog    *wireJudgeLog `json:"judge_log,omitempty"`
}

// Response is the decoded form of one ValuerResponse line: either a Test
// request or the terminal Finish.
type Response struct {
	Kind        ResponseKind
	TestID      uint32
	Live        bool
	Score       uint32
	TreatAsFull bool
	JudgeLog    model.JudgeLog
}

type ResponseKind int

const (
	ResponseTest ResponseKind = iota
	ResponseFinish
)

type wireJudgeLog struct {
	Name          string              `json:"name"`
	Tests         []wireJudgeLogTest  `json:"tests"`
	Subtasks      []wireJudgeLogSub   `json:"subtasks"`
	CompileStdout string              `json:"compile_stdout"`
	CompileStderr string              `json:"compile_stderr"`
}

type wireJudgeLogTest struct {
	TestID     uint32       `json:"test_id"`
	Status     model.Status `json:"status"`
	Visibility uint8        `json:"visibility"`
	Stdin      string       `json:"stdin,omitempty"`
	Stdout     string       `json:"stdout,omitempty"`
	Stderr     string       `json:"stderr,omitempty"`
	Answer     string       `json:"answer,omitempty"`
}

type wireJudgeLogSub struct {
	SubtaskID  string  `json:"subtask_id"`
	Score      *uint32 `json:"score,omitempty"`
	Visibility uint8   `json:"visibility"`
}

func fromWireJudgeLog(w wireJudgeLog) model.JudgeLog {
	log := model.JudgeLog{
		Name:          w.Name,
		CompileStdout: w.CompileStdout,
		CompileStderr: w.CompileStderr,
	}
	for _, t := range w.Tests {
		log.Tests = append(log.Tests, model.JudgeLogTestRow{
			TestID:     t.TestID,
			Status:     t.Status,
			Visibility: model.TestVisibleComponents(t.Visibility),
			Stdin:      t.Stdin,
			Stdout:     t.Stdout,
			Stderr:     t.Stderr,
			Answer:     t.Answer,
		})
	}
	for _, s := range w.Subtasks {
		log.Subtasks = append(log.Subtasks, model.JudgeLogSubtaskRow{
			SubtaskID:  s.SubtaskID,
			Score:      s.Score,
			Visibility: model.SubtaskVisibleComponents(s.Visibility),
		})
	}
	return log
}
