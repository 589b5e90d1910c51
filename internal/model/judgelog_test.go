package model

import "testing"

func uint32p(v uint32) *uint32 { return &v }

func TestJudgeLogRedactFullKindIsIdentityForVisibleFields(t *testing.T) {
	log := JudgeLog{
		Tests: []JudgeLogTestRow{
			{TestID: 1, Stdin: "in", Stdout: "out", Stderr: "err", Answer: "ans", Visibility: FullTestVisibility},
		},
		Subtasks: []JudgeLogSubtaskRow{
			{SubtaskID: "g1", Score: uint32p(50), Visibility: FullSubtaskVisibility},
		},
	}

	full := log.Redact(JudgeLogKindFull)
	if full.Name != JudgeLogKindFull {
		t.Fatalf("expected name %q, got %q", JudgeLogKindFull, full.Name)
	}
	row := full.Tests[0]
	if row.Stdin != "in" || row.Stdout != "out" || row.Stderr != "err" || row.Answer != "ans" {
		t.Fatalf("expected the full view to retain every field, got %+v", row)
	}
	if full.Subtasks[0].Score == nil || *full.Subtasks[0].Score != 50 {
		t.Fatalf("expected the full view to retain subtask score, got %+v", full.Subtasks[0])
	}
}

func TestJudgeLogRedactContestantKindHidesOutputAndAnswerByDefault(t *testing.T) {
	log := JudgeLog{
		Tests: []JudgeLogTestRow{
			{TestID: 1, Stdin: "in", Stdout: "out", Stderr: "err", Answer: "ans", Visibility: FullTestVisibility},
		},
		Subtasks: []JudgeLogSubtaskRow{
			{SubtaskID: "g1", Score: uint32p(50), Visibility: FullSubtaskVisibility},
		},
	}

	contestant := log.Redact(JudgeLogKindContestant)
	row := contestant.Tests[0]
	if row.Stdin != "in" {
		t.Fatalf("expected contestant view to keep test input, got %q", row.Stdin)
	}
	if row.Stdout != "" || row.Stderr != "" || row.Answer != "" {
		t.Fatalf("expected contestant view to hide output and answer, got %+v", row)
	}
	if contestant.Subtasks[0].Score == nil || *contestant.Subtasks[0].Score != 50 {
		t.Fatalf("expected contestant view to keep subtask score (preset allows it), got %+v", contestant.Subtasks[0])
	}
}

func TestJudgeLogRedactHonorsPerRowVisibilityNotJustPreset(t *testing.T) {
	log := JudgeLog{
		Tests: []JudgeLogTestRow{
			{TestID: 1, Stdin: "in", Visibility: TestVisibleTestData},
		},
	}

	full := log.Redact(JudgeLogKindFull)
	row := full.Tests[0]
	if row.Stdout != "" || row.Stderr != "" || row.Answer != "" {
		t.Fatalf("expected a row with no Output/Answer visibility bits to stay hidden even in the full kind, got %+v", row)
	}
	if row.Stdin != "in" {
		t.Fatalf("expected the row's own visible field to survive, got %q", row.Stdin)
	}
}

func TestTestVisibleComponentsHas(t *testing.T) {
	mask := TestVisibleTestData | TestVisibleOutput
	if !mask.Has(TestVisibleTestData) {
		t.Fatal("expected mask to have TestVisibleTestData")
	}
	if mask.Has(TestVisibleAnswer) {
		t.Fatal("expected mask to not have TestVisibleAnswer")
	}
}
