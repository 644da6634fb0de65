package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quailyquaily/agentflow/db"
	"github.com/quailyquaily/agentflow/executor"
	"github.com/quailyquaily/agentflow/flow"
	"github.com/quailyquaily/agentflow/pipeline"
	"github.com/quailyquaily/agentflow/store"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadPipelineFile(t *testing.T) {
	path := writeFile(t, "reactivation.yaml", `
name: reactivation
owner: partner-7
context:
  campaign: spring
steps:
  - agent: danny
    name: find_dormant
    input:
      days: 21
  - agent: CREA
    name: generate_social_post
    inputFrom: $step[0].output
  - agent: GUARDIAN
    name: review_content
    inputFrom: $pipeline.context.campaign
`)
	pf, err := loadPipelineFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pf.Name != "reactivation" || pf.Owner != "partner-7" {
		t.Fatalf("unexpected header: %+v", pf)
	}
	if pf.Context["campaign"] != "spring" {
		t.Fatalf("unexpected context: %#v", pf.Context)
	}
	if len(pf.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(pf.Steps))
	}
	if pf.Steps[0].Agent != flow.Agent("danny") || pf.Steps[0].Input["days"] != 21 {
		t.Fatalf("unexpected first step: %+v", pf.Steps[0])
	}
	if pf.Steps[1].InputFrom != "$step[0].output" || pf.Steps[2].InputFrom != "$pipeline.context.campaign" {
		t.Fatalf("unexpected bindings: %+v", pf.Steps)
	}
}

func TestLoadPipelineFile_Errors(t *testing.T) {
	unknown := writeFile(t, "bad.yaml", "name: x\nstepz: []\n")
	if _, err := loadPipelineFile(unknown); err == nil || !strings.Contains(err.Error(), "stepz") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	if _, err := loadPipelineFile(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestPrintAgents(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var b bytes.Buffer
	printAgents(&b)
	out := b.String()
	for _, a := range flow.Agents() {
		if !strings.Contains(out, string(a.ID)) {
			t.Fatalf("agent %s missing from output:\n%s", a.ID, out)
		}
	}
}

func TestPrintPipelineSummary(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	step := 0
	p := flow.Pipeline{
		ID:     "p1",
		Name:   "reactivation",
		Status: flow.PipelineFailed,
		Context: map[string]any{
			"results": []any{map[string]any{"count": 3}},
			"error":   map[string]any{"code": "AGENT_ERROR", "message": "model unavailable"},
		},
	}
	tasks := []flow.Task{
		{Agent: flow.AgentDanny, Name: "find_dormant", Status: flow.TaskSucceeded, StepIndex: &step},
		{Agent: flow.AgentCrea, Name: "generate_social_post", Status: flow.TaskFailed, ErrorCode: "AGENT_ERROR", ErrorMessage: "model unavailable"},
	}
	var b bytes.Buffer
	printPipelineSummary(&b, p, tasks)
	out := b.String()
	for _, want := range []string{
		"Pipeline reactivation (p1)",
		"status: FAILED",
		"[0] DANNY/find_dormant SUCCEEDED",
		"[-] CREA/generate_social_post FAILED",
		"error: AGENT_ERROR: model unavailable",
		`"count": 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestFinalState_AfterInterrupt(t *testing.T) {
	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "run.db")
	gdb, err := db.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	st := store.NewGormStore(gdb)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := executor.RunnerFunc(func(ctx context.Context, agent flow.Agent, name string, input map[string]any) (map[string]any, error) {
		t.Error("no step should run after an interrupt")
		return nil, nil
	})
	ex := executor.New(st, runner, executor.WithLogger(log))
	eng := pipeline.New(st, ex, pipeline.WithLogger(log))

	p, err := eng.Submit(context.Background(), "local", "brief", nil, []flow.StepSpec{{Agent: flow.AgentOracle, Name: "market_brief"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := eng.Run(ctx, "local", p.ID); !errors.Is(err, flow.ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	got, tasks, err := finalState(ctx, eng, "local", p.ID)
	if err != nil {
		t.Fatalf("finalState with interrupted ctx: %v", err)
	}
	if got.Status != flow.PipelineFailed || len(tasks) != 0 {
		t.Fatalf("unexpected final state: status=%s tasks=%d", got.Status, len(tasks))
	}
}
