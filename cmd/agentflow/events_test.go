package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quailyquaily/agentflow/audit"
	"github.com/spf13/viper"
)

func TestEventsCmd_ReadsJSONLSink(t *testing.T) {
	t.Cleanup(viper.Reset)
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := audit.NewJSONLSink(path, 0)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, e := range []audit.Event{
		{EventID: "e1", Type: audit.PipelineSubmitted, Timestamp: ts, Owner: "alice", PipelineID: "p1", Status: "PENDING"},
		{EventID: "e2", Type: audit.TaskQueued, Timestamp: ts, Owner: "alice", TaskID: "t7", Status: "QUEUED"},
		{EventID: "e3", Type: audit.PipelineFailed, Timestamp: ts, Owner: "alice", PipelineID: "p1", Status: "FAILED", ErrorCode: "CANCELED"},
	} {
		if err := sink.Emit(context.Background(), e); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	viper.Set("audit.sink", "jsonl")
	viper.Set("audit.jsonl_path", path)

	var out bytes.Buffer
	cmd := newEventsCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--pipeline", "p1", "--json"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("events: %v", err)
	}
	var got []audit.Event
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if len(got) != 2 || got[0].EventID != "e1" || got[1].ErrorCode != "CANCELED" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestEventsCmd_NoSink(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("audit.sink", "none")

	cmd := newEventsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "audit.sink") {
		t.Fatalf("expected audit.sink error, got %v", err)
	}
}

func TestPrintEvents(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	step := 2
	var buf bytes.Buffer
	printEvents(&buf, []audit.Event{
		{Type: audit.TaskFailed, Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), TaskID: "t1", Step: &step, Status: "FAILED", ErrorCode: "AGENT_ERROR", Message: "upstream 503"},
	})
	out := buf.String()
	for _, want := range []string{"Events (1)", "task_failed", "t1", "step=2", "AGENT_ERROR", "upstream 503"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
