package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *captureSink) Emit(ctx context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return c.err
}

func (c *captureSink) Close() error { return nil }

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func TestRecorder_FillsIDAndTimestamp(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Record(context.Background(), Event{Type: TaskQueued, Owner: "alice", TaskID: "t1", Status: "QUEUED"})

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	e := sink.events[0]
	if !strings.HasPrefix(e.EventID, "evt_") || e.Timestamp.IsZero() {
		t.Fatalf("event not filled: %+v", e)
	}
}

func TestRecorder_LogsSinkErrors(t *testing.T) {
	h := &captureHandler{}
	sink := &captureSink{err: errors.New("disk full")}
	r := NewRecorder(sink, slog.New(h))
	r.Record(context.Background(), Event{Type: TaskFailed, Owner: "alice"})

	if len(h.records) != 1 || h.records[0].Message != "audit_emit_failed" {
		t.Fatalf("expected audit_emit_failed log, got %+v", h.records)
	}
}

func TestRecorder_UsesCanceledContext(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, Event{Type: TaskCanceled, Owner: "alice"})
	if len(sink.events) != 1 {
		t.Fatal("expected event to be recorded after ctx cancel")
	}
}

func TestRedact(t *testing.T) {
	cases := []struct {
		in      string
		mustNot string
	}{
		{"http 401: Bearer abcdefghijklmnop", "abcdefghijklmnop"},
		{"invalid key sk-1234567890abcdefghij", "sk-1234567890abcdefghij"},
		{"api_key=supersecretvalue", "supersecretvalue"},
	}
	for _, tc := range cases {
		got := Redact(tc.in)
		if strings.Contains(got, tc.mustNot) {
			t.Fatalf("Redact(%q) = %q, still contains secret", tc.in, got)
		}
		if !strings.Contains(got, "[redacted]") {
			t.Fatalf("Redact(%q) = %q, missing marker", tc.in, got)
		}
	}
	if got := Redact("agent timed out"); got != "agent timed out" {
		t.Fatalf("plain message changed: %q", got)
	}
}

func TestJSONLSink_WritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	sink, err := NewJSONLSink(path, 0)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	step := 1
	for _, typ := range []EventType{PipelineStarted, TaskQueued} {
		if err := sink.Emit(context.Background(), Event{EventID: string(typ), Type: typ, Owner: "alice", Step: &step}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var got []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 || got[0].Type != PipelineStarted || got[1].Step == nil || *got[1].Step != 1 {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestJSONLSink_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	sink, err := NewJSONLSink(path, 200)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()
	for i := 0; i < 5; i++ {
		e := Event{EventID: "e", Type: TaskSucceeded, Owner: "alice", Message: strings.Repeat("x", 80)}
		if err := sink.Emit(context.Background(), e); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected rotated files")
	}
}

func TestJSONLSink_ListAcrossSegments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewJSONLSink(path, 300)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	step := 0
	events := []Event{
		{EventID: "e1", Type: PipelineSubmitted, Owner: "alice", PipelineID: "p1", Status: "PENDING"},
		{EventID: "e2", Type: TaskQueued, Owner: "alice", PipelineID: "p1", TaskID: "t1", Step: &step, Agent: "DANNY", Status: "QUEUED"},
		{EventID: "e3", Type: TaskQueued, Owner: "bob", TaskID: "t2", Status: "QUEUED", Message: strings.Repeat("y", 120)},
		{EventID: "e4", Type: TaskSucceeded, Owner: "alice", PipelineID: "p1", TaskID: "t1", Step: &step, Status: "SUCCEEDED", Message: strings.Repeat("z", 120)},
		{EventID: "e5", Type: PipelineSucceeded, Owner: "alice", PipelineID: "p1", Status: "SUCCEEDED"},
	}
	for _, e := range events {
		if err := sink.Emit(ctx, e); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if rotated, _ := filepath.Glob(path + ".*"); len(rotated) == 0 {
		t.Fatal("expected the events to span rotated segments")
	}

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{name: "all", f: Filter{}, want: []string{"e1", "e2", "e3", "e4", "e5"}},
		{name: "pipeline", f: Filter{PipelineID: "p1"}, want: []string{"e1", "e2", "e4", "e5"}},
		{name: "task", f: Filter{TaskID: "t1"}, want: []string{"e2", "e4"}},
		{name: "owner", f: Filter{Owner: "bob"}, want: []string{"e3"}},
		{name: "limit", f: Filter{PipelineID: "p1", Limit: 2}, want: []string{"e1", "e2"}},
		{name: "no match", f: Filter{PipelineID: "p1", Owner: "bob"}, want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sink.List(ctx, tc.f)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var ids []string
			for _, e := range got {
				ids = append(ids, e.EventID)
			}
			if strings.Join(ids, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("events = %v, want %v", ids, tc.want)
			}
		})
	}

	got, err := sink.List(ctx, Filter{TaskID: "t1", Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Step == nil || *got[0].Step != 0 || got[0].Agent != "DANNY" {
		t.Fatalf("fields not read back: %+v", got)
	}
}

func TestJSONLSink_ListReportsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte("{\"event_id\":\"e1\",\"owner\":\"alice\"}\nnot json\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sink, err := NewJSONLSink(path, 0)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()
	if _, err := sink.List(context.Background(), Filter{}); err == nil || !strings.Contains(err.Error(), "events.jsonl:2") {
		t.Fatalf("expected error naming line 2, got %v", err)
	}
}

func TestRecorder_List(t *testing.T) {
	r := NewRecorder(Nop{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := r.List(context.Background(), Filter{}); !errors.Is(err, ErrNotListable) {
		t.Fatalf("expected ErrNotListable, got %v", err)
	}

	sink, err := NewJSONLSink(filepath.Join(t.TempDir(), "events.jsonl"), 0)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	r = NewRecorder(sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer r.Close()
	r.Record(context.Background(), Event{Type: TaskFailed, Owner: "alice", TaskID: "t9", Message: "Authorization: Bearer sk-abcdef0123456789"})
	got, err := r.List(context.Background(), Filter{TaskID: "t9"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].EventID == "" || got[0].Timestamp.IsZero() {
		t.Fatalf("unexpected events: %+v", got)
	}
	if strings.Contains(got[0].Message, "sk-abcdef0123456789") {
		t.Fatalf("secret was not redacted: %q", got[0].Message)
	}
}

func TestNewJSONLSink_RequiresPath(t *testing.T) {
	if _, err := NewJSONLSink("  ", 0); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSQLiteSink_EmitAndList(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	ts := time.UnixMilli(1_700_000_000_123).UTC()
	step := 0
	events := []Event{
		{EventID: "e1", Type: PipelineSubmitted, Timestamp: ts, Owner: "alice", PipelineID: "p1", Status: "PENDING"},
		{EventID: "e2", Type: TaskQueued, Timestamp: ts, Owner: "alice", PipelineID: "p1", TaskID: "t1", Step: &step, Agent: "DANNY", Name: "find_dormant", Status: "QUEUED"},
		{EventID: "e3", Type: TaskQueued, Timestamp: ts, Owner: "bob", TaskID: "t2", Status: "QUEUED"},
	}
	for _, e := range events {
		if err := sink.Emit(ctx, e); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	got, err := sink.List(ctx, Filter{PipelineID: "p1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].EventID != "e1" || got[1].EventID != "e2" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if got[1].Step == nil || *got[1].Step != 0 || got[1].Agent != "DANNY" || !got[1].Timestamp.Equal(ts) {
		t.Fatalf("fields not round-tripped: %+v", got[1])
	}
	if got[0].Step != nil || got[0].TaskID != "" {
		t.Fatalf("expected null columns to stay empty: %+v", got[0])
	}

	got, err = sink.List(ctx, Filter{TaskID: "t2", Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Owner != "bob" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestSQLiteSink_DuplicateEventID(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()
	e := Event{EventID: "dup", Type: TaskQueued, Timestamp: time.Now(), Owner: "alice"}
	if err := sink.Emit(context.Background(), e); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := sink.Emit(context.Background(), e); err == nil {
		t.Fatal("expected unique constraint error")
	}
}
