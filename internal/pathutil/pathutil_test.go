package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHomePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  ", ""},
		{"~", home},
		{"~/.agentflow/audit.jsonl", filepath.Join(home, ".agentflow", "audit.jsonl")},
		{"~other/x", "~other/x"},
		{"./data/../agentflow.db", "agentflow.db"},
		{"/var/lib/agentflow/", "/var/lib/agentflow"},
	}
	for _, tc := range cases {
		if got := ExpandHomePath(tc.in); got != tc.want {
			t.Fatalf("ExpandHomePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEnsureParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "events.jsonl")
	if err := EnsureParentDir(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fi, err := os.Stat(filepath.Dir(path)); err != nil || !fi.IsDir() {
		t.Fatalf("parent dir not created: %v", err)
	}
	if err := EnsureParentDir("events.jsonl"); err != nil {
		t.Fatalf("bare file name should be a no-op: %v", err)
	}
}

func TestFileIn(t *testing.T) {
	dir := t.TempDir()
	got, err := FileIn(dir, "DANNY.md")
	if err != nil || got != filepath.Join(dir, "DANNY.md") {
		t.Fatalf("got %q, %v", got, err)
	}
	for _, bad := range []string{"", "..", "../DANNY.md", `a\b.md`} {
		if _, err := FileIn(dir, bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
