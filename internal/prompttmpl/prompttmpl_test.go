package prompttmpl

import "testing"

func TestRender_TrimsAndUsesFuncs(t *testing.T) {
	tmpl := MustParse("t", "\n  {{ .Name }}: {{ toJSON .Input }}  \n", nil)
	got, err := Render(tmpl, map[string]any{
		"Name":  "find_dormant",
		"Input": map[string]any{"days": 21},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `find_dormant: {"days":21}` {
		t.Fatalf("got %q", got)
	}
}

func TestRender_MissingKeyFails(t *testing.T) {
	tmpl := MustParse("t", "{{ .Missing }}", nil)
	if _, err := Render(tmpl, map[string]any{}); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestParse_SyntaxError(t *testing.T) {
	if _, err := Parse("bad", "{{ .Name ", nil); err == nil {
		t.Fatal("expected parse error")
	}
}
