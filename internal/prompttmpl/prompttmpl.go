// Package prompttmpl parses and renders text/template prompt files.
package prompttmpl

import (
	"encoding/json"
	"strings"
	"text/template"
)

// DefaultFuncs are available to every template parsed here.
var DefaultFuncs = template.FuncMap{
	"toJSON": func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"toPrettyJSON": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"join": strings.Join,
}

func Parse(name, source string, funcs template.FuncMap) (*template.Template, error) {
	t := template.New(name).Option("missingkey=error").Funcs(DefaultFuncs)
	if len(funcs) > 0 {
		t = t.Funcs(funcs)
	}
	return t.Parse(source)
}

func MustParse(name, source string, funcs template.FuncMap) *template.Template {
	return template.Must(Parse(name, source, funcs))
}

// Render executes t and trims surrounding whitespace.
func Render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
