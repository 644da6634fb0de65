package jsonutil

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/quailyquaily/uniai"
)

var (
	ErrEmptyInput       = errors.New("empty json input")
	ErrNoJSONCandidates = errors.New("no json candidates")
)

// FindJSONPayload locates the first valid JSON payload in model output. Fenced
// blocks, prose around the JSON, and small syntax slips are handled through
// uniai's candidate collection and repair helpers.
func FindJSONPayload(text string) ([]byte, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil, ErrEmptyInput
	}

	var lastErr error
	for _, cand := range collectCandidates(raw) {
		for _, variant := range candidateVariants(cand) {
			if err := validJSON(variant); err != nil {
				lastErr = err
				continue
			}
			return []byte(variant), nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoJSONCandidates
}

// DecodeWithFallback finds a JSON payload and unmarshals it into dst.
func DecodeWithFallback(text string, dst any) error {
	data, err := FindJSONPayload(text)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// DecodeObject decodes model output into a JSON object. Non-object payloads
// (arrays, scalars) are wrapped as {"value": payload}.
func DecodeObject(text string) (map[string]any, error) {
	data, err := FindJSONPayload(text)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": v}, nil
}

func collectCandidates(raw string) []string {
	var out []string
	seen := make(map[string]bool, 8)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	add(raw)
	if cands, err := uniai.CollectJSONCandidates(raw); err == nil {
		for _, c := range cands {
			add(c)
		}
	}
	for _, c := range uniai.FindJSONSnippets(raw) {
		add(c)
	}
	return out
}

func candidateVariants(candidate string) []string {
	var out []string
	seen := make(map[string]bool, 4)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	add(candidate)
	stripped := uniai.StripNonJSONLines(candidate)
	add(stripped)
	add(uniai.AttemptJSONRepair(candidate))
	if strings.TrimSpace(stripped) != "" && stripped != candidate {
		add(uniai.AttemptJSONRepair(stripped))
	}
	return out
}

func validJSON(s string) error {
	var tmp any
	return json.Unmarshal([]byte(s), &tmp)
}
