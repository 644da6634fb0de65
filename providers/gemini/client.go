// Package gemini adapts Google's Gemini API to llm.Client.
package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/quailyquaily/agentflow/llm"
	"google.golang.org/api/option"
)

const DefaultModel = "gemini-1.5-flash"

type Client struct {
	client *genai.Client
}

func New(ctx context.Context, apiKey string) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("missing gemini api key")
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{client: c}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	if c == nil || c.client == nil {
		return llm.Result{}, fmt.Errorf("nil gemini client")
	}
	name := strings.TrimSpace(req.Model)
	if name == "" {
		name = DefaultModel
	}

	model := c.client.GenerativeModel(name)
	system, parts := splitMessages(req.Messages)
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}
	if req.ForceJSON {
		model.ResponseMIMEType = "application/json"
	}
	if t, ok := floatParam(req.Parameters, "temperature"); ok {
		model.SetTemperature(float32(t))
	}
	if n, ok := floatParam(req.Parameters, "max_tokens"); ok && n > 0 {
		model.SetMaxOutputTokens(int32(n))
	}
	if len(parts) == 0 {
		return llm.Result{}, fmt.Errorf("gemini request has no user content")
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return llm.Result{}, err
	}
	out := llm.Result{Text: firstText(resp), Duration: time.Since(start)}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if strings.TrimSpace(out.Text) == "" {
		return llm.Result{}, fmt.Errorf("gemini returned no text")
	}
	return out, nil
}

func splitMessages(msgs []llm.Message) (string, []genai.Part) {
	var sys []string
	var parts []genai.Part
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role == llm.RoleSystem {
			sys = append(sys, content)
			continue
		}
		parts = append(parts, genai.Text(content))
	}
	return strings.Join(sys, "\n\n"), parts
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func firstText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	for _, cand := range r.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		var b strings.Builder
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return ""
}
