// Package runner executes one agent task against an LLM provider.
package runner

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quailyquaily/agentflow/flow"
	"github.com/quailyquaily/agentflow/internal/jsonutil"
	"github.com/quailyquaily/agentflow/internal/prompttmpl"
	"github.com/quailyquaily/agentflow/internal/strutil"
	"github.com/quailyquaily/agentflow/llm"
)

// DefaultTimeout is the default agent.timeout. The executor enforces it.
const DefaultTimeout = 2 * time.Minute

//go:embed prompts/agent_system.tmpl
var systemPromptTemplateSource string

//go:embed prompts/agent_user.tmpl
var userPromptTemplateSource string

var (
	systemPromptTemplate = prompttmpl.MustParse("agent_system", systemPromptTemplateSource, nil)
	userPromptTemplate   = prompttmpl.MustParse("agent_user", userPromptTemplateSource, nil)
)

type Option func(*LLMRunner)

func WithLogger(log *slog.Logger) Option {
	return func(r *LLMRunner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithTimeout bounds each model call. Without it the runner sets no deadline
// of its own and relies on the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(r *LLMRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPersonaDir enables per-agent persona docs (<dir>/<AGENT>.md).
func WithPersonaDir(dir string) Option {
	return func(r *LLMRunner) { r.personaDir = strings.TrimSpace(dir) }
}

func WithParameters(params map[string]any) Option {
	return func(r *LLMRunner) { r.params = params }
}

// LLMRunner renders the agent prompts, calls the model and decodes its reply
// into a JSON object.
type LLMRunner struct {
	client     llm.Client
	model      string
	timeout    time.Duration
	personaDir string
	params     map[string]any
	log        *slog.Logger
}

func New(client llm.Client, model string, opts ...Option) *LLMRunner {
	r := &LLMRunner{
		client: client,
		model:  strings.TrimSpace(model),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

type systemPromptData struct {
	Agent       flow.Agent
	Role        string
	Description string
	Persona     string
}

type userPromptData struct {
	Name      string
	KnownTask bool
	Input     map[string]any
}

// BuildMessages renders the system and user messages for one task.
func (r *LLMRunner) BuildMessages(agent flow.Agent, name string, input map[string]any) ([]llm.Message, error) {
	info, ok := flow.LookupAgent(agent)
	if !ok {
		return nil, fmt.Errorf("%w: %q", flow.ErrInvalidAgent, agent)
	}
	sys := systemPromptData{
		Agent:       info.ID,
		Role:        info.Role,
		Description: info.Description,
	}
	if p, ok := LoadPersona(r.personaDir, agent, r.log); ok {
		if p.Role != "" {
			sys.Role = p.Role
		}
		sys.Persona = p.Body
	}
	system, err := prompttmpl.Render(systemPromptTemplate, sys)
	if err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}

	if input == nil {
		input = map[string]any{}
	}
	known := false
	for _, t := range info.Tasks {
		if t == name {
			known = true
			break
		}
	}
	user, err := prompttmpl.Render(userPromptTemplate, userPromptData{Name: name, KnownTask: known, Input: input})
	if err != nil {
		return nil, fmt.Errorf("render user prompt: %w", err)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}, nil
}

// Run performs one model call for the task. Errors returned here are turned
// into AGENT_ERROR failures by the executor.
func (r *LLMRunner) Run(ctx context.Context, agent flow.Agent, name string, input map[string]any) (map[string]any, error) {
	if r.client == nil {
		return nil, errors.New("llm client is not configured")
	}
	msgs, err := r.BuildMessages(agent, name, input)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := r.client.Chat(callCtx, llm.Request{
		Model:      r.model,
		Messages:   msgs,
		ForceJSON:  true,
		Parameters: r.params,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("agent call timed out after %s: %w", r.timeout, err)
		}
		return nil, err
	}
	r.log.Debug("agent_call_done",
		"agent", agent,
		"name", name,
		"duration_ms", time.Since(start).Milliseconds(),
		"total_tokens", res.Usage.TotalTokens,
	)

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return nil, errors.New("empty model response")
	}
	var out map[string]any
	if strings.ContainsAny(text, "{[") {
		out, err = jsonutil.DecodeObject(text)
	} else {
		err = jsonutil.ErrNoJSONCandidates
	}
	if err != nil {
		r.log.Warn("agent_output_not_json",
			"agent", agent,
			"name", name,
			"preview", strutil.Preview(text, 200),
		)
		return map[string]any{"text": text}, nil
	}
	return out, nil
}
