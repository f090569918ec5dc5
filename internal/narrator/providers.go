package narrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/basket/go-rooms/internal/agentexec"
)

// Gemini serves gemini-* models through the Generative AI SDK.
type Gemini struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: c}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Supports(model string) bool {
	return strings.HasPrefix(model, "gemini")
}

func (g *Gemini) Generate(ctx context.Context, model string, req Request) (string, error) {
	m := g.client.GenerativeModel(model)
	if req.SystemPrompt != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}
	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", err
	}
	return responseText(resp), nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func responseText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

// AgentExecutor is the subset of the agent runner used for narration.
type AgentExecutor interface {
	ExecuteAgent(ctx context.Context, req agentexec.AgentRequest) (agentexec.AgentResult, error)
}

// Agent narrates through the agent CLI. It accepts any model name and, for
// the empty model, uses the CLI's default.
type Agent struct {
	exec AgentExecutor
}

func NewAgent(exec AgentExecutor) *Agent {
	return &Agent{exec: exec}
}

func (a *Agent) Name() string { return "agent" }

func (a *Agent) Supports(model string) bool {
	return !strings.HasPrefix(model, "gemini")
}

func (a *Agent) Generate(ctx context.Context, model string, req Request) (string, error) {
	res, err := a.exec.ExecuteAgent(ctx, agentexec.AgentRequest{
		Model:        model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTurns:     req.MaxTurns,
	})
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("%s", res.FailureMessage())
	}
	return res.Output, nil
}
