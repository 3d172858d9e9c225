// Package agent wraps a chat provider with a system prompt and history
// handling. The general agent answers Discord users; the research agent is
// exposed to it as a tool.
package agent

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/clawplaza/monody/internal/config"
	"github.com/clawplaza/monody/internal/llm"
)

//go:embed docs/general.md
var generalPrompt string

//go:embed docs/research.md
var researchPrompt string

// Agent is a named system prompt bound to a provider.
type Agent struct {
	Name         string
	SystemPrompt string
	Provider     llm.Provider
	EnableTools  bool
	Sampling     llm.Sampling
	Budget       int // history token budget; 0 keeps everything
}

// General returns the user-facing assistant. Tools are enabled.
func General(p llm.Provider) *Agent {
	return &Agent{
		Name:         "monody",
		SystemPrompt: strings.TrimSpace(generalPrompt),
		Provider:     p,
		EnableTools:  true,
		Sampling:     llm.DefaultSampling(),
	}
}

// Research returns the research sub-agent. Tools are enabled; p must be
// built over a registry without research_assistant so research stays one
// level deep.
func Research(p llm.Provider) *Agent {
	return &Agent{
		Name:         "research",
		SystemPrompt: strings.TrimSpace(researchPrompt),
		Provider:     p,
		EnableTools:  true,
		Sampling:     llm.DefaultSampling(),
	}
}

// WithPersona appends operator-provided personality text to the prompt.
func (a *Agent) WithPersona(persona string) *Agent {
	persona = strings.TrimSpace(persona)
	if persona != "" {
		a.SystemPrompt += "\n\n" + persona
	}
	return a
}

// Run completes one turn over history. Any system messages in history are
// discarded and replaced by the agent's own prompt, so a stored
// conversation never accumulates more than one.
func (a *Agent) Run(ctx context.Context, history []llm.Message) (*llm.ChatResult, error) {
	trimmed := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Role != llm.RoleSystem {
			trimmed = append(trimmed, m)
		}
	}

	if fitted, err := TrimToBudget(trimmed, a.Budget); err != nil {
		slog.Warn("history trim skipped", "agent", a.Name, "err", err)
	} else {
		trimmed = fitted
	}

	msgs := make([]llm.Message, 0, len(trimmed)+1)
	msgs = append(msgs, llm.SystemMessage(a.SystemPrompt))
	msgs = append(msgs, trimmed...)

	return a.Provider.Complete(ctx, llm.ChatRequest{
		Messages:    msgs,
		Sampling:    a.Sampling,
		EnableTools: a.EnableTools,
	})
}

// Ask runs a single-prompt turn and returns the trimmed answer.
func (a *Agent) Ask(ctx context.Context, prompt string) (string, error) {
	res, err := a.Run(ctx, []llm.Message{llm.UserMessage(prompt)})
	if err != nil {
		return "", fmt.Errorf("%s agent: %w", a.Name, err)
	}
	return strings.TrimSpace(res.Answer()), nil
}

// PersonaPath is the optional personality file, ~/.monody/persona.md.
func PersonaPath() string {
	return filepath.Join(config.Dir(), "persona.md")
}

// LoadPersona reads the persona file. A missing file yields "".
func LoadPersona() (string, error) {
	data, err := os.ReadFile(PersonaPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read persona: %w", err)
	}
	return string(data), nil
}
