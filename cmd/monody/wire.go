package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/clawplaza/monody/internal/agent"
	"github.com/clawplaza/monody/internal/chat"
	"github.com/clawplaza/monody/internal/config"
	"github.com/clawplaza/monody/internal/conversation"
	"github.com/clawplaza/monody/internal/llm"
	"github.com/clawplaza/monody/internal/telemetry"
	"github.com/clawplaza/monody/internal/tools"
)

// setupLogger installs the default slog logger.
func setupLogger(cfg config.LoggingConfig, verbose bool, w io.Writer) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// stack is everything a chat turn needs, built from config.
type stack struct {
	cfg           *config.Config
	tools         *tools.Registry
	researchTools *tools.Registry // tools without research_assistant
	provider      llm.Provider
	store         conversation.Store
	chat          *chat.Service
	shutdown      []func(context.Context) error
}

// newStack wires tools, providers, agents and the store. events may be nil.
func newStack(ctx context.Context, cfg *config.Config, events chat.Publisher) (*stack, error) {
	s := &stack{cfg: cfg}
	var err error

	if cfg.Tracing.Enabled {
		stop, err := telemetry.InitTracer("monody", version, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		s.shutdown = append(s.shutdown, stop)
	}

	sampling := llm.SamplingFrom(&cfg.LLM)
	base := tools.Defaults(&cfg.Tools)

	// research_assistant is left out of the research agent's own tools.
	s.researchTools, err = tools.NewRegistry(base...)
	if err != nil {
		return nil, err
	}
	researchProvider, err := llm.NewProvider(&cfg.LLM, s.researchTools)
	if err != nil {
		return nil, err
	}
	research := agent.Research(researchProvider)
	research.Sampling = sampling

	s.tools, err = tools.NewRegistry(append(slices.Clone(base), agent.ResearchTool(research))...)
	if err != nil {
		return nil, err
	}

	s.provider, err = llm.NewProvider(&cfg.LLM, s.tools)
	if err != nil {
		return nil, err
	}

	persona, err := agent.LoadPersona()
	if err != nil {
		slog.Warn("persona ignored", "err", err)
	}
	general := agent.General(s.provider).WithPersona(persona)
	general.Sampling = sampling
	general.Budget = cfg.LLM.HistoryTokens

	s.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.shutdown = append(s.shutdown, func(context.Context) error { return s.store.Close() })

	s.chat = chat.NewService(general, s.provider, s.store, events)
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config) (conversation.Store, error) {
	ttl := cfg.Store.TTL.Duration
	switch cfg.Store.Backend {
	case "sqlite":
		st, err := conversation.NewSQLiteStore(cfg.StorePath(), ttl)
		if err != nil {
			return nil, err
		}
		if cfg.Store.PurgeSchedule != "" {
			if err := st.StartPurge(ctx, cfg.Store.PurgeSchedule); err != nil {
				_ = st.Close()
				return nil, err
			}
		}
		slog.Debug("conversation store", "backend", "sqlite", "path", cfg.StorePath(), "ttl", ttl)
		return st, nil
	default:
		slog.Debug("conversation store", "backend", "memory", "capacity", cfg.Store.Capacity, "ttl", ttl)
		return conversation.NewMemoryStore(cfg.Store.Capacity, ttl), nil
	}
}

// Close releases the store and flushes traces.
func (s *stack) Close(ctx context.Context) {
	for i := len(s.shutdown) - 1; i >= 0; i-- {
		if err := s.shutdown[i](ctx); err != nil {
			slog.Warn("shutdown", "err", err)
		}
	}
}
