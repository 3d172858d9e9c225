package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/clawplaza/monody/internal/tools"
)

const (
	DefaultMaxRounds    = 8 // max LLM→tools→LLM cycles per turn
	DefaultRoundTimeout = 60 * time.Second
	DefaultToolTimeout  = 30 * time.Second
)

var tracer = otel.Tracer("github.com/clawplaza/monody/internal/llm")

// Loop drives the tool-calling loop for one turn.
//
// Flow:
//  1. Send the messages (plus tool metadata when enabled) to the model.
//  2. On tool_calls: append the assistant message, run every requested tool
//     concurrently, append one tool message per call, go to 1.
//  3. On any other finish reason: the last assistant message is the answer.
//
// The request messages are never modified; the result carries a new slice.
type Loop struct {
	Client       ChatClient
	Tools        Dispatcher // nil disables tools entirely
	MaxRounds    int
	RoundTimeout time.Duration // bounds each vendor call
	ToolTimeout  time.Duration // bounds each tool call
}

// Run executes a turn. Tool failures and timeouts are fed back to the model
// as structured results; vendor failures, cancellation and the round cap
// end the turn with an error.
func (l *Loop) Run(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	var defs []tools.Metadata
	if req.EnableTools && l.Tools != nil {
		defs = l.Tools.Metadata()
	}

	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)

	maxRounds := l.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	for round := 1; round <= maxRounds; round++ {
		reply, err := l.send(ctx, round, ChatCall{Messages: msgs, Tools: defs, Sampling: req.Sampling})
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, reply.Message)
		if reply.FinishReason != FinishToolCalls || len(reply.Message.ToolCalls) == 0 {
			return &ChatResult{Messages: msgs, Model: l.Client.Model(), Rounds: round}, nil
		}

		results := l.dispatchAll(ctx, round, reply.Message.ToolCalls)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs = append(msgs, results...)
	}

	slog.Warn("tool loop exceeded", "rounds", maxRounds, "model", l.Client.Model())
	return nil, fmt.Errorf("%w after %d rounds", ErrToolLoopExceeded, maxRounds)
}

// send performs one vendor call under the round timeout.
func (l *Loop) send(ctx context.Context, round int, call ChatCall) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "llm.round", trace.WithAttributes(
		attribute.Int("round", round),
		attribute.Int("messages", len(call.Messages)),
		attribute.String("model", l.Client.Model()),
	))
	defer span.End()

	timeout := l.RoundTimeout
	if timeout <= 0 {
		timeout = DefaultRoundTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	reply, err := l.Client.Chat(rctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("round %d: %w", round, err)
	}
	span.SetAttributes(
		attribute.String("finish_reason", string(reply.FinishReason)),
		attribute.Int("tool_calls", len(reply.Message.ToolCalls)),
	)
	slog.Debug("model replied", "round", round, "finish", reply.FinishReason,
		"tool_calls", len(reply.Message.ToolCalls), "elapsed", time.Since(start).Round(time.Millisecond))
	return reply, nil
}

// dispatchAll runs every call concurrently and waits for all of them.
// Results come back in the order the model requested them, each tagged
// with its own call ID.
func (l *Loop) dispatchAll(ctx context.Context, round int, calls []ToolCall) []Message {
	results := make([]Message, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = l.dispatch(ctx, round, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dispatch runs one tool call. It always yields a tool message: failures
// become a {failureKind, reason} payload.
func (l *Loop) dispatch(ctx context.Context, round int, call ToolCall) Message {
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
		attribute.Int("round", round),
	))
	defer span.End()

	out, err := l.execute(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		slog.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "round", round, "err", err)
		return ToolMessage(call, string(tools.Payload(call.Name, err)))
	}
	return ToolMessage(call, string(out))
}

type execResult struct {
	out json.RawMessage
	err error
}

// execute runs the call under the tool timeout. A handler that ignores its
// context is abandoned when the timeout fires.
func (l *Loop) execute(ctx context.Context, call ToolCall) (json.RawMessage, error) {
	if l.Tools == nil {
		return nil, fmt.Errorf("%w: %q", tools.ErrUnknownTool, call.Name)
	}

	timeout := l.ToolTimeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := json.RawMessage(call.Arguments)
	if strings.TrimSpace(call.Arguments) == "" {
		args = json.RawMessage("{}")
	}

	done := make(chan execResult, 1)
	go func() {
		out, err := l.Tools.Execute(tctx, call.Name, args)
		done <- execResult{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-tctx.Done():
		err := tctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, tools.Unreachable(fmt.Errorf("timed out after %s", timeout))
		}
		return nil, tools.Unreachable(err)
	}
}
