package agent

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/clawplaza/monody/internal/llm"
)

// Per-message overhead for chat models: 3 framing tokens + 1 for the role.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerCall    = 3
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// sharedCodec loads the o200k_base encoding once. It covers the GPT-4o and
// GPT-4.1 families and is a close enough estimate for other vendors.
func sharedCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.O200kBase)
		if codecErr != nil {
			codecErr = fmt.Errorf("load tokenizer: %w", codecErr)
		}
	})
	return codec, codecErr
}

// CountTokens estimates the prompt tokens msgs will cost.
func CountTokens(msgs []llm.Message) (int, error) {
	c, err := sharedCodec()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range msgs {
		total += messageTokens(c, m)
	}
	return total, nil
}

func messageTokens(c tokenizer.Codec, m llm.Message) int {
	n := tokensPerMessage + tokensPerRole
	ids, _, _ := c.Encode(m.Content)
	n += len(ids)
	for _, tc := range m.ToolCalls {
		name, _, _ := c.Encode(tc.Name)
		args, _, _ := c.Encode(tc.Arguments)
		n += len(name) + len(args) + tokensPerCall
	}
	return n
}

// turns splits history at each user message so that an assistant tool-call
// message always stays with the tool results answering it.
func turns(history []llm.Message) [][]llm.Message {
	var out [][]llm.Message
	start := 0
	for i, m := range history {
		if m.Role == llm.RoleUser && i > start {
			out = append(out, history[start:i])
			start = i
		}
	}
	if start < len(history) {
		out = append(out, history[start:])
	}
	return out
}

// TrimToBudget drops the oldest complete turns until history fits in
// budget tokens. The most recent turn is always kept. A budget <= 0 disables
// trimming.
func TrimToBudget(history []llm.Message, budget int) ([]llm.Message, error) {
	if budget <= 0 || len(history) == 0 {
		return history, nil
	}
	c, err := sharedCodec()
	if err != nil {
		return nil, err
	}

	groups := turns(history)
	costs := make([]int, len(groups))
	total := 0
	for i, g := range groups {
		for _, m := range g {
			costs[i] += messageTokens(c, m)
		}
		total += costs[i]
	}

	drop := 0
	for total > budget && drop < len(groups)-1 {
		total -= costs[drop]
		drop++
	}
	if drop == 0 {
		return history, nil
	}

	var out []llm.Message
	for _, g := range groups[drop:] {
		out = append(out, g...)
	}
	return out, nil
}
