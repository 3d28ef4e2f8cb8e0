// Package model defines the narrow chat-model interface agent nodes
// call, plus a mock for tests. Provider adapters live outside the
// engine; anything satisfying ChatModel plugs in.
package model

import (
	"context"

	"github.com/dshills/duraflow/flow"
)

// Standard conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOut is a model response with its usage accounting. TokensIn,
// TokensOut, and CostUSD flow onto the run's usage counters.
type ChatOut struct {
	Text      string  `json:"text"`
	TokensIn  int     `json:"tokens_in,omitempty"`
	TokensOut int     `json:"tokens_out,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// ChatModel is the provider interface. Implementations handle
// authentication, wire formats, and provider errors; they must respect
// ctx cancellation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Config describes an agent node.
type Config struct {
	// Prompt derives the conversation from the run state.
	Prompt func(st flow.State) []Message

	// Into names the state field receiving the response text.
	Into string
}

// Node builds an agent node: it prompts the model with a conversation
// derived from state, writes the response text into state, and reports
// token and cost usage on the run.
func Node(name string, m ChatModel, cfg Config) flow.NodeDef {
	fn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		if cfg.Prompt == nil {
			return flow.NodeResult{}, flow.Errorf(flow.KindValidation, name, "agent node needs a prompt")
		}
		out, err := m.Chat(ctx, cfg.Prompt(nc.State))
		if err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
		}
		res := flow.NodeResult{
			Output:    out.Text,
			TokensIn:  out.TokensIn,
			TokensOut: out.TokensOut,
			CostUSD:   out.CostUSD,
		}
		if cfg.Into != "" {
			res.Patch = flow.State{cfg.Into: out.Text}
		}
		return res, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeAgent, Fn: fn, Config: cfg}
}
