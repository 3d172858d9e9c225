// Package toolserver exposes the bot's tool registry over the Model Context
// Protocol, so other MCP clients can call the same tools the bot uses.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/clawplaza/monody/internal/llm"
	"github.com/clawplaza/monody/internal/tools"
)

// New builds an MCP server with one MCP tool per registered tool.
func New(reg llm.Dispatcher, version string) (*mcp.Server, error) {
	srv := mcp.NewServer(&mcp.Implementation{Name: "monody", Version: version}, nil)
	for _, meta := range reg.Metadata() {
		schema, err := inputSchema(meta.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", meta.Name, err)
		}
		srv.AddTool(&mcp.Tool{
			Name:        meta.Name,
			Description: meta.Description,
			InputSchema: schema,
		}, handler(reg, meta.Name))
	}
	return srv, nil
}

// Serve runs srv over stdin/stdout until ctx is done or the client leaves.
func Serve(ctx context.Context, srv *mcp.Server) error {
	return srv.Run(ctx, &mcp.StdioTransport{})
}

// inputSchema converts a tool schema to the generic map form the SDK accepts.
func inputSchema(s tools.Schema) (map[string]any, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// handler adapts a registry tool. Tool failures come back as an error
// result carrying the same payload the model would see, not as protocol
// errors.
func handler(reg llm.Dispatcher, name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := json.RawMessage(req.Params.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out, err := reg.Execute(ctx, name, args)
		if err != nil {
			slog.Debug("mcp tool call failed", "tool", name, "err", err)
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: string(tools.Payload(name, err))}},
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(out)}},
		}, nil
	}
}
