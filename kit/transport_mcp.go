package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTool adds tool to srv. Arguments are decoded into a fresh T
// before fn runs under mws. Bad arguments and operation errors become
// tool results flagged IsError, so the client sees the message.
func RegisterTool[T any](srv *mcp.Server, tool *mcp.Tool, fn func(context.Context, *T) (any, error), mws ...Middleware) {
	if tool.InputSchema == nil {
		tool.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	ep := Chain(mws...)(func(ctx context.Context, req any) (any, error) {
		return fn(ctx, req.(*T))
	})
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := new(T)
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, args); err != nil {
				return failed(fmt.Errorf("%s: bad arguments: %w", tool.Name, err)), nil
			}
		}
		out, err := ep(WithTransport(ctx, TransportMCP), args)
		if err != nil {
			return failed(err), nil
		}
		text, err := json.Marshal(out)
		if err != nil {
			return failed(fmt.Errorf("%s: encode result: %w", tool.Name, err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(text)}}}, nil
	})
}

func failed(err error) *mcp.CallToolResult {
	res := &mcp.CallToolResult{}
	res.SetError(err)
	return res
}
