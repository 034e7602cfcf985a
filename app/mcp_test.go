package app

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/noteboard/workspace"
)

var testMCPImpl = &mcp.Implementation{Name: "noteboard-test", Version: "0.1.0"}

func mcpSession(t *testing.T, a *App) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	a.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, s *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func mustCall(t *testing.T, s *mcp.ClientSession, name string, args any) string {
	t.Helper()
	text, isErr := callTool(t, s, name, args)
	if isErr {
		t.Fatalf("CallTool(%s) tool error: %s", name, text)
	}
	return text
}

func TestMCP_GuestBoard(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	s := mcpSession(t, a)

	var view SessionView
	json.Unmarshal([]byte(mustCall(t, s, "noteboard_guest", map[string]any{})), &view)
	if view.State != "guest" || !strings.HasPrefix(view.Identity.ID, "guest-") {
		t.Fatalf("view = %+v", view)
	}

	var first, second workspace.Block
	json.Unmarshal([]byte(mustCall(t, s, "noteboard_board_add", map[string]any{
		"block": map[string]any{"type": "checklist", "title": "Chores", "content": []map[string]any{{"text": "Buy milk"}}},
	})), &first)
	json.Unmarshal([]byte(mustCall(t, s, "noteboard_board_add", map[string]any{
		"block": map[string]any{"type": "text", "content": "hello"},
	})), &second)
	if first.ID == "" || len(first.Items) != 1 || first.Items[0].ID == "" {
		t.Fatalf("first = %+v", first)
	}

	mustCall(t, s, "noteboard_board_connect", map[string]any{"source": first.ID, "target": second.ID})

	var snap workspace.Snapshot
	json.Unmarshal([]byte(mustCall(t, s, "noteboard_board_get", map[string]any{})), &snap)
	if len(snap.Blocks) != 2 || len(snap.Edges) != 1 {
		t.Fatalf("board has %d blocks %d edges", len(snap.Blocks), len(snap.Edges))
	}

	mustCall(t, s, "noteboard_board_remove", map[string]any{"id": first.ID})
	if got := a.Board.Snapshot(); len(got.Blocks) != 1 || len(got.Edges) != 0 {
		t.Fatalf("after remove: %d blocks %d edges", len(got.Blocks), len(got.Edges))
	}

	if text, isErr := callTool(t, s, "noteboard_board_remove", map[string]any{"id": "nope"}); !isErr {
		t.Fatalf("removing a missing block succeeded: %s", text)
	}
}

func TestMCP_SignInWithoutBackendAndConfig(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	s := mcpSession(t, a)

	if _, isErr := callTool(t, s, "noteboard_sign_in", map[string]any{"email": "a@b.c", "password": "secret1"}); !isErr {
		t.Fatal("sign-in without backend succeeded")
	}
	if text, isErr := callTool(t, s, "noteboard_cloud_config", map[string]any{"config": "{apiKey: 'x'}"}); !isErr {
		t.Fatalf("config without projectId accepted: %s", text)
	}

	text := mustCall(t, s, "noteboard_cloud_config", map[string]any{"config": "{apiKey: 'x', projectId: 'y'}"})
	if !strings.Contains(text, "y.firebaseapp.com") {
		t.Fatalf("config = %s", text)
	}

	var view SessionView
	json.Unmarshal([]byte(mustCall(t, s, "noteboard_sign_in", map[string]any{
		"method": "signup", "email": "ann@example.com", "password": "secret1",
	})), &view)
	if view.State != "authenticated" {
		t.Fatalf("view = %+v", view)
	}
	json.Unmarshal([]byte(mustCall(t, s, "noteboard_sign_out", map[string]any{})), &view)
	if view.State != "unauthenticated" {
		t.Fatalf("after sign-out view = %+v", view)
	}
}

func TestMCP_GenerateWithoutModel(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	s := mcpSession(t, a)

	if _, isErr := callTool(t, s, "noteboard_generate_block", map[string]any{"prompt": "a todo list"}); !isErr {
		t.Fatal("generation without a model succeeded")
	}
	text := mustCall(t, s, "noteboard_improve_text", map[string]any{"text": "draft", "instruction": "shorter"})
	if !strings.Contains(text, `"draft"`) {
		t.Fatalf("improve = %s", text)
	}
}
