package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/noteboard/genai"
	"github.com/hazyhaar/noteboard/kit"
	"github.com/hazyhaar/noteboard/session"
	"github.com/hazyhaar/noteboard/workspace"
)

// RegisterMCP exposes the session, the board and generation as MCP tools.
func (a *App) RegisterMCP(srv *mcp.Server) {
	a.registerSessionTools(srv)
	a.registerBoardTools(srv)
	a.registerGenTools(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func num(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

type none struct{}

// register exposes endpoint as a logged MCP tool taking arguments T.
func register[T any](srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, *T) (any, error)) {
	kit.RegisterTool(srv, tool, endpoint, kit.Logging(tool.Name))
}

// --- session ---

type signInReq struct {
	Method   string `json:"method"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type configReq struct {
	Config string `json:"config"`
}

func (a *App) registerSessionTools(srv *mcp.Server) {
	register(srv, &mcp.Tool{
		Name:        "noteboard_session",
		Description: "Report the session state and active identity.",
	}, func(context.Context, *none) (any, error) {
		return a.SessionView(), nil
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_sign_in",
		Description: "Sign in (method password) or create an account (method signup) with email and password.",
		InputSchema: inputSchema(map[string]any{
			"method":   map[string]any{"type": "string", "enum": []string{"password", "signup"}},
			"email":    str("Account email"),
			"password": str("Account password"),
		}, []string{"email", "password"}),
	}, func(ctx context.Context, r *signInReq) (any, error) {
		method := session.MethodPassword
		switch r.Method {
		case "", "password":
		case "signup":
			method = session.MethodSignUp
		default:
			return nil, fmt.Errorf("unsupported method %q", r.Method)
		}
		return a.SignIn(ctx, method, session.Credentials{Email: r.Email, Password: r.Password})
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_sign_out",
		Description: "Sign out of the current session, guest or authenticated.",
	}, func(ctx context.Context, _ *none) (any, error) {
		a.Session.SignOut(ctx)
		return a.SessionView(), nil
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_guest",
		Description: "Continue offline as a fresh guest identity. Nothing is synced.",
	}, func(context.Context, *none) (any, error) {
		a.Session.EnterGuestMode()
		return a.SessionView(), nil
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_cloud_config",
		Description: "Install the cloud backend config (the pasted config object). Only accepted once.",
		InputSchema: inputSchema(map[string]any{
			"config": str("Config object text, JSON or JavaScript object literal"),
		}, []string{"config"}),
	}, func(_ context.Context, r *configReq) (any, error) {
		cfg, err := a.SubmitConfig(r.Config)
		if err != nil {
			return nil, err
		}
		return map[string]string{"projectId": cfg.ProjectID, "authDomain": cfg.ResolvedAuthDomain()}, nil
	})
}

// --- board ---

type addBlockReq struct {
	Block workspace.Block `json:"block"`
}

type idReq struct {
	ID string `json:"id"`
}

type connectReq struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

func (a *App) registerBoardTools(srv *mcp.Server) {
	register(srv, &mcp.Tool{
		Name:        "noteboard_board_get",
		Description: "Return every block and edge on the board.",
	}, func(context.Context, *none) (any, error) {
		return a.Board.Snapshot(), nil
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_board_add",
		Description: "Add a block. content is a string for text, code and image blocks, a list of {text, checked} for checklists, and {headers, rows} for tables.",
		InputSchema: inputSchema(map[string]any{
			"block": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":     map[string]any{"type": "string", "enum": []string{"text", "checklist", "code", "table", "image"}},
					"title":    str("Block title"),
					"category": map[string]any{"type": "string", "enum": []string{"fitness", "study", "code", "general"}},
					"x":        num("Left edge"),
					"y":        num("Top edge"),
					"w":        num("Width"),
					"h":        num("Height"),
					"content":  map[string]any{"description": "Content, shaped by type"},
				},
				"required": []string{"type"},
			},
		}, []string{"block"}),
	}, func(_ context.Context, r *addBlockReq) (any, error) {
		return a.AddBlock(r.Block)
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_board_remove",
		Description: "Remove a block and the edges touching it.",
		InputSchema: inputSchema(map[string]any{"id": str("Block id")}, []string{"id"}),
	}, func(_ context.Context, r *idReq) (any, error) {
		if err := a.Board.RemoveBlock(r.ID); err != nil {
			return nil, err
		}
		return map[string]string{"removed": r.ID}, nil
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_board_connect",
		Description: "Draw an edge between two blocks.",
		InputSchema: inputSchema(map[string]any{
			"source": str("Source block id"),
			"target": str("Target block id"),
			"label":  str("Optional edge label"),
		}, []string{"source", "target"}),
	}, func(_ context.Context, r *connectReq) (any, error) {
		return a.Connect(r.Source, r.Target, r.Label)
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_board_clear",
		Description: "Remove every block and edge.",
	}, func(context.Context, *none) (any, error) {
		a.Board.Clear()
		return a.Board.Snapshot(), nil
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_board_export",
		Description: "Return the board as an export file.",
	}, func(context.Context, *none) (any, error) {
		var buf bytes.Buffer
		if err := a.ExportBoard(&buf); err != nil {
			return nil, err
		}
		return map[string]string{"export": buf.String()}, nil
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_backup",
		Description: "Store the board in the configured backup location.",
	}, func(ctx context.Context, _ *none) (any, error) {
		loc, err := a.Backup(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"location": loc}, nil
	})
}

// --- generation ---

type generateReq struct {
	Prompt string  `json:"prompt"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type improveReq struct {
	Text        string `json:"text"`
	Instruction string `json:"instruction"`
}

func (a *App) registerGenTools(srv *mcp.Server) {
	register(srv, &mcp.Tool{
		Name:        "noteboard_generate_block",
		Description: "Generate a block from a prompt and place it centred on (x, y).",
		InputSchema: inputSchema(map[string]any{
			"prompt": str("What the block should contain"),
			"x":      num("Centre x"),
			"y":      num("Centre y"),
		}, []string{"prompt"}),
	}, func(ctx context.Context, r *generateReq) (any, error) {
		if r.Prompt == "" {
			return nil, errors.New("prompt is required")
		}
		return a.GenerateBlock(ctx, r.Prompt, genai.Point{X: r.X, Y: r.Y})
	})

	register(srv, &mcp.Tool{
		Name:        "noteboard_improve_text",
		Description: "Rewrite text following an instruction. Returns the input unchanged when generation fails.",
		InputSchema: inputSchema(map[string]any{
			"text":        str("Text to rewrite"),
			"instruction": str("How to rewrite it"),
		}, []string{"text", "instruction"}),
	}, func(ctx context.Context, r *improveReq) (any, error) {
		return map[string]string{"text": a.GenAI.ImproveText(ctx, r.Text, r.Instruction)}, nil
	})
}
