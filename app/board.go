package app

import (
	"context"
	"io"
	"time"

	"github.com/hazyhaar/noteboard/genai"
	"github.com/hazyhaar/noteboard/session"
	"github.com/hazyhaar/noteboard/workspace"
)

// SessionView is the session as reported to clients.
type SessionView struct {
	State        string           `json:"state"`
	Identity     session.Identity `json:"identity"`
	CanSignIn    bool             `json:"canSignIn"`
	ConfigSource string           `json:"configSource,omitempty"`
	Notice       string           `json:"notice,omitempty"`
}

// SessionView reports the current session.
func (a *App) SessionView() SessionView {
	id, st := a.Session.Current()
	return SessionView{
		State:        st.String(),
		Identity:     id,
		CanSignIn:    a.Session.HasBackend(),
		ConfigSource: string(a.Provider.Source()),
	}
}

// SignIn authenticates and reports the resulting session. When the
// backend refused this origin the view carries the guest fallback notice.
func (a *App) SignIn(ctx context.Context, method session.Method, creds session.Credentials) (SessionView, error) {
	id, err := a.Session.SignIn(ctx, method, creds)
	if err != nil {
		return SessionView{}, err
	}
	v := a.SessionView()
	if id.IsGuest {
		v.Notice = session.DomainFallbackNotice
	}
	return v, nil
}

// AddBlock places b on the board, assigning ids where missing.
func (a *App) AddBlock(b workspace.Block) (workspace.Block, error) {
	if b.ID == "" {
		b.ID = a.newID()
	}
	if b.Category == "" {
		b.Category = workspace.CategoryGeneral
	}
	for i := range b.Items {
		if b.Items[i].ID == "" {
			b.Items[i].ID = a.newID()
		}
	}
	if b.Table != nil {
		b.Table.Normalize()
	}
	if err := a.Board.AddBlock(b); err != nil {
		return workspace.Block{}, err
	}
	return b, nil
}

// Connect links two blocks.
func (a *App) Connect(source, target, label string) (workspace.Edge, error) {
	e := workspace.Edge{ID: a.newID(), Source: source, Target: target, Label: label}
	if err := a.Board.Connect(e); err != nil {
		return workspace.Edge{}, err
	}
	return e, nil
}

// GenerateBlock asks the model for a block and adds it to the board.
func (a *App) GenerateBlock(ctx context.Context, prompt string, center genai.Point) (workspace.Block, error) {
	b, err := a.GenAI.GenerateBlock(ctx, prompt, center)
	if err != nil {
		return workspace.Block{}, err
	}
	return a.AddBlock(b)
}

// ExportBoard writes the board as an export file.
func (a *App) ExportBoard(w io.Writer) error {
	return workspace.Export(w, a.Board.Snapshot(), time.Now())
}

// ImportBoard replaces the board with an export file. The import counts
// as a local change and is saved for a signed-in user.
func (a *App) ImportBoard(r io.Reader) (workspace.Snapshot, error) {
	snap, err := workspace.Import(r, a.newID)
	if err != nil {
		return workspace.Snapshot{}, err
	}
	a.Board.Replace(snap, workspace.OriginLocal)
	return a.Board.Snapshot(), nil
}
