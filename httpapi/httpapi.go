// Package httpapi is the HTTP bridge to an app.App: JSON routes for the
// session, the board, cloud config and generation, plus /metrics, /health
// and the streamable MCP endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/noteboard/app"
	"github.com/hazyhaar/noteboard/auth"
	"github.com/hazyhaar/noteboard/cloudcfg"
	"github.com/hazyhaar/noteboard/genai"
	"github.com/hazyhaar/noteboard/horosafe"
	"github.com/hazyhaar/noteboard/kit"
	"github.com/hazyhaar/noteboard/observability"
	"github.com/hazyhaar/noteboard/session"
	"github.com/hazyhaar/noteboard/shield"
	"github.com/hazyhaar/noteboard/workspace"
)

// maxImport bounds uploaded export files.
const maxImport = 8 << 20

type server struct {
	app *app.App
}

// NewRouter returns the full HTTP surface of a.
func NewRouter(a *app.App, version string) http.Handler {
	s := &server{app: a}
	cfg := a.Config.HTTP

	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	r.Use(s.withLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	r.Handle("/metrics", observability.Handler(a.Registry))

	// Browser redirects cannot carry a bearer token; the state cookie
	// protects the callback instead.
	r.Get("/api/session/google", s.googleStart)
	r.Get("/api/session/google/callback", s.googleCallback)

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "noteboard", Version: version}, nil)
	a.RegisterMCP(mcpSrv)
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)

	limit := cfg.GenerateLimit
	if limit <= 0 {
		limit = 20
	}
	limiter := shield.NewRateLimiter(limit, time.Minute)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireBearer(cfg.APIToken))
		r.Handle("/mcp", mcpHandler)

		r.Route("/api/session", func(r chi.Router) {
			r.Get("/", s.sessionState)
			r.Post("/signin", s.signIn(session.MethodPassword))
			r.Post("/signup", s.signIn(session.MethodSignUp))
			r.Post("/guest", s.guest)
			r.Post("/signout", s.signOut)
			r.Get("/events", s.sessionEvents)
		})

		r.Route("/api/cloud-config", func(r chi.Router) {
			r.Get("/", s.cloudConfig)
			r.Post("/", s.submitCloudConfig)
		})

		r.Route("/api/workspace", func(r chi.Router) {
			r.Get("/", s.getBoard)
			r.Put("/", s.putBoard)
			r.Delete("/", s.clearBoard)
			r.Post("/blocks", s.addBlock)
			r.Put("/blocks/{id}", s.updateBlock)
			r.Delete("/blocks/{id}", s.removeBlock)
			r.Post("/edges", s.connect)
			r.Get("/export", s.exportBoard)
			r.Post("/import", s.importBoard)
			r.Post("/backup", s.backup)
		})

		r.Route("/api/generate", func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Post("/block", s.generateBlock)
			r.Post("/improve", s.improveText)
		})
	})
	return r
}

func (s *server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), kit.TransportHTTP)
		log := s.app.Logger.With("trace_id", kit.TraceID(ctx), "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(kit.WithLogger(ctx, log)))
	})
}

// --- session ---

type credentialsReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *server) sessionState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.SessionView())
}

func (s *server) signIn(method session.Method) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
			return
		}
		v, err := s.app.SignIn(r.Context(), method, session.Credentials{
			Email:    req.Email,
			Password: req.Password,
			Origin:   s.origin(r),
		})
		if err != nil {
			writeAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *server) guest(w http.ResponseWriter, _ *http.Request) {
	s.app.Session.EnterGuestMode()
	writeJSON(w, http.StatusOK, s.app.SessionView())
}

func (s *server) signOut(w http.ResponseWriter, r *http.Request) {
	s.app.Session.SignOut(r.Context())
	writeJSON(w, http.StatusOK, s.app.SessionView())
}

func (s *server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.app.Events.Recent(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) googleStart(w http.ResponseWriter, r *http.Request) {
	if s.app.OAuth == nil || !s.app.Session.HasBackend() {
		writeError(w, http.StatusNotFound, errors.New("google sign-in is not configured"))
		return
	}
	state := auth.NewState()
	auth.SetStateCookie(w, state, s.secure(r))
	http.Redirect(w, r, s.app.OAuth.AuthCodeURL(state), http.StatusFound)
}

func (s *server) googleCallback(w http.ResponseWriter, r *http.Request) {
	if s.app.OAuth == nil {
		writeError(w, http.StatusNotFound, errors.New("google sign-in is not configured"))
		return
	}
	if !auth.CheckState(w, r) {
		writeError(w, http.StatusBadRequest, errors.New("invalid oauth state"))
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		writeAuthError(w, session.NewAuthError(session.Cancelled, e, "", nil))
		return
	}
	tok, err := auth.ExchangeGoogleCode(r.Context(), s.app.OAuth, r.URL.Query().Get("code"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	idToken, _ := tok.Extra("id_token").(string)
	v, err := s.app.SignIn(r.Context(), session.MethodGoogle, session.Credentials{
		AccessToken: tok.AccessToken,
		IDToken:     idToken,
		Origin:      s.origin(r),
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// origin is the page origin checked against the authorized domains: the
// configured public origin, else the request's Origin header.
func (s *server) origin(r *http.Request) string {
	if o := s.app.Config.HTTP.PublicOrigin; o != "" {
		return o
	}
	return r.Header.Get("Origin")
}

func (s *server) secure(r *http.Request) bool {
	return s.app.Config.HTTP.SecureCookies || r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

// --- cloud config ---

type configReq struct {
	Config string `json:"config"`
}

func (s *server) cloudConfig(w http.ResponseWriter, _ *http.Request) {
	cfg, ok := s.app.Provider.Config()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": true,
		"source":     s.app.Provider.Source(),
		"projectId":  cfg.ProjectID,
		"authDomain": cfg.ResolvedAuthDomain(),
	})
}

// submitCloudConfig accepts {"config": "<text>"} or the raw pasted text.
func (s *server) submitCloudConfig(w http.ResponseWriter, r *http.Request) {
	body, err := horosafe.LimitedReadAll(r.Body, 64<<10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	text := string(body)
	var req configReq
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") && json.Unmarshal(body, &req) == nil && req.Config != "" {
		text = req.Config
	}

	cfg, err := s.app.SubmitConfig(text)
	var ce *cloudcfg.ConfigError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ce.UserMessage(), "kind": ce.Kind.String()})
		return
	case errors.Is(err, cloudcfg.ErrAlreadyConfigured):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"projectId": cfg.ProjectID, "authDomain": cfg.ResolvedAuthDomain()})
}

// --- workspace ---

type edgeReq struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

func (s *server) getBoard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Board.Snapshot())
}

func (s *server) putBoard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.app.ImportBoard(http.MaxBytesReader(w, r.Body, maxImport))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) clearBoard(w http.ResponseWriter, _ *http.Request) {
	s.app.Board.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) addBlock(w http.ResponseWriter, r *http.Request) {
	var b workspace.Block
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid block: %w", err))
		return
	}
	out, err := s.app.AddBlock(b)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *server) updateBlock(w http.ResponseWriter, r *http.Request) {
	var b workspace.Block
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid block: %w", err))
		return
	}
	b.ID = chi.URLParam(r, "id")
	if b.Table != nil {
		b.Table.Normalize()
	}
	if err := s.app.Board.UpdateBlock(b); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *server) removeBlock(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Board.RemoveBlock(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) connect(w http.ResponseWriter, r *http.Request) {
	var req edgeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid edge: %w", err))
		return
	}
	e, err := s.app.Connect(req.Source, req.Target, req.Label)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *server) exportBoard(w http.ResponseWriter, r *http.Request) {
	name := "workspace-" + time.Now().UTC().Format("2006-01-02") + ".json"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := s.app.ExportBoard(w); err != nil {
		kit.Logger(r.Context()).Warn("httpapi: export failed", "error", err)
	}
}

func (s *server) importBoard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.app.ImportBoard(http.MaxBytesReader(w, r.Body, maxImport))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"blocks": len(snap.Blocks), "edges": len(snap.Edges)})
}

func (s *server) backup(w http.ResponseWriter, r *http.Request) {
	loc, err := s.app.Backup(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"location": loc})
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

func (s *server) generateBlock(w http.ResponseWriter, r *http.Request) {
	var req generateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, errors.New("prompt is required"))
		return
	}
	b, err := s.app.GenerateBlock(r.Context(), req.Prompt, genai.Point{X: req.X, Y: req.Y})
	switch {
	case errors.Is(err, genai.ErrNoModel):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusCreated, b)
	}
}

func (s *server) improveText(w http.ResponseWriter, r *http.Request) {
	var req improveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": s.app.GenAI.ImproveText(r.Context(), req.Text, req.Instruction)})
}

// --- helpers ---

var authStatus = map[session.ErrorKind]int{
	session.InvalidCredentials:   http.StatusUnauthorized,
	session.AccountExists:        http.StatusConflict,
	session.WeakCredential:       http.StatusBadRequest,
	session.NetworkUnavailable:   http.StatusServiceUnavailable,
	session.BackendMisconfigured: http.StatusServiceUnavailable,
	session.MethodDisabled:       http.StatusForbidden,
	session.Cancelled:            http.StatusConflict,
}

func writeAuthError(w http.ResponseWriter, err error) {
	var ae *session.AuthError
	if !errors.As(err, &ae) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	code, ok := authStatus[ae.Kind]
	if !ok {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]string{"error": ae.Message, "kind": ae.Kind.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
