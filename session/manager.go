package session

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/noteboard/idgen"
	"github.com/hazyhaar/noteboard/observability"
)

// Manager is the session state machine.
//
//	Unauthenticated --SignIn--> Authenticated
//	any --EnterGuestMode--> Guest
//	Guest|Authenticated --SignOut--> Unauthenticated
//
// Transitions are serialized and subscribers are notified synchronously,
// in order, on the goroutine that caused the transition. Subscribers must
// not call back into the Manager from inside the callback.
type Manager struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	events  *observability.EventLogger
	guestID idgen.Generator

	notifyMu sync.Mutex

	mu             sync.Mutex
	state          State
	identity       Identity
	backend        Backend
	backendChanged chan struct{}
	backendSession bool
	gen            uint64
	lastOp         Reason
	listeners      map[uint64]*listener
	nextListener   uint64

	ready     chan struct{}
	readyOnce sync.Once
}

type listener struct {
	fn     func(Change)
	active atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *observability.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithEventLogger(e *observability.EventLogger) Option { return func(m *Manager) { m.events = e } }

// WithGuestIDs overrides the guest id generator (default idgen.Guest).
func WithGuestIDs(g idgen.Generator) Option { return func(m *Manager) { m.guestID = g } }

// WithBackend installs the auth backend at construction.
func WithBackend(b Backend) Option { return func(m *Manager) { m.backend = b } }

// NewManager returns a Manager in the Unauthenticated state.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:         slog.Default(),
		guestID:        idgen.Guest(),
		backendChanged: make(chan struct{}),
		listeners:      make(map[uint64]*listener),
		ready:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetBackend installs (or replaces) the auth backend, e.g. once a cloud
// config has been submitted. Run switches to its event stream.
func (m *Manager) SetBackend(b Backend) {
	m.mu.Lock()
	m.backend = b
	m.backendSession = false
	close(m.backendChanged)
	m.backendChanged = make(chan struct{})
	m.mu.Unlock()
}

// HasBackend reports whether sign-in is possible at all.
func (m *Manager) HasBackend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend != nil
}

// Current returns the state and active identity (zero in Unauthenticated).
func (m *Manager) Current() (Identity, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.state
}

// Ready is closed once the backend's restored session has been applied,
// or immediately in Run when there is no backend.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Subscribe registers fn for every future Change. The returned function
// is idempotent; once it returns, fn is not invoked again.
func (m *Manager) Subscribe(fn func(Change)) (unsubscribe func()) {
	l := &listener{fn: fn}
	l.active.Store(true)
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = l
	m.mu.Unlock()
	return func() {
		l.active.Store(false)
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SignIn authenticates through the backend. A DomainNotAuthorized refusal
// is not reported: the session enters guest mode instead, the Change
// carries DomainFallbackNotice, and the guest identity is returned.
//
// A sign-in overtaken by EnterGuestMode or SignOut before it completes is
// discarded (and the backend session closed) with a Cancelled error.
func (m *Manager) SignIn(ctx context.Context, method Method, creds Credentials) (Identity, error) {
	m.mu.Lock()
	b := m.backend
	m.gen++
	gen := m.gen
	m.lastOp = ReasonSignIn
	m.mu.Unlock()

	if b == nil {
		err := NewAuthError(BackendMisconfigured, "no-backend", "", nil)
		m.audit(ctx, "sign_in", Identity{}, false, err.Kind.String())
		return Identity{}, err
	}

	id, err := b.SignIn(ctx, method, creds)
	if err != nil {
		ae := asAuthError(err)
		if ae.Kind == DomainNotAuthorized {
			m.logger.Warn("session: origin not authorized, falling back to guest mode", "method", method, "error", err)
			g := m.enterGuest(ctx, ReasonDomainFallback, DomainFallbackNotice)
			return g, nil
		}
		m.logger.Info("session: sign-in failed", "method", method, "kind", ae.Kind, "code", ae.Code)
		m.audit(ctx, "sign_in", Identity{}, false, ae.Kind.String())
		return Identity{}, ae
	}
	id.IsGuest = false
	if id.Provider == "" {
		id.Provider = string(method)
	}

	applied, supersededBy := m.transition(gen, Authenticated, id, ReasonSignIn, "", true)
	if !applied {
		if supersededBy != ReasonSignIn {
			if err := b.SignOut(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("session: sign-out of superseded sign-in failed", "error", err)
			}
		}
		return Identity{}, NewAuthError(Cancelled, "superseded", "", nil)
	}
	m.audit(ctx, "sign_in", id, true, string(method))
	return id, nil
}

// SignOut ends the session. The backend is signed out when it holds a
// session; its failure is logged and the local state is cleared anyway.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	b, had := m.backend, m.backendSession
	prev := m.identity
	m.mu.Unlock()

	if b != nil && had {
		if err := b.SignOut(ctx); err != nil {
			m.logger.Warn("session: backend sign-out failed", "error", err)
		}
	}
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.lastOp = ReasonSignOut
	m.mu.Unlock()
	m.transition(gen, Unauthenticated, Identity{}, ReasonSignOut, "", false)
	m.audit(ctx, "sign_out", prev, true, "")
}

// EnterGuestMode switches to a fresh guest identity. It never touches the
// network and always succeeds.
func (m *Manager) EnterGuestMode() Identity {
	return m.enterGuest(context.Background(), ReasonGuest, "")
}

func (m *Manager) enterGuest(ctx context.Context, reason Reason, notice string) Identity {
	g := Identity{
		ID:          m.guestID(),
		Email:       GuestEmail,
		DisplayName: GuestDisplayName,
		IsGuest:     true,
		Provider:    "guest",
	}
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.lastOp = ReasonGuest
	backendSession := m.backendSession
	m.mu.Unlock()

	m.transition(gen, Guest, g, reason, notice, backendSession)
	m.audit(ctx, string(reason), g, true, "")
	return g
}

// Run consumes backend events until ctx is done. Only Run applies them.
// While in guest mode backend events are dropped.
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.mu.Lock()
		b, changed := m.backend, m.backendChanged
		m.mu.Unlock()

		var events <-chan Event
		if b == nil {
			m.markReady()
		} else {
			events = b.Events()
		}

	drain:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				break drain
			case ev, ok := <-events:
				if !ok {
					m.markReady()
					events = nil
					continue
				}
				m.handleEvent(ctx, ev)
				m.markReady()
			}
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev Event) {
	m.mu.Lock()
	state, cur, gen := m.state, m.identity, m.gen
	m.mu.Unlock()

	if state == Guest {
		m.logger.Debug("session: backend event ignored in guest mode", "reason", ev.Reason)
		if ev.Identity == nil {
			m.mu.Lock()
			m.backendSession = false
			m.mu.Unlock()
		}
		return
	}

	switch {
	case ev.Identity == nil && state == Authenticated:
		reason := ev.Reason
		if reason == "" {
			reason = ReasonRevoked
		}
		if ok, _ := m.transition(gen, Unauthenticated, Identity{}, reason, "", false); ok {
			m.audit(ctx, string(reason), cur, true, "")
		}
	case ev.Identity == nil:
		m.mu.Lock()
		m.backendSession = false
		m.mu.Unlock()
	case state == Unauthenticated || ev.Identity.ID != cur.ID:
		id := *ev.Identity
		id.IsGuest = false
		reason := ev.Reason
		if reason == "" {
			reason = ReasonRestored
		}
		if ok, _ := m.transition(gen, Authenticated, id, reason, "", true); ok {
			m.audit(ctx, string(reason), id, true, "")
		}
	}
}

// transition applies a state change if no other operation started since
// gen was taken, then notifies subscribers. It returns whether the change
// was applied and, if not, the operation that superseded it.
func (m *Manager) transition(gen uint64, st State, id Identity, reason Reason, notice string, backendSession bool) (bool, Reason) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		last := m.lastOp
		m.mu.Unlock()
		return false, last
	}
	m.gen++
	m.state, m.identity, m.backendSession = st, id, backendSession
	ls := make([]*listener, 0, len(m.listeners))
	for _, k := range slices.Sorted(maps.Keys(m.listeners)) {
		ls = append(ls, m.listeners[k])
	}
	m.mu.Unlock()

	m.metrics.Transition(st.String())
	m.logger.Info("session: state changed", "state", st, "reason", reason, "identity", id.ID, "guest", id.IsGuest)

	c := Change{State: st, Identity: id, Reason: reason, Notice: notice}
	for _, l := range ls {
		if l.active.Load() {
			l.fn(c)
		}
	}
	return true, ""
}

func (m *Manager) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

func (m *Manager) audit(ctx context.Context, action string, id Identity, ok bool, details string) {
	m.events.Log(ctx, observability.Event{
		Type:       "session",
		IdentityID: id.ID,
		Guest:      id.IsGuest,
		Action:     action,
		Details:    details,
		Success:    ok,
	})
}
