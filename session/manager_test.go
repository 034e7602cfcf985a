package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/noteboard/idgen"
)

var quiet = slog.New(slog.DiscardHandler)

type fakeBackend struct {
	mu       sync.Mutex
	signIn   func(Method, Credentials) (Identity, error)
	signOut  error
	signOuts int
	events   chan Event
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		events: make(chan Event, 8),
		signIn: func(_ Method, c Credentials) (Identity, error) {
			return Identity{ID: "uid-" + c.Email, Email: c.Email}, nil
		},
	}
}

func (f *fakeBackend) SignIn(_ context.Context, m Method, c Credentials) (Identity, error) {
	f.mu.Lock()
	fn := f.signIn
	f.mu.Unlock()
	return fn(m, c)
}

func (f *fakeBackend) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	return f.signOut
}

func (f *fakeBackend) Events() <-chan Event { return f.events }

func (f *fakeBackend) signOutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOuts
}

func newTestManager(b Backend) *Manager {
	opts := []Option{WithLogger(quiet), WithGuestIDs(idgen.Prefixed(idgen.GuestPrefix, idgen.Sequence("")))}
	if b != nil {
		opts = append(opts, WithBackend(b))
	}
	return NewManager(opts...)
}

func record(m *Manager) *[]Change {
	var changes []Change
	m.Subscribe(func(c Change) { changes = append(changes, c) })
	return &changes
}

func TestEnterGuestMode_FreshIdentityEachTime(t *testing.T) {
	m := newTestManager(nil)
	changes := record(m)

	a := m.EnterGuestMode()
	b := m.EnterGuestMode()
	if a.ID == b.ID {
		t.Fatal("guest ids must differ")
	}
	if !strings.HasPrefix(a.ID, "guest-") || !a.IsGuest || a.Email != GuestEmail || a.DisplayName != GuestDisplayName {
		t.Fatalf("guest = %+v", a)
	}
	id, st := m.Current()
	if st != Guest || id.ID != b.ID {
		t.Fatalf("current = %+v %s", id, st)
	}
	if len(*changes) != 2 {
		t.Fatalf("changes = %d", len(*changes))
	}
}

func TestSignIn_Success(t *testing.T) {
	m := newTestManager(newFakeBackend())
	changes := record(m)

	id, err := m.SignIn(context.Background(), MethodPassword, Credentials{Email: "a@x.io", Password: "secret1"})
	if err != nil {
		t.Fatal(err)
	}
	if id.IsGuest || id.ID != "uid-a@x.io" || id.Provider != "password" {
		t.Fatalf("identity = %+v", id)
	}
	if _, st := m.Current(); st != Authenticated {
		t.Fatalf("state = %s", st)
	}
	if len(*changes) != 1 || (*changes)[0].Reason != ReasonSignIn {
		t.Fatalf("changes = %+v", *changes)
	}
}

func TestSignIn_FromGuest(t *testing.T) {
	m := newTestManager(newFakeBackend())
	m.EnterGuestMode()
	if _, err := m.SignIn(context.Background(), MethodPassword, Credentials{Email: "b@x.io"}); err != nil {
		t.Fatal(err)
	}
	if id, st := m.Current(); st != Authenticated || id.IsGuest {
		t.Fatalf("current = %+v %s", id, st)
	}
}

func TestSignIn_DomainNotAuthorizedFallsBackToGuest(t *testing.T) {
	b := newFakeBackend()
	b.signIn = func(Method, Credentials) (Identity, error) {
		return Identity{}, NewAuthError(DomainNotAuthorized, "auth/unauthorized-domain", "", nil)
	}
	m := newTestManager(b)
	changes := record(m)

	id, err := m.SignIn(context.Background(), MethodGoogle, Credentials{IDToken: "t"})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if !id.IsGuest {
		t.Fatalf("identity = %+v", id)
	}
	if _, st := m.Current(); st != Guest {
		t.Fatalf("state = %s", st)
	}
	c := (*changes)[0]
	if c.Reason != ReasonDomainFallback || c.Notice != DomainFallbackNotice {
		t.Fatalf("change = %+v", c)
	}
}

func TestSignIn_Failures(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
		msg  string
	}{
		{NewAuthError(InvalidCredentials, "", "", nil), InvalidCredentials, "Invalid email or password"},
		{NewAuthError(AccountExists, "", "", nil), AccountExists, "This email address is already in use. Please sign in instead."},
		{NewAuthError(WeakCredential, "", "", nil), WeakCredential, "Password should be at least 6 characters."},
		{errors.New("Firebase: Something broke (auth/internal-error)."), Unknown, "Something broke"},
	}
	for _, tc := range cases {
		b := newFakeBackend()
		b.signIn = func(Method, Credentials) (Identity, error) { return Identity{}, tc.err }
		m := newTestManager(b)

		_, err := m.SignIn(context.Background(), MethodPassword, Credentials{})
		var ae *AuthError
		if !errors.As(err, &ae) || ae.Kind != tc.kind || ae.Message != tc.msg {
			t.Errorf("err = %#v, want %s %q", err, tc.kind, tc.msg)
		}
		if _, st := m.Current(); st != Unauthenticated {
			t.Errorf("state = %s after failure", st)
		}
	}
}

func TestSignIn_NoBackend(t *testing.T) {
	m := newTestManager(nil)
	_, err := m.SignIn(context.Background(), MethodPassword, Credentials{})
	if KindOf(err) != BackendMisconfigured {
		t.Fatalf("err = %v", err)
	}
}

func TestSignIn_SupersededByGuest(t *testing.T) {
	b := newFakeBackend()
	release := make(chan struct{})
	started := make(chan struct{})
	b.signIn = func(Method, Credentials) (Identity, error) {
		close(started)
		<-release
		return Identity{ID: "late"}, nil
	}
	m := newTestManager(b)

	errc := make(chan error, 1)
	go func() {
		_, err := m.SignIn(context.Background(), MethodPassword, Credentials{})
		errc <- err
	}()
	<-started
	guest := m.EnterGuestMode()
	close(release)

	if err := <-errc; KindOf(err) != Cancelled {
		t.Fatalf("err = %v, want Cancelled", err)
	}
	if id, st := m.Current(); st != Guest || id.ID != guest.ID {
		t.Fatalf("current = %+v %s", id, st)
	}
	if b.signOutCount() != 1 {
		t.Fatalf("backend sign-outs = %d", b.signOutCount())
	}
}

func TestSignOut_FromGuestSkipsBackend(t *testing.T) {
	b := newFakeBackend()
	m := newTestManager(b)
	m.EnterGuestMode()
	m.SignOut(context.Background())

	if _, st := m.Current(); st != Unauthenticated {
		t.Fatalf("state = %s", st)
	}
	if b.signOutCount() != 0 {
		t.Fatal("backend called for guest sign-out")
	}
}

func TestSignOut_GuestEnteredWhileSignedInEndsBackendSession(t *testing.T) {
	b := newFakeBackend()
	m := newTestManager(b)
	ctx := context.Background()
	if _, err := m.SignIn(ctx, MethodPassword, Credentials{Email: "a"}); err != nil {
		t.Fatal(err)
	}
	m.EnterGuestMode()
	m.SignOut(ctx)

	if _, st := m.Current(); st != Unauthenticated {
		t.Fatalf("state = %s", st)
	}
	if b.signOutCount() != 1 {
		t.Fatalf("backend sign-outs = %d, want 1", b.signOutCount())
	}
}

func TestSignOut_BackendFailureStillClears(t *testing.T) {
	b := newFakeBackend()
	b.signOut = errors.New("offline")
	m := newTestManager(b)
	m.SignIn(context.Background(), MethodPassword, Credentials{Email: "a"})
	m.SignOut(context.Background())

	id, st := m.Current()
	if st != Unauthenticated || id != (Identity{}) {
		t.Fatalf("current = %+v %s", id, st)
	}
	if b.signOutCount() != 1 {
		t.Fatal("backend not signed out")
	}
}

func TestRun_RestoreRevokeAndGuestPriority(t *testing.T) {
	b := newFakeBackend()
	m := newTestManager(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var reasons []Reason
	m.Subscribe(func(c Change) {
		mu.Lock()
		reasons = append(reasons, c.Reason)
		mu.Unlock()
	})
	go m.Run(ctx)

	b.events <- Event{Identity: &Identity{ID: "u1"}}
	select {
	case <-m.Ready():
	case <-time.After(time.Second):
		t.Fatal("not ready")
	}
	if id, st := m.Current(); st != Authenticated || id.ID != "u1" {
		t.Fatalf("current = %+v %s", id, st)
	}

	m.EnterGuestMode()
	b.events <- Event{Identity: &Identity{ID: "u2"}}
	b.events <- Event{Identity: nil, Reason: ReasonRevoked}
	waitEventsDrained(t, b)
	if id, st := m.Current(); st != Guest || !id.IsGuest {
		t.Fatalf("guest overridden: %+v %s", id, st)
	}

	m.SignOut(context.Background())
	if b.signOutCount() != 0 {
		t.Fatal("revoked session signed out again")
	}

	m.SignIn(ctx, MethodPassword, Credentials{Email: "x"})
	b.events <- Event{Identity: nil, Reason: ReasonRevoked}
	waitEventsDrained(t, b)
	deadline := time.Now().Add(time.Second)
	for {
		if _, st := m.Current(); st == Unauthenticated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("revocation not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Reason{ReasonRestored, ReasonGuest, ReasonSignOut, ReasonSignIn, ReasonRevoked}
	if len(reasons) != len(want) {
		t.Fatalf("reasons = %v", reasons)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Fatalf("reasons = %v, want %v", reasons, want)
		}
	}
}

func waitEventsDrained(t *testing.T, b *fakeBackend) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for len(b.events) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("events not consumed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	// The last event may still be in handleEvent.
	time.Sleep(20 * time.Millisecond)
}

func TestRun_ReadyWithoutBackend(t *testing.T) {
	m := newTestManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	select {
	case <-m.Ready():
	case <-time.After(time.Second):
		t.Fatal("not ready")
	}
}

func TestRun_SwitchesToNewBackend(t *testing.T) {
	m := newTestManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	<-m.Ready()

	b := newFakeBackend()
	m.SetBackend(b)
	b.events <- Event{Identity: &Identity{ID: "restored"}}
	deadline := time.Now().Add(time.Second)
	for {
		if id, _ := m.Current(); id.ID == "restored" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("event of new backend not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnsubscribe(t *testing.T) {
	m := newTestManager(nil)
	calls := 0
	unsub := m.Subscribe(func(Change) { calls++ })
	m.EnterGuestMode()
	unsub()
	unsub()
	m.EnterGuestMode()
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRandomSequences_SingleConsistentState(t *testing.T) {
	b := newFakeBackend()
	m := newTestManager(b)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))

	for range 500 {
		var wantGuest bool
		var wantState State
		switch rng.IntN(3) {
		case 0:
			m.SignIn(ctx, MethodPassword, Credentials{Email: "u"})
			wantState, wantGuest = Authenticated, false
		case 1:
			m.SignOut(ctx)
			wantState, wantGuest = Unauthenticated, false
		case 2:
			m.EnterGuestMode()
			wantState, wantGuest = Guest, true
		}
		id, st := m.Current()
		if st != wantState || id.IsGuest != wantGuest {
			t.Fatalf("state=%s guest=%v, want %s %v", st, id.IsGuest, wantState, wantGuest)
		}
		if st == Unauthenticated && id != (Identity{}) {
			t.Fatalf("identity leaked in unauthenticated state: %+v", id)
		}
	}
}
