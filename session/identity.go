// Package session decides who is using the board: nobody yet, a guest
// working offline, or a user signed in through the cloud backend. It owns
// the active Identity and notifies subscribers of every change.
package session

import "context"

// State is the session state.
type State int

const (
	Unauthenticated State = iota
	Guest
	Authenticated
)

func (s State) String() string {
	switch s {
	case Guest:
		return "guest"
	case Authenticated:
		return "authenticated"
	}
	return "unauthenticated"
}

// Identity is the active principal. Guest identities are local only.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	IsGuest     bool   `json:"isGuest"`
	Provider    string `json:"provider,omitempty"`
}

const (
	GuestEmail       = "guest@offline.local"
	GuestDisplayName = "Guest User"
)

// DomainFallbackNotice is attached once to the change produced when the
// backend refuses this origin and the session falls back to guest mode.
const DomainFallbackNotice = "Notice: This domain is not whitelisted by the cloud provider.\n\n" +
	"The app will switch to 'Guest Mode' (Offline Only) so you can continue working.\n" +
	"Your data will be saved to this device."

// Method selects how SignIn authenticates.
type Method string

const (
	MethodPassword Method = "password"
	MethodSignUp   Method = "signup"
	MethodGoogle   Method = "google"
)

// Credentials carries the inputs of every Method. Google sign-in uses
// IDToken or AccessToken obtained from the OAuth flow.
type Credentials struct {
	Email       string
	Password    string
	IDToken     string
	AccessToken string
	// Origin is the page origin the request came from; backends check it
	// against their authorized domains.
	Origin string
}

// Event is a session change the backend observed on its own: a restored
// session at startup, a revoked or expired token.
// A nil Identity means signed out.
type Event struct {
	Identity *Identity
	Reason   Reason
}

// Backend is an authentication service.
//
// Events reports changes not initiated through SignIn or SignOut. The
// first event after construction reports the restored session (nil
// Identity when there is none).
type Backend interface {
	SignIn(ctx context.Context, method Method, creds Credentials) (Identity, error)
	SignOut(ctx context.Context) error
	Events() <-chan Event
}

// Reason explains a Change.
type Reason string

const (
	ReasonSignIn         Reason = "sign_in"
	ReasonSignOut        Reason = "sign_out"
	ReasonGuest          Reason = "guest"
	ReasonDomainFallback Reason = "domain_fallback"
	ReasonRestored       Reason = "restored"
	ReasonRevoked        Reason = "revoked"
)

// Change is delivered to subscribers after every transition.
type Change struct {
	State    State
	Identity Identity
	Reason   Reason
	Notice   string
}
