// Package idgen mints the ids of board objects, accounts, guests and
// logged events. Constructors take a Generator so tests can swap in a
// predictable Sequence.
package idgen

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// GuestPrefix marks identities minted locally for Guest Mode.
const GuestPrefix = "guest-"

// Generator returns a new id on each call.
type Generator func() string

// Default is used where no Generator is injected.
var Default = UUIDv7()

// New is shorthand for Default().
func New() string { return Default() }

// UUIDv7 ids are time-ordered, so blocks created in a row sort in
// creation order.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Prefixed tags every id from gen with prefix.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Guest mints offline guest identity ids.
func Guest() Generator { return Prefixed(GuestPrefix, UUIDv7()) }

// IsGuest reports whether id was minted by Guest.
func IsGuest(id string) bool { return strings.HasPrefix(id, GuestPrefix) }

// Sequence yields prefix1, prefix2 and so on. Safe for concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Uint64
	return func() string { return prefix + strconv.FormatUint(n.Add(1), 10) }
}
