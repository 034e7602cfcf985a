// Package horosafe holds the input guards shared by noteboard's backends:
// token secrets, remote response sizes, backup paths and owner ids.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
)

// MinSecretLen is the shortest accepted token signing key, in bytes.
const MinSecretLen = 32

// MaxResponseBody is the default cap on a remote API answer.
const MaxResponseBody int64 = 1 << 20

var (
	ErrSecretTooShort = errors.New("horosafe: signing secret too short")
	ErrPathTraversal  = errors.New("horosafe: path escapes its directory")
	ErrTooLarge       = errors.New("horosafe: body too large")
)

// ValidateSecret rejects signing keys shorter than MinSecretLen.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return fmt.Errorf("%w: %d bytes, need %d", ErrSecretTooShort, len(secret), MinSecretLen)
	}
	return nil
}

// SafePath resolves name below base. Absolute names and names climbing
// out of base are refused.
func SafePath(base, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	return filepath.Join(base, name), nil
}

var identifier = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,256}$`)

// ValidateIdentifier checks that s can serve as a file name, an object
// key segment and a URL path segment as is.
func ValidateIdentifier(s string) error {
	switch {
	case s == "." || s == "..":
		return fmt.Errorf("%w: %q", ErrPathTraversal, s)
	case !identifier.MatchString(s):
		return fmt.Errorf("horosafe: %q is not a valid identifier", s)
	}
	return nil
}

// LimitedReadAll reads all of r, failing with ErrTooLarge once more than
// limit bytes arrive.
func LimitedReadAll(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if lr.N == 0 {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}
