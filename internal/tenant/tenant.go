// Package tenant is the isolation layer: it turns the opaque, untrusted
// tenant token presented by a caller into a Key that every other component
// requires for lookups. A Key can only be produced here, so a request can
// never reach another tenant's registry, ledger, sessions or campaigns
// without first resolving through this package.
package tenant

import (
	"strings"

	"wafleet/internal/faults"
)

// Key is a validated, sanitized tenant namespace identifier.
//
// The zero Key is invalid; obtain one via Resolve.
type Key struct {
	s string
}

func (k Key) String() string { return k.s }

func (k Key) IsZero() bool { return k.s == "" }

const maxTokenLen = 128

// Resolve sanitizes an external tenant token into a namespace Key.
//
// Tokens are externally generated and untrusted. Anything outside
// [a-zA-Z0-9_-] is stripped so the token is safe to use as a storage key.
// Tenants are created implicitly on first reference; Resolve never checks
// for prior existence.
func Resolve(token string) (Key, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Key{}, faults.New(faults.KindValidation, "missing tenant id")
	}
	if len(token) > maxTokenLen {
		token = token[:maxTokenLen]
	}
	var b strings.Builder
	b.Grow(len(token))
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return Key{}, faults.New(faults.KindValidation, "tenant id has no usable characters")
	}
	return Key{s: s}, nil
}

// MustResolve is a test helper; it panics on an unresolvable token.
func MustResolve(token string) Key {
	k, err := Resolve(token)
	if err != nil {
		panic(err)
	}
	return k
}
