// Package symbol handles asset symbol normalization and the allow-list of
// symbols the exchange trades.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// symbolRegex matches a normalized ticker symbol, e.g. BTC or USDC.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid symbol format")
	ErrUnsupported   = errors.New("symbol: unsupported symbol")
)

// Normalize trims surrounding whitespace and upper-cases s.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Registry is the set of tradable symbols. It is read-only after creation.
type Registry struct {
	supported map[string]bool
}

// NewRegistry creates a registry from the given symbols. Symbols are
// normalized; malformed ones are rejected.
func NewRegistry(symbols ...string) (*Registry, error) {
	r := &Registry{supported: make(map[string]bool, len(symbols))}
	for _, s := range symbols {
		n := Normalize(s)
		if !symbolRegex.MatchString(n) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
		}
		r.supported[n] = true
	}
	return r, nil
}

// Parse normalizes s and checks that it is supported.
func (r *Registry) Parse(s string) (string, error) {
	n := Normalize(s)
	if !symbolRegex.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	if !r.supported[n] {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, n)
	}
	return n, nil
}

// Supported reports whether the already-normalized symbol is tradable.
func (r *Registry) Supported(s string) bool {
	return r.supported[s]
}

// List returns the supported symbols in alphabetical order.
func (r *Registry) List() []string {
	out := make([]string, 0, len(r.supported))
	for s := range r.supported {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
