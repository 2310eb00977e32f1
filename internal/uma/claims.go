package uma

import (
	"sort"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the container handed to policy and gathering scripts. It layers
// PCT claims under ID-token claims and keeps the raw claim token around for
// scripts that want to inspect it themselves.
type Claims struct {
	values        map[string]any
	RawClaimToken string
}

// NewClaims returns an empty container.
func NewClaims() *Claims {
	return &Claims{values: map[string]any{}}
}

// BuildClaims assembles the container for one token request. PCT claims go in
// first so freshly presented ID-token claims win on conflict.
func BuildClaims(idToken jwt.MapClaims, pct *PCT, rawClaimToken string) *Claims {
	c := NewClaims()
	c.RawClaimToken = rawClaimToken
	if pct != nil {
		for k, v := range pct.Claims {
			c.values[k] = v
		}
	}
	for k, v := range idToken {
		c.values[k] = v
	}
	return c
}

// Put sets a claim value.
func (c *Claims) Put(name string, value any) {
	c.values[name] = value
}

// Get returns a claim value, nil when absent.
func (c *Claims) Get(name string) any {
	return c.values[name]
}

// Has reports whether the claim is present.
func (c *Claims) Has(name string) bool {
	_, ok := c.values[name]
	return ok
}

// Keys returns the claim names in sorted order.
func (c *Claims) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the claim values.
func (c *Claims) Map() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
