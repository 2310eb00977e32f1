package uma

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"
)

// TicketGrantType is the grant_type value the token endpoint accepts.
const TicketGrantType = "urn:ietf:params:oauth:grant-type:uma-ticket"

// ClaimTokenFormatIDToken is the only recognized claim_token_format.
const ClaimTokenFormatIDToken = "http://openid.net/specs/openid-connect-core-1_0.html#IDToken"

// ScopeProtection must be present on a grant before the protection API
// (resource and permission registration) may be called.
const ScopeProtection = "uma_protection"

// Permission attribute keys written during ticket rotation.
const (
	AttrPCT              = "pct"
	AttrGatheringScripts = "gathering"
)

// Permission statuses. Expiry is computed from ExpiresAt; "invalidated" marks
// records withdrawn before their time.
const (
	StatusValid       = "valid"
	StatusInvalidated = "invalidated"
)

// Permission is one pending authorization request for a single resource,
// addressed by a bearer ticket. A batch registration produces several
// permissions sharing one ticket.
type Permission struct {
	ID         string
	Ticket     string
	ResourceID string
	ScopeIDs   []string
	Attributes map[string]string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Status     string
}

// Expired reports whether the permission's lifetime has passed.
func (p *Permission) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Valid reports whether the permission may still be redeemed.
func (p *Permission) Valid(now time.Time) bool {
	return p.Status != StatusInvalidated && !p.Expired(now)
}

// HasScope reports whether the permission grants the given scope identifier.
func (p *Permission) HasScope(scopeID string) bool {
	return slices.Contains(p.ScopeIDs, scopeID)
}

// Resource is a protected-resource descriptor registered by a resource
// server. Exactly one of ScopeIDs / ScopeExpression must be set; when the
// expression is non-blank it takes precedence.
type Resource struct {
	ID                string
	Name              string
	ScopeIDs          []string
	ScopeExpression   string
	AssociatedClients []string
	CreatedAt         time.Time
	ExpiresAt         *time.Time
}

// Expired reports whether the descriptor's optional lifetime has passed.
func (r *Resource) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Scope is a persisted scope definition. Spontaneous scopes are created on
// demand and marked non-deletable.
type Scope struct {
	Ref                   string // storage key
	ID                    string // scope identifier, e.g. "read"
	AuthorizationPolicies []string
	Spontaneous           bool
	Deletable             bool
	CreatedAt             time.Time
}

// PCT is the persisted claims token: an opaque accumulator of previously
// gathered claims bound to a client.
type PCT struct {
	Code      string
	ClientID  string
	Claims    map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Expired reports whether the PCT's lifetime has passed.
func (p *PCT) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Valid reports whether the PCT may still be presented.
func (p *PCT) Valid(now time.Time) bool {
	return !p.Revoked && !p.Expired(now)
}

// RPT is a requesting party token record. Only the SHA-256 of the code is
// kept at rest; the code itself is returned to the client once.
type RPT struct {
	Hash          string
	ClientID      string
	PermissionIDs []string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Revoked       bool
}

// Expired reports whether the RPT's lifetime has passed.
func (r *RPT) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Valid reports whether the RPT may still be presented.
func (r *RPT) Valid(now time.Time) bool {
	return !r.Revoked && !r.Expired(now)
}

// Client is the slice of the OAuth client registration this core needs.
type Client struct {
	ID                     string
	Name                   string
	Disabled               bool
	ClaimRedirectURIs      []string
	AllowSpontaneousScopes bool
	RPTAsJWT               bool
}

// Grant is a validated access token (the protection API token) presented by a
// resource server.
type Grant struct {
	TokenHash string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether the grant carries the given scope.
func (g *Grant) HasScope(scope string) bool {
	return slices.Contains(g.Scopes, scope)
}

// Expired reports whether the grant's lifetime has passed.
func (g *Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// ClaimDefinition describes one claim a policy script requires before it can
// decide. Serialized verbatim into the need_info response body.
type ClaimDefinition struct {
	Name              string   `json:"claim_name"`
	FriendlyName      string   `json:"friendly_name,omitempty"`
	ClaimType         string   `json:"claim_type,omitempty"`
	ClaimTokenFormats []string `json:"claim_token_format,omitempty"`
	IssuerURIs        []string `json:"issuer,omitempty"`
}

// ScopeGrant pairs a resolved scope with how it entered the request:
// ClientRequested is true for scopes from the scope parameter, false for
// scopes carried by the ticket's permissions.
type ScopeGrant struct {
	Scope           *Scope
	ClientRequested bool
}

// HashToken returns the at-rest form of a bearer code. RPTs and protection
// tokens are only ever stored hashed.
func HashToken(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
