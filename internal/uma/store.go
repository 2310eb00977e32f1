package uma

import (
	"context"
	"errors"
)

// ErrNotFound is the shared miss sentinel. Postgres and in-memory
// implementations translate their native misses into it so services never see
// driver details.
var ErrNotFound = errors.New("record not found")

// PermissionStore persists ticket-addressed permissions.
type PermissionStore interface {
	Save(ctx context.Context, perms ...*Permission) error
	// Merge updates a stored permission in place, matched by ID.
	Merge(ctx context.Context, p *Permission) error
	FindByTicket(ctx context.Context, ticket string) ([]*Permission, error)
	FindByIDs(ctx context.Context, ids []string) ([]*Permission, error)
	// RotateTicket atomically moves all permissions from oldTicket to
	// newTicket, replacing their attributes. Returns the rewritten set.
	RotateTicket(ctx context.Context, oldTicket, newTicket string, attributes map[string]string) ([]*Permission, error)
	DeleteByTicket(ctx context.Context, ticket string) error
}

// ResourceStore persists registered resource descriptors.
type ResourceStore interface {
	Save(ctx context.Context, r *Resource) error
	FindByID(ctx context.Context, id string) (*Resource, error)
	Delete(ctx context.Context, id string) error
}

// ScopeStore persists scope definitions, addressable both by storage ref and
// by scope identifier.
type ScopeStore interface {
	Save(ctx context.Context, s *Scope) error
	FindByRef(ctx context.Context, ref string) (*Scope, error)
	FindByScopeID(ctx context.Context, scopeID string) (*Scope, error)
	FindByScopeIDs(ctx context.Context, scopeIDs []string) ([]*Scope, error)
}

// PCTStore persists persisted-claims tokens by code.
type PCTStore interface {
	Save(ctx context.Context, p *PCT) error
	Merge(ctx context.Context, p *PCT) error
	FindByCode(ctx context.Context, code string) (*PCT, error)
}

// RPTStore persists requesting-party token records keyed by token hash.
type RPTStore interface {
	Save(ctx context.Context, r *RPT) error
	Merge(ctx context.Context, r *RPT) error
	FindByHash(ctx context.Context, hash string) (*RPT, error)
}

// ClientStore resolves OAuth client registrations.
type ClientStore interface {
	Save(ctx context.Context, c *Client) error
	FindByID(ctx context.Context, id string) (*Client, error)
}

// GrantStore resolves protection API tokens by hash.
type GrantStore interface {
	Save(ctx context.Context, g *Grant) error
	FindByTokenHash(ctx context.Context, hash string) (*Grant, error)
}

// SessionStore persists interactive claims-gathering sessions.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// Stores bundles every store the services need, so wiring in main stays a
// single assignment per backend.
type Stores struct {
	Permissions PermissionStore
	Resources   ResourceStore
	Scopes      ScopeStore
	PCTs        PCTStore
	RPTs        RPTStore
	Clients     ClientStore
	Grants      GrantStore
	Sessions    SessionStore
}
