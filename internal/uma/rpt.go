package uma

import (
	"context"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"umagate.org/internal/signing"
)

// RPTPermission is one permission as embedded in a JWT-form RPT and in
// introspection responses.
type RPTPermission struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"resource_scopes"`
	ExpiresAt  int64    `json:"exp,omitempty"`
}

// RPTService mints and upgrades requesting-party tokens. Codes are stored
// hashed; clients registered for JWT-form RPTs get a signed token carrying
// the granted permissions inline.
type RPTService struct {
	store    RPTStore
	perms    PermissionStore
	signer   *signing.Provider
	issuer   string
	lifetime time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewRPTService wires the service with the issuer name and RPT lifetime.
func NewRPTService(store RPTStore, perms PermissionStore, signer *signing.Provider, issuer string, lifetime time.Duration, log zerolog.Logger) *RPTService {
	return &RPTService{
		store:    store,
		perms:    perms,
		signer:   signer,
		issuer:   issuer,
		lifetime: lifetime,
		now:      time.Now,
		log:      log.With().Str("component", "uma.rpt").Logger(),
	}
}

// Create mints a fresh RPT bound to the client and permission set, returning
// the one-time code alongside the stored record.
func (s *RPTService) Create(ctx context.Context, client *Client, pct *PCT, permissions []*Permission) (string, *RPT, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.lifetime)

	var code string
	if client.RPTAsJWT {
		claims := jwt.MapClaims{
			"iss":         s.issuer,
			"aud":         client.ID,
			"client_id":   client.ID,
			"jti":         uuid.NewString(),
			"iat":         now.Unix(),
			"exp":         expiresAt.Unix(),
			"permissions": EmbedPermissions(permissions),
		}
		if pct != nil {
			claims["pct_claims"] = pct.Claims
		}
		signed, err := s.signer.Sign(claims)
		if err != nil {
			return "", nil, err
		}
		code = signed
	} else {
		code = uuid.NewString()
	}

	permIDs := make([]string, 0, len(permissions))
	for _, p := range permissions {
		permIDs = append(permIDs, p.ID)
	}
	rpt := &RPT{
		Hash:          HashToken(code),
		ClientID:      client.ID,
		PermissionIDs: permIDs,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}
	if err := s.store.Save(ctx, rpt); err != nil {
		return "", nil, err
	}
	return code, rpt, nil
}

// FindByCode resolves an RPT record from its bearer code.
func (s *RPTService) FindByCode(ctx context.Context, code string) (*RPT, error) {
	r, err := s.store.FindByHash(ctx, HashToken(code))
	if err != nil {
		if err != ErrNotFound {
			s.log.Error().Err(err).Msg("rpt lookup failed")
		}
		return nil, ErrNotFound
	}
	return r, nil
}

// Upgrade appends newly granted permissions to an existing RPT. The
// permission list only ever grows; repeat upgrades with the same permissions
// are no-ops.
func (s *RPTService) Upgrade(ctx context.Context, rpt *RPT, permissions []*Permission) error {
	for _, p := range permissions {
		if !slices.Contains(rpt.PermissionIDs, p.ID) {
			rpt.PermissionIDs = append(rpt.PermissionIDs, p.ID)
		}
	}
	return s.store.Merge(ctx, rpt)
}

// Introspection is the introspection endpoint response body.
type Introspection struct {
	Active      bool            `json:"active"`
	ClientID    string          `json:"client_id,omitempty"`
	TokenType   string          `json:"token_type,omitempty"`
	IssuedAt    int64           `json:"iat,omitempty"`
	ExpiresAt   int64           `json:"exp,omitempty"`
	Permissions []RPTPermission `json:"permissions,omitempty"`
}

// Introspect describes an RPT for a resource server. Unknown, expired, or
// revoked tokens come back inactive rather than as errors.
func (s *RPTService) Introspect(ctx context.Context, code string) (*Introspection, error) {
	rpt, err := s.FindByCode(ctx, code)
	if err != nil {
		return &Introspection{Active: false}, nil
	}
	if !rpt.Valid(s.now().UTC()) {
		return &Introspection{Active: false}, nil
	}
	permissions, err := s.perms.FindByIDs(ctx, rpt.PermissionIDs)
	if err != nil {
		s.log.Error().Err(err).Msg("permission lookup for introspection failed")
		return &Introspection{Active: false}, nil
	}
	return &Introspection{
		Active:      true,
		ClientID:    rpt.ClientID,
		TokenType:   "Bearer",
		IssuedAt:    rpt.CreatedAt.Unix(),
		ExpiresAt:   rpt.ExpiresAt.Unix(),
		Permissions: EmbedPermissions(permissions),
	}, nil
}

// EmbedPermissions renders permissions in the wire shape shared by JWT-form
// RPTs and introspection responses.
func EmbedPermissions(permissions []*Permission) []RPTPermission {
	out := make([]RPTPermission, 0, len(permissions))
	for _, p := range permissions {
		embed := RPTPermission{
			ResourceID: p.ResourceID,
			Scopes:     slices.Clone(p.ScopeIDs),
		}
		if !p.ExpiresAt.IsZero() {
			embed.ExpiresAt = p.ExpiresAt.Unix()
		}
		out = append(out, embed)
	}
	return out
}
