package uma

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NewPostgres returns a full set of stores backed by a shared connection
// pool. The caller owns the pool lifecycle; see migrations/ for the schema.
func NewPostgres(db *sql.DB) Stores {
	return Stores{
		Permissions: &pgPermissionStore{db: db},
		Resources:   &pgResourceStore{db: db},
		Scopes:      &pgScopeStore{db: db},
		PCTs:        &pgPCTStore{db: db},
		RPTs:        &pgRPTStore{db: db},
		Clients:     &pgClientStore{db: db},
		Grants:      &pgGrantStore{db: db},
		Sessions:    &pgSessionStore{db: db},
	}
}

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func fromJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

type pgPermissionStore struct {
	db *sql.DB
}

func (s *pgPermissionStore) Save(ctx context.Context, perms ...*Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, p := range perms {
		scopes, err := toJSON(p.ScopeIDs)
		if err != nil {
			return fmt.Errorf("encode scopes: %w", err)
		}
		attrs, err := toJSON(p.Attributes)
		if err != nil {
			return fmt.Errorf("encode attributes: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO uma_permissions (id, ticket, resource_id, scope_ids, attributes, created_at, expires_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				ticket = EXCLUDED.ticket,
				scope_ids = EXCLUDED.scope_ids,
				attributes = EXCLUDED.attributes,
				status = EXCLUDED.status`,
			p.ID, p.Ticket, p.ResourceID, scopes, attrs, p.CreatedAt, p.ExpiresAt, p.Status)
		if err != nil {
			return fmt.Errorf("save permission: %w", err)
		}
	}
	return tx.Commit()
}

func (s *pgPermissionStore) Merge(ctx context.Context, p *Permission) error {
	scopes, err := toJSON(p.ScopeIDs)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	attrs, err := toJSON(p.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE uma_permissions
		SET ticket = $2, scope_ids = $3, attributes = $4, status = $5
		WHERE id = $1`,
		p.ID, p.Ticket, scopes, attrs, p.Status)
	if err != nil {
		return fmt.Errorf("merge permission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("merge permission: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgPermissionStore) FindByTicket(ctx context.Context, ticket string) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket, resource_id, scope_ids, attributes, created_at, expires_at, status
		FROM uma_permissions WHERE ticket = $1 ORDER BY id`, ticket)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func (s *pgPermissionStore) FindByIDs(ctx context.Context, ids []string) ([]*Permission, error) {
	encoded, err := toJSON(ids)
	if err != nil {
		return nil, fmt.Errorf("encode ids: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket, resource_id, scope_ids, attributes, created_at, expires_at, status
		FROM uma_permissions
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
		ORDER BY id`, encoded)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func (s *pgPermissionStore) RotateTicket(ctx context.Context, oldTicket, newTicket string, attributes map[string]string) ([]*Permission, error) {
	attrs, err := toJSON(attributes)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE uma_permissions
		SET ticket = $2, attributes = $3
		WHERE ticket = $1
		RETURNING id, ticket, resource_id, scope_ids, attributes, created_at, expires_at, status`,
		oldTicket, newTicket, attrs)
	if err != nil {
		return nil, fmt.Errorf("rotate ticket: %w", err)
	}
	defer rows.Close()
	perms, err := scanPermissions(rows)
	if err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return nil, ErrNotFound
	}
	return perms, nil
}

func (s *pgPermissionStore) DeleteByTicket(ctx context.Context, ticket string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uma_permissions WHERE ticket = $1`, ticket); err != nil {
		return fmt.Errorf("delete permissions: %w", err)
	}
	return nil
}

func scanPermissions(rows *sql.Rows) ([]*Permission, error) {
	var out []*Permission
	for rows.Next() {
		var (
			p            Permission
			scopes, attr []byte
		)
		if err := rows.Scan(&p.ID, &p.Ticket, &p.ResourceID, &scopes, &attr, &p.CreatedAt, &p.ExpiresAt, &p.Status); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		if err := fromJSON(scopes, &p.ScopeIDs); err != nil {
			return nil, fmt.Errorf("decode scopes: %w", err)
		}
		if err := fromJSON(attr, &p.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

type pgResourceStore struct {
	db *sql.DB
}

func (s *pgResourceStore) Save(ctx context.Context, r *Resource) error {
	scopes, err := toJSON(r.ScopeIDs)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	clients, err := toJSON(r.AssociatedClients)
	if err != nil {
		return fmt.Errorf("encode clients: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO uma_resources (id, name, scope_ids, scope_expression, associated_clients, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			scope_ids = EXCLUDED.scope_ids,
			scope_expression = EXCLUDED.scope_expression,
			associated_clients = EXCLUDED.associated_clients,
			expires_at = EXCLUDED.expires_at`,
		r.ID, r.Name, scopes, r.ScopeExpression, clients, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save resource: %w", err)
	}
	return nil
}

func (s *pgResourceStore) FindByID(ctx context.Context, id string) (*Resource, error) {
	var (
		r               Resource
		scopes, clients []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, scope_ids, scope_expression, associated_clients, created_at, expires_at
		FROM uma_resources WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &scopes, &r.ScopeExpression, &clients, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query resource: %w", err)
	}
	if err := fromJSON(scopes, &r.ScopeIDs); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	if err := fromJSON(clients, &r.AssociatedClients); err != nil {
		return nil, fmt.Errorf("decode clients: %w", err)
	}
	return &r, nil
}

func (s *pgResourceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM uma_resources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type pgScopeStore struct {
	db *sql.DB
}

func (s *pgScopeStore) Save(ctx context.Context, sc *Scope) error {
	policies, err := toJSON(sc.AuthorizationPolicies)
	if err != nil {
		return fmt.Errorf("encode policies: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO uma_scopes (ref, scope_id, policies, spontaneous, deletable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ref) DO UPDATE SET
			policies = EXCLUDED.policies,
			spontaneous = EXCLUDED.spontaneous,
			deletable = EXCLUDED.deletable`,
		sc.Ref, sc.ID, policies, sc.Spontaneous, sc.Deletable, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("save scope: %w", err)
	}
	return nil
}

func (s *pgScopeStore) FindByRef(ctx context.Context, ref string) (*Scope, error) {
	return s.findOne(ctx, `WHERE ref = $1`, ref)
}

func (s *pgScopeStore) FindByScopeID(ctx context.Context, scopeID string) (*Scope, error) {
	return s.findOne(ctx, `WHERE scope_id = $1`, scopeID)
}

func (s *pgScopeStore) findOne(ctx context.Context, where string, arg any) (*Scope, error) {
	var (
		sc       Scope
		policies []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT ref, scope_id, policies, spontaneous, deletable, created_at
		FROM uma_scopes `+where, arg).
		Scan(&sc.Ref, &sc.ID, &policies, &sc.Spontaneous, &sc.Deletable, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query scope: %w", err)
	}
	if err := fromJSON(policies, &sc.AuthorizationPolicies); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	return &sc, nil
}

func (s *pgScopeStore) FindByScopeIDs(ctx context.Context, scopeIDs []string) ([]*Scope, error) {
	out := make([]*Scope, 0, len(scopeIDs))
	for _, id := range scopeIDs {
		sc, err := s.FindByScopeID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

type pgPCTStore struct {
	db *sql.DB
}

func (s *pgPCTStore) Save(ctx context.Context, p *PCT) error {
	claims, err := toJSON(p.Claims)
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO uma_pcts (code, client_id, claims, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			claims = EXCLUDED.claims,
			revoked = EXCLUDED.revoked`,
		p.Code, p.ClientID, claims, p.CreatedAt, p.ExpiresAt, p.Revoked)
	if err != nil {
		return fmt.Errorf("save pct: %w", err)
	}
	return nil
}

func (s *pgPCTStore) Merge(ctx context.Context, p *PCT) error {
	claims, err := toJSON(p.Claims)
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE uma_pcts SET claims = $2, revoked = $3 WHERE code = $1`,
		p.Code, claims, p.Revoked)
	if err != nil {
		return fmt.Errorf("merge pct: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("merge pct: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgPCTStore) FindByCode(ctx context.Context, code string) (*PCT, error) {
	var (
		p      PCT
		claims []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT code, client_id, claims, created_at, expires_at, revoked
		FROM uma_pcts WHERE code = $1`, code).
		Scan(&p.Code, &p.ClientID, &claims, &p.CreatedAt, &p.ExpiresAt, &p.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pct: %w", err)
	}
	if err := fromJSON(claims, &p.Claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return &p, nil
}

type pgRPTStore struct {
	db *sql.DB
}

func (s *pgRPTStore) Save(ctx context.Context, r *RPT) error {
	perms, err := toJSON(r.PermissionIDs)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO uma_rpts (hash, client_id, permission_ids, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO UPDATE SET
			permission_ids = EXCLUDED.permission_ids,
			revoked = EXCLUDED.revoked`,
		r.Hash, r.ClientID, perms, r.CreatedAt, r.ExpiresAt, r.Revoked)
	if err != nil {
		return fmt.Errorf("save rpt: %w", err)
	}
	return nil
}

func (s *pgRPTStore) Merge(ctx context.Context, r *RPT) error {
	perms, err := toJSON(r.PermissionIDs)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE uma_rpts SET permission_ids = $2, revoked = $3 WHERE hash = $1`,
		r.Hash, perms, r.Revoked)
	if err != nil {
		return fmt.Errorf("merge rpt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("merge rpt: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgRPTStore) FindByHash(ctx context.Context, hash string) (*RPT, error) {
	var (
		r     RPT
		perms []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, client_id, permission_ids, created_at, expires_at, revoked
		FROM uma_rpts WHERE hash = $1`, hash).
		Scan(&r.Hash, &r.ClientID, &perms, &r.CreatedAt, &r.ExpiresAt, &r.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query rpt: %w", err)
	}
	if err := fromJSON(perms, &r.PermissionIDs); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	return &r, nil
}

type pgClientStore struct {
	db *sql.DB
}

func (s *pgClientStore) Save(ctx context.Context, c *Client) error {
	uris, err := toJSON(c.ClaimRedirectURIs)
	if err != nil {
		return fmt.Errorf("encode redirect uris: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (id, name, disabled, claim_redirect_uris, allow_spontaneous_scopes, rpt_as_jwt)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			disabled = EXCLUDED.disabled,
			claim_redirect_uris = EXCLUDED.claim_redirect_uris,
			allow_spontaneous_scopes = EXCLUDED.allow_spontaneous_scopes,
			rpt_as_jwt = EXCLUDED.rpt_as_jwt`,
		c.ID, c.Name, c.Disabled, uris, c.AllowSpontaneousScopes, c.RPTAsJWT)
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

func (s *pgClientStore) FindByID(ctx context.Context, id string) (*Client, error) {
	var (
		c    Client
		uris []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, disabled, claim_redirect_uris, allow_spontaneous_scopes, rpt_as_jwt
		FROM oauth_clients WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Disabled, &uris, &c.AllowSpontaneousScopes, &c.RPTAsJWT)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query client: %w", err)
	}
	if err := fromJSON(uris, &c.ClaimRedirectURIs); err != nil {
		return nil, fmt.Errorf("decode redirect uris: %w", err)
	}
	return &c, nil
}

type pgGrantStore struct {
	db *sql.DB
}

func (s *pgGrantStore) Save(ctx context.Context, g *Grant) error {
	scopes, err := toJSON(g.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_grants (token_hash, client_id, scopes, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE SET
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at`,
		g.TokenHash, g.ClientID, scopes, g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

func (s *pgGrantStore) FindByTokenHash(ctx context.Context, hash string) (*Grant, error) {
	var (
		g      Grant
		scopes []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, client_id, scopes, expires_at
		FROM oauth_grants WHERE token_hash = $1`, hash).
		Scan(&g.TokenHash, &g.ClientID, &scopes, &g.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query grant: %w", err)
	}
	if err := fromJSON(scopes, &g.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return &g, nil
}

type pgSessionStore struct {
	db *sql.DB
}

func (s *pgSessionStore) Save(ctx context.Context, sess *Session) error {
	passed, err := toJSON(sess.PassedSteps)
	if err != nil {
		return fmt.Errorf("encode passed steps: %w", err)
	}
	claims, err := toJSON(sess.Claims)
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	redirectParams, err := toJSON(sess.RedirectParams)
	if err != nil {
		return fmt.Errorf("encode redirect params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO uma_gather_sessions
			(id, ticket, client_id, claims_redirect_uri, state, redirect_params, script_name, pct_code, step, passed_steps, claims, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			ticket = EXCLUDED.ticket,
			pct_code = EXCLUDED.pct_code,
			step = EXCLUDED.step,
			passed_steps = EXCLUDED.passed_steps,
			claims = EXCLUDED.claims`,
		sess.ID, sess.Ticket, sess.ClientID, sess.ClaimsRedirectURI, sess.State, redirectParams, sess.ScriptName,
		sess.PctCode, sess.Step, passed, claims, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *pgSessionStore) FindByID(ctx context.Context, id string) (*Session, error) {
	var (
		sess                           Session
		passed, claims, redirectParams []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ticket, client_id, claims_redirect_uri, state, redirect_params, script_name, pct_code, step, passed_steps, claims, created_at, expires_at
		FROM uma_gather_sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.Ticket, &sess.ClientID, &sess.ClaimsRedirectURI, &sess.State, &redirectParams, &sess.ScriptName,
			&sess.PctCode, &sess.Step, &passed, &claims, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if err := fromJSON(passed, &sess.PassedSteps); err != nil {
		return nil, fmt.Errorf("decode passed steps: %w", err)
	}
	if err := fromJSON(claims, &sess.Claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	if err := fromJSON(redirectParams, &sess.RedirectParams); err != nil {
		return nil, fmt.Errorf("decode redirect params: %w", err)
	}
	return &sess, nil
}

func (s *pgSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uma_gather_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired is housekeeping run periodically from main.
func DeleteExpired(ctx context.Context, db *sql.DB, now time.Time) error {
	for _, table := range []string{"uma_permissions", "uma_pcts", "uma_rpts", "uma_gather_sessions"} {
		if _, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at < $1`, now); err != nil {
			return fmt.Errorf("cleanup %s: %w", table, err)
		}
	}
	return nil
}
