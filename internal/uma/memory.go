package uma

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// NewInMemory returns a full set of in-process stores. They back tests and
// dev mode; production deployments use the Postgres stores.
func NewInMemory() Stores {
	return Stores{
		Permissions: &memPermissionStore{byID: map[string]*Permission{}},
		Resources:   &memResourceStore{byID: map[string]*Resource{}},
		Scopes:      &memScopeStore{byRef: map[string]*Scope{}},
		PCTs:        &memPCTStore{byCode: map[string]*PCT{}},
		RPTs:        &memRPTStore{byHash: map[string]*RPT{}},
		Clients:     &memClientStore{byID: map[string]*Client{}},
		Grants:      &memGrantStore{byHash: map[string]*Grant{}},
		Sessions:    &memSessionStore{byID: map[string]*Session{}},
	}
}

type memPermissionStore struct {
	mu   sync.RWMutex
	byID map[string]*Permission
}

func clonePermission(p *Permission) *Permission {
	cp := *p
	cp.ScopeIDs = slices.Clone(p.ScopeIDs)
	cp.Attributes = maps.Clone(p.Attributes)
	return &cp
}

func (s *memPermissionStore) Save(ctx context.Context, perms ...*Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		s.byID[p.ID] = clonePermission(p)
	}
	return nil
}

func (s *memPermissionStore) Merge(ctx context.Context, p *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		return ErrNotFound
	}
	s.byID[p.ID] = clonePermission(p)
	return nil
}

func (s *memPermissionStore) FindByTicket(ctx context.Context, ticket string) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Permission
	for _, p := range s.byID {
		if p.Ticket == ticket {
			out = append(out, clonePermission(p))
		}
	}
	sortPermissions(out)
	return out, nil
}

func (s *memPermissionStore) FindByIDs(ctx context.Context, ids []string) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Permission, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.byID[id]; ok {
			out = append(out, clonePermission(p))
		}
	}
	return out, nil
}

func (s *memPermissionStore) RotateTicket(ctx context.Context, oldTicket, newTicket string, attributes map[string]string) ([]*Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Permission
	for _, p := range s.byID {
		if p.Ticket != oldTicket {
			continue
		}
		p.Ticket = newTicket
		p.Attributes = maps.Clone(attributes)
		out = append(out, clonePermission(p))
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sortPermissions(out)
	return out, nil
}

func (s *memPermissionStore) DeleteByTicket(ctx context.Context, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.byID {
		if p.Ticket == ticket {
			delete(s.byID, id)
		}
	}
	return nil
}

// sortPermissions keeps multi-permission tickets in a stable order so batch
// registrations come back the way they went in.
func sortPermissions(perms []*Permission) {
	slices.SortFunc(perms, func(a, b *Permission) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}

type memResourceStore struct {
	mu   sync.RWMutex
	byID map[string]*Resource
}

func cloneResource(r *Resource) *Resource {
	cp := *r
	cp.ScopeIDs = slices.Clone(r.ScopeIDs)
	cp.AssociatedClients = slices.Clone(r.AssociatedClients)
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}

func (s *memResourceStore) Save(ctx context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[r.ID] = cloneResource(r)
	return nil
}

func (s *memResourceStore) FindByID(ctx context.Context, id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneResource(r), nil
}

func (s *memResourceStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

type memScopeStore struct {
	mu    sync.RWMutex
	byRef map[string]*Scope
}

func cloneScope(s *Scope) *Scope {
	cp := *s
	cp.AuthorizationPolicies = slices.Clone(s.AuthorizationPolicies)
	return &cp
}

func (s *memScopeStore) Save(ctx context.Context, sc *Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRef[sc.Ref] = cloneScope(sc)
	return nil
}

func (s *memScopeStore) FindByRef(ctx context.Context, ref string) (*Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneScope(sc), nil
}

func (s *memScopeStore) FindByScopeID(ctx context.Context, scopeID string) (*Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.byRef {
		if sc.ID == scopeID {
			return cloneScope(sc), nil
		}
	}
	return nil, ErrNotFound
}

// FindByScopeIDs resolves identifiers in request order, skipping unknown ones.
func (s *memScopeStore) FindByScopeIDs(ctx context.Context, scopeIDs []string) ([]*Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Scope, 0, len(scopeIDs))
	for _, id := range scopeIDs {
		for _, sc := range s.byRef {
			if sc.ID == id {
				out = append(out, cloneScope(sc))
				break
			}
		}
	}
	return out, nil
}

type memPCTStore struct {
	mu     sync.RWMutex
	byCode map[string]*PCT
}

func clonePCT(p *PCT) *PCT {
	cp := *p
	cp.Claims = maps.Clone(p.Claims)
	return &cp
}

func (s *memPCTStore) Save(ctx context.Context, p *PCT) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCode[p.Code] = clonePCT(p)
	return nil
}

func (s *memPCTStore) Merge(ctx context.Context, p *PCT) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCode[p.Code]; !ok {
		return ErrNotFound
	}
	s.byCode[p.Code] = clonePCT(p)
	return nil
}

func (s *memPCTStore) FindByCode(ctx context.Context, code string) (*PCT, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePCT(p), nil
}

type memRPTStore struct {
	mu     sync.RWMutex
	byHash map[string]*RPT
}

func cloneRPT(r *RPT) *RPT {
	cp := *r
	cp.PermissionIDs = slices.Clone(r.PermissionIDs)
	return &cp
}

func (s *memRPTStore) Save(ctx context.Context, r *RPT) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[r.Hash] = cloneRPT(r)
	return nil
}

func (s *memRPTStore) Merge(ctx context.Context, r *RPT) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[r.Hash]; !ok {
		return ErrNotFound
	}
	s.byHash[r.Hash] = cloneRPT(r)
	return nil
}

func (s *memRPTStore) FindByHash(ctx context.Context, hash string) (*RPT, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRPT(r), nil
}

type memClientStore struct {
	mu   sync.RWMutex
	byID map[string]*Client
}

func cloneClient(c *Client) *Client {
	cp := *c
	cp.ClaimRedirectURIs = slices.Clone(c.ClaimRedirectURIs)
	return &cp
}

func (s *memClientStore) Save(ctx context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ID] = cloneClient(c)
	return nil
}

func (s *memClientStore) FindByID(ctx context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClient(c), nil
}

type memGrantStore struct {
	mu     sync.RWMutex
	byHash map[string]*Grant
}

func cloneGrant(g *Grant) *Grant {
	cp := *g
	cp.Scopes = slices.Clone(g.Scopes)
	return &cp
}

func (s *memGrantStore) Save(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[g.TokenHash] = cloneGrant(g)
	return nil
}

func (s *memGrantStore) FindByTokenHash(ctx context.Context, hash string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGrant(g), nil
}

type memSessionStore struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

func (s *memSessionStore) Save(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID] = sess.clone()
	return nil
}

func (s *memSessionStore) FindByID(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

func (s *memSessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}
