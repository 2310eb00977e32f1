package uma

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"umagate.org/internal/cache"
)

const resourceCachePrefix = "uma:resource:"

// ResourceService reads and writes resource descriptors through a cache so
// hot descriptors are served without a store round trip. Writes update the
// cache eagerly; the cache itself is advisory.
type ResourceService struct {
	store ResourceStore
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

// NewResourceService wires the service with its cache TTL.
func NewResourceService(store ResourceStore, c cache.Cache, ttl time.Duration, log zerolog.Logger) *ResourceService {
	return &ResourceService{
		store: store,
		cache: c,
		ttl:   ttl,
		now:   time.Now,
		log:   log.With().Str("component", "uma.resource").Logger(),
	}
}

// GetByID resolves a resource through the cache, falling back to the store on
// a miss. Misses caused by absent records are never cached.
func (s *ResourceService) GetByID(ctx context.Context, id string) (*Resource, error) {
	raw, err := s.cache.GetWithPut(ctx, resourceCachePrefix+id, func(ctx context.Context) ([]byte, error) {
		r, err := s.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(r)
	}, s.ttl)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		s.log.Error().Err(err).Str("resource_id", id).Msg("resource lookup failed")
		return nil, ErrNotFound
	}
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		s.log.Error().Err(err).Str("resource_id", id).Msg("resource decode failed")
		return nil, ErrNotFound
	}
	// An expired descriptor reads as unregistered, cached copies included.
	if r.Expired(s.now().UTC()) {
		return nil, ErrNotFound
	}
	return &r, nil
}

// Save persists a descriptor and refreshes the cached copy.
func (s *ResourceService) Save(ctx context.Context, r *Resource) error {
	if err := s.store.Save(ctx, r); err != nil {
		return err
	}
	if raw, err := json.Marshal(r); err == nil {
		if err := s.cache.Put(ctx, resourceCachePrefix+r.ID, raw, s.ttl); err != nil {
			s.log.Warn().Err(err).Str("resource_id", r.ID).Msg("resource cache put failed")
		}
	}
	return nil
}

// Delete removes a descriptor and evicts the cached copy.
func (s *ResourceService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.cache.Remove(ctx, resourceCachePrefix+id); err != nil {
		s.log.Warn().Err(err).Str("resource_id", id).Msg("resource cache evict failed")
	}
	return nil
}

// ScopeIdentifiers collects the scope identifiers registered across the given
// resources, including the identifiers referenced by scope expressions. The
// result seeds the spontaneous-scope allow list.
func (s *ResourceService) ScopeIdentifiers(ctx context.Context, resourceIDs []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, id := range resourceIDs {
		r, err := s.GetByID(ctx, id)
		if err != nil {
			continue
		}
		for _, scopeID := range r.ScopeIDs {
			out[scopeID] = struct{}{}
		}
		if r.ScopeExpression != "" {
			vars, err := CollectScopeVars(r.ScopeExpression)
			if err != nil {
				s.log.Warn().Err(err).Str("resource_id", id).Msg("scope expression var scan failed")
				continue
			}
			for _, scopeID := range vars {
				out[scopeID] = struct{}{}
			}
		}
	}
	return out
}

// ValidateDescriptor rejects descriptors that carry neither scopes nor a
// well-formed scope expression.
func ValidateDescriptor(r *Resource) error {
	if r.ScopeExpression != "" {
		if !IsExpressionValid(r.ScopeExpression) {
			return ErrInvalidScope("scope_expression is not a valid rule")
		}
		return nil
	}
	if len(r.ScopeIDs) == 0 {
		return ErrInvalidScope("either resource_scopes or scope_expression is required")
	}
	return nil
}
