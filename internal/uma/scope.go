package uma

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"umagate.org/internal/ids"
)

// ScopeService resolves scope identifiers to scope records and creates
// spontaneous scopes when policy allows.
type ScopeService struct {
	store            ScopeStore
	allowSpontaneous bool
	now              func() time.Time
	log              zerolog.Logger
}

// NewScopeService wires the service with the server-wide spontaneous-scope
// switch.
func NewScopeService(store ScopeStore, allowSpontaneous bool, log zerolog.Logger) *ScopeService {
	return &ScopeService{
		store:            store,
		allowSpontaneous: allowSpontaneous,
		now:              time.Now,
		log:              log.With().Str("component", "uma.scope").Logger(),
	}
}

// GetByScopeIDs resolves identifiers to stored records, dropping unknown
// identifiers.
func (s *ScopeService) GetByScopeIDs(ctx context.Context, scopeIDs []string) []*Scope {
	scopes, err := s.store.FindByScopeIDs(ctx, scopeIDs)
	if err != nil {
		s.log.Error().Err(err).Msg("scope lookup failed")
		return nil
	}
	return scopes
}

// GetOrCreate resolves one scope identifier. Unknown identifiers become
// spontaneous scopes when the server switch, the client registration, and the
// seed allow list all agree; otherwise the identifier resolves to nothing.
//
// Seeds are the scope identifiers registered on the resources behind the
// ticket, matched as anchored regular expressions so a resource registered
// with "repo:.*" admits "repo:read".
func (s *ScopeService) GetOrCreate(ctx context.Context, client *Client, scopeID string, seeds map[string]struct{}) *Scope {
	sc, err := s.store.FindByScopeID(ctx, scopeID)
	if err == nil {
		return sc
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Error().Err(err).Str("scope_id", scopeID).Msg("scope lookup failed")
		return nil
	}
	if !s.allowSpontaneous || client == nil || !client.AllowSpontaneousScopes {
		return nil
	}
	if !seedMatches(seeds, scopeID) {
		return nil
	}
	sc = &Scope{
		Ref:         ids.New(),
		ID:          scopeID,
		Spontaneous: true,
		Deletable:   false,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Save(ctx, sc); err != nil {
		s.log.Error().Err(err).Str("scope_id", scopeID).Msg("spontaneous scope save failed")
		return nil
	}
	s.log.Info().Str("scope_id", scopeID).Str("client_id", client.ID).Msg("spontaneous scope created")
	return sc
}

func seedMatches(seeds map[string]struct{}, scopeID string) bool {
	for seed := range seeds {
		if seed == scopeID {
			return true
		}
		re, err := regexp.Compile("^" + seed + "$")
		if err != nil {
			continue
		}
		if re.MatchString(scopeID) {
			return true
		}
	}
	return false
}

// RefsByScopeIDsAddIfNeeded resolves identifiers for resource registration,
// creating ordinary (deletable) scope records for identifiers seen for the
// first time.
func (s *ScopeService) RefsByScopeIDsAddIfNeeded(ctx context.Context, scopeIDs []string) ([]string, error) {
	refs := make([]string, 0, len(scopeIDs))
	for _, scopeID := range scopeIDs {
		sc, err := s.store.FindByScopeID(ctx, scopeID)
		if err == nil {
			refs = append(refs, sc.Ref)
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		sc = &Scope{
			Ref:       ids.New(),
			ID:        scopeID,
			Deletable: true,
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.Save(ctx, sc); err != nil {
			return nil, err
		}
		refs = append(refs, sc.Ref)
	}
	return refs, nil
}
