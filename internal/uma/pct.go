package uma

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PCTService manages persisted-claims tokens: opaque accumulators of claims
// gathered across authorization attempts, bound to a client.
type PCTService struct {
	store    PCTStore
	lifetime time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewPCTService wires the service with the PCT lifetime.
func NewPCTService(store PCTStore, lifetime time.Duration, log zerolog.Logger) *PCTService {
	return &PCTService{
		store:    store,
		lifetime: lifetime,
		now:      time.Now,
		log:      log.With().Str("component", "uma.pct").Logger(),
	}
}

// New mints and persists an empty PCT for the client.
func (s *PCTService) New(ctx context.Context, clientID string) (*PCT, error) {
	now := s.now().UTC()
	p := &PCT{
		Code:      uuid.NewString(),
		ClientID:  clientID,
		Claims:    map[string]any{},
		CreatedAt: now,
		ExpiresAt: now.Add(s.lifetime),
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByCode loads a PCT. Store failures on this read path are logged and
// reported as not found.
func (s *PCTService) FindByCode(ctx context.Context, code string) (*PCT, error) {
	p, err := s.store.FindByCode(ctx, code)
	if err != nil {
		if err != ErrNotFound {
			s.log.Error().Err(err).Msg("pct lookup failed")
		}
		return nil, ErrNotFound
	}
	return p, nil
}

// UpdateOrCreate merges claims into the client's PCT, creating one when the
// request carried none. Merge order: claims already on the PCT stay unless an
// ID-token claim overrides them, and claims from the ticket-bound PCT fill
// gaps only.
func (s *PCTService) UpdateOrCreate(ctx context.Context, clientID string, existing, ticketBound *PCT, idToken jwt.MapClaims) (*PCT, error) {
	p := existing
	if p == nil {
		created, err := s.New(ctx, clientID)
		if err != nil {
			return nil, err
		}
		p = created
	}
	if p.Claims == nil {
		p.Claims = map[string]any{}
	}
	if ticketBound != nil {
		for k, v := range ticketBound.Claims {
			if _, ok := p.Claims[k]; !ok {
				p.Claims[k] = v
			}
		}
	}
	for k, v := range idToken {
		p.Claims[k] = v
	}
	// Persisting the merge is best effort: the claims already live on the
	// in-memory token that the decision will use.
	if err := s.store.Merge(ctx, p); err != nil {
		s.log.Error().Err(err).Msg("pct merge failed")
	}
	return p, nil
}
