package uma

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"umagate.org/internal/ids"
	"umagate.org/internal/obs"
)

// PermissionRequest is one entry of a permission registration call.
type PermissionRequest struct {
	ResourceID string   `json:"resource_id"`
	ScopeIDs   []string `json:"resource_scopes"`
}

// PermissionService creates ticket-addressed permissions and rotates tickets
// during the claims-gathering handshake.
type PermissionService struct {
	store    PermissionStore
	lifetime time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewPermissionService wires the service with its ticket lifetime.
func NewPermissionService(store PermissionStore, lifetime time.Duration, log zerolog.Logger) *PermissionService {
	return &PermissionService{
		store:    store,
		lifetime: lifetime,
		now:      time.Now,
		log:      log.With().Str("component", "uma.permission").Logger(),
	}
}

// NewTicket mints a fresh opaque ticket value.
func (s *PermissionService) NewTicket() string {
	return uuid.NewString()
}

// Add persists one permission per requested resource, all sharing a single
// new ticket, and returns that ticket.
func (s *PermissionService) Add(ctx context.Context, reqs []PermissionRequest) (string, error) {
	ticket := s.NewTicket()
	now := s.now().UTC()
	perms := make([]*Permission, 0, len(reqs))
	for _, req := range reqs {
		perms = append(perms, &Permission{
			ID:         ids.New(),
			Ticket:     ticket,
			ResourceID: req.ResourceID,
			ScopeIDs:   append([]string(nil), req.ScopeIDs...),
			Attributes: map[string]string{},
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.lifetime),
			Status:     StatusValid,
		})
	}
	if err := s.store.Save(ctx, perms...); err != nil {
		return "", err
	}
	return ticket, nil
}

// GetByTicket loads the permissions behind a ticket. Store failures on this
// read path are logged and reported as not found so a flapping backend never
// leaks backend detail to callers.
func (s *PermissionService) GetByTicket(ctx context.Context, ticket string) []*Permission {
	perms, err := s.store.FindByTicket(ctx, ticket)
	if err != nil {
		s.log.Error().Err(err).Msg("permission lookup failed")
		return nil
	}
	return perms
}

// ChangeTicket rotates the ticket on a permission set: the old ticket stops
// resolving, the new one addresses the same resources and scopes, and the
// attributes are replaced wholesale.
func (s *PermissionService) ChangeTicket(ctx context.Context, oldTicket string, attributes map[string]string) (string, []*Permission, error) {
	newTicket := s.NewTicket()
	perms, err := s.store.RotateTicket(ctx, oldTicket, newTicket, attributes)
	if err != nil {
		return "", nil, err
	}
	obs.ReportTicketRotated()
	s.log.Debug().Int("permissions", len(perms)).Msg("ticket rotated")
	return newTicket, perms, nil
}

// MergeSilently persists a permission update on a best-effort basis; failures
// are logged and swallowed because the decision has already been made in
// memory.
func (s *PermissionService) MergeSilently(ctx context.Context, p *Permission) {
	if err := s.store.Merge(ctx, p); err != nil {
		s.log.Error().Err(err).Str("permission_id", p.ID).Msg("permission merge failed")
	}
}

// Consume removes the permissions behind a redeemed ticket.
func (s *PermissionService) Consume(ctx context.Context, ticket string) {
	if err := s.store.DeleteByTicket(ctx, ticket); err != nil {
		s.log.Error().Err(err).Msg("ticket consume failed")
	}
}
