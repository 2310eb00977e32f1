package uma

import (
	"context"
	"slices"

	"github.com/rs/zerolog"

	"umagate.org/internal/obs"
)

// PolicyService evaluates the collected (scope, script) pairs against each
// ticket permission. Resources without a scope expression require every bound
// policy to pass; resources with one get per-scope verdicts combined by the
// expression.
type PolicyService struct {
	scopes    *ScopeService
	perms     *PermissionService
	resources *ResourceService
	log       zerolog.Logger
}

// NewPolicyService wires the evaluator.
func NewPolicyService(scopes *ScopeService, perms *PermissionService, resources *ResourceService, log zerolog.Logger) *PolicyService {
	return &PolicyService{
		scopes:    scopes,
		perms:     perms,
		resources: resources,
		log:       log.With().Str("component", "uma.policy").Logger(),
	}
}

// Evaluate decides the whole permission set. Any denial fails the request;
// there are no partial grants across permissions.
func (s *PolicyService) Evaluate(ctx context.Context, sm *ScriptMap, permissions []*Permission) error {
	for _, p := range permissions {
		resource, err := s.resources.GetByID(ctx, p.ResourceID)
		if err != nil {
			s.log.Error().Str("resource_id", p.ResourceID).Msg("resource vanished during evaluation")
			obs.ReportPolicyDenied()
			return ErrForbiddenByPolicy()
		}
		if resource.ScopeExpression != "" {
			if err := s.evaluateExpression(ctx, sm, p, resource); err != nil {
				return err
			}
			continue
		}
		if err := s.evaluatePlain(ctx, sm, p); err != nil {
			return err
		}
	}
	return nil
}

// evaluatePlain ANDs every pair whose scope the permission grants, failing
// fast on the first denial.
func (s *PolicyService) evaluatePlain(ctx context.Context, sm *ScriptMap, p *Permission) error {
	for _, entry := range sm.entries {
		if !p.HasScope(entry.key.ScopeID) {
			continue
		}
		outcome, err := entry.script.Authorize(ctx, entry.authCtx)
		if err != nil {
			s.log.Error().Err(err).Str("script", entry.key.ScriptName).Msg("policy script failed")
			obs.ReportPolicyDenied()
			return ErrForbiddenByPolicy()
		}
		if !outcome.Granted {
			s.log.Info().
				Str("script", entry.key.ScriptName).
				Str("scope_id", entry.key.ScopeID).
				Str("permission_id", p.ID).
				Msg("policy denied")
			obs.ReportPolicyDenied()
			return ErrForbiddenByPolicy()
		}
	}
	return nil
}

// evaluateExpression computes a per-scope verdict for every var leaf of the
// resource's expression, strips denied scopes from the permission, and then
// lets the expression decide. Scopes a policy denied are removed even when
// the expression still grants through another branch.
func (s *PolicyService) evaluateExpression(ctx context.Context, sm *ScriptMap, p *Permission, resource *Resource) error {
	expr := resource.ScopeExpression
	if !IsExpressionValid(expr) {
		s.log.Error().Str("resource_id", resource.ID).Msg("stored scope expression is malformed")
		obs.ReportPolicyDenied()
		return ErrForbiddenByPolicy()
	}
	vars, err := CollectScopeVars(expr)
	if err != nil {
		obs.ReportPolicyDenied()
		return ErrForbiddenByPolicy()
	}
	// Every referenced scope must still resolve to a stored record; a leaf
	// that cannot be looked up cannot be granted.
	resolved := s.scopes.GetByScopeIDs(ctx, vars)
	if len(resolved) != len(vars) {
		s.log.Error().Str("resource_id", resource.ID).Msg("scope expression references unknown scopes")
		obs.ReportPolicyDenied()
		return ErrForbiddenByPolicy()
	}
	// Verdicts are only meaningful for scopes the permission carries; a leaf
	// outside the grant would see no policies and read as vacuously true.
	for _, scopeID := range vars {
		if !p.HasScope(scopeID) {
			s.log.Info().
				Str("resource_id", resource.ID).
				Str("scope_id", scopeID).
				Str("permission_id", p.ID).
				Msg("scope expression leaf not granted by the permission")
			obs.ReportPolicyDenied()
			return ErrForbiddenByPolicy()
		}
	}

	leafValues := make(map[string]bool, len(vars))
	kept := slices.Clone(p.ScopeIDs)
	for _, scopeID := range vars {
		verdict := true
		for _, entry := range sm.ForScope(scopeID) {
			outcome, err := entry.script.Authorize(ctx, entry.authCtx)
			if err != nil {
				s.log.Error().Err(err).Str("script", entry.key.ScriptName).Msg("policy script failed")
				verdict = false
				break
			}
			if !outcome.Granted {
				verdict = false
				break
			}
		}
		leafValues[scopeID] = verdict
		if !verdict {
			kept = slices.DeleteFunc(kept, func(id string) bool { return id == scopeID })
		}
	}

	if len(kept) != len(p.ScopeIDs) {
		p.ScopeIDs = kept
		s.perms.MergeSilently(ctx, p)
	}

	granted, err := EvaluateExpression(expr, leafValues)
	if err != nil {
		s.log.Error().Err(err).Str("resource_id", resource.ID).Msg("scope expression evaluation failed")
		obs.ReportPolicyDenied()
		return ErrForbiddenByPolicy()
	}
	if !granted {
		s.log.Info().Str("resource_id", resource.ID).Str("permission_id", p.ID).Msg("scope expression denied")
		obs.ReportPolicyDenied()
		return ErrForbiddenByPolicy()
	}
	return nil
}
