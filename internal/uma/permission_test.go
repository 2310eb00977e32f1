package uma

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestAddSharesOneTicketAcrossResources(t *testing.T) {
	env := newTestEnv(envOptions{})
	ctx := context.Background()

	ticket, err := env.perms.Add(ctx, []PermissionRequest{
		{ResourceID: "res-1", ScopeIDs: []string{"read"}},
		{ResourceID: "res-2", ScopeIDs: []string{"write", "admin"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	perms := env.perms.GetByTicket(ctx, ticket)
	if len(perms) != 2 {
		t.Fatalf("permissions = %d, want 2", len(perms))
	}
	for _, p := range perms {
		if p.Ticket != ticket {
			t.Fatalf("permission %s carries ticket %q, want %q", p.ID, p.Ticket, ticket)
		}
		if p.Status != StatusValid {
			t.Fatalf("permission %s status = %q, want %q", p.ID, p.Status, StatusValid)
		}
		if p.ExpiresAt.IsZero() || !p.ExpiresAt.After(p.CreatedAt) {
			t.Fatalf("permission %s has no lifetime: %+v", p.ID, p)
		}
	}
}

func TestChangeTicketPreservesBindings(t *testing.T) {
	env := newTestEnv(envOptions{})
	ctx := context.Background()
	ticket, err := env.perms.Add(ctx, []PermissionRequest{
		{ResourceID: "res-1", ScopeIDs: []string{"read", "write"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	newTicket, rotated, err := env.perms.ChangeTicket(ctx, ticket, map[string]string{AttrPCT: "pct-1"})
	if err != nil {
		t.Fatalf("ChangeTicket: %v", err)
	}
	if newTicket == ticket {
		t.Fatal("rotation must mint a new ticket value")
	}
	if len(rotated) != 1 {
		t.Fatalf("rotated = %d, want 1", len(rotated))
	}
	if rotated[0].ResourceID != "res-1" || !slices.Equal(rotated[0].ScopeIDs, []string{"read", "write"}) {
		t.Fatalf("rotation changed the binding: %+v", rotated[0])
	}
	if rotated[0].Attributes[AttrPCT] != "pct-1" {
		t.Fatalf("attributes = %v, want the pct recorded", rotated[0].Attributes)
	}

	if got := env.perms.GetByTicket(ctx, ticket); len(got) != 0 {
		t.Fatalf("old ticket still resolves %d permissions", len(got))
	}
	if got := env.perms.GetByTicket(ctx, newTicket); len(got) != 1 {
		t.Fatalf("new ticket resolves %d permissions, want 1", len(got))
	}
}

func TestChangeTicketUnknownTicket(t *testing.T) {
	env := newTestEnv(envOptions{})
	ctx := context.Background()

	_, _, err := env.perms.ChangeTicket(ctx, "no-such-ticket", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConsumeRemovesTicket(t *testing.T) {
	env := newTestEnv(envOptions{})
	ctx := context.Background()
	ticket, err := env.perms.Add(ctx, []PermissionRequest{{ResourceID: "res-1", ScopeIDs: []string{"read"}}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	env.perms.Consume(ctx, ticket)
	if got := env.perms.GetByTicket(ctx, ticket); len(got) != 0 {
		t.Fatalf("consumed ticket still resolves %d permissions", len(got))
	}
}

func TestFindByIDsPreservesRequestOrder(t *testing.T) {
	env := newTestEnv(envOptions{})
	ctx := context.Background()
	ticket, err := env.perms.Add(ctx, []PermissionRequest{
		{ResourceID: "res-1", ScopeIDs: []string{"read"}},
		{ResourceID: "res-2", ScopeIDs: []string{"write"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	perms := env.perms.GetByTicket(ctx, ticket)
	if len(perms) != 2 {
		t.Fatalf("permissions = %d, want 2", len(perms))
	}

	got, err := env.stores.Permissions.FindByIDs(ctx, []string{perms[1].ID, "ghost", perms[0].ID})
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("found = %d, want 2 with the unknown id skipped", len(got))
	}
	if got[0].ID != perms[1].ID || got[1].ID != perms[0].ID {
		t.Fatalf("order = [%s %s], want request order", got[0].ID, got[1].ID)
	}
}

func TestMergeUpdatesStoredPermission(t *testing.T) {
	env := newTestEnv(envOptions{})
	ctx := context.Background()
	ticket, err := env.perms.Add(ctx, []PermissionRequest{{ResourceID: "res-1", ScopeIDs: []string{"read", "write"}}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	p := env.perms.GetByTicket(ctx, ticket)[0]

	p.ScopeIDs = []string{"read"}
	env.perms.MergeSilently(ctx, p)

	got := env.perms.GetByTicket(ctx, ticket)[0]
	if !slices.Equal(got.ScopeIDs, []string{"read"}) {
		t.Fatalf("scopes = %v, want the merge persisted", got.ScopeIDs)
	}
}
