package uma

import (
	"context"
	"testing"
)

func seedSet(ids ...string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestGetOrCreateReturnsExistingScope(t *testing.T) {
	env := newTestEnv(envOptions{allowSpontaneous: true})
	ctx := context.Background()
	client := env.seedClient(ctx, "client-1")
	env.seedScope(ctx, "read")

	sc := env.scopes.GetOrCreate(ctx, client, "read", nil)
	if sc == nil || sc.ID != "read" {
		t.Fatalf("scope = %+v, want the stored read scope", sc)
	}
	if sc.Spontaneous {
		t.Fatal("a stored scope must not be reported as spontaneous")
	}
}

func TestGetOrCreateSpontaneousGating(t *testing.T) {
	ctx := context.Background()

	// Server switch off: nothing is created.
	env := newTestEnv(envOptions{allowSpontaneous: false})
	client := env.seedClient(ctx, "client-1")
	if sc := env.scopes.GetOrCreate(ctx, client, "repo:read", seedSet("repo:read")); sc != nil {
		t.Fatalf("scope = %+v, want nil with the server switch off", sc)
	}

	// Client flag off: nothing is created.
	env = newTestEnv(envOptions{allowSpontaneous: true})
	restricted := &Client{ID: "client-2", AllowSpontaneousScopes: false}
	if err := env.stores.Clients.Save(ctx, restricted); err != nil {
		t.Fatalf("save client: %v", err)
	}
	if sc := env.scopes.GetOrCreate(ctx, restricted, "repo:read", seedSet("repo:read")); sc != nil {
		t.Fatalf("scope = %+v, want nil with the client flag off", sc)
	}

	// No seed admits the identifier: nothing is created.
	client = env.seedClient(ctx, "client-3")
	if sc := env.scopes.GetOrCreate(ctx, client, "repo:read", seedSet("other")); sc != nil {
		t.Fatalf("scope = %+v, want nil without a matching seed", sc)
	}

	// All three gates open: the scope is created spontaneous, non-deletable.
	sc := env.scopes.GetOrCreate(ctx, client, "repo:read", seedSet("repo:read"))
	if sc == nil {
		t.Fatal("expected a spontaneous scope")
	}
	if !sc.Spontaneous || sc.Deletable {
		t.Fatalf("scope = %+v, want spontaneous and non-deletable", sc)
	}
}

func TestGetOrCreateSeedRegex(t *testing.T) {
	env := newTestEnv(envOptions{allowSpontaneous: true})
	ctx := context.Background()
	client := env.seedClient(ctx, "client-1")

	sc := env.scopes.GetOrCreate(ctx, client, "repo:read", seedSet("repo:.*"))
	if sc == nil {
		t.Fatal("expected the regex seed to admit repo:read")
	}

	// Anchoring: the seed must match the whole identifier.
	if sc := env.scopes.GetOrCreate(ctx, client, "myrepo:read", seedSet("repo:.*")); sc != nil {
		t.Fatalf("scope = %+v, want nil for a prefix mismatch", sc)
	}
}

func TestGetOrCreateSpontaneousIdempotent(t *testing.T) {
	env := newTestEnv(envOptions{allowSpontaneous: true})
	ctx := context.Background()
	client := env.seedClient(ctx, "client-1")
	seeds := seedSet("repo:.*")

	first := env.scopes.GetOrCreate(ctx, client, "repo:read", seeds)
	if first == nil {
		t.Fatal("expected a created scope")
	}
	second := env.scopes.GetOrCreate(ctx, client, "repo:read", seeds)
	if second == nil {
		t.Fatal("expected the scope to resolve on the second call")
	}
	if first.Ref != second.Ref {
		t.Fatalf("refs differ (%q vs %q), a repeat lookup must not create a duplicate", first.Ref, second.Ref)
	}
}

func TestRefsByScopeIDsAddIfNeeded(t *testing.T) {
	env := newTestEnv(envOptions{})
	ctx := context.Background()
	existing := env.seedScope(ctx, "read")

	refs, err := env.scopes.RefsByScopeIDsAddIfNeeded(ctx, []string{"read", "write"})
	if err != nil {
		t.Fatalf("RefsByScopeIDsAddIfNeeded: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %v, want two", refs)
	}
	if refs[0] != existing.Ref {
		t.Fatalf("refs[0] = %q, want the existing ref %q", refs[0], existing.Ref)
	}

	created, err := env.stores.Scopes.FindByScopeID(ctx, "write")
	if err != nil {
		t.Fatalf("FindByScopeID: %v", err)
	}
	if created.Spontaneous || !created.Deletable {
		t.Fatalf("scope = %+v, want an ordinary deletable record", created)
	}
}
