package uma

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGPermissionSaveCommitsInOneTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := NewPostgres(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO uma_permissions").
		WithArgs("p1", "t1", "res-1", []byte(`["read"]`), []byte(`{}`), now, now.Add(time.Hour), StatusValid).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO uma_permissions").
		WithArgs("p2", "t1", "res-2", []byte(`["write"]`), []byte(`{}`), now, now.Add(time.Hour), StatusValid).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = stores.Permissions.Save(context.Background(),
		&Permission{ID: "p1", Ticket: "t1", ResourceID: "res-1", ScopeIDs: []string{"read"}, Attributes: map[string]string{}, CreatedAt: now, ExpiresAt: now.Add(time.Hour), Status: StatusValid},
		&Permission{ID: "p2", Ticket: "t1", ResourceID: "res-2", ScopeIDs: []string{"write"}, Attributes: map[string]string{}, CreatedAt: now, ExpiresAt: now.Add(time.Hour), Status: StatusValid},
	)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGPermissionMergeNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := NewPostgres(db)

	mock.ExpectExec("UPDATE uma_permissions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = stores.Permissions.Merge(context.Background(), &Permission{ID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGPermissionFindByTicketScans(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := NewPostgres(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "ticket", "resource_id", "scope_ids", "attributes", "created_at", "expires_at", "status"}).
		AddRow("p1", "t1", "res-1", []byte(`["read","write"]`), []byte(`{"pct":"c1"}`), now, now.Add(time.Hour), StatusValid)
	mock.ExpectQuery("FROM uma_permissions WHERE ticket").
		WithArgs("t1").
		WillReturnRows(rows)

	perms, err := stores.Permissions.FindByTicket(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FindByTicket: %v", err)
	}
	if len(perms) != 1 {
		t.Fatalf("permissions = %d, want 1", len(perms))
	}
	if !slices.Equal(perms[0].ScopeIDs, []string{"read", "write"}) {
		t.Fatalf("scopes = %v", perms[0].ScopeIDs)
	}
	if perms[0].Attributes[AttrPCT] != "c1" {
		t.Fatalf("attributes = %v", perms[0].Attributes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGRotateTicketReturnsRewrittenSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := NewPostgres(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "ticket", "resource_id", "scope_ids", "attributes", "created_at", "expires_at", "status"}).
		AddRow("p1", "t2", "res-1", []byte(`["read"]`), []byte(`{"pct":"c1"}`), now, now.Add(time.Hour), StatusValid)
	mock.ExpectQuery("UPDATE uma_permissions").
		WithArgs("t1", "t2", []byte(`{"pct":"c1"}`)).
		WillReturnRows(rows)

	perms, err := stores.Permissions.RotateTicket(context.Background(), "t1", "t2", map[string]string{"pct": "c1"})
	if err != nil {
		t.Fatalf("RotateTicket: %v", err)
	}
	if len(perms) != 1 || perms[0].Ticket != "t2" {
		t.Fatalf("permissions = %+v", perms)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGRotateTicketNothingMatched(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := NewPostgres(db)

	rows := sqlmock.NewRows([]string{"id", "ticket", "resource_id", "scope_ids", "attributes", "created_at", "expires_at", "status"})
	mock.ExpectQuery("UPDATE uma_permissions").
		WillReturnRows(rows)

	_, err = stores.Permissions.RotateTicket(context.Background(), "ghost", "t2", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPGResourceRoundTripAndMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := NewPostgres(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "name", "scope_ids", "scope_expression", "associated_clients", "created_at", "expires_at"}).
		AddRow("res-1", "photos", []byte(`["read"]`), "", []byte(`["client-1"]`), now, nil)
	mock.ExpectQuery("FROM uma_resources WHERE id").
		WithArgs("res-1").
		WillReturnRows(rows)

	r, err := stores.Resources.FindByID(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if r.Name != "photos" || !slices.Equal(r.AssociatedClients, []string{"client-1"}) {
		t.Fatalf("resource = %+v", r)
	}
	if r.ExpiresAt != nil {
		t.Fatalf("expires_at = %v, want nil", r.ExpiresAt)
	}

	mock.ExpectQuery("FROM uma_resources WHERE id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "scope_ids", "scope_expression", "associated_clients", "created_at", "expires_at"}))
	if _, err := stores.Resources.FindByID(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGResourceDeleteNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := NewPostgres(db)

	mock.ExpectExec("DELETE FROM uma_resources").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := stores.Resources.Delete(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPGGrantFindByTokenHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	stores := NewPostgres(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"token_hash", "client_id", "scopes", "expires_at"}).
		AddRow(HashToken("pat-1"), "rs-1", []byte(`["uma_protection"]`), now.Add(time.Hour))
	mock.ExpectQuery("FROM oauth_grants WHERE token_hash").
		WithArgs(HashToken("pat-1")).
		WillReturnRows(rows)

	g, err := stores.Grants.FindByTokenHash(context.Background(), HashToken("pat-1"))
	if err != nil {
		t.Fatalf("FindByTokenHash: %v", err)
	}
	if !g.HasScope(ScopeProtection) {
		t.Fatalf("grant = %+v, want the protection scope", g)
	}
}

func TestDeleteExpiredSweepsEveryTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	for _, table := range []string{"uma_permissions", "uma_pcts", "uma_rpts", "uma_gather_sessions"} {
		mock.ExpectExec("DELETE FROM " + table).
			WithArgs(now).
			WillReturnResult(sqlmock.NewResult(0, 3))
	}

	if err := DeleteExpired(context.Background(), db, now); err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
