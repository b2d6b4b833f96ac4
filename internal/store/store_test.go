package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"templesite/internal/db"
	"templesite/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "store_test.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.ApplyMigrationFile(conn, filepath.Join("..", "..", "migrations", "001_init.sql")); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	return New(conn)
}

func TestCreateUserAndConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "  Priest@Example.Org ", "priest", "hash-1", models.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Email != "priest@example.org" {
		t.Fatalf("email not normalized: %q", u.Email)
	}

	if _, err := st.CreateUser(ctx, "priest@example.org", "someoneelse", "hash-2", models.RoleUser); err != ErrConflict {
		t.Fatalf("duplicate email: want ErrConflict, got %v", err)
	}
	if _, err := st.CreateUser(ctx, "other@example.org", "priest", "hash-2", models.RoleUser); err != ErrConflict {
		t.Fatalf("duplicate display name: want ErrConflict, got %v", err)
	}
}

func TestGetUserByIdentifier(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateUser(ctx, "devotee@example.org", "devotee", "hash", models.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	byEmail, err := st.GetUserByIdentifier(ctx, "devotee@example.org")
	if err != nil || byEmail.ID != created.ID {
		t.Fatalf("lookup by email: %v %+v", err, byEmail)
	}
	byName, err := st.GetUserByIdentifier(ctx, "devotee")
	if err != nil || byName.ID != created.ID {
		t.Fatalf("lookup by display name: %v %+v", err, byName)
	}
	if _, err := st.GetUserByIdentifier(ctx, "nobody"); err != ErrNotFound {
		t.Fatalf("unknown identifier: want ErrNotFound, got %v", err)
	}
}

func TestGetUserByIdentifierDisplayNameWithAt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateUser(ctx, "guru@example.org", "guru@door", "hash", models.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := st.GetUserByIdentifier(ctx, "guru@door")
	if err != nil || u.ID != created.ID {
		t.Fatalf("display name containing @ not resolved: %v %+v", err, u)
	}
}

func TestEnsureAdmin(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.EnsureAdmin(ctx, "warden@example.org", "hash-a"); err != nil {
		t.Fatalf("EnsureAdmin create: %v", err)
	}
	u, err := st.GetUserByEmail(ctx, "warden@example.org")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.Role != models.RoleAdmin || u.DisplayName != "warden" {
		t.Fatalf("bootstrap record wrong: %+v", u)
	}

	// Second call with a new hash updates in place instead of erroring.
	if err := st.EnsureAdmin(ctx, "warden@example.org", "hash-b"); err != nil {
		t.Fatalf("EnsureAdmin update: %v", err)
	}
	u2, err := st.GetUserByEmail(ctx, "warden@example.org")
	if err != nil {
		t.Fatalf("lookup after update: %v", err)
	}
	if u2.ID != u.ID || u2.PasswordHash != "hash-b" {
		t.Fatalf("admin not updated in place: %+v", u2)
	}
}

func TestEnsureAdminMalformedEmail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// An operator typo without an @ must not take the process down.
	if err := st.EnsureAdmin(ctx, "adminwithoutat", "hash-a"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	u, err := st.GetUserByEmail(ctx, "adminwithoutat")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.Role != models.RoleAdmin || u.DisplayName != "adminwithoutat" {
		t.Fatalf("bootstrap record wrong: %+v", u)
	}
}

func TestUpdatePasswordAndLastLogin(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "devotee@example.org", "devotee", "old-hash", models.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := st.UpdateUserPassword(ctx, u.ID, "new-hash"); err != nil {
		t.Fatalf("UpdateUserPassword: %v", err)
	}
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	if err := st.TouchUserLastLogin(ctx, u.ID, at); err != nil {
		t.Fatalf("TouchUserLastLogin: %v", err)
	}

	got, err := st.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if got.PasswordHash != "new-hash" {
		t.Fatalf("password hash not updated")
	}
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(at) {
		t.Fatalf("last login not recorded: %v", got.LastLoginAt)
	}
}

func TestListUsersFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		email, name string
		role        models.Role
	}{
		{"admin@example.org", "keeper", models.RoleAdmin},
		{"alice@example.org", "alice", models.RoleUser},
		{"bob@example.org", "bob", models.RoleUser},
	}
	for _, s := range seed {
		if _, err := st.CreateUser(ctx, s.email, s.name, "h", s.role); err != nil {
			t.Fatalf("seed %s: %v", s.email, err)
		}
	}

	all, total, err := st.ListUsers(ctx, models.UserQuery{})
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("expected 3 users, got total=%d len=%d", total, len(all))
	}

	admins, total, err := st.ListUsers(ctx, models.UserQuery{Role: "admin"})
	if err != nil {
		t.Fatalf("ListUsers role filter: %v", err)
	}
	if total != 1 || len(admins) != 1 || admins[0].DisplayName != "keeper" {
		t.Fatalf("role filter wrong: total=%d %+v", total, admins)
	}

	matched, total, err := st.ListUsers(ctx, models.UserQuery{Q: "ali", Sort: "email", Order: "asc"})
	if err != nil {
		t.Fatalf("ListUsers search: %v", err)
	}
	if total != 1 || matched[0].Email != "alice@example.org" {
		t.Fatalf("search filter wrong: total=%d %+v", total, matched)
	}
}

func TestTwoFactorSecretLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "admin@example.org", "keeper", "h", models.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := st.GetTwoFactorSecret(ctx, u.ID); err != ErrNotFound {
		t.Fatalf("want ErrNotFound before enrollment, got %v", err)
	}
	if err := st.UpsertTwoFactorSecret(ctx, u.ID, "ciphertext-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.UpsertTwoFactorSecret(ctx, u.ID, "ciphertext-2"); err != nil {
		t.Fatalf("upsert replace: %v", err)
	}
	rec, err := st.GetTwoFactorSecret(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.SecretEncrypted != "ciphertext-2" {
		t.Fatalf("upsert did not replace: %q", rec.SecretEncrypted)
	}

	if err := st.DeleteTwoFactorSecret(ctx, u.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteTwoFactorSecret(ctx, u.ID); err != nil {
		t.Fatalf("repeat delete errored: %v", err)
	}
	if _, err := st.GetTwoFactorSecret(ctx, u.ID); err != ErrNotFound {
		t.Fatalf("secret survived deletion: %v", err)
	}
}
