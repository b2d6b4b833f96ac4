package service

import (
	"context"
	"testing"
	"time"

	"templesite/internal/auth"
	"templesite/internal/config"
	"templesite/internal/models"
	"templesite/internal/monitor"
	"templesite/internal/rate"
	"templesite/internal/store"
)

type countingStore struct {
	users       map[string]models.User
	lookupCalls int
}

func newCountingStore(users ...models.User) *countingStore {
	s := &countingStore{users: map[string]models.User{}}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *countingStore) Ping(ctx context.Context) error { return nil }

func (s *countingStore) CreateUser(ctx context.Context, email, displayName, passwordHash string, role models.Role) (models.User, error) {
	for _, u := range s.users {
		if u.Email == email || u.DisplayName == displayName {
			return models.User{}, store.ErrConflict
		}
	}
	u := models.User{ID: "u-" + displayName, Email: email, DisplayName: displayName, PasswordHash: passwordHash, Role: role, CreatedAt: time.Now().UTC()}
	s.users[u.ID] = u
	return u, nil
}

func (s *countingStore) GetUserByIdentifier(ctx context.Context, identifier string) (models.User, error) {
	s.lookupCalls++
	for _, u := range s.users {
		if u.Email == identifier || u.DisplayName == identifier {
			return u, nil
		}
	}
	return models.User{}, store.ErrNotFound
}

func (s *countingStore) GetUserByID(ctx context.Context, id string) (models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return models.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *countingStore) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	u := s.users[id]
	u.PasswordHash = passwordHash
	s.users[id] = u
	return nil
}

func (s *countingStore) TouchUserLastLogin(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (s *countingStore) ListUsers(ctx context.Context, q models.UserQuery) ([]models.User, int, error) {
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, len(out), nil
}

func (s *countingStore) AppendAudit(ctx context.Context, action, actor, ip, detail string) error {
	return nil
}

type fakeTwoFactor struct {
	accept      string
	verifyCalls int
}

func (f *fakeTwoFactor) GenerateSecret(ctx context.Context, userID, label string) (string, string, error) {
	return "SECRET", "data:image/png;base64,xxxx", nil
}

func (f *fakeTwoFactor) VerifyCode(ctx context.Context, userID, code string) bool {
	f.verifyCalls++
	return code == f.accept
}

func (f *fakeTwoFactor) RemoveSecret(ctx context.Context, userID string) error { return nil }

func (f *fakeTwoFactor) Enrolled(ctx context.Context, userID string) bool { return f.accept != "" }

func testConfig(require2FA bool) config.Config {
	return config.Config{
		SessionSigningKey: "session-signing-key-for-tests-1",
		CSRFSigningKey:    "csrf-signing-key-for-tests-001",
		SessionHours:      24,
		RequireAdmin2FA:   require2FA,
		PasswordMinLength: 8,
		PasswordMaxLength: 128,
	}
}

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := auth.HashPassword(pw)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}

func newTestService(t *testing.T, require2FA bool, users ...models.User) (*Service, *countingStore, *fakeTwoFactor, *rate.Blocker) {
	t.Helper()
	st := newCountingStore(users...)
	twofa := &fakeTwoFactor{accept: "424242"}
	blocker := rate.NewBlocker(3, 15*time.Minute, time.Hour)
	mon := monitor.New(nil)
	t.Cleanup(mon.Close)
	return New(testConfig(require2FA), st, twofa, blocker, mon), st, twofa, blocker
}

func TestLoginSuccessIssuesTokenAndCSRFPair(t *testing.T) {
	user := models.User{ID: "u1", Email: "devotee@example.org", DisplayName: "devotee", PasswordHash: mustHash(t, "SecretPass123"), Role: models.RoleUser}
	svc, _, _, _ := newTestService(t, false, user)

	res, err := svc.Login(context.Background(), LoginInput{Identifier: "devotee@example.org", Password: "SecretPass123", IP: "192.0.2.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := svc.VerifyToken(res.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != "user" || claims.DisplayName != "devotee" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if !auth.VerifyCSRF(svc.CSRFKey(), res.CSRFSecret, res.CSRFToken) {
		t.Fatalf("issued csrf pair does not verify")
	}
}

func TestLoginByDisplayName(t *testing.T) {
	user := models.User{ID: "u1", Email: "devotee@example.org", DisplayName: "devotee", PasswordHash: mustHash(t, "SecretPass123"), Role: models.RoleUser}
	svc, _, _, _ := newTestService(t, false, user)

	if _, err := svc.Login(context.Background(), LoginInput{Identifier: "devotee", Password: "SecretPass123", IP: "192.0.2.1"}); err != nil {
		t.Fatalf("login by display name: %v", err)
	}
}

func TestLoginIndistinguishableFailures(t *testing.T) {
	user := models.User{ID: "u1", Email: "devotee@example.org", DisplayName: "devotee", PasswordHash: mustHash(t, "SecretPass123"), Role: models.RoleUser}
	svc, _, _, _ := newTestService(t, false, user)

	_, errUnknown := svc.Login(context.Background(), LoginInput{Identifier: "nouser@x.com", Password: "whatever", IP: "192.0.2.1"})
	_, errBadPass := svc.Login(context.Background(), LoginInput{Identifier: "devotee@example.org", Password: "wrong", IP: "192.0.2.1"})
	if errUnknown != ErrInvalidCredentials || errBadPass != ErrInvalidCredentials {
		t.Fatalf("failures distinguishable: unknown=%v badpass=%v", errUnknown, errBadPass)
	}
}

func TestLoginTwoFactorStepUp(t *testing.T) {
	admin := models.User{ID: "a1", Email: "admin@example.org", DisplayName: "admin", PasswordHash: mustHash(t, "AdminPass123"), Role: models.RoleAdmin}
	svc, _, twofa, _ := newTestService(t, true, admin)

	_, err := svc.Login(context.Background(), LoginInput{Identifier: "admin@example.org", Password: "AdminPass123", IP: "192.0.2.1"})
	if err != ErrTwoFactorRequired {
		t.Fatalf("expected step-up, got %v", err)
	}
	if twofa.verifyCalls != 0 {
		t.Fatalf("verify called before a code was submitted")
	}

	_, err = svc.Login(context.Background(), LoginInput{Identifier: "admin@example.org", Password: "AdminPass123", TOTPCode: "111111", IP: "192.0.2.1"})
	if err != ErrInvalidTwoFactor {
		t.Fatalf("expected invalid 2FA, got %v", err)
	}

	if _, err = svc.Login(context.Background(), LoginInput{Identifier: "admin@example.org", Password: "AdminPass123", TOTPCode: "424242", IP: "192.0.2.1"}); err != nil {
		t.Fatalf("expected success with valid code, got %v", err)
	}
}

func TestLoginSkips2FAForRegularUsers(t *testing.T) {
	user := models.User{ID: "u1", Email: "devotee@example.org", DisplayName: "devotee", PasswordHash: mustHash(t, "SecretPass123"), Role: models.RoleUser}
	svc, _, twofa, _ := newTestService(t, true, user)

	if _, err := svc.Login(context.Background(), LoginInput{Identifier: "devotee", Password: "SecretPass123", IP: "192.0.2.1"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if twofa.verifyCalls != 0 {
		t.Fatalf("2FA consulted for a non-admin account")
	}
}

func TestBlockedIPShortCircuits(t *testing.T) {
	user := models.User{ID: "u1", Email: "devotee@example.org", DisplayName: "devotee", PasswordHash: mustHash(t, "SecretPass123"), Role: models.RoleUser}
	svc, st, twofa, blocker := newTestService(t, true, user)

	for i := 0; i < 3; i++ {
		blocker.RecordSuspicious("203.0.113.9")
	}
	st.lookupCalls = 0

	_, err := svc.Login(context.Background(), LoginInput{Identifier: "devotee@example.org", Password: "SecretPass123", IP: "203.0.113.9"})
	if err != ErrIPBlocked {
		t.Fatalf("expected blocked, got %v", err)
	}
	if st.lookupCalls != 0 {
		t.Fatalf("credential store touched for a blocked IP (%d calls)", st.lookupCalls)
	}
	if twofa.verifyCalls != 0 {
		t.Fatalf("2FA touched for a blocked IP")
	}
}

func TestFailedLoginsLeadToBlock(t *testing.T) {
	user := models.User{ID: "u1", Email: "devotee@example.org", DisplayName: "devotee", PasswordHash: mustHash(t, "SecretPass123"), Role: models.RoleUser}
	svc, _, _, blocker := newTestService(t, false, user)

	for i := 0; i < 3; i++ {
		if _, err := svc.Login(context.Background(), LoginInput{Identifier: "devotee", Password: "wrong", IP: "198.51.100.4"}); err != ErrInvalidCredentials {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if !blocker.IsBlocked("198.51.100.4") {
		t.Fatalf("IP not blocked after repeated failures")
	}
}

func TestRegisterAndChangePassword(t *testing.T) {
	svc, _, _, _ := newTestService(t, false)

	u, err := svc.Register(context.Background(), "new@example.org", "newcomer", "FirstPass123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(context.Background(), "new@example.org", "other", "FirstPass123"); err != ErrConflict {
		t.Fatalf("duplicate email accepted: %v", err)
	}

	if err := svc.ChangePassword(context.Background(), u.ID, "wrong", "NextPass123"); err != ErrInvalidCredentials {
		t.Fatalf("change with wrong current password: %v", err)
	}
	if err := svc.ChangePassword(context.Background(), u.ID, "FirstPass123", "NextPass123"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, err := svc.Login(context.Background(), LoginInput{Identifier: "newcomer", Password: "NextPass123", IP: "192.0.2.1"}); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}
