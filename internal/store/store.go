package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"templesite/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateUser(ctx context.Context, email, displayName, passwordHash string, role models.Role) (models.User, error) {
	now := time.Now().UTC()
	u := models.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id,email,display_name,password_hash,role,created_at) VALUES(?,?,?,?,?,?)`,
		u.ID, u.Email, u.DisplayName, u.PasswordHash, u.Role, u.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return models.User{}, ErrConflict
	}
	return u, err
}

func (s *Store) EnsureAdmin(ctx context.Context, email, passwordHash string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return nil
	}
	u, err := s.GetUserByEmail(ctx, email)
	if err == ErrNotFound {
		name := email
		if i := strings.IndexByte(email, '@'); i > 0 {
			name = email[:i]
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO users(id,email,display_name,password_hash,role,created_at) VALUES(?,?,?,?,?,?)`,
			uuid.NewString(), email, name, passwordHash, models.RoleAdmin, time.Now().UTC(),
		)
		return err
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET role='admin', password_hash=? WHERE id=?`,
		passwordHash, u.ID,
	)
	return err
}

const userCols = `id,email,display_name,password_hash,role,created_at,last_login_at`

func (s *Store) scanUser(row *sql.Row) (models.User, error) {
	var u models.User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email)))
	return s.scanUser(row)
}

func (s *Store) GetUserByDisplayName(ctx context.Context, name string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE display_name=?`, strings.TrimSpace(name))
	return s.scanUser(row)
}

// GetUserByIdentifier accepts either the email or the display name, so
// users who habitually type one or the other can both log in. The shape of
// the identifier only picks which lookup runs first; display names may
// themselves contain an @.
func (s *Store) GetUserByIdentifier(ctx context.Context, identifier string) (models.User, error) {
	first, second := s.GetUserByDisplayName, s.GetUserByEmail
	if strings.Contains(identifier, "@") {
		first, second = second, first
	}
	u, err := first(ctx, identifier)
	if err == ErrNotFound {
		return second(ctx, identifier)
	}
	return u, err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id)
	return s.scanUser(row)
}

func (s *Store) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, passwordHash, id)
	return err
}

func (s *Store) TouchUserLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, at, id)
	return err
}

func (s *Store) ListUsers(ctx context.Context, q models.UserQuery) ([]models.User, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.Q != "" {
		where = append(where, "(email LIKE ? OR display_name LIKE ?)")
		pat := "%" + q.Q + "%"
		args = append(args, pat, pat)
	}
	if q.Role != "" {
		where = append(where, "role=?")
		args = append(args, q.Role)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortCol := "created_at"
	if q.Sort == "email" || q.Sort == "display_name" {
		sortCol = q.Sort
	}
	order := "DESC"
	if strings.EqualFold(q.Order, "asc") {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userCols+` FROM users WHERE `+cond+` ORDER BY `+sortCol+` `+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		var lastLogin sql.NullTime
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt, &lastLogin); err != nil {
			return nil, 0, err
		}
		if lastLogin.Valid {
			t := lastLogin.Time
			u.LastLoginAt = &t
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

func (s *Store) UpsertTwoFactorSecret(ctx context.Context, userID, secretEncrypted string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO twofactor_secrets(user_id,secret_encrypted,created_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET secret_encrypted=excluded.secret_encrypted, created_at=excluded.created_at`,
		userID, secretEncrypted, time.Now().UTC(),
	)
	return err
}

func (s *Store) GetTwoFactorSecret(ctx context.Context, userID string) (models.TwoFactorSecret, error) {
	var rec models.TwoFactorSecret
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id,secret_encrypted,created_at FROM twofactor_secrets WHERE user_id=?`, userID,
	).Scan(&rec.UserID, &rec.SecretEncrypted, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return models.TwoFactorSecret{}, ErrNotFound
	}
	return rec, err
}

func (s *Store) DeleteTwoFactorSecret(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM twofactor_secrets WHERE user_id=?`, userID)
	return err
}

func (s *Store) AppendAudit(ctx context.Context, action, actor, ip, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(id,action,actor,ip,detail,created_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), action, actor, ip, detail, time.Now().UTC(),
	)
	return err
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
