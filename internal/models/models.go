package models

import "time"

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// PublicUser is the non-sensitive projection returned by login and /me.
type PublicUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

func (u User) Public() PublicUser {
	return PublicUser{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, Role: string(u.Role)}
}

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

type Alert struct {
	ID        string            `json:"id"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// TwoFactorSecret is the encrypted-at-rest row backing TOTP enrollment.
type TwoFactorSecret struct {
	UserID          string
	SecretEncrypted string
	CreatedAt       time.Time
}

type UserQuery struct {
	Q      string
	Role   string
	Sort   string
	Order  string
	Limit  int
	Offset int
}
