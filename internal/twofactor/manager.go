package twofactor

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"log"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/xlzd/gotp"

	"templesite/internal/models"
	"templesite/internal/store"
	"templesite/internal/util"
)

const (
	secretLength = 32
	stepSeconds  = 30
	qrPixels     = 256
)

// SecretStore persists enrollment so it survives restarts. Secrets are
// encrypted with the manager key before they reach the store.
type SecretStore interface {
	UpsertTwoFactorSecret(ctx context.Context, userID, secretEncrypted string) error
	GetTwoFactorSecret(ctx context.Context, userID string) (models.TwoFactorSecret, error)
	DeleteTwoFactorSecret(ctx context.Context, userID string) error
}

// Manager holds at most one active TOTP secret per user. The in-memory map
// is a read-through cache over the store; with a nil store the manager is
// process-local only.
type Manager struct {
	mu      sync.Mutex
	secrets map[string]string
	st      SecretStore
	key     []byte
	issuer  string
	now     func() time.Time
}

func NewManager(st SecretStore, encryptKey, issuer string) *Manager {
	return &Manager{
		secrets: map[string]string{},
		st:      st,
		key:     util.Derive32ByteKey(encryptKey),
		issuer:  issuer,
		now:     time.Now,
	}
}

// GenerateSecret enrolls the user with a fresh random secret, replacing any
// prior one immediately, and returns the secret plus a scannable QR of the
// provisioning URI as a PNG data URI.
func (m *Manager) GenerateSecret(ctx context.Context, userID, accountLabel string) (secret, qrDataURI string, err error) {
	secret = gotp.RandomSecret(secretLength)
	uri := gotp.NewDefaultTOTP(secret).ProvisioningUri(accountLabel, m.issuer)
	png, err := qrcode.Encode(uri, qrcode.Medium, qrPixels)
	if err != nil {
		return "", "", err
	}
	if m.st != nil {
		enc, err := util.EncryptString(m.key, secret)
		if err != nil {
			return "", "", err
		}
		if err := m.st.UpsertTwoFactorSecret(ctx, userID, enc); err != nil {
			return "", "", err
		}
	}
	m.mu.Lock()
	m.secrets[userID] = secret
	m.mu.Unlock()
	return secret, "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// VerifyCode checks the submitted code against the current step and one step
// either side to tolerate clock drift. With no enrolled secret it fails
// closed rather than erroring.
func (m *Manager) VerifyCode(ctx context.Context, userID, code string) bool {
	secret, ok := m.lookupSecret(ctx, userID)
	if !ok {
		log.Printf("twofactor_verify_without_secret user_id=%s", userID)
		return false
	}
	totp := gotp.NewDefaultTOTP(secret)
	now := m.now().Unix()
	for _, off := range []int64{-stepSeconds, 0, stepSeconds} {
		expected := totp.At(now + off)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// RemoveSecret disables 2FA for the user. Removing an absent secret is not
// an error.
func (m *Manager) RemoveSecret(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.secrets, userID)
	m.mu.Unlock()
	if m.st != nil {
		return m.st.DeleteTwoFactorSecret(ctx, userID)
	}
	return nil
}

// Enrolled reports whether the user currently has an active secret.
func (m *Manager) Enrolled(ctx context.Context, userID string) bool {
	_, ok := m.lookupSecret(ctx, userID)
	return ok
}

func (m *Manager) lookupSecret(ctx context.Context, userID string) (string, bool) {
	m.mu.Lock()
	secret, ok := m.secrets[userID]
	m.mu.Unlock()
	if ok {
		return secret, true
	}
	if m.st == nil {
		return "", false
	}
	rec, err := m.st.GetTwoFactorSecret(ctx, userID)
	if err == store.ErrNotFound {
		return "", false
	}
	if err != nil {
		log.Printf("twofactor_store_read_failed user_id=%s err=%v", userID, err)
		return "", false
	}
	secret, err = util.DecryptString(m.key, rec.SecretEncrypted)
	if err != nil {
		log.Printf("twofactor_secret_decrypt_failed user_id=%s err=%v", userID, err)
		return "", false
	}
	m.mu.Lock()
	m.secrets[userID] = secret
	m.mu.Unlock()
	return secret, true
}
