// Package auth はコマンドAPIのログインセッションとCSRF保護を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/music-ripper/internal/config"
)

const (
	SessionCookieName = "mr_session"

	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"

	// ContextUserKey はログイン済みユーザー名を gin.Context に保存するキーです。
	ContextUserKey = "auth.user"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// Manager はログイン状態の検証をまとめた構造体です。
// APP_USERNAME が未設定の場合は認証を行わず、すべてのリクエストを通します。
type Manager struct {
	cfg     *config.Config
	limiter *attemptLimiter
	now     func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:     cfg,
		limiter: newAttemptLimiter(5, 15*time.Minute, 10*time.Minute),
		now:     time.Now,
	}
}

// Enabled は認証が有効かどうかを返します。
func (m *Manager) Enabled() bool {
	return m.cfg != nil && m.cfg.AuthEnabled()
}

func (m *Manager) ensureCredentials() error {
	switch {
	case m.cfg.AppUsername == "":
		return errors.New("APP_USERNAME が設定されていません")
	case m.cfg.AppPasswordHash == "":
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	case m.cfg.SessionSecret == "":
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verify(username, password string) bool {
	if username != m.cfg.AppUsername {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
