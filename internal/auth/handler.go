package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /api/auth/login のハンドラーです。成功時は CSRF トークンをヘッダーで返します。
func (m *Manager) Login(c *gin.Context) {
	if !m.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "AUTH_DISABLED",
			"error": "認証は無効化されています",
		})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_INPUT",
			"error": "username と password を JSON で送ってください",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "SERVER_MISCONFIGURATION",
			"error": err.Error(),
		})
		return
	}

	ip := c.ClientIP()
	now := m.now()
	if wait := m.limiter.retryAfter(ip, now); wait > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(wait.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":  "TOO_MANY_ATTEMPTS",
			"error": "一定時間後に再度お試しください",
		})
		return
	}

	if !m.verify(req.Username, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"error":             "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": m.limiter.fail(ip, now),
		})
		return
	}
	m.limiter.reset(ip)

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "TOKEN_GENERATION_FAILED",
			"error": "CSRF トークンの生成に失敗しました",
		})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionKeyUser, m.cfg.AppUsername)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "SESSION_SAVE_FAILED",
			"error": "セッションの保存に失敗しました",
		})
		return
	}

	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "SESSION_SAVE_FAILED",
			"error": "セッションの削除に失敗しました",
		})
		return
	}
	c.Status(http.StatusNoContent)
}
