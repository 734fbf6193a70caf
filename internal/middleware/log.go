package middleware

import (
	"bytes"
	"crypto/sha256"
	"io"

	"household-ledger/internal/crypto"
	"household-ledger/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// auditSeal 用系统审计密钥加密一段明文。审计密钥与成员口令体系无关，
// 只是避免操作记录在库文件里裸奔。
func auditSeal(auditKey, plain string) (string, error) {
	if plain == "" || auditKey == "" {
		return plain, nil
	}
	key := sha256.Sum256([]byte(auditKey))
	return crypto.SealString(key[:], plain, nil)
}

// AuditOpen 解密审计列（日志查询接口用）。解不开就原样返回。
func AuditOpen(auditKey, stored string) string {
	if stored == "" || auditKey == "" {
		return stored
	}
	key := sha256.Sum256([]byte(auditKey))
	plain, err := crypto.OpenString(key[:], stored, nil)
	if err != nil {
		return stored
	}
	return plain
}

// AuditMiddleware 把登录用户的操作记入审计日志，路径和动作加密存储。
func AuditMiddleware(db *gorm.DB, auditKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 读取请求体（放回去供后续 handler 使用）
		var bodyBytes []byte
		if c.Request.Body != nil {
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		// 执行请求
		c.Next()

		// 只记录登录用户的操作
		var userID uint
		if user, ok := CurrentUser(c); ok {
			userID = user.ID
		}
		if userID == 0 {
			return
		}

		path := c.Request.URL.Path
		action := c.Request.Method + " " + path
		// 口令和密钥材料绝不进审计日志
		if len(bodyBytes) > 0 && len(bodyBytes) < 2000 && !sensitivePath(path) {
			action += " " + string(bodyBytes)
		}

		encPath, _ := auditSeal(auditKey, path)
		encAction, _ := auditSeal(auditKey, action)

		log := models.AuditLog{
			UserID:    &userID,
			Method:    c.Request.Method,
			PathEnc:   encPath,
			ActionEnc: encAction,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}

		_ = db.Create(&log).Error
	}
}

// sensitivePath 这些接口的请求体里有口令，不能进日志。
func sensitivePath(path string) bool {
	switch path {
	case "/api/session/unlock",
		"/api/session/password/enable",
		"/api/session/password/change",
		"/api/session/password/disable",
		"/api/auth/login",
		"/api/auth/register":
		return true
	}
	return false
}
