package handler

import (
	"io"
	"net/http"
	"time"

	"household-ledger/internal/middleware"
	"household-ledger/internal/models"
	"household-ledger/internal/util"
	"household-ledger/internal/vault"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SessionHandler 负责口令保护和会话锁定相关接口
type SessionHandler struct {
	DB       *gorm.DB
	Sessions *vault.SessionStore
	Keyring  *vault.Keyring
}

func NewSessionHandler(db *gorm.DB, sessions *vault.SessionStore, keyring *vault.Keyring) *SessionHandler {
	return &SessionHandler{DB: db, Sessions: sessions, Keyring: keyring}
}

type passwordReq struct {
	Password string `json:"password" binding:"required"`
}

type changePasswordReq struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// EnablePassword 开启口令保护。PBKDF2/RSA 都是 CPU 密集操作，
// 只发生在这一次请求里，不影响其他请求。
func (h *SessionHandler) EnablePassword(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}

	var req passwordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}
	if !isStrongPassword(req.Password) {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "口令需8-32位，且包含大写、小写字母和数字")
		return
	}

	if err := h.Keyring.EnablePassword(user, req.Password); err != nil {
		engineError(c, err)
		return
	}

	// 开启保护后旧的便捷会话作废，需要用口令重新解锁
	h.Sessions.Lock(user.ID)

	util.Success(c, util.Response{
		"message": "口令保护已开启",
	})
}

// ChangePassword 修改加密口令。私钥和所有者授权换到新主密钥下，
// 公钥和分享出去的 RSA 授权不动。
func (h *SessionHandler) ChangePassword(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}

	var req changePasswordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}
	if !isStrongPassword(req.NewPassword) {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "口令需8-32位，且包含大写、小写字母和数字")
		return
	}

	if err := h.Keyring.ChangePassword(user, req.OldPassword, req.NewPassword); err != nil {
		engineError(c, err)
		return
	}

	// 会话里的旧主密钥已经失效，用新口令原地续上，不打断使用
	if h.Sessions.Active(user.ID) {
		h.Sessions.Lock(user.ID)
		if err := h.Sessions.Unlock(user, req.NewPassword); err != nil {
			engineError(c, err)
			return
		}
	}

	util.Success(c, util.Response{
		"message": "口令修改成功",
	})
}

// DisablePassword 关闭口令保护。名下还有加密账户时会被拒绝。
func (h *SessionHandler) DisablePassword(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}

	var req passwordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}

	if err := h.Keyring.DisablePassword(user, req.Password); err != nil {
		engineError(c, err)
		return
	}

	h.Sessions.Lock(user.ID)

	util.Success(c, util.Response{
		"message": "口令保护已关闭",
	})
}

// Unlock 用口令解锁当前成员；未设口令的成员走便捷解锁。
func (h *SessionHandler) Unlock(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}

	if !user.PasswordProtected {
		if err := h.Sessions.UnlockStartup(user); err != nil {
			engineError(c, err)
			return
		}
		util.Success(c, util.Response{"message": "已解锁"})
		return
	}

	var req passwordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}

	if err := h.Sessions.Unlock(user, req.Password); err != nil {
		engineError(c, err)
		return
	}

	util.Success(c, util.Response{"message": "已解锁"})
}

// Lock 立即锁定当前成员。
func (h *SessionHandler) Lock(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	h.Sessions.Lock(user.ID)
	util.Success(c, util.Response{"message": "已锁定"})
}

// Heartbeat 刷新所有活跃会话的空闲计时。前端定时调用。
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	h.Sessions.Heartbeat()
	util.Success(c, util.Response{"message": "ok"})
}

// GetAutoLock 查询自动锁定阈值（分钟）。
func (h *SessionHandler) GetAutoLock(c *gin.Context) {
	util.Success(c, util.Response{
		"auto_lock_minutes": int(h.Sessions.AutoLock() / time.Minute),
	})
}

type autoLockReq struct {
	Minutes int `json:"minutes"`
}

// SetAutoLock 修改自动锁定阈值；0 表示关闭。
func (h *SessionHandler) SetAutoLock(c *gin.Context) {
	var req autoLockReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Minutes < 0 {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}
	h.Sessions.SetAutoLock(time.Duration(req.Minutes) * time.Minute)
	util.Success(c, util.Response{
		"auto_lock_minutes": req.Minutes,
	})
}

// Status 报告每个成员的口令保护和锁定状态，从不泄露密钥材料。
func (h *SessionHandler) Status(c *gin.Context) {
	var users []models.User
	if err := h.DB.Order("id ASC").Find(&users).Error; err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "查询用户失败")
		return
	}

	members := make([]gin.H, 0, len(users))
	for i := range users {
		u := &users[i]
		members = append(members, gin.H{
			"id":                 u.ID,
			"username":           u.Username,
			"display_name":       u.DisplayName,
			"password_protected": u.PasswordProtected,
			"unlocked":           h.Sessions.Active(u.ID),
		})
	}

	util.Success(c, util.Response{"members": members})
}

// Events 以 SSE 推送锁定状态变化，前端据此弹出锁屏。
func (h *SessionHandler) Events(c *gin.Context) {
	ch, cancel := h.Sessions.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("session", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
