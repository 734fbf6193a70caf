package handler

import (
	"net/http"
	"strings"

	"household-ledger/internal/middleware"
	"household-ledger/internal/util"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// UpdateProfileReq 更新基本资料请求
type UpdateProfileReq struct {
	DisplayName string `json:"display_name" binding:"max=64"`
}

// ChangeLoginPasswordReq 修改登录密码请求。
// 登录密码和加密口令是两套体系：改登录密码不影响任何密钥。
type ChangeLoginPasswordReq struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8,max=32"`
}

// Me GET /api/me 返回当前成员的基本资料
func Me(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	util.Success(c, util.Response{
		"user": gin.H{
			"id":                 user.ID,
			"username":           user.Username,
			"display_name":       user.DisplayName,
			"password_protected": user.PasswordProtected,
		},
	})
}

// UpdateProfile 更新当前成员的昵称
func UpdateProfile(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.CurrentUser(c)
		if !ok {
			util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
			return
		}

		var req UpdateProfileReq
		if err := c.ShouldBindJSON(&req); err != nil {
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
			return
		}

		req.DisplayName = strings.TrimSpace(req.DisplayName)

		if err := db.Model(user).Update("display_name", req.DisplayName).Error; err != nil {
			util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "更新失败")
			return
		}

		user.DisplayName = req.DisplayName

		util.Success(c, util.Response{
			"user": gin.H{
				"id":           user.ID,
				"username":     user.Username,
				"display_name": user.DisplayName,
			},
		})
	}
}

// ChangeLoginPassword 修改登录密码（bcrypt）。不触碰密钥和授权。
func ChangeLoginPassword(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.CurrentUser(c)
		if !ok {
			util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
			return
		}

		var req ChangeLoginPasswordReq
		if err := c.ShouldBindJSON(&req); err != nil {
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.LoginHash), []byte(req.OldPassword)); err != nil {
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "原密码错误")
			return
		}
		if !isStrongPassword(req.NewPassword) {
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "密码需8-32位，且包含大写、小写字母和数字")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcryptCost)
		if err != nil {
			util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "密码加密失败")
			return
		}

		if err := db.Model(user).Update("login_hash", string(hash)).Error; err != nil {
			util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "更新密码失败")
			return
		}

		util.Success(c, util.Response{
			"message": "密码修改成功，请使用新密码重新登录",
		})
	}
}
