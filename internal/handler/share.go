package handler

import (
	"net/http"
	"strconv"

	"household-ledger/internal/middleware"
	"household-ledger/internal/share"
	"household-ledger/internal/util"

	"github.com/gin-gonic/gin"
)

// ShareHandler 负责分享授权和默认分享规则接口
type ShareHandler struct {
	Shares *share.Manager
}

func NewShareHandler(shares *share.Manager) *ShareHandler {
	return &ShareHandler{Shares: shares}
}

type createShareReq struct {
	EntityType  string `json:"entity_type" binding:"required"`
	EntityID    uint   `json:"entity_id" binding:"required"`
	RecipientID uint   `json:"recipient_id" binding:"required"`
	Permissions string `json:"permissions" binding:"required"`
}

// Create POST /api/shares
func (h *ShareHandler) Create(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	var req createShareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}

	grant, err := h.Shares.CreateShare(user.ID, req.EntityType, req.EntityID, req.RecipientID, req.Permissions)
	if err != nil {
		engineError(c, err)
		return
	}
	util.Success(c, util.Response{
		"share": shareView(grant.ID, grant.EntityType, grant.EntityID, grant.RecipientID, grant.Permissions),
	})
}

// Revoke DELETE /api/shares/:id
func (h *ShareHandler) Revoke(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	if err := h.Shares.RevokeShare(user.ID, c.Param("id")); err != nil {
		engineError(c, err)
		return
	}
	util.Success(c, util.Response{"message": "分享已撤销"})
}

type permissionsReq struct {
	Permissions string `json:"permissions" binding:"required"`
}

// UpdatePermissions PUT /api/shares/:id/permissions
func (h *ShareHandler) UpdatePermissions(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	var req permissionsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}
	if err := h.Shares.UpdatePermissions(user.ID, c.Param("id"), req.Permissions); err != nil {
		engineError(c, err)
		return
	}
	util.Success(c, util.Response{"message": "权限已更新"})
}

// ForEntity GET /api/shares/entity/:type/:id
func (h *ShareHandler) ForEntity(c *gin.Context) {
	if _, ok := middleware.CurrentUser(c); !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "无效的ID")
		return
	}

	grants, err := h.Shares.SharesForEntity(c.Param("type"), uint(id))
	if err != nil {
		engineError(c, err)
		return
	}
	items := make([]util.Response, 0, len(grants))
	for _, g := range grants {
		items = append(items, shareView(g.ID, g.EntityType, g.EntityID, g.RecipientID, g.Permissions))
	}
	util.Success(c, util.Response{"shares": items})
}

// WithMe GET /api/shares/with-me
func (h *ShareHandler) WithMe(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	grants, err := h.Shares.SharedWithMe(user.ID)
	if err != nil {
		engineError(c, err)
		return
	}
	items := make([]util.Response, 0, len(grants))
	for _, g := range grants {
		items = append(items, shareView(g.ID, g.EntityType, g.EntityID, g.RecipientID, g.Permissions))
	}
	util.Success(c, util.Response{"shares": items})
}

type defaultRuleReq struct {
	RecipientID uint   `json:"recipient_id" binding:"required"`
	EntityType  string `json:"entity_type" binding:"required"`
	Permissions string `json:"permissions" binding:"required"`
}

// SetDefault POST /api/shares/defaults
func (h *ShareHandler) SetDefault(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	var req defaultRuleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}

	rule, err := h.Shares.SetDefault(user.ID, req.RecipientID, req.EntityType, req.Permissions)
	if err != nil {
		engineError(c, err)
		return
	}
	util.Success(c, util.Response{
		"default": util.Response{
			"id":           rule.ID,
			"recipient_id": rule.RecipientID,
			"entity_type":  rule.EntityType,
			"permissions":  rule.Permissions,
		},
	})
}

// RemoveDefault DELETE /api/shares/defaults/:id
func (h *ShareHandler) RemoveDefault(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "无效的ID")
		return
	}
	if err := h.Shares.RemoveDefault(user.ID, uint(id)); err != nil {
		engineError(c, err)
		return
	}
	util.Success(c, util.Response{"message": "默认规则已删除"})
}

// Defaults GET /api/shares/defaults
func (h *ShareHandler) Defaults(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	rules, err := h.Shares.Defaults(user.ID)
	if err != nil {
		engineError(c, err)
		return
	}
	items := make([]util.Response, 0, len(rules))
	for _, r := range rules {
		items = append(items, util.Response{
			"id":           r.ID,
			"recipient_id": r.RecipientID,
			"entity_type":  r.EntityType,
			"permissions":  r.Permissions,
		})
	}
	util.Success(c, util.Response{"defaults": items})
}

// shareView 授权的对外视图。包裹后的 DEK 永远不出接口。
func shareView(id, entityType string, entityID, recipientID uint, permissions string) util.Response {
	return util.Response{
		"id":           id,
		"entity_type":  entityType,
		"entity_id":    entityID,
		"recipient_id": recipientID,
		"permissions":  permissions,
	}
}
