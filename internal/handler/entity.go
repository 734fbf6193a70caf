package handler

import (
	"net/http"
	"strconv"
	"time"

	"household-ledger/internal/config"
	"household-ledger/internal/entity"
	"household-ledger/internal/middleware"
	"household-ledger/internal/util"

	"github.com/gin-gonic/gin"
)

// EntityHandler 是账户/交易/周期项/储蓄目标的统一增查改入口。
// 四类记录的敏感字段处理完全一致，没必要写四份 handler。
type EntityHandler struct {
	Service *entity.Service
}

func NewEntityHandler(svc *entity.Service) *EntityHandler {
	return &EntityHandler{Service: svc}
}

// Create POST /api/entities/:type
func (h *EntityHandler) Create(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	entityType := c.Param("type")
	if _, err := entity.Lookup(entityType); err != nil {
		util.Error(c, http.StatusNotFound, util.CodeNotFound, "不支持的记录类型")
		return
	}

	var fields map[string]interface{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}

	row, err := h.Service.Create(user.ID, entityType, fields)
	if err != nil {
		engineError(c, err)
		return
	}
	util.Success(c, util.Response{"item": row})
}

// List GET /api/entities/:type
//
// 支持的查询参数：非敏感列的等值筛选（account_id、category、type 等）、
// start/end 日期区间、page/page_size 分页。密文列不可筛选。
func (h *EntityHandler) List(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	entityType := c.Param("type")
	if _, err := entity.Lookup(entityType); err != nil {
		util.Error(c, http.StatusNotFound, util.CodeNotFound, "不支持的记录类型")
		return
	}

	filter, err := parseFilter(c)
	if err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, err.Error())
		return
	}

	rows, err := h.Service.List(user.ID, entityType, filter)
	if err != nil {
		engineError(c, err)
		return
	}
	util.Success(c, util.Response{
		"items": rows,
		"count": len(rows),
	})
}

// Get GET /api/entities/:type/:id
func (h *EntityHandler) Get(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	entityType := c.Param("type")
	if _, err := entity.Lookup(entityType); err != nil {
		util.Error(c, http.StatusNotFound, util.CodeNotFound, "不支持的记录类型")
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "无效的ID")
		return
	}

	row, err := h.Service.Get(user.ID, entityType, uint(id))
	if err != nil {
		engineError(c, err)
		return
	}
	if row == nil {
		util.Error(c, http.StatusNotFound, util.CodeNotFound, "记录不存在")
		return
	}
	util.Success(c, util.Response{"item": row})
}

// Update PUT /api/entities/:type/:id
//
// 部分更新。加密账户下的敏感字段在会话锁定时整个更新会被拒绝，
// 不会出现"明文列更了、密文列没更"的半套状态。
func (h *EntityHandler) Update(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}
	entityType := c.Param("type")
	if _, err := entity.Lookup(entityType); err != nil {
		util.Error(c, http.StatusNotFound, util.CodeNotFound, "不支持的记录类型")
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "无效的ID")
		return
	}

	var partial map[string]interface{}
	if err := c.ShouldBindJSON(&partial); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "参数错误")
		return
	}
	if len(partial) == 0 {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "没有要更新的字段")
		return
	}

	row, err := h.Service.Update(user.ID, entityType, uint(id), partial)
	if err != nil {
		engineError(c, err)
		return
	}
	util.Success(c, util.Response{"item": row})
}

// filterKeys 不作为等值条件的保留查询参数
var filterKeys = map[string]bool{
	"page":      true,
	"page_size": true,
	"start":     true,
	"end":       true,
}

func parseFilter(c *gin.Context) (entity.Filter, error) {
	filter := entity.Filter{Where: map[string]interface{}{}}

	for key, vals := range c.Request.URL.Query() {
		if filterKeys[key] || len(vals) == 0 || vals[0] == "" {
			continue
		}
		// 数值型参数提前转换，避免 SQLite 松散比较带来的意外
		if n, err := strconv.ParseUint(vals[0], 10, 32); err == nil {
			filter.Where[key] = uint(n)
		} else if vals[0] == "true" || vals[0] == "false" {
			filter.Where[key] = vals[0] == "true"
		} else {
			filter.Where[key] = vals[0]
		}
	}

	if v := c.Query("start"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, time.Local)
		if err != nil {
			return filter, err
		}
		filter.Start = &t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, time.Local)
		if err != nil {
			return filter, err
		}
		// end 取闭区间：当天整天都算
		t = t.AddDate(0, 0, 1)
		filter.End = &t
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize())))
	if pageSize < 1 {
		pageSize = defaultPageSize()
	}
	if pageSize > 100 {
		pageSize = 100
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize
	return filter, nil
}

func defaultPageSize() int {
	if cfg := config.Get(); cfg != nil && cfg.App.PageSize > 0 {
		return cfg.App.PageSize
	}
	return 20
}
