package handler

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"time"

	"household-ledger/internal/entity"
	"household-ledger/internal/middleware"
	"household-ledger/internal/models"
	"household-ledger/internal/share"
	"household-ledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// lockedPlaceholder 解不开的敏感字段在导出里的占位文本。
// 导出是快照，不能因为某个账户锁着就整体失败。
const lockedPlaceholder = "[已锁定]"

// ExportHandler 导出当前成员可见的全部交易（自有账户 + 被分享的账户）
type ExportHandler struct {
	DB      *gorm.DB
	Service *entity.Service
	Shares  *share.Manager
}

func NewExportHandler(db *gorm.DB, svc *entity.Service, shares *share.Manager) *ExportHandler {
	return &ExportHandler{DB: db, Service: svc, Shares: shares}
}

type exportRow struct {
	AccountName string
	Type        string
	Category    string
	Description string
	Amount      string
	Note        string
	OccurredAt  string
}

// visibleAccounts 自有账户加上被分享的账户
func (h *ExportHandler) visibleAccounts(userID uint) ([]models.Account, error) {
	var accounts []models.Account
	if err := h.DB.Where("owner_id = ?", userID).Find(&accounts).Error; err != nil {
		return nil, err
	}

	grants, err := h.Shares.SharedWithMe(userID)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if g.EntityType != entity.TypeAccount {
			continue
		}
		var acc models.Account
		if err := h.DB.First(&acc, g.EntityID).Error; err != nil {
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// collect 逐账户取出交易，敏感字段能解则解，解不开写占位文本
func (h *ExportHandler) collect(userID uint) ([]exportRow, error) {
	accounts, err := h.visibleAccounts(userID)
	if err != nil {
		return nil, err
	}

	var rows []exportRow
	for _, acc := range accounts {
		items, err := h.Service.List(userID, entity.TypeTransaction, entity.Filter{
			Where: map[string]interface{}{"account_id": acc.ID},
		})
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			status, _ := item["crypto_status"].(string)
			readable := status == entity.StatusPlain || status == entity.StatusOK

			row := exportRow{
				AccountName: acc.Name,
				Type:        asString(item["type"]),
				Category:    asString(item["category"]),
				Description: lockedPlaceholder,
				Amount:      lockedPlaceholder,
				Note:        lockedPlaceholder,
			}
			if t, ok := item["occurred_at"].(time.Time); ok {
				row.OccurredAt = t.Format("2006-01-02")
			} else {
				row.OccurredAt = asString(item["occurred_at"])
			}
			if readable {
				row.Description = asString(item["description"])
				row.Amount = asString(item["amount"])
				row.Note = asString(item["note"])
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func asString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

var exportHeaders = []string{"账户", "类型", "类别", "描述", "金额(元)", "备注", "日期"}

// ExportCSV GET /api/export/csv
func (h *ExportHandler) ExportCSV(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}

	rows, err := h.collect(user.ID)
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "查询失败")
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"transactions_%s.csv\"",
		time.Now().Format("20060102")))

	// UTF-8 BOM（让 Excel 正确识别中文）
	c.Writer.Write([]byte{0xEF, 0xBB, 0xBF})

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	writer.Write(exportHeaders)
	for _, r := range rows {
		writer.Write([]string{r.AccountName, r.Type, r.Category, r.Description, r.Amount, r.Note, r.OccurredAt})
	}
}

// ExportXLSX GET /api/export/xlsx
func (h *ExportHandler) ExportXLSX(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}

	rows, err := h.collect(user.ID)
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "查询失败")
		return
	}

	f := excelize.NewFile()
	sheetName := "交易明细"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "创建工作表失败")
		return
	}
	f.SetActiveSheet(index)

	for i, hd := range exportHeaders {
		cell := fmt.Sprintf("%c1", 'A'+i)
		f.SetCellValue(sheetName, cell, hd)
	}

	for idx, r := range rows {
		row := idx + 2
		f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), r.AccountName)
		f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), r.Type)
		f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), r.Category)
		f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), r.Description)
		f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), r.Amount)
		f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), r.Note)
		f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), r.OccurredAt)
	}

	f.SetColWidth(sheetName, "A", "A", 15)
	f.SetColWidth(sheetName, "B", "C", 10)
	f.SetColWidth(sheetName, "D", "D", 25)
	f.SetColWidth(sheetName, "E", "E", 12)
	f.SetColWidth(sheetName, "F", "F", 30)
	f.SetColWidth(sheetName, "G", "G", 12)

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"transactions_%s.xlsx\"",
		time.Now().Format("20060102")))

	if err := f.Write(c.Writer); err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "导出失败")
	}
}
