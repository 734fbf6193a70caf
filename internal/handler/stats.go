package handler

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"household-ledger/internal/entity"
	"household-ledger/internal/middleware"
	"household-ledger/internal/util"

	"github.com/gin-gonic/gin"
)

// StatsHandler 月度统计接口。金额是敏感字段，统计只汇总当前会话
// 能解开的行；锁定账户的交易不计入金额，只计入 skipped。
type StatsHandler struct {
	Export *ExportHandler
}

func NewStatsHandler(export *ExportHandler) *StatsHandler {
	return &StatsHandler{Export: export}
}

type dailyStat struct {
	Date        string `json:"date"`
	IncomeCent  int64  `json:"income_cent"`
	ExpenseCent int64  `json:"expense_cent"`
	BalanceCent int64  `json:"balance_cent"`
	Income      string `json:"income"`
	Expense     string `json:"expense"`
	Balance     string `json:"balance"`
}

type categoryStat struct {
	Category    string `json:"category"`
	IncomeCent  int64  `json:"income_cent"`
	ExpenseCent int64  `json:"expense_cent"`
	BalanceCent int64  `json:"balance_cent"`
	Income      string `json:"income"`
	Expense     string `json:"expense"`
	Balance     string `json:"balance"`
}

func formatCentToYuan(cent int64) string {
	return strconv.FormatFloat(float64(cent)/100.0, 'f', 2, 64)
}

// parseAmountCent "123.45" -> 12345。解析失败按 0 计并返回 false。
func parseAmountCent(s string) (int64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(math.Round(f * 100)), true
}

// Monthly GET /api/stats/monthly?month=2026-08
func (h *StatsHandler) Monthly(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "未登录")
		return
	}

	monthStr := c.Query("month")
	if monthStr == "" {
		monthStr = time.Now().Format("2006-01")
	}
	t, err := time.Parse("2006-01", monthStr)
	if err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "月份格式错误，应为 YYYY-MM")
		return
	}
	startOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.Local)
	endOfMonth := startOfMonth.AddDate(0, 1, 0)

	accounts, err := h.Export.visibleAccounts(user.ID)
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "查询失败")
		return
	}

	dailyMap := make(map[string]*dailyStat)
	catMap := make(map[string]*categoryStat)
	var totalIncomeCent, totalExpenseCent int64
	var skipped int

	for _, acc := range accounts {
		items, err := h.Export.Service.List(user.ID, entity.TypeTransaction, entity.Filter{
			Where: map[string]interface{}{"account_id": acc.ID},
			Start: &startOfMonth,
			End:   &endOfMonth,
		})
		if err != nil {
			util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "查询失败")
			return
		}

		for _, item := range items {
			status, _ := item["crypto_status"].(string)
			if status != entity.StatusPlain && status != entity.StatusOK {
				skipped++
				continue
			}
			cent, parsed := parseAmountCent(asString(item["amount"]))
			if !parsed {
				skipped++
				continue
			}

			dateKey := monthStr
			if occurred, ok := item["occurred_at"].(time.Time); ok {
				dateKey = occurred.Format("2006-01-02")
			}
			ds, ok := dailyMap[dateKey]
			if !ok {
				ds = &dailyStat{Date: dateKey}
				dailyMap[dateKey] = ds
			}

			category := asString(item["category"])
			cs, ok := catMap[category]
			if !ok {
				cs = &categoryStat{Category: category}
				catMap[category] = cs
			}

			if asString(item["type"]) == "income" {
				ds.IncomeCent += cent
				cs.IncomeCent += cent
				totalIncomeCent += cent
			} else {
				ds.ExpenseCent += cent
				cs.ExpenseCent += cent
				totalExpenseCent += cent
			}
		}
	}

	dailyList := make([]dailyStat, 0, len(dailyMap))
	for _, ds := range dailyMap {
		ds.BalanceCent = ds.IncomeCent - ds.ExpenseCent
		ds.Income = formatCentToYuan(ds.IncomeCent)
		ds.Expense = formatCentToYuan(ds.ExpenseCent)
		ds.Balance = formatCentToYuan(ds.BalanceCent)
		dailyList = append(dailyList, *ds)
	}
	sort.Slice(dailyList, func(i, j int) bool {
		return dailyList[i].Date < dailyList[j].Date
	})

	catList := make([]categoryStat, 0, len(catMap))
	for _, cs := range catMap {
		cs.BalanceCent = cs.IncomeCent - cs.ExpenseCent
		cs.Income = formatCentToYuan(cs.IncomeCent)
		cs.Expense = formatCentToYuan(cs.ExpenseCent)
		cs.Balance = formatCentToYuan(cs.BalanceCent)
		catList = append(catList, *cs)
	}
	sort.Slice(catList, func(i, j int) bool {
		return catList[i].Category < catList[j].Category
	})

	util.Success(c, util.Response{
		"month":         monthStr,
		"daily":         dailyList,
		"categories":    catList,
		"total_income":  formatCentToYuan(totalIncomeCent),
		"total_expense": formatCentToYuan(totalExpenseCent),
		"total_balance": formatCentToYuan(totalIncomeCent - totalExpenseCent),
		"skipped":       skipped,
	})
}
