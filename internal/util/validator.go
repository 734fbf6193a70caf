package util

import (
	"fmt"
	"strconv"
	"time"
)

// ValidateAmount 验证金额字符串（加密账户下金额以字符串流转）。
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount is empty")
	}
	f, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if f >= 10000000 || f <= -10000000 { // 限制最大金额为1千万
		return fmt.Errorf("amount too large, got %s", amount)
	}
	return nil
}

// ValidateDate 验证日期格式（必须为 YYYY-MM-DD）
func ValidateDate(dateStr string) error {
	if dateStr == "" {
		return fmt.Errorf("date is empty")
	}
	_, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return fmt.Errorf("invalid date format: %w", err)
	}
	return nil
}

// ValidateAccountType 验证账户类型。
func ValidateAccountType(t string) error {
	switch t {
	case "checking", "savings", "credit", "cash":
		return nil
	}
	return fmt.Errorf("invalid account type %q", t)
}
