package models

import "time"

// SavingsGoal tracks progress towards a savings target on an account.
type SavingsGoal struct {
	ID         uint      `gorm:"primaryKey"`
	AccountID  uint      `gorm:"index;not null"`
	Name       string    `gorm:"size:64;not null"`
	TargetDate time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// 敏感字段
	TargetAmount string `gorm:"size:512"`
	Note         string `gorm:"size:2048"`
}
