package models

import "time"

// RecurringItem is a standing bill or income that repeats on a schedule.
type RecurringItem struct {
	ID        uint      `gorm:"primaryKey"`
	AccountID uint      `gorm:"index;not null"`
	Type      string    `gorm:"size:16;not null"` // income / expense
	Frequency string    `gorm:"size:16;not null"` // weekly / monthly / yearly
	NextDueAt time.Time `gorm:"index"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// 敏感字段
	Description string `gorm:"size:1024"`
	Amount      string `gorm:"size:512"`
}
