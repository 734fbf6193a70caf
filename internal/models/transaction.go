package models

import "time"

// Transaction 表示一笔账目记录，挂在某个账户下。
// 金额以字符串形式存储（分或元由前端约定），因为加密账户下
// 金额列存的是密文容器，无法再用数值列。
type Transaction struct {
	ID         uint      `gorm:"primaryKey"`
	AccountID  uint      `gorm:"index;not null"`
	Type       string    `gorm:"size:16;not null"`       // income / expense / transfer
	Category   string    `gorm:"size:32;index"`          // 类别留明文，支持筛选
	OccurredAt time.Time `gorm:"index;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// 敏感字段
	Description string `gorm:"size:1024"`
	Amount      string `gorm:"size:512"`
	Note        string `gorm:"size:2048"`
}
