package models

import "time"

// AuditLog records important operations for auditing.
type AuditLog struct {
	ID          uint  `gorm:"primaryKey"`
	UserID      *uint `gorm:"index"`
	Method      string `gorm:"size:16"`
	PathEnc     string `gorm:"size:1024"` // 加密后的请求路径
	ActionEnc   string `gorm:"size:2048"` // 加密后的动作/请求体摘要
	IP          string `gorm:"size:64"`
	UserAgent   string `gorm:"size:255"`
	CreatedAt   time.Time
}
