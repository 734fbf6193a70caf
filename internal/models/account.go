package models

import "time"

// Account is the top-level encryptable entity. Child records (transactions,
// recurring items, savings goals) inherit its encryption state and never
// carry key material of their own.
type Account struct {
	ID        uint   `gorm:"primaryKey"`
	OwnerID   uint   `gorm:"index;not null"`
	Name      string `gorm:"size:64;not null"`
	Type      string `gorm:"size:16;not null"` // checking / savings / credit / cash
	Currency  string `gorm:"size:8;default:CNY"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// 是否启用选择性加密；启用后敏感列只存密文容器（base64）
	IsEncrypted bool `gorm:"index;not null;default:false"`

	// 敏感字段：未加密账户存明文，加密账户存密文容器
	Balance string `gorm:"size:512"`
	Notes   string `gorm:"size:2048"`
}
