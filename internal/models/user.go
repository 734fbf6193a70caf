package models

import "time"

// User represents a household member.
type User struct {
	ID          uint      `gorm:"primaryKey"`
	Username    string    `gorm:"size:64;uniqueIndex;not null"`
	LoginHash   string    `gorm:"size:255;not null"` // bcrypt，仅用于登录，与加密口令无关
	DisplayName string    `gorm:"size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	FailedLoginAttempts int        `gorm:"default:0"` // 连续登录失败次数
	LockedUntil         *time.Time `gorm:"index"`     // 账户锁定到期时间
	LastLoginAt         *time.Time
	LastLoginIP         string `gorm:"size:64"`

	// 选择性加密的密钥材料。
	// PasswordProtected=false 时私钥用固定便捷密钥包裹，
	// 未设口令的成员也走同一条解密路径。
	PasswordProtected  bool   `gorm:"not null;default:false"`
	PasswordSalt       []byte `gorm:"size:32"`
	PasswordIterations int    `gorm:"default:0"`
	PublicKey          []byte `gorm:"type:blob"` // PKIX DER
	WrappedPrivateKey  []byte `gorm:"type:blob"` // PKCS#1 DER，AES-256-GCM 容器
}
