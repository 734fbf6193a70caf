package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MasterKeySize 主密钥长度（AES-256）
	MasterKeySize = 32
	// SaltSize 盐长度
	SaltSize = 16
	// DefaultIterations PBKDF2 默认迭代次数，可在配置中调高
	DefaultIterations = 600_000

	// convenienceIterations 便捷密钥的迭代次数。
	// 口令是公开常量，多迭代没有意义，只为复用同一条派生路径。
	convenienceIterations = 4096
	conveniencePassword   = "household-ledger/no-password"
)

// NewSalt 生成随机盐。
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveMasterKey 从口令派生 32 字节主密钥（PBKDF2-HMAC-SHA256）。
// 相同 (password, salt, iterations) 始终得到相同密钥。
func DeriveMasterKey(password string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, MasterKeySize, sha256.New)
}

// ConvenienceKey 返回未设口令成员的固定包裹密钥。
// 盐里混入 userID，避免所有未保护成员共用同一个密钥。
func ConvenienceKey(userID uint) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(userID))
	salt := sha256.Sum256(append([]byte("household-ledger.convenience."), buf[:]...))
	return pbkdf2.Key([]byte(conveniencePassword), salt[:], convenienceIterations, MasterKeySize, sha256.New)
}
