package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
)

// 密文容器编码：version(1B) || nonce(12B) || ciphertext+tag。
// 文本列存 base64；二进制列（私钥、授权包裹）直接存容器字节。
const containerVersion = 0x01

// ErrBadContainer 表示容器格式无法解析（非密文或版本不支持）。
var ErrBadContainer = fmt.Errorf("bad ciphertext container")

// FieldAAD 把密文绑定到 (entityType, entityID, field)，
// 防止密文在字段或记录之间被偷换。
func FieldAAD(entityType string, entityID uint, field string) []byte {
	return []byte(entityType + "|" + strconv.FormatUint(uint64(entityID), 10) + "|" + field)
}

// GrantAAD 把授权包裹绑定到 (entityType, entityID, recipientID)。
func GrantAAD(entityType string, entityID uint, recipientID uint) []byte {
	return []byte("grant|" + entityType + "|" + strconv.FormatUint(uint64(entityID), 10) +
		"|" + strconv.FormatUint(uint64(recipientID), 10))
}

// Seal 用 AES-256-GCM 加密，返回容器字节。每次调用使用新的随机 nonce。
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aesgcm.Overhead())
	out = append(out, containerVersion)
	out = append(out, nonce...)
	out = aesgcm.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Open 解开 Seal 产生的容器。认证失败（篡改或密钥不对）返回错误。
func Open(key, container, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	ns := aesgcm.NonceSize()
	if len(container) < 1+ns+aesgcm.Overhead() {
		return nil, ErrBadContainer
	}
	if container[0] != containerVersion {
		return nil, ErrBadContainer
	}
	nonce, ciphertext := container[1:1+ns], container[1+ns:]

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SealString 加密并编码为 base64，用于文本列。
func SealString(key []byte, plaintext string, aad []byte) (string, error) {
	b, err := Seal(key, []byte(plaintext), aad)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// OpenString 解码 base64 并解密。
func OpenString(key []byte, encoded string, aad []byte) (string, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrBadContainer
	}
	plain, err := Open(key, b, aad)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// NewDEK 生成一把新的 32 字节数据加密密钥。
func NewDEK() ([]byte, error) {
	dek := make([]byte, MasterKeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	return dek, nil
}

// Zero 尽力清除密钥字节。托管运行时无法保证真正擦除，
// 见文档说明，这不是安全契约的一部分。
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
