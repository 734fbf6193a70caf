package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// rsaKeyBits RSA 密钥长度。2048 对 32 字节 DEK 的 OAEP 包裹绰绰有余。
const rsaKeyBits = 2048

// GenerateKeypair 生成 RSA-2048 密钥对。CPU 开销较大，调用方注意不要阻塞交互路径。
func GenerateKeypair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa keypair: %w", err)
	}
	return priv, nil
}

// MarshalPublicKey 编码公钥为 PKIX DER。
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicKey 解析 PKIX DER 公钥。
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an rsa public key")
	}
	return pub, nil
}

// MarshalPrivateKey 编码私钥为 PKCS#1 DER（落库前必须先 Seal）。
func MarshalPrivateKey(priv *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(priv)
}

// ParsePrivateKey 解析 PKCS#1 DER 私钥。
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return priv, nil
}

// WrapDEK 用接收方公钥做 RSA-OAEP(SHA-256) 包裹 DEK。
func WrapDEK(pub *rsa.PublicKey, dek []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dek, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap dek: %w", err)
	}
	return wrapped, nil
}

// UnwrapDEK 用自己的私钥解开 RSA-OAEP 包裹。
func UnwrapDEK(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	dek, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	return dek, nil
}
