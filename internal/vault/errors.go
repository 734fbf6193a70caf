package vault

import "errors"

// 引擎的错误分类。凭据错误和完整性错误必须能被调用方区分开：
// 完整性错误说明数据被篡改或损坏，重输口令解决不了。
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNoActiveSession   = errors.New("no active session")
	ErrNoAccessGrant     = errors.New("no access grant")
	ErrAlreadyProtected  = errors.New("password protection already enabled")
	ErrNotProtected      = errors.New("password protection not enabled")
	ErrIntegrity         = errors.New("crypto integrity failure")

	// ErrOwnedEncryptedData：成员名下还有加密实体时不允许关闭口令保护
	ErrOwnedEncryptedData = errors.New("member still owns encrypted data")

	ErrNotOwner      = errors.New("caller is not the entity owner")
	ErrReadOnlyGrant = errors.New("grant does not permit writes")
)
