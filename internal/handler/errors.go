package handler

import (
	"errors"
	"net/http"

	"household-ledger/internal/util"
	"household-ledger/internal/vault"

	"github.com/gin-gonic/gin"
)

// engineError 把加密引擎的类型化错误映射到统一返回码。
// 完整性失败单独一个码：不能让用户误以为重输口令能修好损坏的数据。
func engineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidCredential):
		util.Error(c, http.StatusUnauthorized, util.CodeInvalidCredential, "口令错误")
	case errors.Is(err, vault.ErrNoActiveSession):
		util.Error(c, http.StatusForbidden, util.CodeNoSession, "会话已锁定，请先解锁")
	case errors.Is(err, vault.ErrNoAccessGrant):
		util.Error(c, http.StatusForbidden, util.CodeNoGrant, "没有访问授权")
	case errors.Is(err, vault.ErrReadOnlyGrant):
		util.Error(c, http.StatusForbidden, util.CodeNoGrant, "授权为只读，不能修改")
	case errors.Is(err, vault.ErrNotOwner):
		util.Error(c, http.StatusForbidden, util.CodeNoGrant, "只有所有者可以执行此操作")
	case errors.Is(err, vault.ErrAlreadyProtected):
		util.Error(c, http.StatusConflict, util.CodeConflict, "口令保护已开启，请使用修改口令")
	case errors.Is(err, vault.ErrNotProtected):
		util.Error(c, http.StatusConflict, util.CodeConflict, "尚未开启口令保护")
	case errors.Is(err, vault.ErrOwnedEncryptedData):
		util.Error(c, http.StatusConflict, util.CodeConflict, "名下还有加密账户，请先关闭账户加密")
	case errors.Is(err, vault.ErrIntegrity):
		util.Error(c, http.StatusInternalServerError, util.CodeIntegrity, "数据完整性校验失败，可能已被篡改或损坏")
	default:
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "操作失败，请重试")
	}
}
