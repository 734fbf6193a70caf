package util

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 通用返回结构里的 data 使用 map
type Response map[string]interface{}

// 业务错误码。加密引擎的几类失败必须可区分：
// 凭据错误、未解锁、无授权是用户可自救的；完整性失败不是，
// 不要提示用户重输口令，口令解决不了数据损坏。
const (
	CodeOK                = 0
	CodeInvalidParam      = 40001
	CodeAuth              = 40101
	CodeInvalidCredential = 40102 // 解锁/改口令时口令错误
	CodeNoSession         = 40103 // 会话已锁定
	CodeNoGrant           = 40301 // 没有访问授权
	CodeNotFound          = 40401
	CodeConflict          = 40901 // enable/disable 用错（已开启/未开启）
	CodeServerErr         = 50001
	CodeIntegrity         = 50002 // 认证标签不匹配：篡改或损坏
)

// Success 统一成功返回
func Success(c *gin.Context, data Response) {
	c.JSON(http.StatusOK, gin.H{
		"code": CodeOK,
		"data": data,
	})
}

// Error 统一错误返回
func Error(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
	})
}
