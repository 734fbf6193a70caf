package router

import (
	"household-ledger/internal/config"
	"household-ledger/internal/entity"
	"household-ledger/internal/handler"
	"household-ledger/internal/middleware"
	"household-ledger/internal/share"
	"household-ledger/internal/vault"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter 装配 Gin 引擎和全部 API 路由。
// 密钥托管相关的对象（会话仓库、解析器）由 main 构造后传入，
// 路由层只负责接线。
func SetupRouter(cfg *config.Config, db *gorm.DB, sessions *vault.SessionStore, keyring *vault.Keyring, resolver *vault.Resolver) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	shares := share.NewManager(db, sessions, resolver)
	svc := entity.NewService(db, resolver, shares)

	api := r.Group("/api")

	jwtSecret := cfg.JWT.Secret

	// 登录/注册接口（不需要鉴权）
	authHandler := handler.NewAuthHandler(db, keyring, jwtSecret, cfg.JWT.Issuer, cfg.JWT.ExpireHours)
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)

	// 需要登录才能访问的接口
	protected := api.Group("")
	protected.Use(
		middleware.AuthMiddleware(jwtSecret, db),
		middleware.AuditMiddleware(db, cfg.Security.AuditKey),
	)

	protected.GET("/me", handler.Me)
	protected.POST("/profile", handler.UpdateProfile(db))
	protected.POST("/profile/password", handler.ChangeLoginPassword(db))

	sessionHandler := handler.NewSessionHandler(db, sessions, keyring)
	protected.POST("/session/password/enable", sessionHandler.EnablePassword)
	protected.POST("/session/password/change", sessionHandler.ChangePassword)
	protected.POST("/session/password/disable", sessionHandler.DisablePassword)
	protected.POST("/session/unlock", sessionHandler.Unlock)
	protected.POST("/session/lock", sessionHandler.Lock)
	protected.POST("/session/heartbeat", sessionHandler.Heartbeat)
	protected.GET("/session/autolock", sessionHandler.GetAutoLock)
	protected.PUT("/session/autolock", sessionHandler.SetAutoLock)
	protected.GET("/session/status", sessionHandler.Status)
	protected.GET("/session/events", sessionHandler.Events)

	entityHandler := handler.NewEntityHandler(svc)
	protected.POST("/entities/:type", entityHandler.Create)
	protected.GET("/entities/:type", entityHandler.List)
	protected.GET("/entities/:type/:id", entityHandler.Get)
	protected.PUT("/entities/:type/:id", entityHandler.Update)

	shareHandler := handler.NewShareHandler(shares)
	protected.POST("/shares", shareHandler.Create)
	protected.DELETE("/shares/:id", shareHandler.Revoke)
	protected.PUT("/shares/:id/permissions", shareHandler.UpdatePermissions)
	protected.GET("/shares/entity/:type/:id", shareHandler.ForEntity)
	protected.GET("/shares/with-me", shareHandler.WithMe)
	protected.GET("/shares/defaults", shareHandler.Defaults)
	protected.POST("/shares/defaults", shareHandler.SetDefault)
	protected.DELETE("/shares/defaults/:id", shareHandler.RemoveDefault)

	exportHandler := handler.NewExportHandler(db, svc, shares)
	protected.GET("/export/csv", exportHandler.ExportCSV)
	protected.GET("/export/xlsx", exportHandler.ExportXLSX)

	statsHandler := handler.NewStatsHandler(exportHandler)
	protected.GET("/stats/monthly", statsHandler.Monthly)

	logHandler := handler.NewLogHandler(db, cfg.Security.AuditKey)
	protected.GET("/logs", logHandler.List)

	return r
}
