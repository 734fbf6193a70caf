package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"household-ledger/internal/config"
	"household-ledger/internal/database"
	"household-ledger/internal/router"
	"household-ledger/internal/vault"
)

func main() {
	// load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// ensure basic directories exist
	if err := ensureDir(filepath.Dir(cfg.Database.Path)); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	if err := ensureDir(filepath.Dir(cfg.Log.File)); err != nil {
		log.Fatalf("create log dir: %v", err)
	}

	// init database
	db, err := database.Init(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}

	// run migrations
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// 会话仓库 + 密钥环
	sessions := vault.NewSessionStore(
		time.Duration(cfg.Session.AutoLockMinutes)*time.Minute,
		time.Duration(cfg.Session.JanitorSeconds)*time.Second,
	)
	sessions.StartJanitor()
	defer sessions.Stop()

	keyring := vault.NewKeyring(db, cfg.Security.KDFIterations)
	resolver := vault.NewResolver(db, sessions)

	// 未设口令的成员在进程启动时就解锁（便捷密钥），
	// 设了口令的成员要等本人来解锁
	if err := keyring.UnlockStartupAll(sessions); err != nil {
		log.Fatalf("startup unlock: %v", err)
	}

	// setup router
	r := router.SetupRouter(cfg, db, sessions, keyring, resolver)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	log.Printf("server listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("run server: %v", err)
	}
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
