package share

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"household-ledger/internal/models"
	"household-ledger/internal/vault"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testIterations = 1000

type fixture struct {
	db       *gorm.DB
	sessions *vault.SessionStore
	keyring  *vault.Keyring
	resolver *vault.Resolver
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Account{},
		&models.KeyGrant{}, &models.ShareDefault{}); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}

	sessions := vault.NewSessionStore(0, time.Second)
	t.Cleanup(sessions.Stop)
	resolver := vault.NewResolver(db, sessions)
	return &fixture{
		db:       db,
		sessions: sessions,
		keyring:  vault.NewKeyring(db, testIterations),
		resolver: resolver,
		manager:  NewManager(db, sessions, resolver),
	}
}

// newMember 创建成员、签发密钥对并启动解锁
func (f *fixture) newMember(t *testing.T, username string) *models.User {
	t.Helper()
	user := &models.User{Username: username, LoginHash: "x"}
	if err := f.db.Create(user).Error; err != nil {
		t.Fatalf("创建成员失败: %v", err)
	}
	if err := f.keyring.EnsureKeypair(user); err != nil {
		t.Fatalf("签发密钥对失败: %v", err)
	}
	if err := f.sessions.UnlockStartup(user); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	return user
}

func (f *fixture) newEncryptedAccount(t *testing.T, owner *models.User) *models.Account {
	t.Helper()
	acc := &models.Account{OwnerID: owner.ID, Name: "vault", IsEncrypted: true}
	if err := f.db.Create(acc).Error; err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}
	if _, _, err := f.resolver.EnsureDEK("account", acc.ID, owner.ID, owner.ID); err != nil {
		t.Fatalf("铸造DEK失败: %v", err)
	}
	return acc
}

// ============ 分享授权测试 ============

func TestCreateShare(t *testing.T) {
	f := newFixture(t)
	alice := f.newMember(t, "alice")
	bob := f.newMember(t, "bob")
	acc := f.newEncryptedAccount(t, alice)

	grant, err := f.manager.CreateShare(alice.ID, "account", acc.ID, bob.ID, models.PermRead)
	if err != nil {
		t.Fatalf("创建分享失败: %v", err)
	}
	if grant.WrapAlgo != models.WrapAlgoRSAOAEP {
		t.Errorf("分享授权应是RSA包裹，实际 %q", grant.WrapAlgo)
	}

	// Bob 解出的 DEK 必须和 Alice 的是同一把
	aliceDEK, err := f.resolver.DEK("account", acc.ID, alice.ID)
	if err != nil {
		t.Fatalf("所有者解析失败: %v", err)
	}
	bobDEK, err := f.resolver.DEK("account", acc.ID, bob.ID)
	if err != nil {
		t.Fatalf("接收方解析失败: %v", err)
	}
	if !bytes.Equal(aliceDEK, bobDEK) {
		t.Error("双方解出的DEK应相同")
	}

	// 幂等：重复分享只更新，不产生第二行
	again, err := f.manager.CreateShare(alice.ID, "account", acc.ID, bob.ID, models.PermReadWrite)
	if err != nil {
		t.Fatalf("重复分享失败: %v", err)
	}
	if again.ID != grant.ID {
		t.Error("重复分享应复用同一条授权")
	}
	var count int64
	f.db.Model(&models.KeyGrant{}).
		Where("entity_type = ? AND entity_id = ? AND recipient_id = ?", "account", acc.ID, bob.ID).
		Count(&count)
	if count != 1 {
		t.Errorf("同一(实体,接收方)应只有一条授权，实际 %d", count)
	}
}

func TestCreateShareGuards(t *testing.T) {
	f := newFixture(t)
	alice := f.newMember(t, "alice")
	bob := f.newMember(t, "bob")
	acc := f.newEncryptedAccount(t, alice)

	if _, err := f.manager.CreateShare(bob.ID, "account", acc.ID, bob.ID, models.PermRead); !errors.Is(err, vault.ErrNotOwner) {
		t.Errorf("非所有者分享应返回 ErrNotOwner，实际 %v", err)
	}
	if _, err := f.manager.CreateShare(alice.ID, "account", acc.ID, alice.ID, models.PermRead); err == nil {
		t.Error("分享给自己应报错")
	}
	if _, err := f.manager.CreateShare(alice.ID, "account", acc.ID, bob.ID, "admin"); err == nil {
		t.Error("非法权限应报错")
	}
	if _, err := f.manager.CreateShare(alice.ID, "transaction", 1, bob.ID, models.PermRead); err == nil {
		t.Error("子记录不可单独分享")
	}

	// 所有者锁定时分享必须失败（解不出DEK）
	f.sessions.Lock(alice.ID)
	if _, err := f.manager.CreateShare(alice.ID, "account", acc.ID, bob.ID, models.PermRead); !errors.Is(err, vault.ErrNoActiveSession) {
		t.Errorf("锁定时分享应返回 ErrNoActiveSession，实际 %v", err)
	}
}

func TestRevokeShare(t *testing.T) {
	f := newFixture(t)
	alice := f.newMember(t, "alice")
	bob := f.newMember(t, "bob")
	acc := f.newEncryptedAccount(t, alice)

	grant, err := f.manager.CreateShare(alice.ID, "account", acc.ID, bob.ID, models.PermRead)
	if err != nil {
		t.Fatalf("创建分享失败: %v", err)
	}

	// 解析一次让 Bob 的缓存热起来，撤销必须连缓存一起失效
	if _, err := f.resolver.DEK("account", acc.ID, bob.ID); err != nil {
		t.Fatalf("接收方解析失败: %v", err)
	}

	if err := f.manager.RevokeShare(alice.ID, grant.ID); err != nil {
		t.Fatalf("撤销失败: %v", err)
	}

	dek, err := f.resolver.DEK("account", acc.ID, bob.ID)
	if dek != nil || err != nil {
		t.Errorf("撤销后接收方应解析不到，实际 (%v, %v)", dek, err)
	}

	// 所有者自己的根授权不可撤销
	var ownerGrant models.KeyGrant
	if err := f.db.First(&ownerGrant, "entity_type = ? AND entity_id = ? AND recipient_id = ?",
		"account", acc.ID, alice.ID).Error; err != nil {
		t.Fatalf("查询根授权失败: %v", err)
	}
	if err := f.manager.RevokeShare(alice.ID, ownerGrant.ID); err == nil {
		t.Error("根授权不应可撤销")
	}
}

func TestRecipientCanRevokeOwnShare(t *testing.T) {
	f := newFixture(t)
	alice := f.newMember(t, "alice")
	bob := f.newMember(t, "bob")
	mallory := f.newMember(t, "mallory")
	acc := f.newEncryptedAccount(t, alice)

	grant, err := f.manager.CreateShare(alice.ID, "account", acc.ID, bob.ID, models.PermRead)
	if err != nil {
		t.Fatalf("创建分享失败: %v", err)
	}

	if err := f.manager.RevokeShare(mallory.ID, grant.ID); !errors.Is(err, vault.ErrNotOwner) {
		t.Errorf("无关成员撤销应返回 ErrNotOwner，实际 %v", err)
	}
	// 接收方可以放弃分享给自己的授权
	if err := f.manager.RevokeShare(bob.ID, grant.ID); err != nil {
		t.Errorf("接收方撤销自己的授权失败: %v", err)
	}
}

func TestUpdatePermissions(t *testing.T) {
	f := newFixture(t)
	alice := f.newMember(t, "alice")
	bob := f.newMember(t, "bob")
	acc := f.newEncryptedAccount(t, alice)

	grant, err := f.manager.CreateShare(alice.ID, "account", acc.ID, bob.ID, models.PermRead)
	if err != nil {
		t.Fatalf("创建分享失败: %v", err)
	}
	wrappedBefore := append([]byte(nil), grant.WrappedDEK...)

	if err := f.manager.UpdatePermissions(bob.ID, grant.ID, models.PermReadWrite); !errors.Is(err, vault.ErrNotOwner) {
		t.Errorf("非所有者改权限应返回 ErrNotOwner，实际 %v", err)
	}
	if err := f.manager.UpdatePermissions(alice.ID, grant.ID, models.PermReadWrite); err != nil {
		t.Fatalf("修改权限失败: %v", err)
	}

	var after models.KeyGrant
	if err := f.db.First(&after, "id = ?", grant.ID).Error; err != nil {
		t.Fatalf("查询授权失败: %v", err)
	}
	if after.Permissions != models.PermReadWrite {
		t.Errorf("权限应为 %q，实际 %q", models.PermReadWrite, after.Permissions)
	}
	if !bytes.Equal(after.WrappedDEK, wrappedBefore) {
		t.Error("改权限不应触碰包裹密钥")
	}
}

func TestListShares(t *testing.T) {
	f := newFixture(t)
	alice := f.newMember(t, "alice")
	bob := f.newMember(t, "bob")
	carol := f.newMember(t, "carol")
	acc := f.newEncryptedAccount(t, alice)

	if _, err := f.manager.CreateShare(alice.ID, "account", acc.ID, bob.ID, models.PermRead); err != nil {
		t.Fatalf("创建分享失败: %v", err)
	}
	if _, err := f.manager.CreateShare(alice.ID, "account", acc.ID, carol.ID, models.PermReadWrite); err != nil {
		t.Fatalf("创建分享失败: %v", err)
	}

	grants, err := f.manager.SharesForEntity("account", acc.ID)
	if err != nil {
		t.Fatalf("列出实体授权失败: %v", err)
	}
	// 根授权不计入
	if len(grants) != 2 {
		t.Errorf("应有2条分享授权，实际 %d", len(grants))
	}

	mine, err := f.manager.SharedWithMe(bob.ID)
	if err != nil {
		t.Fatalf("列出我的授权失败: %v", err)
	}
	if len(mine) != 1 || mine[0].EntityID != acc.ID {
		t.Errorf("Bob 应有1条来自该账户的授权，实际 %+v", mine)
	}
}

// ============ 默认分享规则测试 ============

func TestDefaultsLifecycle(t *testing.T) {
	f := newFixture(t)
	alice := f.newMember(t, "alice")
	bob := f.newMember(t, "bob")

	if _, err := f.manager.SetDefault(alice.ID, alice.ID, "account", models.PermRead); err == nil {
		t.Error("给自己设默认规则应报错")
	}

	def, err := f.manager.SetDefault(alice.ID, bob.ID, "account", models.PermRead)
	if err != nil {
		t.Fatalf("设默认规则失败: %v", err)
	}

	// 同一 (owner, recipient, type) 幂等更新
	def2, err := f.manager.SetDefault(alice.ID, bob.ID, "account", models.PermReadWrite)
	if err != nil {
		t.Fatalf("更新默认规则失败: %v", err)
	}
	if def2.ID != def.ID {
		t.Error("重复设规则应复用同一条")
	}

	defs, err := f.manager.Defaults(alice.ID)
	if err != nil {
		t.Fatalf("列出规则失败: %v", err)
	}
	if len(defs) != 1 || defs[0].Permissions != models.PermReadWrite {
		t.Errorf("规则状态不对: %+v", defs)
	}

	if err := f.manager.RemoveDefault(bob.ID, def.ID); err == nil {
		t.Error("别人不应能删我的规则")
	}
	if err := f.manager.RemoveDefault(alice.ID, def.ID); err != nil {
		t.Fatalf("删除规则失败: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	f := newFixture(t)
	alice := f.newMember(t, "alice")
	bob := f.newMember(t, "bob")
	if _, err := f.manager.SetDefault(alice.ID, bob.ID, "account", models.PermRead); err != nil {
		t.Fatalf("设默认规则失败: %v", err)
	}

	acc := f.newEncryptedAccount(t, alice)
	if errs := f.manager.ApplyDefaults(alice.ID, "account", acc.ID); len(errs) != 0 {
		t.Fatalf("套用默认规则失败: %v", errs)
	}

	// Bob 直接可读
	dek, err := f.resolver.DEK("account", acc.ID, bob.ID)
	if err != nil || dek == nil {
		t.Errorf("自动分享后 Bob 应能解析，实际 (%v, %v)", dek, err)
	}
}
