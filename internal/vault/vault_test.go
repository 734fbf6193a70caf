package vault

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"household-ledger/internal/crypto"
	"household-ledger/internal/models"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 测试用低迭代数，正式配置里是 60 万
const testIterations = 1000

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Account{}, &models.KeyGrant{}); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	s := NewSessionStore(0, time.Second)
	t.Cleanup(s.Stop)
	return s
}

// newTestUser 创建成员并签发密钥对（未设口令状态）
func newTestUser(t *testing.T, db *gorm.DB, k *Keyring, username string) *models.User {
	t.Helper()
	user := &models.User{Username: username, LoginHash: "x"}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("创建成员失败: %v", err)
	}
	if err := k.EnsureKeypair(user); err != nil {
		t.Fatalf("签发密钥对失败: %v", err)
	}
	return user
}

// ============ 会话仓库测试 ============

func TestStartupUnlockAndLock(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	user := newTestUser(t, db, k, "alice")

	if s.Active(user.ID) {
		t.Error("解锁前不应有会话")
	}
	if err := s.UnlockStartup(user); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	if !s.Active(user.ID) {
		t.Error("启动解锁后应有会话")
	}

	s.Lock(user.ID)
	if s.Active(user.ID) {
		t.Error("锁定后不应有会话")
	}
	if s.masterKey(user.ID) != nil {
		t.Error("锁定后不应再取到主密钥")
	}
}

func TestEnablePasswordAndUnlock(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	user := newTestUser(t, db, k, "alice")

	if err := k.EnablePassword(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("开启口令保护失败: %v", err)
	}
	if !user.PasswordProtected {
		t.Fatal("开启后 PasswordProtected 应为 true")
	}
	if err := k.EnablePassword(user, "again"); !errors.Is(err, ErrAlreadyProtected) {
		t.Errorf("重复开启应返回 ErrAlreadyProtected，实际 %v", err)
	}

	// 设了口令的成员不能走启动解锁
	if err := s.UnlockStartup(user); !errors.Is(err, ErrAlreadyProtected) {
		t.Errorf("受保护成员启动解锁应被拒绝，实际 %v", err)
	}

	if err := s.Unlock(user, "wrong-password"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("错误口令应返回 ErrInvalidCredential，实际 %v", err)
	}
	if s.Active(user.ID) {
		t.Error("错误口令不应建立会话")
	}

	if err := s.Unlock(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("正确口令解锁失败: %v", err)
	}
	if !s.Active(user.ID) {
		t.Error("解锁后应有会话")
	}
}

func TestChangePasswordRewrapsOwnerGrants(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	r := NewResolver(db, s)
	user := newTestUser(t, db, k, "alice")

	if err := k.EnablePassword(user, "OldPassword11"); err != nil {
		t.Fatalf("开启口令保护失败: %v", err)
	}
	if err := s.Unlock(user, "OldPassword11"); err != nil {
		t.Fatalf("解锁失败: %v", err)
	}

	// 主密钥包裹的所有者授权，改口令后必须还能解开
	dek, _, err := r.EnsureDEK("account", 1, user.ID, user.ID)
	if err != nil {
		t.Fatalf("铸造DEK失败: %v", err)
	}
	var ownerGrant models.KeyGrant
	if err := db.First(&ownerGrant, "entity_type = ? AND entity_id = ?", "account", 1).Error; err != nil {
		t.Fatalf("查询所有者授权失败: %v", err)
	}

	// RSA 包裹的分享授权，改口令后字节必须原封不动
	rsaGrant := models.KeyGrant{
		ID:          uuid.NewString(),
		EntityType:  "account",
		EntityID:    2,
		RecipientID: user.ID,
		WrappedDEK:  []byte{1, 2, 3, 4},
		WrapAlgo:    models.WrapAlgoRSAOAEP,
		Permissions: models.PermRead,
		GrantedBy:   99,
	}
	if err := db.Create(&rsaGrant).Error; err != nil {
		t.Fatalf("创建授权失败: %v", err)
	}

	pubBefore := append([]byte(nil), user.PublicKey...)
	wrappedBefore := append([]byte(nil), user.WrappedPrivateKey...)

	if err := k.ChangePassword(user, "wrong", "NewPassword22"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("旧口令错误应返回 ErrInvalidCredential，实际 %v", err)
	}
	if err := k.ChangePassword(user, "OldPassword11", "NewPassword22"); err != nil {
		t.Fatalf("修改口令失败: %v", err)
	}

	if !bytes.Equal(user.PublicKey, pubBefore) {
		t.Error("修改口令不应改变公钥")
	}
	if bytes.Equal(user.WrappedPrivateKey, wrappedBefore) {
		t.Error("修改口令应重新包裹私钥")
	}

	var after models.KeyGrant
	if err := db.First(&after, "id = ?", rsaGrant.ID).Error; err != nil {
		t.Fatalf("查询授权失败: %v", err)
	}
	if !bytes.Equal(after.WrappedDEK, rsaGrant.WrappedDEK) {
		t.Error("修改口令不应触碰 RSA 分享授权的字节")
	}
	after = models.KeyGrant{}
	if err := db.First(&after, "id = ?", ownerGrant.ID).Error; err != nil {
		t.Fatalf("查询所有者授权失败: %v", err)
	}
	if bytes.Equal(after.WrappedDEK, ownerGrant.WrappedDEK) {
		t.Error("修改口令应把所有者授权换到新主密钥下")
	}

	if err := s.Unlock(user, "OldPassword11"); !errors.Is(err, ErrInvalidCredential) {
		t.Error("旧口令不应再能解锁")
	}

	// 锁定后用新口令重新解锁，自己的数据要还能解开
	s.Lock(user.ID)
	if err := s.Unlock(user, "NewPassword22"); err != nil {
		t.Fatalf("新口令解锁失败: %v", err)
	}
	got, err := r.DEK("account", 1, user.ID)
	if err != nil {
		t.Fatalf("改口令后解析失败: %v", err)
	}
	if !bytes.Equal(dek, got) {
		t.Error("改口令后应解出同一把DEK")
	}
}

func TestEnablePasswordKeepsOwnerGrant(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	r := NewResolver(db, s)
	user := newTestUser(t, db, k, "alice")
	if err := s.UnlockStartup(user); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}

	// 未设口令时铸造的授权包在便捷密钥下
	dek, _, err := r.EnsureDEK("account", 1, user.ID, user.ID)
	if err != nil {
		t.Fatalf("铸造DEK失败: %v", err)
	}

	s.Lock(user.ID)
	if err := k.EnablePassword(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("开启口令保护失败: %v", err)
	}
	if err := s.Unlock(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("解锁失败: %v", err)
	}

	got, err := r.DEK("account", 1, user.ID)
	if err != nil {
		t.Fatalf("开启保护后解析失败: %v", err)
	}
	if !bytes.Equal(dek, got) {
		t.Error("开启保护后应解出同一把DEK")
	}
}

func TestDisablePassword(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	user := newTestUser(t, db, k, "alice")

	if err := k.DisablePassword(user, "whatever"); !errors.Is(err, ErrNotProtected) {
		t.Errorf("未开启时关闭应返回 ErrNotProtected，实际 %v", err)
	}

	if err := k.EnablePassword(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("开启口令保护失败: %v", err)
	}

	// 名下还有加密账户时拒绝关闭
	acc := models.Account{OwnerID: user.ID, Name: "vault", IsEncrypted: true}
	if err := db.Create(&acc).Error; err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}
	if err := k.DisablePassword(user, "Hunter2Hunter2"); !errors.Is(err, ErrOwnedEncryptedData) {
		t.Errorf("有加密账户时应返回 ErrOwnedEncryptedData，实际 %v", err)
	}

	if err := db.Model(&acc).Update("is_encrypted", false).Error; err != nil {
		t.Fatalf("更新账户失败: %v", err)
	}
	if err := k.DisablePassword(user, "wrong"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("口令错误应返回 ErrInvalidCredential，实际 %v", err)
	}
	if err := k.DisablePassword(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("关闭口令保护失败: %v", err)
	}

	// 关闭后回到便捷密钥，启动解锁要能工作
	if err := s.UnlockStartup(user); err != nil {
		t.Fatalf("关闭保护后启动解锁失败: %v", err)
	}
}

func TestUnlockStartupAll(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)

	plain := newTestUser(t, db, k, "alice")
	protected := newTestUser(t, db, k, "bob")
	if err := k.EnablePassword(protected, "Hunter2Hunter2"); err != nil {
		t.Fatalf("开启口令保护失败: %v", err)
	}

	if err := k.UnlockStartupAll(s); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	if !s.Active(plain.ID) {
		t.Error("未设口令的成员应被启动解锁")
	}
	if s.Active(protected.ID) {
		t.Error("设了口令的成员不应被启动解锁")
	}
}

func TestJanitorSkipsPinnedSessions(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	s.SetAutoLock(time.Minute)

	plain := newTestUser(t, db, k, "alice")
	protected := newTestUser(t, db, k, "bob")
	if err := k.EnablePassword(protected, "Hunter2Hunter2"); err != nil {
		t.Fatalf("开启口令保护失败: %v", err)
	}

	if err := s.UnlockStartup(plain); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	if err := s.Unlock(protected, "Hunter2Hunter2"); err != nil {
		t.Fatalf("解锁失败: %v", err)
	}

	// 把两个会话都推到超时边界之外
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	}
	s.mu.Unlock()

	s.expireIdle()
	if !s.Active(plain.ID) {
		t.Error("便捷解锁的会话不应被自动锁定")
	}
	if s.Active(protected.ID) {
		t.Error("口令会话空闲超时后应被自动锁定")
	}
}

func TestHeartbeatDefersExpiry(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	s.SetAutoLock(time.Minute)

	user := newTestUser(t, db, k, "alice")
	if err := k.EnablePassword(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("开启口令保护失败: %v", err)
	}
	if err := s.Unlock(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("解锁失败: %v", err)
	}

	s.mu.Lock()
	s.sessions[user.ID].lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	s.mu.Unlock()

	s.Heartbeat()
	s.expireIdle()
	if !s.Active(user.ID) {
		t.Error("心跳后不应被自动锁定")
	}
}

// 解析路径在读锁下触摸活动时间，和清理器/心跳并发必须无数据竞争
// （go test -race 检验）
func TestConcurrentKeyAccess(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	s.SetAutoLock(time.Minute)

	user := newTestUser(t, db, k, "alice")
	if err := k.EnablePassword(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("开启口令保护失败: %v", err)
	}
	if err := s.Unlock(user, "Hunter2Hunter2"); err != nil {
		t.Fatalf("解锁失败: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if s.masterKey(user.ID) == nil {
					t.Error("并发读取期间主密钥不应消失")
					return
				}
				s.privateKeyOf(user.ID)
			}
		}()
	}
	for j := 0; j < 50; j++ {
		s.Heartbeat()
		s.expireIdle()
	}
	wg.Wait()

	if !s.Active(user.ID) {
		t.Error("活跃会话不应被清理")
	}
}

func TestSubscribeEvents(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	user := newTestUser(t, db, k, "alice")

	ch, cancel := s.Subscribe()
	defer cancel()

	if err := s.UnlockStartup(user); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.UserID != user.ID || ev.Locked {
			t.Errorf("期望解锁事件，实际 %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("没有收到解锁事件")
	}

	s.Lock(user.ID)
	select {
	case ev := <-ch:
		if ev.UserID != user.ID || !ev.Locked {
			t.Errorf("期望锁定事件，实际 %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("没有收到锁定事件")
	}
}

// ============ DEK 解析测试 ============

func TestEnsureDEKOwnerPath(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	r := NewResolver(db, s)
	owner := newTestUser(t, db, k, "alice")
	if err := s.UnlockStartup(owner); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}

	dek, minted, err := r.EnsureDEK("account", 1, owner.ID, owner.ID)
	if err != nil {
		t.Fatalf("铸造DEK失败: %v", err)
	}
	if !minted {
		t.Error("首次应铸造新DEK")
	}
	if len(dek) != crypto.MasterKeySize {
		t.Errorf("DEK长度错误: %d", len(dek))
	}

	again, minted, err := r.EnsureDEK("account", 1, owner.ID, owner.ID)
	if err != nil {
		t.Fatalf("二次获取失败: %v", err)
	}
	if minted {
		t.Error("已有授权时不应再铸造")
	}
	if !bytes.Equal(dek, again) {
		t.Error("两次应得到同一把DEK")
	}

	got, err := r.DEK("account", 1, owner.ID)
	if err != nil {
		t.Fatalf("读取解析失败: %v", err)
	}
	if !bytes.Equal(dek, got) {
		t.Error("读取解析应得到同一把DEK")
	}
}

func TestEnsureDEKOnlyOwnerMints(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	r := NewResolver(db, s)
	owner := newTestUser(t, db, k, "alice")
	other := newTestUser(t, db, k, "bob")
	if err := s.UnlockStartup(other); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}

	if _, _, err := r.EnsureDEK("account", 1, owner.ID, other.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("非所有者铸造应返回 ErrNotOwner，实际 %v", err)
	}
}

// shareDEK 手工把 DEK 用 RSA 包裹给接收方（分享逻辑在 share 包，
// 这里只测解析路径）
func shareDEK(t *testing.T, db *gorm.DB, dek []byte, recipient *models.User, permissions string) {
	t.Helper()
	pub, err := crypto.ParsePublicKey(recipient.PublicKey)
	if err != nil {
		t.Fatalf("解析公钥失败: %v", err)
	}
	wrapped, err := crypto.WrapDEK(pub, dek)
	if err != nil {
		t.Fatalf("包裹DEK失败: %v", err)
	}
	grant := models.KeyGrant{
		ID:          uuid.NewString(),
		EntityType:  "account",
		EntityID:    1,
		RecipientID: recipient.ID,
		WrappedDEK:  wrapped,
		WrapAlgo:    models.WrapAlgoRSAOAEP,
		Permissions: permissions,
		GrantedBy:   1,
	}
	if err := db.Create(&grant).Error; err != nil {
		t.Fatalf("创建授权失败: %v", err)
	}
}

func TestResolverRecipientPath(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	r := NewResolver(db, s)
	owner := newTestUser(t, db, k, "alice")
	recipient := newTestUser(t, db, k, "bob")
	if err := s.UnlockStartup(owner); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	if err := s.UnlockStartup(recipient); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}

	dek, _, err := r.EnsureDEK("account", 1, owner.ID, owner.ID)
	if err != nil {
		t.Fatalf("铸造DEK失败: %v", err)
	}
	shareDEK(t, db, dek, recipient, models.PermRead)

	got, err := r.DEK("account", 1, recipient.ID)
	if err != nil {
		t.Fatalf("接收方解析失败: %v", err)
	}
	if !bytes.Equal(dek, got) {
		t.Error("接收方应解出同一把DEK")
	}

	// 只读授权的写入被拒绝
	if _, err := r.DEKForWrite("account", 1, owner.ID, recipient.ID); !errors.Is(err, ErrReadOnlyGrant) {
		t.Errorf("只读授权写入应返回 ErrReadOnlyGrant，实际 %v", err)
	}
}

func TestResolverNilNilSemantics(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	r := NewResolver(db, s)
	owner := newTestUser(t, db, k, "alice")
	stranger := newTestUser(t, db, k, "mallory")

	// 无会话：读返回 (nil, nil)，写返回 ErrNoActiveSession
	dek, err := r.DEK("account", 1, owner.ID)
	if dek != nil || err != nil {
		t.Errorf("无会话应返回 (nil, nil)，实际 (%v, %v)", dek, err)
	}
	if _, err := r.DEKForWrite("account", 1, owner.ID, owner.ID); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("无会话写入应返回 ErrNoActiveSession，实际 %v", err)
	}

	// 有会话没授权：读仍是 (nil, nil)，写返回 ErrNoAccessGrant
	if err := s.UnlockStartup(owner); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	if _, _, err := r.EnsureDEK("account", 1, owner.ID, owner.ID); err != nil {
		t.Fatalf("铸造DEK失败: %v", err)
	}
	if err := s.UnlockStartup(stranger); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	dek, err = r.DEK("account", 1, stranger.ID)
	if dek != nil || err != nil {
		t.Errorf("无授权应返回 (nil, nil)，实际 (%v, %v)", dek, err)
	}
	if _, err := r.DEKForWrite("account", 1, owner.ID, stranger.ID); !errors.Is(err, ErrNoAccessGrant) {
		t.Errorf("无授权写入应返回 ErrNoAccessGrant，实际 %v", err)
	}
}

func TestLockStopsResolution(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	r := NewResolver(db, s)
	owner := newTestUser(t, db, k, "alice")
	if err := s.UnlockStartup(owner); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	if _, _, err := r.EnsureDEK("account", 1, owner.ID, owner.ID); err != nil {
		t.Fatalf("铸造DEK失败: %v", err)
	}

	s.Lock(owner.ID)
	dek, err := r.DEK("account", 1, owner.ID)
	if dek != nil || err != nil {
		t.Errorf("锁定后应返回 (nil, nil)，实际 (%v, %v)", dek, err)
	}

	// 重新解锁后又能解析（缓存已清，走数据库授权）
	if err := s.UnlockStartup(owner); err != nil {
		t.Fatalf("再次解锁失败: %v", err)
	}
	dek, err = r.DEK("account", 1, owner.ID)
	if err != nil || dek == nil {
		t.Errorf("重新解锁后应能解析，实际 (%v, %v)", dek, err)
	}
}

func TestTamperedGrantIsIntegrityFailure(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	r := NewResolver(db, s)
	owner := newTestUser(t, db, k, "alice")
	if err := s.UnlockStartup(owner); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	if _, _, err := r.EnsureDEK("account", 1, owner.ID, owner.ID); err != nil {
		t.Fatalf("铸造DEK失败: %v", err)
	}

	var grant models.KeyGrant
	if err := db.First(&grant, "entity_type = ? AND entity_id = ?", "account", 1).Error; err != nil {
		t.Fatalf("查询授权失败: %v", err)
	}
	grant.WrappedDEK[len(grant.WrappedDEK)-1] ^= 0xff
	if err := db.Model(&grant).Update("wrapped_dek", grant.WrappedDEK).Error; err != nil {
		t.Fatalf("写入篡改失败: %v", err)
	}

	// 清掉缓存，强制走数据库解包
	s.InvalidateDEK("account", 1)

	if _, err := r.DEK("account", 1, owner.ID); !errors.Is(err, ErrIntegrity) {
		t.Errorf("篡改授权应返回 ErrIntegrity，实际 %v", err)
	}
}

func TestInvalidateDEKDropsCache(t *testing.T) {
	db := newTestDB(t)
	k := NewKeyring(db, testIterations)
	s := newTestStore(t)
	r := NewResolver(db, s)
	owner := newTestUser(t, db, k, "alice")
	if err := s.UnlockStartup(owner); err != nil {
		t.Fatalf("启动解锁失败: %v", err)
	}
	if _, _, err := r.EnsureDEK("account", 1, owner.ID, owner.ID); err != nil {
		t.Fatalf("铸造DEK失败: %v", err)
	}

	if s.cachedDEK(owner.ID, dekCacheKey("account", 1)) == nil {
		t.Fatal("铸造后应有缓存")
	}
	s.InvalidateDEK("account", 1)
	if s.cachedDEK(owner.ID, dekCacheKey("account", 1)) != nil {
		t.Error("InvalidateDEK 后缓存应被清除")
	}
}
