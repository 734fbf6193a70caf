package vault

import (
	"crypto/rsa"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"household-ledger/internal/crypto"
	"household-ledger/internal/models"
)

// Event 会话锁定状态变化通知，供 UI 展示锁屏等。
type Event struct {
	UserID uint `json:"user_id"`
	Locked bool `json:"locked"`
}

// memberSession 只存在于进程内存中，从不落盘。
type memberSession struct {
	masterKey    []byte
	privateKey   *rsa.PrivateKey
	dekCache     map[string][]byte // "entityType|entityID" -> DEK
	lastActivity atomic.Int64      // unix 纳秒；读锁持有者也会触摸，必须原子
	pinned       bool              // 便捷解锁的会话视为永久解锁，不参与自动锁定
}

func (sess *memberSession) touch() {
	sess.lastActivity.Store(time.Now().UnixNano())
}

// SessionStore holds unwrapped key material for unlocked members. It is an
// explicit object (not package state) so lock/unlock logic stays testable.
//
// 并发约定：锁定与读取互斥；已经拿到 DEK 副本的在途读取可以用旧密钥收尾，
// 但锁定完成后不会再有新的解析成功。
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[uint]*memberSession
	autoLock time.Duration

	subMu sync.Mutex
	subs  map[int]chan Event
	nextSub int

	janitorInterval time.Duration
	done            chan struct{}
	stopOnce        sync.Once
}

// NewSessionStore 创建会话仓库。autoLock<=0 表示不自动锁定。
func NewSessionStore(autoLock, janitorInterval time.Duration) *SessionStore {
	if janitorInterval <= 0 {
		janitorInterval = 30 * time.Second
	}
	return &SessionStore{
		sessions:        make(map[uint]*memberSession),
		autoLock:        autoLock,
		subs:            make(map[int]chan Event),
		janitorInterval: janitorInterval,
		done:            make(chan struct{}),
	}
}

func privateKeyAAD(userID uint) []byte {
	return []byte("privkey|" + strconv.FormatUint(uint64(userID), 10))
}

// Unlock 用口令解锁成员：按存储的盐和迭代数派生主密钥，
// 尝试解开包裹私钥。解不开即口令错误，什么都不存。
func (s *SessionStore) Unlock(user *models.User, password string) error {
	if !user.PasswordProtected {
		return ErrNotProtected
	}

	master := crypto.DeriveMasterKey(password, user.PasswordSalt, user.PasswordIterations)
	privDER, err := crypto.Open(master, user.WrappedPrivateKey, privateKeyAAD(user.ID))
	if err != nil {
		crypto.Zero(master)
		return ErrInvalidCredential
	}
	priv, err := crypto.ParsePrivateKey(privDER)
	crypto.Zero(privDER)
	if err != nil {
		crypto.Zero(master)
		return ErrIntegrity
	}

	s.put(user.ID, master, priv, false)
	return nil
}

// UnlockStartup 解锁未设口令的成员：用固定便捷密钥解开私钥，
// 使混合家庭（有人设口令、有人没设）走同一条解析路径。
func (s *SessionStore) UnlockStartup(user *models.User) error {
	if user.PasswordProtected {
		return ErrAlreadyProtected
	}
	if len(user.WrappedPrivateKey) == 0 {
		// 还没有密钥对的成员没有可解锁的东西
		return ErrNotProtected
	}

	key := crypto.ConvenienceKey(user.ID)
	privDER, err := crypto.Open(key, user.WrappedPrivateKey, privateKeyAAD(user.ID))
	if err != nil {
		return ErrIntegrity
	}
	priv, err := crypto.ParsePrivateKey(privDER)
	crypto.Zero(privDER)
	if err != nil {
		return ErrIntegrity
	}

	s.put(user.ID, key, priv, true)
	return nil
}

func (s *SessionStore) put(userID uint, master []byte, priv *rsa.PrivateKey, pinned bool) {
	sess := &memberSession{
		masterKey:  master,
		privateKey: priv,
		dekCache:   make(map[string][]byte),
		pinned:     pinned,
	}
	sess.touch()
	s.mu.Lock()
	s.sessions[userID] = sess
	s.mu.Unlock()
	s.notify(Event{UserID: userID, Locked: false})
}

// Lock 立即清除指定成员的密钥材料。
func (s *SessionStore) Lock(userID uint) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if ok {
		wipe(sess)
		delete(s.sessions, userID)
	}
	s.mu.Unlock()
	if ok {
		s.notify(Event{UserID: userID, Locked: true})
	}
}

// LockAll 清除所有会话。
func (s *SessionStore) LockAll() {
	s.mu.Lock()
	ids := make([]uint, 0, len(s.sessions))
	for id, sess := range s.sessions {
		wipe(sess)
		delete(s.sessions, id)
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.notify(Event{UserID: id, Locked: true})
	}
}

// wipe 尽力抹掉密钥字节。调用方必须持有写锁。
func wipe(sess *memberSession) {
	crypto.Zero(sess.masterKey)
	for k, dek := range sess.dekCache {
		crypto.Zero(dek)
		delete(sess.dekCache, k)
	}
	sess.privateKey = nil
}

// Heartbeat 刷新所有活跃会话的最近活动时间。
func (s *SessionStore) Heartbeat() {
	now := time.Now().UnixNano()
	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.lastActivity.Store(now)
	}
	s.mu.RUnlock()
}

// Active 返回成员是否处于解锁状态。
func (s *SessionStore) Active(userID uint) bool {
	s.mu.RLock()
	_, ok := s.sessions[userID]
	s.mu.RUnlock()
	return ok
}

// AutoLock 返回当前自动锁定阈值。
func (s *SessionStore) AutoLock() time.Duration {
	s.mu.RLock()
	d := s.autoLock
	s.mu.RUnlock()
	return d
}

// SetAutoLock 修改自动锁定阈值。<=0 表示关闭自动锁定。
func (s *SessionStore) SetAutoLock(d time.Duration) {
	s.mu.Lock()
	s.autoLock = d
	s.mu.Unlock()
}

// masterKey 返回成员主密钥的副本；没有会话返回 nil。
func (s *SessionStore) masterKey(userID uint) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil
	}
	sess.touch()
	cp := make([]byte, len(sess.masterKey))
	copy(cp, sess.masterKey)
	return cp
}

// privateKeyOf 返回成员的会话私钥；没有会话返回 nil。
func (s *SessionStore) privateKeyOf(userID uint) *rsa.PrivateKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil
	}
	sess.touch()
	return sess.privateKey
}

// cachedDEK 查询会话内缓存的 DEK 副本，摊薄 RSA 解包成本。
func (s *SessionStore) cachedDEK(userID uint, key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil
	}
	dek, ok := sess.dekCache[key]
	if !ok {
		return nil
	}
	cp := make([]byte, len(dek))
	copy(cp, dek)
	return cp
}

// cacheDEK 把解析出的 DEK 存入会话缓存，锁定时随会话一起清除。
func (s *SessionStore) cacheDEK(userID uint, key string, dek []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return
	}
	cp := make([]byte, len(dek))
	copy(cp, dek)
	sess.dekCache[key] = cp
}

// InvalidateDEK 丢弃某个实体的缓存 DEK（所有会话）。
// 撤销分享后调用，让被撤销方下一次解析立即失效。
func (s *SessionStore) InvalidateDEK(entityType string, entityID uint) {
	key := dekCacheKey(entityType, entityID)
	s.mu.Lock()
	for _, sess := range s.sessions {
		if dek, ok := sess.dekCache[key]; ok {
			crypto.Zero(dek)
			delete(sess.dekCache, key)
		}
	}
	s.mu.Unlock()
}

// Subscribe 订阅锁定状态变化。返回的取消函数必须调用，否则通道泄漏。
func (s *SessionStore) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *SessionStore) notify(ev Event) {
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default: // 订阅方跟不上就丢通知，不阻塞锁定路径
		}
	}
	s.subMu.Unlock()
}

// StartJanitor 启动后台定时器，按固定间隔检查空闲超时并自动锁定。
// 定时器独立运行，不受请求处理影响。
func (s *SessionStore) StartJanitor() {
	go func() {
		ticker := time.NewTicker(s.janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.expireIdle()
			}
		}
	}()
}

// Stop 停止后台定时器并清除所有会话。
func (s *SessionStore) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.LockAll()
}

func (s *SessionStore) expireIdle() {
	s.mu.Lock()
	threshold := s.autoLock
	if threshold <= 0 {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	var expired []uint
	for id, sess := range s.sessions {
		if sess.pinned {
			continue
		}
		if now.Sub(time.Unix(0, sess.lastActivity.Load())) >= threshold {
			wipe(sess)
			delete(s.sessions, id)
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()
	for _, id := range expired {
		s.notify(Event{UserID: id, Locked: true})
	}
}
