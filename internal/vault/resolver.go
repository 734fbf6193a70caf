package vault

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"household-ledger/internal/crypto"
	"household-ledger/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Resolver 给定实体和请求者，找到并解开一把可用的 DEK。
type Resolver struct {
	DB       *gorm.DB
	Sessions *SessionStore
}

func NewResolver(db *gorm.DB, sessions *SessionStore) *Resolver {
	return &Resolver{DB: db, Sessions: sessions}
}

func dekCacheKey(entityType string, entityID uint) string {
	return entityType + "|" + strconv.FormatUint(uint64(entityID), 10)
}

// grantFor 查 (entity, user) 的授权行；没有返回 (nil, nil)。
func (r *Resolver) grantFor(entityType string, entityID, userID uint) (*models.KeyGrant, error) {
	var grant models.KeyGrant
	err := r.DB.Where("entity_type = ? AND entity_id = ? AND recipient_id = ?",
		entityType, entityID, userID).First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query grant: %w", err)
	}
	return &grant, nil
}

// unwrap 按授权的包裹算法解出 DEK。认证失败返回 ErrIntegrity：
// 这是篡改/损坏信号，和"现在解不了"必须区分开。
func (r *Resolver) unwrap(grant *models.KeyGrant, userID uint) ([]byte, error) {
	switch grant.WrapAlgo {
	case models.WrapAlgoMaster:
		master := r.Sessions.masterKey(userID)
		if master == nil {
			return nil, nil
		}
		defer crypto.Zero(master)
		dek, err := crypto.Open(master, grant.WrappedDEK,
			crypto.GrantAAD(grant.EntityType, grant.EntityID, grant.RecipientID))
		if err != nil {
			return nil, ErrIntegrity
		}
		return dek, nil
	case models.WrapAlgoRSAOAEP:
		priv := r.Sessions.privateKeyOf(userID)
		if priv == nil {
			return nil, nil
		}
		dek, err := crypto.UnwrapDEK(priv, grant.WrappedDEK)
		if err != nil {
			return nil, ErrIntegrity
		}
		return dek, nil
	default:
		return nil, fmt.Errorf("unknown wrap algo %q: %w", grant.WrapAlgo, ErrIntegrity)
	}
}

// DEK 解析读取用的 DEK。返回 (nil, nil) 表示"现在解不了"：没有会话或
// 没有授权。调用方应当降级为密文透传，而不是把它当错误抛给用户。
func (r *Resolver) DEK(entityType string, entityID, userID uint) ([]byte, error) {
	if !r.Sessions.Active(userID) {
		return nil, nil
	}
	if dek := r.Sessions.cachedDEK(userID, dekCacheKey(entityType, entityID)); dek != nil {
		return dek, nil
	}

	grant, err := r.grantFor(entityType, entityID, userID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, nil
	}

	dek, err := r.unwrap(grant, userID)
	if err != nil || dek == nil {
		return nil, err
	}
	r.Sessions.cacheDEK(userID, dekCacheKey(entityType, entityID), dek)
	return dek, nil
}

// DEKForWrite 解析写入用的 DEK，条件不满足时返回带类型的错误：
// 无会话 ErrNoActiveSession，无授权 ErrNoAccessGrant，
// 只读授权（且写入者不是所有者）ErrReadOnlyGrant。
func (r *Resolver) DEKForWrite(entityType string, entityID, ownerID, userID uint) ([]byte, error) {
	if !r.Sessions.Active(userID) {
		return nil, ErrNoActiveSession
	}

	grant, err := r.grantFor(entityType, entityID, userID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, ErrNoAccessGrant
	}
	if userID != ownerID && grant.Permissions != models.PermReadWrite {
		return nil, ErrReadOnlyGrant
	}

	dek := r.Sessions.cachedDEK(userID, dekCacheKey(entityType, entityID))
	if dek == nil {
		dek, err = r.unwrap(grant, userID)
		if err != nil {
			return nil, err
		}
		if dek == nil {
			return nil, ErrNoActiveSession
		}
		r.Sessions.cacheDEK(userID, dekCacheKey(entityType, entityID), dek)
	}
	return dek, nil
}

// EnsureDEK 返回实体的 DEK，第一次加密写入时铸造新 DEK 并建立
// 所有者自己的授权（直接用主密钥包裹，不走 RSA）。只有所有者能铸造。
// 返回值 minted 表示这次是否新建了 DEK。
func (r *Resolver) EnsureDEK(entityType string, entityID, ownerID, actorID uint) (dek []byte, minted bool, err error) {
	grant, err := r.grantFor(entityType, entityID, ownerID)
	if err != nil {
		return nil, false, err
	}
	if grant != nil {
		dek, err := r.DEKForWrite(entityType, entityID, ownerID, actorID)
		return dek, false, err
	}

	// 还没有任何授权：首次加密写入
	if actorID != ownerID {
		return nil, false, ErrNotOwner
	}
	master := r.Sessions.masterKey(ownerID)
	if master == nil {
		return nil, false, ErrNoActiveSession
	}
	defer crypto.Zero(master)

	dek, err = crypto.NewDEK()
	if err != nil {
		return nil, false, err
	}
	wrapped, err := crypto.Seal(master, dek, crypto.GrantAAD(entityType, entityID, ownerID))
	if err != nil {
		return nil, false, err
	}
	ownerGrant := models.KeyGrant{
		ID:          uuid.NewString(),
		EntityType:  entityType,
		EntityID:    entityID,
		RecipientID: ownerID,
		WrappedDEK:  wrapped,
		WrapAlgo:    models.WrapAlgoMaster,
		Permissions: models.PermReadWrite,
		GrantedBy:   ownerID,
		CreatedAt:   time.Now(),
	}
	if err := r.DB.Create(&ownerGrant).Error; err != nil {
		return nil, false, fmt.Errorf("persist owner grant: %w", err)
	}

	r.Sessions.cacheDEK(ownerID, dekCacheKey(entityType, entityID), dek)
	return dek, true, nil
}
