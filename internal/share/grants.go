package share

import (
	"errors"
	"fmt"
	"time"

	"household-ledger/internal/crypto"
	"household-ledger/internal/models"
	"household-ledger/internal/vault"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Manager 负责把实体的 DEK 包裹给其他成员（分享授权），
// 以及维护"新建实体自动分享"的默认规则。
type Manager struct {
	DB       *gorm.DB
	Sessions *vault.SessionStore
	Resolver *vault.Resolver
}

func NewManager(db *gorm.DB, sessions *vault.SessionStore, resolver *vault.Resolver) *Manager {
	return &Manager{DB: db, Sessions: sessions, Resolver: resolver}
}

// entityOwner 查顶层实体的所有者。目前只有账户是可分享的顶层实体，
// 子记录一律跟随父账户的授权。
func (m *Manager) entityOwner(entityType string, entityID uint) (uint, error) {
	if entityType != "account" {
		return 0, fmt.Errorf("entity type %q is not shareable", entityType)
	}
	var account models.Account
	if err := m.DB.Select("id", "owner_id").First(&account, entityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("entity not found")
		}
		return 0, fmt.Errorf("query entity: %w", err)
	}
	return account.OwnerID, nil
}

func validPermissions(p string) bool {
	return p == models.PermRead || p == models.PermReadWrite
}

// CreateShare 把实体的 DEK 用 RSA-OAEP 包裹给接收方并落库。
// 调用者必须是所有者且处于解锁状态（否则解不出 DEK）。
// 对同一 (entity, recipient) 幂等：已存在则更新，不会产生重复行。
func (m *Manager) CreateShare(actorID uint, entityType string, entityID, recipientID uint, permissions string) (*models.KeyGrant, error) {
	if !validPermissions(permissions) {
		return nil, fmt.Errorf("invalid permissions %q", permissions)
	}

	ownerID, err := m.entityOwner(entityType, entityID)
	if err != nil {
		return nil, err
	}
	if actorID != ownerID {
		return nil, vault.ErrNotOwner
	}
	if recipientID == ownerID {
		return nil, fmt.Errorf("cannot share with the owner")
	}

	// 解析 DEK；实体刚标记加密还没写入过时，顺手铸造
	dek, _, err := m.Resolver.EnsureDEK(entityType, entityID, ownerID, actorID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)

	var recipient models.User
	if err := m.DB.First(&recipient, recipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("recipient not found")
		}
		return nil, fmt.Errorf("query recipient: %w", err)
	}
	pub, err := crypto.ParsePublicKey(recipient.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("recipient has no usable public key: %w", err)
	}
	wrapped, err := crypto.WrapDEK(pub, dek)
	if err != nil {
		return nil, err
	}

	var grant models.KeyGrant
	err = m.DB.Where("entity_type = ? AND entity_id = ? AND recipient_id = ?",
		entityType, entityID, recipientID).First(&grant).Error
	switch {
	case err == nil:
		grant.WrappedDEK = wrapped
		grant.WrapAlgo = models.WrapAlgoRSAOAEP
		grant.Permissions = permissions
		if err := m.DB.Save(&grant).Error; err != nil {
			return nil, fmt.Errorf("update grant: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		grant = models.KeyGrant{
			ID:          uuid.NewString(),
			EntityType:  entityType,
			EntityID:    entityID,
			RecipientID: recipientID,
			WrappedDEK:  wrapped,
			WrapAlgo:    models.WrapAlgoRSAOAEP,
			Permissions: permissions,
			GrantedBy:   actorID,
			CreatedAt:   time.Now(),
		}
		if err := m.DB.Create(&grant).Error; err != nil {
			return nil, fmt.Errorf("create grant: %w", err)
		}
	default:
		return nil, fmt.Errorf("query grant: %w", err)
	}
	return &grant, nil
}

// RevokeShare 删除授权。被撤销方下一次解析起不再可读；
// 已经解密到界面上的内容无法追回。
func (m *Manager) RevokeShare(actorID uint, shareID string) error {
	var grant models.KeyGrant
	if err := m.DB.First(&grant, "id = ?", shareID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return vault.ErrNoAccessGrant
		}
		return fmt.Errorf("query grant: %w", err)
	}
	if grant.WrapAlgo == models.WrapAlgoMaster {
		// 所有者自己的根授权不可撤销，否则实体永远解不开
		return fmt.Errorf("cannot revoke the owner grant")
	}

	ownerID, err := m.entityOwner(grant.EntityType, grant.EntityID)
	if err != nil {
		return err
	}
	if actorID != ownerID && actorID != grant.RecipientID {
		return vault.ErrNotOwner
	}

	if err := m.DB.Delete(&models.KeyGrant{}, "id = ?", shareID).Error; err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	m.Sessions.InvalidateDEK(grant.EntityType, grant.EntityID)
	return nil
}

// UpdatePermissions 只改权限位，不动包裹密钥。
func (m *Manager) UpdatePermissions(actorID uint, shareID, permissions string) error {
	if !validPermissions(permissions) {
		return fmt.Errorf("invalid permissions %q", permissions)
	}
	var grant models.KeyGrant
	if err := m.DB.First(&grant, "id = ?", shareID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return vault.ErrNoAccessGrant
		}
		return fmt.Errorf("query grant: %w", err)
	}
	if grant.WrapAlgo == models.WrapAlgoMaster {
		return fmt.Errorf("cannot change the owner grant")
	}
	ownerID, err := m.entityOwner(grant.EntityType, grant.EntityID)
	if err != nil {
		return err
	}
	if actorID != ownerID {
		return vault.ErrNotOwner
	}
	if err := m.DB.Model(&grant).Update("permissions", permissions).Error; err != nil {
		return fmt.Errorf("update permissions: %w", err)
	}
	return nil
}

// SharesForEntity 列出实体上所有分享出去的授权（不含所有者的根授权）。
func (m *Manager) SharesForEntity(entityType string, entityID uint) ([]models.KeyGrant, error) {
	var grants []models.KeyGrant
	if err := m.DB.Where("entity_type = ? AND entity_id = ? AND wrap_algo = ?",
		entityType, entityID, models.WrapAlgoRSAOAEP).
		Order("created_at ASC").Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}

// SharedWithMe 列出分享给某成员的所有授权。
func (m *Manager) SharedWithMe(userID uint) ([]models.KeyGrant, error) {
	var grants []models.KeyGrant
	if err := m.DB.Where("recipient_id = ? AND wrap_algo = ?",
		userID, models.WrapAlgoRSAOAEP).
		Order("created_at DESC").Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}

// SetDefault 建立/更新自动分享规则。
func (m *Manager) SetDefault(ownerID, recipientID uint, entityType, permissions string) (*models.ShareDefault, error) {
	if !validPermissions(permissions) {
		return nil, fmt.Errorf("invalid permissions %q", permissions)
	}
	if recipientID == ownerID {
		return nil, fmt.Errorf("cannot default-share with yourself")
	}

	var def models.ShareDefault
	err := m.DB.Where("owner_id = ? AND recipient_id = ? AND entity_type = ?",
		ownerID, recipientID, entityType).First(&def).Error
	switch {
	case err == nil:
		if err := m.DB.Model(&def).Update("permissions", permissions).Error; err != nil {
			return nil, fmt.Errorf("update default: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		def = models.ShareDefault{
			OwnerID:     ownerID,
			RecipientID: recipientID,
			EntityType:  entityType,
			Permissions: permissions,
			CreatedAt:   time.Now(),
		}
		if err := m.DB.Create(&def).Error; err != nil {
			return nil, fmt.Errorf("create default: %w", err)
		}
	default:
		return nil, fmt.Errorf("query default: %w", err)
	}
	return &def, nil
}

// RemoveDefault 删除自动分享规则（只删规则，既有授权不动）。
func (m *Manager) RemoveDefault(ownerID, defaultID uint) error {
	result := m.DB.Where("id = ? AND owner_id = ?", defaultID, ownerID).
		Delete(&models.ShareDefault{})
	if result.Error != nil {
		return fmt.Errorf("delete default: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("default rule not found")
	}
	return nil
}

// Defaults 列出成员设置的自动分享规则。
func (m *Manager) Defaults(ownerID uint) ([]models.ShareDefault, error) {
	var defs []models.ShareDefault
	if err := m.DB.Where("owner_id = ?", ownerID).Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("list defaults: %w", err)
	}
	return defs, nil
}

// ApplyDefaults 在所有者授权建立后，对新实体套用所有匹配的默认规则。
// 单条失败不阻断其余规则。
func (m *Manager) ApplyDefaults(ownerID uint, entityType string, entityID uint) []error {
	var defs []models.ShareDefault
	if err := m.DB.Where("owner_id = ? AND entity_type = ?", ownerID, entityType).
		Find(&defs).Error; err != nil {
		return []error{fmt.Errorf("list defaults: %w", err)}
	}

	var errs []error
	for _, def := range defs {
		if _, err := m.CreateShare(ownerID, entityType, entityID, def.RecipientID, def.Permissions); err != nil {
			errs = append(errs, fmt.Errorf("auto-share to %d: %w", def.RecipientID, err))
		}
	}
	return errs
}
