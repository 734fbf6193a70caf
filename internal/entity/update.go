package entity

import (
	"fmt"
	"log"
	"time"

	"household-ledger/internal/crypto"
	"household-ledger/internal/models"
	"household-ledger/internal/vault"
)

// Update 部分更新：只碰请求里出现的字段。
// 有敏感字段但解析不到 DEK（或授权只读）时整个更新拒绝，
// 绝不把敏感数据悄悄存成明文；纯非敏感更新不受加密状态影响。
func (s *Service) Update(actorID uint, entityType string, id uint, partial map[string]interface{}) (map[string]interface{}, error) {
	desc, err := Lookup(entityType)
	if err != nil {
		return nil, err
	}

	row, err := s.rawRow(desc, id)
	if err != nil {
		return nil, err
	}
	parent, grantEntityID, err := s.parentOf(desc, row)
	if err != nil {
		return nil, err
	}

	// 账户的加密开关单独处理（涉及全量重加密），不和普通字段混在一起
	if desc.Parent == "" {
		if v, ok := partial["is_encrypted"]; ok {
			enable := toBool(v)
			if enable != parent.IsEncrypted {
				if len(partial) > 1 {
					return nil, fmt.Errorf("is_encrypted must be changed on its own")
				}
				if err := s.SetAccountEncryption(actorID, id, enable); err != nil {
					return nil, err
				}
				return s.Get(actorID, entityType, id)
			}
			delete(partial, "is_encrypted")
		}
	}

	updates := make(map[string]interface{})
	sensitive := make(map[string]string)
	for field, v := range partial {
		switch {
		case desc.isSensitive(field):
			sensitive[field] = toFieldString(v)
		case desc.isClear(field):
			if field == desc.TimeField {
				if t, ok := parseTimeValue(v); ok {
					updates[field] = t
					continue
				}
				return nil, fmt.Errorf("invalid time value for %q", field)
			}
			updates[field] = v
		default:
			return nil, fmt.Errorf("field %q is not updatable", field)
		}
	}

	if len(sensitive) > 0 {
		if parent.IsEncrypted {
			dek, err := s.Resolver.DEKForWrite(TypeAccount, grantEntityID, parent.OwnerID, actorID)
			if err != nil {
				return nil, err
			}
			for field, pt := range sensitive {
				ct, sealErr := crypto.SealString(dek, pt, crypto.FieldAAD(desc.Type, id, field))
				if sealErr != nil {
					crypto.Zero(dek)
					return nil, sealErr
				}
				updates[field] = ct
			}
			crypto.Zero(dek)
		} else {
			for field, pt := range sensitive {
				updates[field] = pt
			}
		}
	}

	if len(updates) == 0 {
		return s.Get(actorID, entityType, id)
	}
	updates["updated_at"] = time.Now()
	if err := s.DB.Table(desc.Table).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update %s: %w", entityType, err)
	}
	return s.Get(actorID, entityType, id)
}

// rawRow 不经解密取一行（更新前置检查用）。
func (s *Service) rawRow(desc *Descriptor, id uint) (map[string]interface{}, error) {
	rows, err := s.fetch(desc, Filter{Where: map[string]interface{}{"id": id}})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %d not found", desc.Type, id)
	}
	return modelToMap(rows[0]), nil
}

// childDescriptors 返回挂在账户下的全部子类型。
func childDescriptors() []*Descriptor {
	var out []*Descriptor
	for _, d := range registry {
		if d.Parent == TypeAccount {
			out = append(out, d)
		}
	}
	return out
}

// SetAccountEncryption 打开或关闭账户的选择性加密。
//
// 打开：铸造 DEK + 所有者授权，把账户和全部子记录的敏感字段明文
// 重写为密文，最后置 is_encrypted，并套用自动分享规则。
// 关闭：解密所有字段写回明文，删掉该实体的全部授权。
// 两个方向都只有所有者能做，且要求所有者处于解锁状态。
func (s *Service) SetAccountEncryption(actorID, accountID uint, enable bool) error {
	account, err := s.loadAccount(accountID)
	if err != nil {
		return err
	}
	if account.OwnerID != actorID {
		return vault.ErrNotOwner
	}
	if account.IsEncrypted == enable {
		return nil
	}

	if enable {
		dek, _, err := s.Resolver.EnsureDEK(TypeAccount, accountID, account.OwnerID, actorID)
		if err != nil {
			return err
		}
		defer crypto.Zero(dek)

		if err := s.transformAccountFields(accountID, func(t string, rowID uint, field, val string) (string, error) {
			return crypto.SealString(dek, val, crypto.FieldAAD(t, rowID, field))
		}); err != nil {
			return err
		}
		if err := s.DB.Model(account).Update("is_encrypted", true).Error; err != nil {
			return fmt.Errorf("mark account encrypted: %w", err)
		}
		for _, e := range s.Shares.ApplyDefaults(account.OwnerID, TypeAccount, accountID) {
			log.Printf("默认分享规则套用失败 account=%d: %v", accountID, e)
		}
		return nil
	}

	dek, err := s.Resolver.DEKForWrite(TypeAccount, accountID, account.OwnerID, actorID)
	if err != nil {
		return err
	}
	defer crypto.Zero(dek)

	if err := s.transformAccountFields(accountID, func(t string, rowID uint, field, val string) (string, error) {
		return crypto.OpenString(dek, val, crypto.FieldAAD(t, rowID, field))
	}); err != nil {
		return err
	}
	if err := s.DB.Model(account).Update("is_encrypted", false).Error; err != nil {
		return fmt.Errorf("mark account decrypted: %w", err)
	}
	// 加密状态没了，授权也就没有意义；全部清掉
	if err := s.DB.Where("entity_type = ? AND entity_id = ?", TypeAccount, accountID).
		Delete(&models.KeyGrant{}).Error; err != nil {
		return fmt.Errorf("drop grants: %w", err)
	}
	s.Resolver.Sessions.InvalidateDEK(TypeAccount, accountID)
	return nil
}

// transformAccountFields 对账户及其所有子记录的每个非空敏感字段跑一遍
// 转换函数（加密或解密），逐行写回。
func (s *Service) transformAccountFields(accountID uint, fn func(entityType string, rowID uint, field, val string) (string, error)) error {
	accountDesc, _ := Lookup(TypeAccount)
	descs := append([]*Descriptor{accountDesc}, childDescriptors()...)

	for _, desc := range descs {
		filter := Filter{Where: map[string]interface{}{}}
		if desc.Parent == "" {
			filter.Where["id"] = accountID
		} else {
			filter.Where[desc.ParentField] = accountID
		}
		rows, err := s.fetch(desc, filter)
		if err != nil {
			return err
		}
		for _, model := range rows {
			row := modelToMap(model)
			rowID, _ := toUint(row["id"])
			updates := make(map[string]interface{})
			for _, field := range desc.Sensitive {
				val, _ := row[field].(string)
				if val == "" {
					continue
				}
				out, err := fn(desc.Type, rowID, field, val)
				if err != nil {
					return fmt.Errorf("%s %d field %s: %w", desc.Type, rowID, field, err)
				}
				updates[field] = out
			}
			if len(updates) == 0 {
				continue
			}
			if err := s.DB.Table(desc.Table).Where("id = ?", rowID).Updates(updates).Error; err != nil {
				return fmt.Errorf("rewrite %s %d: %w", desc.Type, rowID, err)
			}
		}
	}
	return nil
}
