package entity

import (
	"fmt"

	"household-ledger/internal/crypto"
	"household-ledger/internal/models"

	"gorm.io/gorm"
)

// allowedFilterColumn 列表筛选只接受非敏感列；密文列上做条件既无意义也危险。
func (d *Descriptor) allowedFilterColumn(col string) bool {
	if col == "id" {
		return true
	}
	if d.Parent == "" {
		if col == "owner_id" || col == "is_encrypted" {
			return true
		}
	} else if col == d.ParentField {
		return true
	}
	return d.isClear(col)
}

func (s *Service) applyFilter(desc *Descriptor, q *gorm.DB, filter Filter) (*gorm.DB, error) {
	for col, v := range filter.Where {
		if !desc.allowedFilterColumn(col) {
			return nil, fmt.Errorf("cannot filter on column %q", col)
		}
		q = q.Where(col+" = ?", v)
	}
	if desc.TimeField != "" {
		if filter.Start != nil {
			q = q.Where(desc.TimeField+" >= ?", *filter.Start)
		}
		if filter.End != nil {
			q = q.Where(desc.TimeField+" < ?", *filter.End)
		}
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if desc.TimeField != "" {
		q = q.Order(desc.TimeField + " DESC, id DESC")
	} else {
		q = q.Order("id ASC")
	}
	return q, nil
}

// fetch 按类型查出行并统一成模型指针切片。
func (s *Service) fetch(desc *Descriptor, filter Filter) ([]interface{}, error) {
	q, err := s.applyFilter(desc, s.DB, filter)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	switch desc.Type {
	case TypeAccount:
		var rows []models.Account
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("query accounts: %w", err)
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	case TypeTransaction:
		var rows []models.Transaction
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("query transactions: %w", err)
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	case TypeRecurring:
		var rows []models.RecurringItem
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("query recurring items: %w", err)
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	case TypeSavingsGoal:
		var rows []models.SavingsGoal
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("query savings goals: %w", err)
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	}
	return out, nil
}

// decryptRow 就地解密一行的敏感字段。解不了（无会话/无授权）就保持
// 密文原样透传并标记 locked，列表视图靠它继续渲染 ID、日期等
// 非敏感元数据。
func (s *Service) decryptRow(desc *Descriptor, row map[string]interface{}, parent *parentContext, grantEntityID, actorID uint) {
	if !parent.IsEncrypted {
		row["crypto_status"] = StatusPlain
		return
	}

	dek, err := s.Resolver.DEK(TypeAccount, grantEntityID, actorID)
	if err != nil {
		// 授权包裹解不开：篡改/损坏，必须和"锁着"区分开
		row["crypto_status"] = StatusIntegrity
		return
	}
	if dek == nil {
		row["crypto_status"] = StatusLocked
		return
	}
	defer crypto.Zero(dek)

	rowID, _ := toUint(row["id"])
	status := StatusOK
	for _, field := range desc.Sensitive {
		ct, _ := row[field].(string)
		if ct == "" {
			continue
		}
		pt, err := crypto.OpenString(dek, ct, crypto.FieldAAD(desc.Type, rowID, field))
		if err != nil {
			// 单个字段被篡改：字段保持密文，整行标记完整性失败
			status = StatusIntegrity
			continue
		}
		row[field] = pt
	}
	row["crypto_status"] = status
}

// List 查询实体列表并为请求者解密可解密的行。
// 加密与未加密的行可以混在同一个结果集里，互不影响。
func (s *Service) List(actorID uint, entityType string, filter Filter) ([]map[string]interface{}, error) {
	desc, err := Lookup(entityType)
	if err != nil {
		return nil, err
	}

	rows, err := s.fetch(desc, filter)
	if err != nil {
		return nil, err
	}

	// 子记录按所属账户缓存加密上下文，避免每行一次查询
	parents := make(map[uint]*parentContext)
	out := make([]map[string]interface{}, 0, len(rows))
	for _, model := range rows {
		row := modelToMap(model)

		var parent *parentContext
		var grantEntityID uint
		if desc.Parent == "" {
			parent, grantEntityID, err = s.parentOf(desc, row)
			if err != nil {
				return nil, err
			}
		} else {
			accountID, _ := toUint(row[desc.ParentField])
			cached, ok := parents[accountID]
			if !ok {
				account, err := s.loadAccount(accountID)
				if err != nil {
					return nil, err
				}
				cached = &parentContext{OwnerID: account.OwnerID, IsEncrypted: account.IsEncrypted}
				parents[accountID] = cached
			}
			parent = cached
			grantEntityID = accountID
		}

		s.decryptRow(desc, row, parent, grantEntityID, actorID)
		out = append(out, row)
	}
	return out, nil
}

// Get 查询单个实体并解密。
func (s *Service) Get(actorID uint, entityType string, id uint) (map[string]interface{}, error) {
	rows, err := s.List(actorID, entityType, Filter{Where: map[string]interface{}{"id": id}})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %d not found", entityType, id)
	}
	return rows[0], nil
}
