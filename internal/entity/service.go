package entity

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"household-ledger/internal/crypto"
	"household-ledger/internal/models"
	"household-ledger/internal/share"
	"household-ledger/internal/vault"

	"gorm.io/gorm"
)

// 行的解密状态，随行返回给表现层：
// plain:  父实体未加密，字段本来就是明文
// ok:     已解密
// locked: 没有会话或没有授权，字段保持密文原样透传
// integrity_failure: 认证标签不匹配，数据被篡改或损坏
const (
	StatusPlain     = "plain"
	StatusOK        = "ok"
	StatusLocked    = "locked"
	StatusIntegrity = "integrity_failure"
)

// Service 是实体加密中间层：创建/读取/更新都从这里过，
// 敏感字段的加解密和 DEK 解析全部发生在这一层。
type Service struct {
	DB       *gorm.DB
	Resolver *vault.Resolver
	Shares   *share.Manager
}

func NewService(db *gorm.DB, resolver *vault.Resolver, shares *share.Manager) *Service {
	return &Service{DB: db, Resolver: resolver, Shares: shares}
}

// Filter 列表筛选：只允许非敏感列的等值条件和时间范围。
type Filter struct {
	Where  map[string]interface{}
	Start  *time.Time
	End    *time.Time
	Limit  int
	Offset int
}

// ---------- 值转换 ----------

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func toUint(v interface{}) (uint, bool) {
	switch n := v.(type) {
	case uint:
		return n, true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint(n), true
	case string:
		parsed, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return uint(parsed), true
	}
	return 0, false
}

// toFieldString 把请求里的字段值规整成字符串。JSON 数字统一转十进制串，
// 这样 -7500 加密前后往返仍是 "-7500"。
func toFieldString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

// ---------- 模型适配 ----------

// parentContext 是一次加解密所需的父实体信息。
// 顶层实体（账户）自己就是 parent。
type parentContext struct {
	OwnerID     uint
	IsEncrypted bool
}

func (s *Service) loadAccount(id uint) (*models.Account, error) {
	var account models.Account
	if err := s.DB.First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %d not found", id)
		}
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &account, nil
}

// buildModel 把请求字段装进对应的 gorm 模型。
// includeSensitive=false 时敏感字段留空，等拿到实体 ID 再写密文。
func buildModel(desc *Descriptor, fields map[string]interface{}, actorID uint, includeSensitive bool) (interface{}, error) {
	str := func(name string) string { return toFieldString(fields[name]) }

	switch desc.Type {
	case TypeAccount:
		m := &models.Account{
			OwnerID:     actorID,
			Name:        str("name"),
			Type:        str("type"),
			Currency:    str("currency"),
			IsEncrypted: toBool(fields["is_encrypted"]),
		}
		if m.Name == "" {
			return nil, fmt.Errorf("account name is required")
		}
		if includeSensitive {
			m.Balance = str("balance")
			m.Notes = str("notes")
		}
		return m, nil

	case TypeTransaction:
		accountID, ok := toUint(fields["account_id"])
		if !ok || accountID == 0 {
			return nil, fmt.Errorf("account_id is required")
		}
		m := &models.Transaction{
			AccountID:  accountID,
			Type:       str("type"),
			Category:   str("category"),
			OccurredAt: time.Now(),
		}
		if t, ok := parseTimeValue(fields["occurred_at"]); ok {
			m.OccurredAt = t
		}
		if includeSensitive {
			m.Description = str("description")
			m.Amount = str("amount")
			m.Note = str("note")
		}
		return m, nil

	case TypeRecurring:
		accountID, ok := toUint(fields["account_id"])
		if !ok || accountID == 0 {
			return nil, fmt.Errorf("account_id is required")
		}
		m := &models.RecurringItem{
			AccountID: accountID,
			Type:      str("type"),
			Frequency: str("frequency"),
			Active:    true,
		}
		if v, ok := fields["active"]; ok {
			m.Active = toBool(v)
		}
		if t, ok := parseTimeValue(fields["next_due_at"]); ok {
			m.NextDueAt = t
		}
		if includeSensitive {
			m.Description = str("description")
			m.Amount = str("amount")
		}
		return m, nil

	case TypeSavingsGoal:
		accountID, ok := toUint(fields["account_id"])
		if !ok || accountID == 0 {
			return nil, fmt.Errorf("account_id is required")
		}
		m := &models.SavingsGoal{
			AccountID: accountID,
			Name:      str("name"),
		}
		if t, ok := parseTimeValue(fields["target_date"]); ok {
			m.TargetDate = t
		}
		if includeSensitive {
			m.TargetAmount = str("target_amount")
			m.Note = str("note")
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", desc.Type)
}

func modelID(model interface{}) uint {
	switch m := model.(type) {
	case *models.Account:
		return m.ID
	case *models.Transaction:
		return m.ID
	case *models.RecurringItem:
		return m.ID
	case *models.SavingsGoal:
		return m.ID
	}
	return 0
}

// modelToMap 把模型转成响应行。敏感字段原样带出（可能是密文），
// 解密与否由调用方随后决定。
func modelToMap(model interface{}) map[string]interface{} {
	switch m := model.(type) {
	case *models.Account:
		return map[string]interface{}{
			"id":           m.ID,
			"owner_id":     m.OwnerID,
			"name":         m.Name,
			"type":         m.Type,
			"currency":     m.Currency,
			"is_encrypted": m.IsEncrypted,
			"balance":      m.Balance,
			"notes":        m.Notes,
			"created_at":   m.CreatedAt,
			"updated_at":   m.UpdatedAt,
		}
	case *models.Transaction:
		return map[string]interface{}{
			"id":          m.ID,
			"account_id":  m.AccountID,
			"type":        m.Type,
			"category":    m.Category,
			"occurred_at": m.OccurredAt,
			"description": m.Description,
			"amount":      m.Amount,
			"note":        m.Note,
			"created_at":  m.CreatedAt,
			"updated_at":  m.UpdatedAt,
		}
	case *models.RecurringItem:
		return map[string]interface{}{
			"id":          m.ID,
			"account_id":  m.AccountID,
			"type":        m.Type,
			"frequency":   m.Frequency,
			"next_due_at": m.NextDueAt,
			"active":      m.Active,
			"description": m.Description,
			"amount":      m.Amount,
			"created_at":  m.CreatedAt,
			"updated_at":  m.UpdatedAt,
		}
	case *models.SavingsGoal:
		return map[string]interface{}{
			"id":            m.ID,
			"account_id":    m.AccountID,
			"name":          m.Name,
			"target_date":   m.TargetDate,
			"target_amount": m.TargetAmount,
			"note":          m.Note,
			"created_at":    m.CreatedAt,
			"updated_at":    m.UpdatedAt,
		}
	}
	return nil
}

// parentOf 取该行做加解密时依据的父实体：账户是自己，子记录查所属账户。
// 返回 (父上下文, 授权挂靠的实体ID)。子记录的授权始终挂在父账户上。
func (s *Service) parentOf(desc *Descriptor, rowMap map[string]interface{}) (*parentContext, uint, error) {
	if desc.Parent == "" {
		id, _ := toUint(rowMap["id"])
		owner, _ := toUint(rowMap["owner_id"])
		return &parentContext{OwnerID: owner, IsEncrypted: toBool(rowMap["is_encrypted"])}, id, nil
	}
	accountID, _ := toUint(rowMap[desc.ParentField])
	account, err := s.loadAccount(accountID)
	if err != nil {
		return nil, 0, err
	}
	return &parentContext{OwnerID: account.OwnerID, IsEncrypted: account.IsEncrypted}, account.ID, nil
}

// ---------- 创建 ----------

// Create 创建实体。父实体加密时，敏感字段先不落库，
// 拿到行 ID 后用 DEK 加密（AAD 绑定实体类型/ID/字段名）再补写，
// 明文从不持久化。账户首次加密写入会铸造 DEK 和所有者授权，
// 并随即套用自动分享规则。
func (s *Service) Create(actorID uint, entityType string, fields map[string]interface{}) (map[string]interface{}, error) {
	desc, err := Lookup(entityType)
	if err != nil {
		return nil, err
	}

	// 确定加密上下文；加密路径在写任何行之前先验证会话/授权
	var parent *parentContext
	var grantEntityID uint // 0 表示账户自身（此时行还没有 ID）
	if desc.Parent == "" {
		parent = &parentContext{OwnerID: actorID, IsEncrypted: toBool(fields["is_encrypted"])}
		if parent.IsEncrypted && !s.Resolver.Sessions.Active(actorID) {
			return nil, vault.ErrNoActiveSession
		}
	} else {
		accountID, ok := toUint(fields[desc.ParentField])
		if !ok || accountID == 0 {
			return nil, fmt.Errorf("%s is required", desc.ParentField)
		}
		account, err := s.loadAccount(accountID)
		if err != nil {
			return nil, err
		}
		parent = &parentContext{OwnerID: account.OwnerID, IsEncrypted: account.IsEncrypted}
		grantEntityID = account.ID
		if parent.IsEncrypted {
			// 写敏感字段必须现在就能解析 DEK；不行就整个拒绝
			dek, err := s.Resolver.DEKForWrite(TypeAccount, account.ID, account.OwnerID, actorID)
			if err != nil {
				return nil, err
			}
			crypto.Zero(dek)
		}
	}

	model, err := buildModel(desc, fields, actorID, !parent.IsEncrypted)
	if err != nil {
		return nil, err
	}
	if err := s.DB.Create(model).Error; err != nil {
		return nil, fmt.Errorf("create %s: %w", entityType, err)
	}
	rowID := modelID(model)

	if !parent.IsEncrypted {
		return modelToMap(model), nil
	}

	// 加密路径：铸造/解析 DEK，补写密文
	if desc.Parent == "" {
		grantEntityID = rowID
	}
	dek, minted, err := s.Resolver.EnsureDEK(TypeAccount, grantEntityID, parent.OwnerID, actorID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)

	sealed := make(map[string]interface{}, len(desc.Sensitive))
	plain := make(map[string]string, len(desc.Sensitive))
	for _, field := range desc.Sensitive {
		v, ok := fields[field]
		if !ok {
			continue
		}
		pt := toFieldString(v)
		ct, err := crypto.SealString(dek, pt, crypto.FieldAAD(desc.Type, rowID, field))
		if err != nil {
			return nil, err
		}
		sealed[field] = ct
		plain[field] = pt
	}
	if len(sealed) > 0 {
		if err := s.DB.Table(desc.Table).Where("id = ?", rowID).Updates(sealed).Error; err != nil {
			return nil, fmt.Errorf("write encrypted fields: %w", err)
		}
	}

	// 新账户的所有者授权刚建立：套用自动分享默认规则。
	// 单条规则失败不回滚创建，但必须让所有者看见
	var warnings []string
	if minted && desc.Parent == "" {
		for _, e := range s.Shares.ApplyDefaults(parent.OwnerID, TypeAccount, grantEntityID) {
			log.Printf("默认分享规则套用失败 account=%d: %v", grantEntityID, e)
			warnings = append(warnings, e.Error())
		}
	}

	out := modelToMap(model)
	for field, pt := range plain {
		out[field] = pt
	}
	out["crypto_status"] = StatusOK
	if len(warnings) > 0 {
		out["share_warnings"] = warnings
	}
	return out, nil
}
