package entity

import "fmt"

// Descriptor 静态描述一种可加密实体：表名、父子关系、敏感字段清单。
// 哪些字段敏感在这里写死、可审阅，而不是运行时看字段名猜。
type Descriptor struct {
	Type        string
	Table       string
	Parent      string   // 顶层实体为空
	ParentField string   // 指向父实体的外键列
	Clear       []string // 可写的非敏感列（明文，支持筛选/排序）
	Sensitive   []string // 敏感列：加密实体下只存密文容器
	TimeField   string   // 范围筛选用的时间列
}

// TypeAccount 等是对外的实体类型名，也是授权行里的 entityType。
const (
	TypeAccount     = "account"
	TypeTransaction = "transaction"
	TypeRecurring   = "recurring_item"
	TypeSavingsGoal = "savings_goal"
)

var registry = map[string]*Descriptor{
	TypeAccount: {
		Type:      TypeAccount,
		Table:     "accounts",
		Clear:     []string{"name", "type", "currency"},
		Sensitive: []string{"balance", "notes"},
	},
	TypeTransaction: {
		Type:        TypeTransaction,
		Table:       "transactions",
		Parent:      TypeAccount,
		ParentField: "account_id",
		Clear:       []string{"type", "category", "occurred_at"},
		Sensitive:   []string{"description", "amount", "note"},
		TimeField:   "occurred_at",
	},
	TypeRecurring: {
		Type:        TypeRecurring,
		Table:       "recurring_items",
		Parent:      TypeAccount,
		ParentField: "account_id",
		Clear:       []string{"type", "frequency", "next_due_at", "active"},
		Sensitive:   []string{"description", "amount"},
		TimeField:   "next_due_at",
	},
	TypeSavingsGoal: {
		Type:        TypeSavingsGoal,
		Table:       "savings_goals",
		Parent:      TypeAccount,
		ParentField: "account_id",
		Clear:       []string{"name", "target_date"},
		Sensitive:   []string{"target_amount", "note"},
		TimeField:   "target_date",
	},
}

// Lookup 按类型名取描述符。
func Lookup(entityType string) (*Descriptor, error) {
	desc, ok := registry[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	return desc, nil
}

// Types 返回全部已注册类型（测试和路由校验用）。
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}

func (d *Descriptor) isSensitive(field string) bool {
	for _, f := range d.Sensitive {
		if f == field {
			return true
		}
	}
	return false
}

func (d *Descriptor) isClear(field string) bool {
	for _, f := range d.Clear {
		if f == field {
			return true
		}
	}
	return false
}
