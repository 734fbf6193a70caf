package models

import "time"

// Grant wrap algorithms. The owner's own grant is wrapped directly with the
// owner's master key; shared grants go through the recipient's public key.
const (
	WrapAlgoMaster  = "aes-gcm-master"
	WrapAlgoRSAOAEP = "rsa-oaep-sha256"
)

// Grant permissions.
const (
	PermRead      = "read"
	PermReadWrite = "read-write"
)

// KeyGrant records that a member may unwrap an entity's DEK.
// 每个 (entity, recipient) 组合最多一条有效授权。
type KeyGrant struct {
	ID          string `gorm:"primaryKey;size:36"` // uuid
	EntityType  string `gorm:"size:32;not null;uniqueIndex:idx_grant_entity_recipient"`
	EntityID    uint   `gorm:"not null;uniqueIndex:idx_grant_entity_recipient"`
	RecipientID uint   `gorm:"not null;index;uniqueIndex:idx_grant_entity_recipient"`
	WrappedDEK  []byte `gorm:"type:blob;not null"`
	WrapAlgo    string `gorm:"size:32;not null"`
	Permissions string `gorm:"size:16;not null"`
	GrantedBy   uint   `gorm:"not null"`
	CreatedAt   time.Time
}

// ShareDefault is a standing rule: whenever the owner creates a new entity of
// EntityType, a share to RecipientID is established automatically.
type ShareDefault struct {
	ID          uint   `gorm:"primaryKey"`
	OwnerID     uint   `gorm:"not null;uniqueIndex:idx_default_rule"`
	RecipientID uint   `gorm:"not null;uniqueIndex:idx_default_rule"`
	EntityType  string `gorm:"size:32;not null;uniqueIndex:idx_default_rule"`
	Permissions string `gorm:"size:16;not null"`
	CreatedAt   time.Time
}
