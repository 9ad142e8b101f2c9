package domain

import (
	"strings"
	"time"
)

// Scope API Key 权限范围
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// APIKey 凭证表记录，只保存密钥的 bcrypt 哈希
type APIKey struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name       string     `json:"name" gorm:"type:varchar(100);not null"`
	Prefix     string     `json:"prefix" gorm:"type:varchar(16);uniqueIndex;not null"` // 明文前缀，用于查找
	Hash       string     `json:"-" gorm:"type:varchar(100);not null"`
	Scopes     string     `json:"scopes" gorm:"type:varchar(100)"` // 逗号分隔
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// TableName 凭证表名
func (APIKey) TableName() string {
	return "api_keys"
}

// HasScope 检查是否具有指定权限，admin 隐含全部权限
func (k *APIKey) HasScope(scope Scope) bool {
	for _, s := range strings.Split(k.Scopes, ",") {
		s = strings.TrimSpace(s)
		if s == string(scope) || s == string(ScopeAdmin) {
			return true
		}
	}
	return false
}

// Expired 是否已过期
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
