package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"uniqueIndex;size:320;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"size:16;not null;default:user"`
	CreatedAt    time.Time
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	return nil
}

// RefreshToken 行在 consume 或 revoke 时直接删除，不保留 revoked 标记。
type RefreshToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null" json:"user_id"`
	Token     string    `gorm:"uniqueIndex;size:128;not null" json:"-"`
	UserAgent string    `gorm:"size:512" json:"user_agent,omitempty"`
	IP        string    `gorm:"size:64" json:"ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
}

func (rt *RefreshToken) BeforeCreate(*gorm.DB) error {
	if rt.ID == uuid.Nil {
		rt.ID = uuid.New()
	}
	return nil
}

// Expired 以 now 为准判断是否过期，过期的记录等同于不存在。
func (rt *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(rt.ExpiresAt)
}
