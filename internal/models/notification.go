package models

import (
	"time"

	"gorm.io/datatypes"
)

type NotificationChannel string

const (
	ChannelTelegram NotificationChannel = "telegram"
	ChannelEmail    NotificationChannel = "email"
)

type NotificationTarget struct {
	ID          uint                `gorm:"primaryKey" json:"id"`
	UserID      uint                `gorm:"not null;index" json:"user_id"`
	Channel     NotificationChannel `gorm:"size:20;not null;index" json:"channel"`
	Destination string              `gorm:"size:255;not null" json:"destination"`
	Meta        datatypes.JSON      `json:"metadata"`
	IsDefault   bool                `gorm:"not null;default:false" json:"is_default"`
	CreatedAt   time.Time           `gorm:"autoCreateTime" json:"created_at"`

	User *User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

type NotificationBindToken struct {
	ID        uint                `gorm:"primaryKey" json:"id"`
	UserID    uint                `gorm:"not null;index" json:"user_id"`
	Channel   NotificationChannel `gorm:"size:20;not null;index" json:"channel"`
	Token     string              `gorm:"size:64;not null;uniqueIndex" json:"token"`
	ExpiresAt time.Time           `gorm:"not null" json:"expires_at"`
	Used      bool                `gorm:"not null;default:false" json:"used"`
	CreatedAt time.Time           `gorm:"autoCreateTime" json:"created_at"`

	User *User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}
