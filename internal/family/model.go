package family

import (
	"strings"
	"time"
)

// Family is one household sharing a schedule.
type Family struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	Name      string    `gorm:"column:name;size:320;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing families.
func (Family) TableName() string {
	return "families"
}

// Member links a user to a family with display metadata.
type Member struct {
	FamilyID    string    `gorm:"column:family_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	Role        string    `gorm:"column:role;size:32;not null;default:'member'"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing family members.
func (Member) TableName() string {
	return "family_members"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
