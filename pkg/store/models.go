package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type IdentityModel struct {
	ID        string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

type BookModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index:idx_book_owner_profile,priority:1"`
	ProfileID   string `gorm:"not null;index:idx_book_owner_profile,priority:2"`
	Title       string `gorm:"not null"`
	Author      string
	CoverURL    string
	Description string `gorm:"type:text"`
	ISBN        string
	SummaryText string `gorm:"type:text"`
	AudioURL    string
	Rating      string                        `gorm:"not null"`
	Media       datatypes.JSONType[MediaKeys] `gorm:"type:jsonb"`
	CreatedAt   time.Time                     `gorm:"not null;index"`
}
