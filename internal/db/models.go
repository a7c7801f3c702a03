package db

import "time"

// CacheEntry is one conversation of one session. The table is created by
// the embedded migrations, not by AutoMigrate.
type CacheEntry struct {
	SessionID string    `gorm:"primaryKey;column:session_id"`
	Key       string    `gorm:"primaryKey;column:key"`
	Value     []byte    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName implements gorm's tabler interface.
func (CacheEntry) TableName() string { return "cache_entries" }
