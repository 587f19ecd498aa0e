package model

import "time"

// FeedEntry is one post reference in a follower's feed. The composite primary key
// (user_id, post_id) makes repeated writes of the same pair overwrite the row.
type FeedEntry struct {
	UserID     string    `gorm:"primaryKey;size:64;not null"`
	PostID     string    `gorm:"primaryKey;size:64;not null"`
	InsertedAt time.Time `gorm:"not null;index"`
}

func (FeedEntry) TableName() string { return "post_feed" }
