package model

import "time"

// RedriveRecord holds a record whose fan-out failed so the poller can publish it again.
type RedriveRecord struct {
	ID          uint64    `gorm:"primaryKey"`
	RecordID    string    `gorm:"size:128;not null"`
	MessageKey  string    `gorm:"size:128"`
	Payload     string    `gorm:"type:text;not null"`
	Reason      string    `gorm:"type:text"`
	Attempts    int       `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false;index"`
	ProcessedAt *time.Time
}

func (RedriveRecord) TableName() string { return "fanout_redrive" }
