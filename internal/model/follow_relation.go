package model

// FollowRelation is the edge "follower follows celebrity", keyed by celebrity.
// Owned by the relation tracker; this service only reads it.
type FollowRelation struct {
	Celebrity string `gorm:"primaryKey;size:64;not null"`
	Follower  string `gorm:"primaryKey;size:64;not null"`
}

func (FollowRelation) TableName() string { return "relation_tracker" }
