package models

import (
	"time"

	"github.com/davecheney/fedi/internal/snowflake"
	"gorm.io/gorm"
)

// A Status is a piece of content authored by an Actor.
type Status struct {
	ID              snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	URI             string       `gorm:"size:255;uniqueIndex;not null"`
	ActorID         snowflake.ID `gorm:"index;not null"`
	Actor           *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	Type            string       `gorm:"size:16;not null;default:'Note'"`
	Content         string       `gorm:"type:text"`
	Summary         string       `gorm:"size:255;not null;default:''"`
	InReplyTo       string       `gorm:"size:255;not null;default:''"`
	Published       time.Time
	EditedAt        *time.Time
	Tombstoned      bool  `gorm:"not null;default:false"`
	FavouritesCount int32 `gorm:"not null;default:0"`
	ReblogsCount    int32 `gorm:"not null;default:0"`
}

func (s *Status) BeforeCreate(tx *gorm.DB) error {
	if s.Published.Unix() <= 0 {
		s.Published = time.Now()
	}
	if s.ID == 0 {
		s.ID = snowflake.TimeToID(s.Published)
	}
	return nil
}

// Statuses provides access to the statuses table.
type Statuses struct {
	db *gorm.DB
}

func NewStatuses(db *gorm.DB) *Statuses {
	return &Statuses{db: db}
}

// FindByURI returns the status with the given URI, tombstoned or not.
func (s *Statuses) FindByURI(uri string) (*Status, error) {
	var status Status
	if err := s.db.Preload("Actor").Take(&status, "uri = ?", uri).Error; err != nil {
		return nil, err
	}
	return &status, nil
}

// Tombstone marks the status deleted and clears its content.
func (s *Statuses) Tombstone(status *Status) error {
	status.Tombstoned = true
	return s.db.Model(status).UpdateColumns(map[string]any{
		"tombstoned": true,
		"content":    "",
		"summary":    "",
		"updated_at": time.Now(),
	}).Error
}

// TombstoneAllBy tombstones every status authored by actor.
func (s *Statuses) TombstoneAllBy(actor snowflake.ID) (int64, error) {
	res := s.db.Model(&Status{}).Where("actor_id = ? AND tombstoned = ?", actor, false).UpdateColumns(map[string]any{
		"tombstoned": true,
		"content":    "",
		"summary":    "",
		"updated_at": time.Now(),
	})
	return res.RowsAffected, res.Error
}
