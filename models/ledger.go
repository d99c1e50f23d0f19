package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// A DedupEntry records that an activity id has been processed.
// Entries are never mutated, only purged once older than the retention window.
type DedupEntry struct {
	ActivityID string    `gorm:"size:255;primarykey"`
	SeenAt     time.Time `gorm:"index;not null"`
}

// Ledger is the set of activity ids that have been processed.
type Ledger struct {
	db *gorm.DB
}

// NewLedger returns a Ledger operating on db. Pass the transaction that
// applies the activity's side effects so a rollback forgets the id.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// RecordIfNew records id and returns true, or returns false if id was
// already recorded. Concurrent callers with the same id see exactly one true.
func (l *Ledger) RecordIfNew(id string) (bool, error) {
	res := l.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&DedupEntry{
		ActivityID: id,
		SeenAt:     time.Now(),
	})
	switch {
	case errors.Is(res.Error, gorm.ErrDuplicatedKey):
		return false, nil
	case res.Error != nil:
		return false, res.Error
	default:
		return res.RowsAffected == 1, nil
	}
}

// Seen reports whether id has been recorded.
func (l *Ledger) Seen(id string) (bool, error) {
	var count int64
	err := l.db.Model(&DedupEntry{}).Where("activity_id = ?", id).Count(&count).Error
	return count > 0, err
}

// Purge deletes entries recorded before cutoff.
func (l *Ledger) Purge(cutoff time.Time) (int64, error) {
	res := l.db.Where("seen_at < ?", cutoff).Delete(&DedupEntry{})
	return res.RowsAffected, res.Error
}
