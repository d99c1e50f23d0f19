package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// An InboxActivity is an activity received in an inbox and applied, or
// stored without effect. Undo uses it to find the activity it reverses.
type InboxActivity struct {
	URI        string `gorm:"size:255;primarykey"`
	Type       string `gorm:"size:32;index;not null"`
	ActorURI   string `gorm:"size:255;index;not null"`
	ObjectURI  string `gorm:"size:255;not null;default:''"`
	Raw        []byte `gorm:"not null"`
	Ignored    bool   `gorm:"not null;default:false"`
	ReceivedAt time.Time
}

// InboxActivities provides access to the inbox activity log.
type InboxActivities struct {
	db *gorm.DB
}

func NewInboxActivities(db *gorm.DB) *InboxActivities {
	return &InboxActivities{db: db}
}

// Record stores activity in the log.
func (a *InboxActivities) Record(activity *InboxActivity) error {
	if activity.ReceivedAt.IsZero() {
		activity.ReceivedAt = time.Now()
	}
	return a.db.Clauses(clause.OnConflict{DoNothing: true}).Create(activity).Error
}

// Find returns the logged activity with the given URI.
func (a *InboxActivities) Find(uri string) (*InboxActivity, error) {
	var activity InboxActivity
	if err := a.db.Take(&activity, "uri = ?", uri).Error; err != nil {
		return nil, err
	}
	return &activity, nil
}
