package models

import (
	"time"

	"github.com/davecheney/fedi/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// A Notification tells a local actor that a remote actor interacted with them.
type Notification struct {
	ID          snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt   time.Time
	ActorID     snowflake.ID `gorm:"index;not null"`
	Actor       *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	FromActorID snowflake.ID `gorm:"not null"`
	FromActor   *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	StatusID    *snowflake.ID
	Status      *Status          `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	Type        NotificationType `gorm:"not null"`
}

// NotificationType is the kind of interaction.
type NotificationType string

const (
	NotifyFollow        NotificationType = "follow"
	NotifyFollowRequest NotificationType = "follow_request"
	NotifyFavourite     NotificationType = "favourite"
	NotifyReblog        NotificationType = "reblog"
)

func (NotificationType) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return enumType(db, "follow", "follow_request", "favourite", "reblog")
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == 0 {
		n.ID = snowflake.Now()
	}
	return nil
}

// Notifications provides access to the notifications table.
type Notifications struct {
	db *gorm.DB
}

func NewNotifications(db *gorm.DB) *Notifications {
	return &Notifications{db: db}
}

// Notify notifies to of an interaction by from. Only local actors are notified.
func (n *Notifications) Notify(to, from *Actor, typ NotificationType, status *Status) error {
	if !to.IsLocal() {
		return nil
	}
	notification := &Notification{
		ActorID:     to.ID,
		FromActorID: from.ID,
		Type:        typ,
	}
	if status != nil {
		notification.StatusID = &status.ID
	}
	return n.db.Create(notification).Error
}
