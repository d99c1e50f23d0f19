package models

import (
	"github.com/davecheney/fedi/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reaction represents an actor's reaction to a status.
type Reaction struct {
	StatusID    snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	Status      *Status      `gorm:"constraint:OnDelete:CASCADE;<-:false"`
	ActorID     snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	Actor       *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false"`
	Favourited  bool         `gorm:"not null;default:false"`
	Reblogged   bool         `gorm:"not null;default:false"`
	LikeURI     string       `gorm:"size:255;not null;default:''"`
	AnnounceURI string       `gorm:"size:255;not null;default:''"`
}

func (r *Reaction) AfterSave(tx *gorm.DB) error {
	return forEach(tx, r.updateStatusCount)
}

// updateStatusCount updates the favourites_count and reblogs_count fields on the status.
func (r *Reaction) updateStatusCount(tx *gorm.DB) error {
	status := &Status{ID: r.StatusID}
	favouritesCount := tx.Session(&gorm.Session{NewDB: true}).Select("COUNT(*)").Where("status_id = ? and favourited = ?", r.StatusID, true).Table("reactions")
	reblogsCount := tx.Session(&gorm.Session{NewDB: true}).Select("COUNT(*)").Where("status_id = ? and reblogged = ?", r.StatusID, true).Table("reactions")
	return tx.Session(&gorm.Session{NewDB: true}).Model(status).UpdateColumns(map[string]any{
		"favourites_count": favouritesCount,
		"reblogs_count":    reblogsCount,
	}).Error
}

// Reactions provides access to the reactions table.
type Reactions struct {
	db *gorm.DB
}

func NewReactions(db *gorm.DB) *Reactions {
	return &Reactions{db: db}
}

// Favourite records that actor liked status via the Like activity uri.
func (r *Reactions) Favourite(status *Status, actor *Actor, uri string) (*Reaction, error) {
	reaction := &Reaction{StatusID: status.ID, ActorID: actor.ID, Favourited: true, LikeURI: uri}
	return reaction, r.upsert(reaction, "favourited", "like_uri")
}

// Unfavourite removes actor's like of status. It returns the number of
// likes removed, zero if actor had not liked status.
func (r *Reactions) Unfavourite(status *Status, actor *Actor) (int64, error) {
	return r.clear(status, actor, "favourited", "like_uri")
}

// Reblog records that actor announced status via the Announce activity uri.
func (r *Reactions) Reblog(status *Status, actor *Actor, uri string) (*Reaction, error) {
	reaction := &Reaction{StatusID: status.ID, ActorID: actor.ID, Reblogged: true, AnnounceURI: uri}
	return reaction, r.upsert(reaction, "reblogged", "announce_uri")
}

// Unreblog removes actor's announce of status. It returns the number of
// announces removed, zero if actor had not announced status.
func (r *Reactions) Unreblog(status *Status, actor *Actor) (int64, error) {
	return r.clear(status, actor, "reblogged", "announce_uri")
}

// clear unsets flag and its activity uri on an existing reaction.
func (r *Reactions) clear(status *Status, actor *Actor, flag, uri string) (int64, error) {
	reaction := &Reaction{StatusID: status.ID, ActorID: actor.ID}
	res := r.db.Model(reaction).Where(flag+" = ?", true).Updates(map[string]any{
		flag: false,
		uri:  "",
	})
	return res.RowsAffected, res.Error
}

func (r *Reactions) upsert(reaction *Reaction, columns ...string) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "status_id"}, {Name: "actor_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(reaction).Error
}
