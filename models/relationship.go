package models

import (
	"time"

	"github.com/davecheney/fedi/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// A Follow is a follow edge from Actor to Target. URI is the id of the
// Follow activity that created it.
type Follow struct {
	ID        snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
	URI       string       `gorm:"size:255;uniqueIndex;not null"`
	ActorID   snowflake.ID `gorm:"uniqueIndex:uidx_follows_actor_id_target_id;not null"`
	Actor     *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	TargetID  snowflake.ID `gorm:"uniqueIndex:uidx_follows_actor_id_target_id;index;not null"`
	Target    *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	State     FollowState  `gorm:"not null;default:'pending'"`
}

// FollowState is the state of a follow edge.
type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
	FollowRejected FollowState = "rejected"
)

func (FollowState) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return enumType(db, "pending", "accepted", "rejected")
}

func (f *Follow) BeforeCreate(tx *gorm.DB) error {
	if f.ID == 0 {
		f.ID = snowflake.Now()
	}
	return nil
}

// A Block records that Actor blocks Target.
type Block struct {
	ActorID   snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	Actor     *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	TargetID  snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	Target    *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	URI       string       `gorm:"size:255;not null;default:''"`
	CreatedAt time.Time
}

// Relationships provides access to follows and blocks.
type Relationships struct {
	db *gorm.DB
}

func NewRelationships(db *gorm.DB) *Relationships {
	return &Relationships{db: db}
}

// Follow records a follow edge in the pending state. If an edge between
// actor and target already exists it is reused and its URI updated.
func (r *Relationships) Follow(uri string, actor, target *Actor) (*Follow, error) {
	var follow Follow
	err := r.db.Where(Follow{ActorID: actor.ID, TargetID: target.ID}).
		Assign(Follow{URI: uri}).
		Attrs(Follow{State: FollowPending}).
		FirstOrCreate(&follow).Error
	return &follow, err
}

// FindFollow returns the follow edge with the given activity URI.
func (r *Relationships) FindFollow(uri string) (*Follow, error) {
	var follow Follow
	if err := r.db.Preload("Actor").Preload("Target").Take(&follow, "uri = ?", uri).Error; err != nil {
		return nil, err
	}
	return &follow, nil
}

// FindFollowBetween returns the follow edge from actor to target.
func (r *Relationships) FindFollowBetween(actor, target snowflake.ID) (*Follow, error) {
	var follow Follow
	if err := r.db.Preload("Actor").Preload("Target").Take(&follow, "actor_id = ? AND target_id = ?", actor, target).Error; err != nil {
		return nil, err
	}
	return &follow, nil
}

// SetState transitions a follow edge.
func (r *Relationships) SetState(follow *Follow, state FollowState) error {
	follow.State = state
	return r.db.Model(follow).Update("state", state).Error
}

// Unfollow removes the follow edge from actor to target.
func (r *Relationships) Unfollow(actor, target snowflake.ID) (int64, error) {
	res := r.db.Where("actor_id = ? AND target_id = ?", actor, target).Delete(&Follow{})
	return res.RowsAffected, res.Error
}

// Followers returns the accepted followers of target.
func (r *Relationships) Followers(target snowflake.ID) ([]*Actor, error) {
	var actors []*Actor
	err := r.db.Joins("JOIN follows ON follows.actor_id = actors.id").
		Where("follows.target_id = ? AND follows.state = ?", target, FollowAccepted).
		Find(&actors).Error
	return actors, err
}

// Block records that actor blocks target and removes any follow edges
// between them.
func (r *Relationships) Block(uri string, actor, target *Actor) error {
	block := Block{ActorID: actor.ID, TargetID: target.ID, URI: uri}
	if err := r.db.Where(Block{ActorID: actor.ID, TargetID: target.ID}).Assign(Block{URI: uri}).FirstOrCreate(&block).Error; err != nil {
		return err
	}
	return r.db.Where("(actor_id = ? AND target_id = ?) OR (actor_id = ? AND target_id = ?)", actor.ID, target.ID, target.ID, actor.ID).Delete(&Follow{}).Error
}

// Unblock removes the block of target by actor.
func (r *Relationships) Unblock(actor, target snowflake.ID) (int64, error) {
	res := r.db.Where("actor_id = ? AND target_id = ?", actor, target).Delete(&Block{})
	return res.RowsAffected, res.Error
}

// IsBlocked reports whether actor blocks target.
func (r *Relationships) IsBlocked(actor, target snowflake.ID) (bool, error) {
	var count int64
	err := r.db.Model(&Block{}).Where("actor_id = ? AND target_id = ?", actor, target).Count(&count).Error
	return count > 0, err
}

// BlockersOf returns the ids of the actors, among candidates, that block target.
func (r *Relationships) BlockersOf(target snowflake.ID, candidates []snowflake.ID) (map[snowflake.ID]bool, error) {
	blockers := make(map[snowflake.ID]bool)
	if len(candidates) == 0 {
		return blockers, nil
	}
	var ids []snowflake.ID
	err := r.db.Model(&Block{}).Where("target_id = ? AND actor_id IN ?", target, candidates).Pluck("actor_id", &ids).Error
	for _, id := range ids {
		blockers[id] = true
	}
	return blockers, err
}

// Sever removes every follow edge to or from actor.
func (r *Relationships) Sever(actor snowflake.ID) (int64, error) {
	res := r.db.Where("actor_id = ? OR target_id = ?", actor, actor).Delete(&Follow{})
	return res.RowsAffected, res.Error
}
