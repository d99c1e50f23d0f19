package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/davecheney/fedi/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// An Actor is a local actor, or the cached profile of a remote actor.
type Actor struct {
	ID          snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	URI         string    `gorm:"size:255;uniqueIndex;not null"`
	Type        ActorType `gorm:"default:'Person';not null"`
	Name        string    `gorm:"size:64;not null"`
	Domain      string    `gorm:"size:64;index;not null"`
	DisplayName string    `gorm:"size:255;not null;default:''"`
	Note        string    `gorm:"type:text"`
	Inbox       string    `gorm:"size:255;not null"`
	SharedInbox string    `gorm:"size:255;not null;default:''"`
	PublicKeyID string    `gorm:"size:255;not null;default:''"`
	PublicKey   []byte    `gorm:"not null"`
	Locked      bool      `gorm:"not null;default:false"`
	// FetchedAt is the time the remote document was last fetched.
	// The epoch means the entry has been invalidated.
	FetchedAt time.Time `gorm:"not null"`
}

// ActorType is the type of an actor. Local actors have a Local prefix.
type ActorType string

const (
	LocalPerson  ActorType = "LocalPerson"
	LocalService ActorType = "LocalService"
)

func (ActorType) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return enumType(db, "Person", "Application", "Service", "Group", "Organization", "LocalPerson", "LocalService")
}

// Invalidated is the FetchedAt of an invalidated actor.
var Invalidated = time.Unix(0, 0).UTC()

// CacheState describes the trustworthiness of a cached actor.
type CacheState int

const (
	Absent CacheState = iota
	Stale
	Fresh
)

func (s CacheState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// State returns the cache state of the actor at now given the ttl.
// Local actors are always fresh.
func (a *Actor) State(now time.Time, ttl time.Duration) CacheState {
	switch {
	case a == nil:
		return Absent
	case a.IsLocal():
		return Fresh
	case !a.FetchedAt.After(Invalidated):
		return Absent
	case now.Sub(a.FetchedAt) > ttl:
		return Stale
	default:
		return Fresh
	}
}

// IsLocal indicates whether the actor is local to the instance.
func (a *Actor) IsLocal() bool {
	switch a.Type {
	case LocalPerson, LocalService:
		return true
	default:
		return false
	}
}

// DeliveryInbox returns the actor's shared inbox if it has one, otherwise
// its personal inbox.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

// Acct returns the actor's name@domain.
func (a *Actor) Acct() string {
	return fmt.Sprintf("%s@%s", a.Name, a.Domain)
}

func (a *Actor) BeforeCreate(tx *gorm.DB) error {
	if a.ID == 0 {
		a.ID = snowflake.Now()
	}
	return nil
}

// Actors provides access to the actors table.
type Actors struct {
	db *gorm.DB
}

func NewActors(db *gorm.DB) *Actors {
	return &Actors{db: db}
}

// FindByURI returns the actor with the given URI, or gorm.ErrRecordNotFound.
func (a *Actors) FindByURI(uri string) (*Actor, error) {
	var actor Actor
	if err := a.db.Take(&actor, "uri = ?", uri).Error; err != nil {
		return nil, err
	}
	return &actor, nil
}

// FindLocal returns the local actor with the given name.
func (a *Actors) FindLocal(name, domain string) (*Actor, error) {
	var actor Actor
	err := a.db.Take(&actor, "name = ? AND domain = ? AND type IN ?", name, domain, []ActorType{LocalPerson, LocalService}).Error
	if err != nil {
		return nil, err
	}
	return &actor, nil
}

// Upsert stores a freshly fetched remote actor. An existing row is only
// overwritten if its FetchedAt is older than actor.FetchedAt, so a slow
// fetch cannot clobber a newer one. The stored row is returned.
func (a *Actors) Upsert(actor *Actor) (*Actor, error) {
	res := a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoNothing: true,
	}).Create(actor)
	if err := res.Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, err
	}
	if res.RowsAffected == 0 {
		err := a.db.Model(&Actor{}).
			Where("uri = ? AND fetched_at < ?", actor.URI, actor.FetchedAt).
			Where("type NOT IN ?", []ActorType{LocalPerson, LocalService}).
			UpdateColumns(map[string]any{
				"type":          actor.Type,
				"name":          actor.Name,
				"domain":        actor.Domain,
				"display_name":  actor.DisplayName,
				"note":          actor.Note,
				"inbox":         actor.Inbox,
				"shared_inbox":  actor.SharedInbox,
				"public_key_id": actor.PublicKeyID,
				"public_key":    actor.PublicKey,
				"locked":        actor.Locked,
				"fetched_at":    actor.FetchedAt,
				"updated_at":    time.Now(),
			}).Error
		if err != nil {
			return nil, err
		}
	}
	return a.FindByURI(actor.URI)
}

// Invalidate marks the actor as absent for the purpose of trust, forcing the
// next resolution to refetch it.
func (a *Actors) Invalidate(uri string) error {
	return a.db.Model(&Actor{}).Where("uri = ?", uri).UpdateColumn("fetched_at", Invalidated).Error
}
