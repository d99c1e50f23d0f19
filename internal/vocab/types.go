package vocab

// ActivityType is the type of an Activity. Values are compared case
// sensitively; "follow" is not a Follow.
type ActivityType string

const (
	Create   ActivityType = "Create"
	Follow   ActivityType = "Follow"
	Accept   ActivityType = "Accept"
	Reject   ActivityType = "Reject"
	Like     ActivityType = "Like"
	Announce ActivityType = "Announce"
	Undo     ActivityType = "Undo"
	Delete   ActivityType = "Delete"
	Update   ActivityType = "Update"
	Block    ActivityType = "Block"
)

// ActorType is the type of an Actor.
type ActorType string

const (
	Person       ActorType = "Person"
	Organization ActorType = "Organization"
	Service      ActorType = "Service"
	Application  ActorType = "Application"
	Group        ActorType = "Group"
)

// ObjectType is the type of a content Object.
type ObjectType string

const (
	Note      ObjectType = "Note"
	Article   ObjectType = "Article"
	Image     ObjectType = "Image"
	Video     ObjectType = "Video"
	Audio     ObjectType = "Audio"
	Page      ObjectType = "Page"
	Question  ObjectType = "Question"
	Event     ObjectType = "Event"
	Document  ObjectType = "Document"
	Tombstone ObjectType = "Tombstone"
)

var (
	activityTypes = set(Create, Follow, Accept, Reject, Like, Announce, Undo, Delete, Update, Block)
	actorTypes    = set(Person, Organization, Service, Application, Group)
	objectTypes   = set(Note, Article, Image, Video, Audio, Page, Question, Event, Document, Tombstone)
)

func set[T ~string](vals ...T) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[string(v)] = true
	}
	return m
}

// Known reports whether t is one of the enumerated activity types.
func (t ActivityType) Known() bool { return activityTypes[string(t)] }

// Known reports whether t is one of the enumerated actor types.
func (t ActorType) Known() bool { return actorTypes[string(t)] }

// Known reports whether t is one of the enumerated object types.
func (t ObjectType) Known() bool { return objectTypes[string(t)] }

// kind classifies a type name into one of the variants.
type kind int

const (
	kindUnknown kind = iota
	kindActivity
	kindActor
	kindObject
)

func classify(typ string) kind {
	switch {
	case activityTypes[typ]:
		return kindActivity
	case actorTypes[typ]:
		return kindActor
	case objectTypes[typ]:
		return kindObject
	default:
		return kindUnknown
	}
}
