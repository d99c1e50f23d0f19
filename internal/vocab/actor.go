package vocab

import (
	"github.com/go-json-experiment/json"
)

// Actor is an entity that can perform activities.
type Actor struct {
	ID                        string
	Type                      ActorType
	PreferredUsername         string
	Name                      string
	Summary                   string
	Inbox                     string
	Outbox                    string
	Followers                 string
	Following                 string
	SharedInbox               string
	ManuallyApprovesFollowers bool
	PublicKey                 PublicKey
}

// PublicKey is the key an actor signs requests with.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

func (a *Actor) URI() string      { return a.ID }
func (a *Actor) TypeName() string { return string(a.Type) }

type endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type actorDocument struct {
	Context                   string     `json:"'@context',omitempty"`
	ID                        string     `json:"id"`
	Type                      ActorType  `json:"type"`
	PreferredUsername         string     `json:"preferredUsername,omitempty"`
	Name                      string     `json:"name,omitempty"`
	Summary                   string     `json:"summary,omitempty"`
	Inbox                     string     `json:"inbox"`
	Outbox                    string     `json:"outbox,omitempty"`
	Followers                 string     `json:"followers,omitempty"`
	Following                 string     `json:"following,omitempty"`
	Endpoints                 *endpoints `json:"endpoints,omitempty"`
	ManuallyApprovesFollowers bool       `json:"manuallyApprovesFollowers"`
	PublicKey                 *PublicKey `json:"publicKey,omitempty"`
}

func (a *Actor) document(withContext bool) (any, error) {
	doc := actorDocument{
		ID:                        a.ID,
		Type:                      a.Type,
		PreferredUsername:         a.PreferredUsername,
		Name:                      a.Name,
		Summary:                   a.Summary,
		Inbox:                     a.Inbox,
		Outbox:                    a.Outbox,
		Followers:                 a.Followers,
		Following:                 a.Following,
		ManuallyApprovesFollowers: a.ManuallyApprovesFollowers,
	}
	if a.SharedInbox != "" {
		doc.Endpoints = &endpoints{SharedInbox: a.SharedInbox}
	}
	if a.PublicKey.PublicKeyPem != "" {
		pk := a.PublicKey
		doc.PublicKey = &pk
	}
	if withContext {
		doc.Context = Namespace
	}
	return doc, nil
}

func (a *Actor) MarshalJSON() ([]byte, error) { return Encode(a) }

func (a *Actor) UnmarshalJSON(b []byte) error {
	var doc struct {
		ID                        string    `json:"id"`
		Type                      Types     `json:"type"`
		PreferredUsername         string    `json:"preferredUsername"`
		Name                      string    `json:"name"`
		Summary                   string    `json:"summary"`
		Inbox                     string    `json:"inbox"`
		Outbox                    string    `json:"outbox"`
		Followers                 string    `json:"followers"`
		Following                 string    `json:"following"`
		Endpoints                 endpoints `json:"endpoints"`
		ManuallyApprovesFollowers bool      `json:"manuallyApprovesFollowers"`
		PublicKey                 PublicKey `json:"publicKey"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*a = Actor{
		ID:                        doc.ID,
		Type:                      ActorType(doc.Type.Primary()),
		PreferredUsername:         doc.PreferredUsername,
		Name:                      doc.Name,
		Summary:                   doc.Summary,
		Inbox:                     doc.Inbox,
		Outbox:                    doc.Outbox,
		Followers:                 doc.Followers,
		Following:                 doc.Following,
		SharedInbox:               doc.Endpoints.SharedInbox,
		ManuallyApprovesFollowers: doc.ManuallyApprovesFollowers,
		PublicKey:                 doc.PublicKey,
	}
	return nil
}
