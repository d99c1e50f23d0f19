package vocab

import (
	"errors"
	"time"

	"github.com/go-json-experiment/json"
)

// Activity is an action performed by an actor.
type Activity struct {
	ID        string
	Type      ActivityType
	Actor     string
	Object    Ref
	Target    Ref
	Published time.Time
	To        URIs
	CC        URIs
}

func (a *Activity) URI() string      { return a.ID }
func (a *Activity) TypeName() string { return string(a.Type) }

// Validate checks the members every activity must carry.
func (a *Activity) Validate() error {
	switch {
	case a.ID == "":
		return errors.New("activity: missing id")
	case a.Type == "":
		return errors.New("activity: missing type")
	case a.Actor == "":
		return errors.New("activity: missing actor")
	}
	return nil
}

// Recipients returns the union of the to and cc addresses.
func (a *Activity) Recipients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, uri := range append(append(URIs{}, a.To...), a.CC...) {
		if !seen[uri] {
			seen[uri] = true
			out = append(out, uri)
		}
	}
	return out
}

type activityDocument struct {
	Context   string       `json:"'@context',omitempty"`
	ID        string       `json:"id,omitempty"`
	Type      ActivityType `json:"type"`
	Actor     string       `json:"actor,omitempty"`
	Object    *Ref         `json:"object,omitempty"`
	Target    *Ref         `json:"target,omitempty"`
	Published string       `json:"published,omitempty"`
	To        []string     `json:"to,omitempty"`
	CC        []string     `json:"cc,omitempty"`
}

func (a *Activity) document(withContext bool) (any, error) {
	doc := activityDocument{
		ID:        a.ID,
		Type:      a.Type,
		Actor:     a.Actor,
		Object:    refOrNil(a.Object),
		Target:    refOrNil(a.Target),
		Published: formatTime(a.Published),
		To:        a.To,
		CC:        a.CC,
	}
	if withContext {
		doc.Context = Namespace
	}
	return doc, nil
}

func (a *Activity) MarshalJSON() ([]byte, error) { return Encode(a) }

func (a *Activity) UnmarshalJSON(b []byte) error {
	var doc struct {
		ID        string `json:"id"`
		Type      Types  `json:"type"`
		Actor     Ref    `json:"actor"`
		Object    Ref    `json:"object"`
		Target    Ref    `json:"target"`
		Published string `json:"published"`
		To        URIs   `json:"to"`
		CC        URIs   `json:"cc"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*a = Activity{
		ID:        doc.ID,
		Type:      ActivityType(doc.Type.Primary()),
		Actor:     doc.Actor.ID(),
		Object:    doc.Object,
		Target:    doc.Target,
		Published: parseTime(doc.Published),
		To:        doc.To,
		CC:        doc.CC,
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses an xsd:dateTime leniently; invalid values are the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
