package vocab

import (
	"github.com/go-json-experiment/json"
)

// Unknown is a document whose type is not enumerated. The original bytes are
// retained so the document can be stored and re-encoded losslessly.
type Unknown struct {
	ID    string
	Type  string
	Actor string
	Raw   []byte
}

func (u *Unknown) URI() string      { return u.ID }
func (u *Unknown) TypeName() string { return u.Type }

func (u *Unknown) document(withContext bool) (any, error) {
	doc := make(map[string]any)
	if len(u.Raw) > 0 {
		if err := json.Unmarshal(u.Raw, &doc); err != nil {
			return nil, err
		}
	} else {
		doc["id"] = u.ID
		doc["type"] = u.Type
		if u.Actor != "" {
			doc["actor"] = u.Actor
		}
	}
	if withContext {
		if _, ok := doc["@context"]; !ok {
			doc["@context"] = Namespace
		}
	}
	return doc, nil
}

func (u *Unknown) MarshalJSON() ([]byte, error) { return Encode(u) }

func (u *Unknown) UnmarshalJSON(b []byte) error {
	var doc struct {
		ID    string `json:"id"`
		Type  Types  `json:"type"`
		Actor Ref    `json:"actor"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*u = Unknown{
		ID:    doc.ID,
		Type:  doc.Type.Primary(),
		Actor: doc.Actor.ID(),
		Raw:   append([]byte(nil), b...),
	}
	return nil
}
