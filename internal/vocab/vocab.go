// Package vocab implements the subset of the ActivityStreams 2.0 vocabulary
// needed to federate: activities, actors, content objects, and a catch all
// for documents whose type is not enumerated.
package vocab

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-json-experiment/json"
)

// Namespace is the ActivityStreams JSON-LD context.
const Namespace = "https://www.w3.org/ns/activitystreams"

// Public is the special collection addressing every actor.
const Public = Namespace + "#Public"

// ErrMalformed is returned by Decode when the document is not a JSON object
// or is missing its type.
var ErrMalformed = errors.New("malformed activitystreams document")

// Value is one of *Activity, *Actor, *Object, or *Unknown.
type Value interface {
	// URI returns the value's id.
	URI() string
	// TypeName returns the value's type as it appears on the wire.
	TypeName() string

	// document returns the value as a JSON encodable document, with or
	// without the @context member.
	document(withContext bool) (any, error)
}

// Decode decodes a JSON-LD document into the variant matching its type.
// Documents with a type that is not enumerated decode into *Unknown, which
// retains the original bytes.
func Decode(b []byte) (Value, error) {
	var probe struct {
		ID   string `json:"id"`
		Type Types  `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(probe.Type) == 0 {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	var v Value
	switch classify(probe.Type.Primary()) {
	case kindActivity:
		v = new(Activity)
	case kindActor:
		v = new(Actor)
	case kindObject:
		v = new(Object)
	default:
		v = new(Unknown)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

// Encode encodes v as a top level document. The @context member is always
// present.
func Encode(v Value) ([]byte, error) {
	doc, err := v.document(true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Types is the value of a type property, which may be a single string or an
// array of strings.
type Types []string

// Primary returns the first enumerated type, or the first type if none are
// enumerated.
func (t Types) Primary() string {
	for _, typ := range t {
		if classify(typ) != kindUnknown {
			return typ
		}
	}
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

func (t *Types) UnmarshalJSON(b []byte) error {
	switch firstByte(b) {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Types{s}
		return nil
	case '[':
		var ss []string
		if err := json.Unmarshal(b, &ss); err != nil {
			return err
		}
		*t = ss
		return nil
	case 'n':
		*t = nil
		return nil
	default:
		return fmt.Errorf("type: unexpected %q", b)
	}
}

// URIs is an addressing property such as to or cc. On the wire it may be a
// single URI, an array of URIs, or an array of inline objects.
type URIs []string

func (u *URIs) UnmarshalJSON(b []byte) error {
	switch firstByte(b) {
	case '"', '{':
		var r Ref
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		*u = URIs{r.ID()}
		return nil
	case '[':
		var refs []Ref
		if err := json.Unmarshal(b, &refs); err != nil {
			return err
		}
		out := make(URIs, 0, len(refs))
		for _, r := range refs {
			if id := r.ID(); id != "" {
				out = append(out, id)
			}
		}
		*u = out
		return nil
	case 'n':
		*u = nil
		return nil
	default:
		return fmt.Errorf("uris: unexpected %q", b)
	}
}

// Contains reports whether uri is present.
func (u URIs) Contains(uri string) bool {
	for _, v := range u {
		if v == uri {
			return true
		}
	}
	return false
}

// Ref is a property whose value is either a bare URI or an inline value.
type Ref struct {
	uri string
	// Value is the inline value, nil if the property was a bare URI.
	Value Value
}

// IRI returns a Ref to the given URI.
func IRI(uri string) Ref { return Ref{uri: uri} }

// Inline returns a Ref holding v.
func Inline(v Value) Ref { return Ref{Value: v} }

// ID returns the id of the referenced value.
func (r Ref) ID() string {
	if r.Value != nil {
		return r.Value.URI()
	}
	return r.uri
}

// IsZero reports whether the Ref is empty.
func (r Ref) IsZero() bool { return r.Value == nil && r.uri == "" }

// IsInline reports whether the value was embedded in the document.
func (r Ref) IsInline() bool { return r.Value != nil }

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.Value == nil {
		return json.Marshal(r.uri)
	}
	doc, err := r.Value.document(false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	switch firstByte(b) {
	case '"':
		*r = Ref{}
		return json.Unmarshal(b, &r.uri)
	case '{':
		v, err := Decode(b)
		if err != nil {
			// an embedded object without a type; keep its id
			var link struct {
				ID   string `json:"id"`
				Href string `json:"href"`
			}
			if err := json.Unmarshal(b, &link); err != nil {
				return err
			}
			*r = Ref{uri: link.ID}
			if r.uri == "" {
				r.uri = link.Href
			}
			return nil
		}
		*r = Ref{Value: v}
		return nil
	case '[':
		var refs []Ref
		if err := json.Unmarshal(b, &refs); err != nil {
			return err
		}
		*r = Ref{}
		if len(refs) > 0 {
			*r = refs[0]
		}
		return nil
	case 'n':
		*r = Ref{}
		return nil
	default:
		return fmt.Errorf("ref: unexpected %q", b)
	}
}

// refOrNil returns nil for an empty Ref so the member is omitted.
func refOrNil(r Ref) *Ref {
	if r.IsZero() {
		return nil
	}
	return &r
}

func firstByte(b []byte) byte {
	b = bytes.TrimLeft(b, " \t\r\n")
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
