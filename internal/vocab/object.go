package vocab

import (
	"time"

	"github.com/go-json-experiment/json"
)

// Object is a piece of content such as a Note.
type Object struct {
	ID           string
	Type         ObjectType
	AttributedTo string
	Content      string
	Summary      string
	InReplyTo    string
	Published    time.Time
	Updated      time.Time
	To           URIs
	CC           URIs
}

func (o *Object) URI() string      { return o.ID }
func (o *Object) TypeName() string { return string(o.Type) }

type objectDocument struct {
	Context      string     `json:"'@context',omitempty"`
	ID           string     `json:"id"`
	Type         ObjectType `json:"type"`
	AttributedTo string     `json:"attributedTo,omitempty"`
	Content      string     `json:"content,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	InReplyTo    string     `json:"inReplyTo,omitempty"`
	Published    string     `json:"published,omitempty"`
	Updated      string     `json:"updated,omitempty"`
	To           []string   `json:"to,omitempty"`
	CC           []string   `json:"cc,omitempty"`
}

func (o *Object) document(withContext bool) (any, error) {
	doc := objectDocument{
		ID:           o.ID,
		Type:         o.Type,
		AttributedTo: o.AttributedTo,
		Content:      o.Content,
		Summary:      o.Summary,
		InReplyTo:    o.InReplyTo,
		Published:    formatTime(o.Published),
		Updated:      formatTime(o.Updated),
		To:           o.To,
		CC:           o.CC,
	}
	if withContext {
		doc.Context = Namespace
	}
	return doc, nil
}

func (o *Object) MarshalJSON() ([]byte, error) { return Encode(o) }

func (o *Object) UnmarshalJSON(b []byte) error {
	var doc struct {
		ID           string `json:"id"`
		Type         Types  `json:"type"`
		AttributedTo Ref    `json:"attributedTo"`
		Content      string `json:"content"`
		Summary      string `json:"summary"`
		InReplyTo    Ref    `json:"inReplyTo"`
		Published    string `json:"published"`
		Updated      string `json:"updated"`
		To           URIs   `json:"to"`
		CC           URIs   `json:"cc"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*o = Object{
		ID:           doc.ID,
		Type:         ObjectType(doc.Type.Primary()),
		AttributedTo: doc.AttributedTo.ID(),
		Content:      doc.Content,
		Summary:      doc.Summary,
		InReplyTo:    doc.InReplyTo.ID(),
		Published:    parseTime(doc.Published),
		Updated:      parseTime(doc.Updated),
		To:           doc.To,
		CC:           doc.CC,
	}
	return nil
}
