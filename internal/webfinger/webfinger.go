// Package webfinger implements the resource descriptors served at
// /.well-known/webfinger so peers can discover local actors by acct.
package webfinger

import (
	"fmt"
	"net/url"
	"strings"
)

// MediaType is the media type of a JSON resource descriptor.
const MediaType = "application/jrd+json"

type Webfinger struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

type Link struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// ForActor returns the descriptor of the actor at uri known as acct.
func ForActor(acct *Acct, uri string) *Webfinger {
	return &Webfinger{
		Subject: acct.String(),
		Aliases: []string{uri},
		Links: []Link{{
			Rel:  "self",
			Type: "application/activity+json",
			Href: uri,
		}},
	}
}

// ActivityPub returns the actor URI linked from the descriptor.
func (wf *Webfinger) ActivityPub() (string, error) {
	for _, link := range wf.Links {
		if link.Rel == "self" && link.Type == "application/activity+json" {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("%s: no ActivityPub link found", wf.Subject)
}

type Acct struct {
	User string
	Host string
}

func (a *Acct) String() string {
	return "acct:" + a.User + "@" + a.Host
}

// Parse parses an acct resource. The acct: scheme and a leading @ are optional.
func Parse(query string) (*Acct, error) {
	// In case the handle has been URL encoded
	query, err := url.QueryUnescape(query)
	if err != nil {
		return nil, err
	}
	query = strings.TrimPrefix(query, "acct:")
	query = strings.TrimPrefix(query, "@")

	user, host, ok := strings.Cut(query, "@")
	if !ok || user == "" || host == "" || strings.Contains(host, "@") {
		return nil, fmt.Errorf("invalid acct: %q", query)
	}
	return &Acct{User: user, Host: host}, nil
}
