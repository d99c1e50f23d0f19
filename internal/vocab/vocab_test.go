package vocab

import (
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("follow with bare object", func(t *testing.T) {
		require := require.New(t)

		v, err := Decode([]byte(`{
			"@context": "https://www.w3.org/ns/activitystreams",
			"id": "https://a.example/f/1",
			"type": "Follow",
			"actor": "https://a.example/users/alice",
			"object": "https://b.example/users/bob"
		}`))
		require.NoError(err)
		act, ok := v.(*Activity)
		require.True(ok)
		require.Equal(Follow, act.Type)
		require.Equal("https://a.example/users/alice", act.Actor)
		require.False(act.Object.IsInline())
		require.Equal("https://b.example/users/bob", act.Object.ID())
		require.NoError(act.Validate())
	})
	t.Run("create with inline note", func(t *testing.T) {
		require := require.New(t)

		v, err := Decode([]byte(`{
			"id": "https://a.example/c/1",
			"type": "Create",
			"actor": {"id": "https://a.example/users/alice", "type": "Person", "inbox": "https://a.example/users/alice/inbox"},
			"to": "https://www.w3.org/ns/activitystreams#Public",
			"cc": ["https://a.example/users/alice/followers"],
			"object": {
				"id": "https://a.example/notes/1",
				"type": "Note",
				"attributedTo": "https://a.example/users/alice",
				"content": "<p>hello</p>",
				"published": "2023-04-01T12:00:00Z"
			}
		}`))
		require.NoError(err)
		act := v.(*Activity)
		require.Equal("https://a.example/users/alice", act.Actor)
		require.Equal(URIs{Public}, act.To)
		require.Equal(URIs{"https://a.example/users/alice/followers"}, act.CC)
		require.True(act.Object.IsInline())
		note, ok := act.Object.Value.(*Object)
		require.True(ok)
		require.Equal(Note, note.Type)
		require.Equal("<p>hello</p>", note.Content)
		require.Equal(time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC), note.Published.UTC())
	})
	t.Run("unknown type is retained", func(t *testing.T) {
		require := require.New(t)

		raw := []byte(`{"id":"https://a.example/x/1","type":"EmojiReact","actor":"https://a.example/users/alice","content":"🐢"}`)
		v, err := Decode(raw)
		require.NoError(err)
		u, ok := v.(*Unknown)
		require.True(ok)
		require.Equal("EmojiReact", u.Type)
		require.Equal("https://a.example/users/alice", u.Actor)
		require.Equal(raw, u.Raw)
	})
	t.Run("type names are case sensitive", func(t *testing.T) {
		require := require.New(t)

		v, err := Decode([]byte(`{"id":"https://a.example/x/2","type":"follow","actor":"https://a.example/users/alice"}`))
		require.NoError(err)
		_, ok := v.(*Unknown)
		require.True(ok)
	})
	t.Run("type arrays pick the enumerated type", func(t *testing.T) {
		require := require.New(t)

		v, err := Decode([]byte(`{"id":"https://a.example/users/carol","type":["schema:Thing","Service"],"inbox":"https://a.example/inbox"}`))
		require.NoError(err)
		actor, ok := v.(*Actor)
		require.True(ok)
		require.Equal(Service, actor.Type)
	})
	t.Run("missing type is malformed", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"https://a.example/x/3"}`))
		require.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("not an object is malformed", func(t *testing.T) {
		_, err := Decode([]byte(`["Follow"]`))
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestEncode(t *testing.T) {
	t.Run("accept embeds the follow without a nested context", func(t *testing.T) {
		require := require.New(t)

		follow := &Activity{
			ID:     "https://a.example/f/1",
			Type:   Follow,
			Actor:  "https://a.example/users/alice",
			Object: IRI("https://b.example/users/bob"),
		}
		accept := &Activity{
			ID:     "https://b.example/users/bob#accepts/follows/1",
			Type:   Accept,
			Actor:  "https://b.example/users/bob",
			Object: Inline(follow),
			To:     URIs{"https://a.example/users/alice"},
		}
		b, err := Encode(accept)
		require.NoError(err)

		var doc map[string]any
		require.NoError(json.Unmarshal(b, &doc))
		require.Equal(Namespace, doc["@context"])
		require.Equal("Accept", doc["type"])
		obj := doc["object"].(map[string]any)
		require.Equal("Follow", obj["type"])
		require.Equal("https://b.example/users/bob", obj["object"])
		_, nested := obj["@context"]
		require.False(nested)
	})
	t.Run("round trip preserves variants", func(t *testing.T) {
		require := require.New(t)

		in := &Activity{
			ID:        "https://a.example/c/1",
			Type:      Create,
			Actor:     "https://a.example/users/alice",
			Published: time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC),
			To:        URIs{Public},
			Object: Inline(&Object{
				ID:           "https://a.example/notes/1",
				Type:         Note,
				AttributedTo: "https://a.example/users/alice",
				Content:      "hello",
			}),
		}
		b, err := Encode(in)
		require.NoError(err)
		out, err := Decode(b)
		require.NoError(err)
		require.Equal(in, out)
	})
	t.Run("actor document carries key and shared inbox", func(t *testing.T) {
		require := require.New(t)

		b, err := Encode(&Actor{
			ID:          "https://b.example/users/bob",
			Type:        Person,
			Inbox:       "https://b.example/users/bob/inbox",
			SharedInbox: "https://b.example/inbox",
			PublicKey: PublicKey{
				ID:           "https://b.example/users/bob#main-key",
				Owner:        "https://b.example/users/bob",
				PublicKeyPem: "-----BEGIN PUBLIC KEY-----\n",
			},
		})
		require.NoError(err)
		v, err := Decode(b)
		require.NoError(err)
		actor := v.(*Actor)
		require.Equal("https://b.example/inbox", actor.SharedInbox)
		require.Equal("https://b.example/users/bob#main-key", actor.PublicKey.ID)
	})
	t.Run("unknown gains a context", func(t *testing.T) {
		require := require.New(t)

		b, err := Encode(&Unknown{Raw: []byte(`{"id":"https://a.example/x/1","type":"Move"}`)})
		require.NoError(err)
		var doc map[string]any
		require.NoError(json.Unmarshal(b, &doc))
		require.Equal(Namespace, doc["@context"])
		require.Equal("Move", doc["type"])
	})
}

func TestActivityRecipients(t *testing.T) {
	require := require.New(t)

	act := &Activity{
		To: URIs{"https://a.example/1", Public},
		CC: URIs{"https://a.example/1", "https://a.example/2"},
	}
	require.Equal([]string{"https://a.example/1", Public, "https://a.example/2"}, act.Recipients())
}
