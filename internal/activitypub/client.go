// Package activitypub provides a signing HTTP client for talking to remote
// ActivityPub servers.
package activitypub

import (
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/carlmjohnson/requests"
	"github.com/davecheney/fedi/internal/httpsig"
)

// ContentType is the media type of ActivityPub documents.
const ContentType = "application/activity+json"

// DefaultMaxBodySize bounds fetched documents unless WithMaxBodySize is given.
const DefaultMaxBodySize = 1 << 20

// ErrTooLarge is returned by Fetch when a document exceeds the size limit.
var ErrTooLarge = errors.New("response body too large")

// Client is an ActivityPub client which can be used to fetch remote
// ActivityPub resources and deliver activities to remote inboxes.
type Client struct {
	keyID      string
	privateKey crypto.PrivateKey
	transport  http.RoundTripper
	userAgent  string
	maxBody    int64
}

// Signer represents an object that can sign HTTP requests.
type Signer interface {
	PublicKeyID() string
	PrivKey() (*rsa.PrivateKey, error)
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the underlying transport, http.DefaultTransport by default.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithMaxBodySize bounds the size of documents returned by Fetch.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// NewClient returns a new ActivityPub client. Requests are signed as signAs;
// if signAs is nil requests are sent unsigned.
func NewClient(signAs Signer, opts ...Option) (*Client, error) {
	c := &Client{
		transport: http.DefaultTransport,
		userAgent: "fedi (+https://github.com/davecheney/fedi)",
		maxBody:   DefaultMaxBodySize,
	}
	if signAs != nil {
		privateKey, err := signAs.PrivKey()
		if err != nil {
			return nil, err
		}
		c.keyID = signAs.PublicKeyID()
		c.privateKey = privateKey
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// signed returns a transport which signs each request before sending it.
func (c *Client) signed(body []byte) http.RoundTripper {
	if c.privateKey == nil {
		return c.transport
	}
	return requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		if err := httpsig.Sign(req, c.keyID, c.privateKey, body); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		return c.transport.RoundTrip(req)
	})
}

// Fetch fetches the ActivityPub resource at the given URL and returns the
// body. Bodies larger than the client's limit fail with ErrTooLarge.
func (c *Client) Fetch(ctx context.Context, uri string) ([]byte, error) {
	var body []byte
	err := requests.URL(uri).
		Accept(ContentType).
		UserAgent(c.userAgent).
		Transport(c.signed(nil)).
		CheckStatus(http.StatusOK).
		Handle(func(res *http.Response) error {
			if res.ContentLength > c.maxBody {
				return fmt.Errorf("%w: %d bytes", ErrTooLarge, res.ContentLength)
			}
			b, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
			if err != nil {
				return err
			}
			if int64(len(b)) > c.maxBody {
				return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBody)
			}
			body = b
			return nil
		}).
		Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Post posts the body to the given inbox URL. Any 2xx response is success.
func (c *Client) Post(ctx context.Context, url string, body []byte) error {
	return requests.URL(url).
		Method(http.MethodPost).
		BodyBytes(body).
		ContentType(ContentType).
		Accept(ContentType).
		UserAgent(c.userAgent).
		Transport(c.signed(body)).
		Fetch(ctx)
}
