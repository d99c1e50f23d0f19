package activitypub

import (
	"context"
	"crypto"
	"errors"
	"net/http"
	"strings"

	icrypto "github.com/davecheney/fedi/internal/crypto"
	"github.com/davecheney/fedi/internal/httpsig"
	"github.com/davecheney/fedi/models"
	"golang.org/x/exp/slog"
)

// Verifier authenticates signed inbox requests.
type Verifier struct {
	resolver *Resolver
	opts     httpsig.Options
	logger   *slog.Logger
}

// NewVerifier returns a Verifier resolving signing keys through resolver.
func NewVerifier(env *models.Env, resolver *Resolver, cfg Config) *Verifier {
	return &Verifier{
		resolver: resolver,
		opts:     httpsig.Options{MaxClockSkew: cfg.MaxClockSkew},
		logger:   env.Log().With("component", "verifier"),
	}
}

// Verify verifies the signature of req over body and returns the signing
// actor. If the signature does not match the cached key, the signer is
// refetched once in case the key was rotated.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte) (*models.Actor, error) {
	var signer *models.Actor
	keyFn := func(keyID string) (crypto.PublicKey, error) {
		actor, err := v.resolver.Resolve(ctx, trimKeyId(keyID))
		if err != nil {
			return nil, err
		}
		signer = actor
		return icrypto.ParseRSAPublicKey(actor.PublicKey)
	}
	_, err := httpsig.Verify(req, body, keyFn, v.opts)
	if errors.Is(err, httpsig.ErrSignatureMismatch) && !errors.Is(err, httpsig.ErrDigestMismatch) && signer != nil && !signer.IsLocal() {
		v.logger.Debug("signature mismatch, refetching signer", "actor", signer.URI)
		if err := v.resolver.Invalidate(ctx, signer.URI); err != nil {
			return nil, err
		}
		signer = nil
		_, err = httpsig.Verify(req, body, keyFn, v.opts)
	}
	if err != nil {
		return nil, err
	}
	return signer, nil
}

// trimKeyId removes the #main-key suffix from the key id.
func trimKeyId(id string) string {
	if i := strings.Index(id, "#"); i != -1 {
		return id[:i]
	}
	return id
}
