package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/davecheney/fedi/internal/vocab"
	"github.com/davecheney/fedi/models"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var (
	// ErrFetch is returned when the actor document could not be retrieved.
	ErrFetch = errors.New("actor fetch failed")
	// ErrParse is returned when the actor document is not valid JSON-LD.
	ErrParse = errors.New("actor document malformed")
	// ErrNotAnActor is returned when the document is not an actor.
	ErrNotAnActor = errors.New("document is not an actor")
)

// Fetcher retrieves remote ActivityPub documents.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Resolver resolves actor URIs to actors, caching them in the database.
type Resolver struct {
	db      *gorm.DB
	fetcher Fetcher
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	flight     singleflight.Group
	refreshing sync.WaitGroup
}

// NewResolver returns a Resolver which fetches through fetcher.
func NewResolver(env *models.Env, fetcher Fetcher, cfg Config, metrics *Metrics) *Resolver {
	return &Resolver{
		db:      env.DB,
		fetcher: fetcher,
		ttl:     cfg.ActorTTL,
		timeout: cfg.FetchTimeout,
		logger:  env.Log().With("component", "resolver"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Resolve returns the actor at uri. A cached entry is returned only if it
// is fresh; stale or absent entries are refetched before being returned.
// Use Resolve whenever the result is trusted, eg. for signature keys.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*models.Actor, error) {
	actor, err := r.cached(uri)
	if err != nil {
		return nil, err
	}
	if actor.State(r.now(), r.ttl) == models.Fresh {
		return actor, nil
	}
	return r.fetch(ctx, uri)
}

// Lookup returns the actor at uri for display purposes. A stale entry is
// returned immediately while it is refreshed in the background.
func (r *Resolver) Lookup(ctx context.Context, uri string) (*models.Actor, error) {
	actor, err := r.cached(uri)
	if err != nil {
		return nil, err
	}
	switch actor.State(r.now(), r.ttl) {
	case models.Fresh:
		return actor, nil
	case models.Stale:
		r.refreshing.Add(1)
		go func() {
			defer r.refreshing.Done()
			if _, err := r.fetch(context.Background(), uri); err != nil {
				r.logger.Warn("background refresh failed", "actor", uri, "err", err)
			}
		}()
		return actor, nil
	default:
		return r.fetch(ctx, uri)
	}
}

// Invalidate forces the next Resolve of uri to refetch.
func (r *Resolver) Invalidate(ctx context.Context, uri string) error {
	return models.NewActors(r.db.WithContext(ctx)).Invalidate(uri)
}

// Wait waits for background refreshes to complete.
func (r *Resolver) Wait() {
	r.refreshing.Wait()
}

func (r *Resolver) cached(uri string) (*models.Actor, error) {
	actor, err := models.NewActors(r.db).FindByURI(uri)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return actor, err
}

// fetch fetches uri, collapsing concurrent fetches of the same uri into one.
// The shared fetch is not cancelled when ctx is; only this caller's wait is.
func (r *Resolver) fetch(ctx context.Context, uri string) (*models.Actor, error) {
	ch := r.flight.DoChan(uri, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		actor, err := r.fetchActor(ctx, uri)
		switch {
		case err == nil:
			r.metrics.ActorFetches.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrFetch):
			r.metrics.ActorFetches.WithLabelValues("fetch_error").Inc()
		default:
			r.metrics.ActorFetches.WithLabelValues("invalid").Inc()
		}
		return actor, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Actor), nil
	}
}

func (r *Resolver) fetchActor(ctx context.Context, uri string) (*models.Actor, error) {
	r.logger.Debug("fetching actor", "actor", uri)
	body, err := r.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, uri, err)
	}
	v, err := vocab.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, uri, err)
	}
	doc, ok := v.(*vocab.Actor)
	if !ok {
		return nil, fmt.Errorf("%w: %s has type %q", ErrNotAnActor, uri, v.TypeName())
	}
	actor, err := actorFromDocument(doc, r.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAnActor, uri, err)
	}
	if actor.URI != uri {
		return nil, fmt.Errorf("%w: %s has id %q", ErrNotAnActor, uri, actor.URI)
	}
	return models.NewActors(r.db).Upsert(actor)
}

// actorFromDocument converts an actor document into a cache entry fetched at.
func actorFromDocument(doc *vocab.Actor, fetchedAt time.Time) (*models.Actor, error) {
	switch {
	case doc.ID == "":
		return nil, errors.New("missing id")
	case doc.Inbox == "":
		return nil, errors.New("missing inbox")
	case doc.PublicKey.PublicKeyPem == "":
		return nil, errors.New("missing publicKeyPem")
	case doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.ID:
		return nil, fmt.Errorf("key owner %q is not the actor", doc.PublicKey.Owner)
	}
	u, err := url.Parse(doc.ID)
	if err != nil {
		return nil, err
	}
	return &models.Actor{
		URI:         doc.ID,
		Type:        models.ActorType(doc.Type),
		Name:        doc.PreferredUsername,
		Domain:      u.Host,
		DisplayName: doc.Name,
		Note:        doc.Summary,
		Inbox:       doc.Inbox,
		SharedInbox: doc.SharedInbox,
		PublicKeyID: doc.PublicKey.ID,
		PublicKey:   []byte(doc.PublicKey.PublicKeyPem),
		Locked:      doc.ManuallyApprovesFollowers,
		FetchedAt:   fetchedAt,
	}, nil
}
