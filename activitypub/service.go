package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/davecheney/fedi/internal/activitypub"
	"github.com/davecheney/fedi/internal/vocab"
	"github.com/davecheney/fedi/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Service wires together the resolver, verifier, inbox and outbox of a
// single instance.
type Service struct {
	*models.Env

	cfg      Config
	metrics  *Metrics
	resolver *Resolver
	verifier *Verifier
	inbox    *Inbox
	outbox   *Outbox
}

// Option configures a Service.
type Option func(*options)

type options struct {
	transport http.RoundTripper
}

// WithTransport sets the transport used for actor fetches and deliveries.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// NewService returns a Service for cfg.Domain. Its metrics are registered
// with reg.
func NewService(env *models.Env, cfg Config, reg prometheus.Registerer, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}

	var signAs activitypub.Signer
	if cfg.FetchAs != "" {
		account, err := models.NewAccounts(env.DB).FindByName(cfg.FetchAs, cfg.Domain)
		if err != nil {
			return nil, fmt.Errorf("fetch as %q: %w", cfg.FetchAs, err)
		}
		signAs = account
	}
	client, err := activitypub.NewClient(signAs,
		activitypub.WithTransport(o.transport),
		activitypub.WithMaxBodySize(cfg.MaxBodySize),
	)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics(reg)
	resolver := NewResolver(env, client, cfg, metrics)
	verifier := NewVerifier(env, resolver, cfg)
	outbox := NewOutbox(env, cfg, metrics, o.transport)
	return &Service{
		Env:      env,
		cfg:      cfg,
		metrics:  metrics,
		resolver: resolver,
		verifier: verifier,
		inbox:    NewInbox(env, verifier, outbox, metrics),
		outbox:   outbox,
	}, nil
}

func (s *Service) Config() Config      { return s.cfg }
func (s *Service) Resolver() *Resolver { return s.resolver }
func (s *Service) Inbox() *Inbox       { return s.inbox }
func (s *Service) Outbox() *Outbox     { return s.outbox }

// Run runs the delivery engine until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.outbox.Run(ctx)
}

// ResolveActor returns the actor at uri, fetching it if the cached copy is
// absent or stale.
func (s *Service) ResolveActor(ctx context.Context, uri string) (*models.Actor, error) {
	return s.resolver.Resolve(ctx, uri)
}

// SubmitOutbound schedules delivery of activity, authored by a local actor,
// to recipients. Recipients are actor URIs or the author's followers
// collection; the public collection is skipped. SubmitOutbound returns once
// the delivery jobs are committed, without waiting for delivery.
func (s *Service) SubmitOutbound(ctx context.Context, activity *vocab.Activity, recipients []string) (int64, error) {
	sender, err := models.NewActors(s.DB.WithContext(ctx)).FindByURI(activity.Actor)
	if err != nil {
		return 0, fmt.Errorf("sender %s: %w", activity.Actor, err)
	}
	if !sender.IsLocal() {
		return 0, fmt.Errorf("sender %s is not local", sender.URI)
	}
	if activity.ID == "" {
		activity.ID = fmt.Sprintf("%s#%s/%s", sender.URI, strings.ToLower(string(activity.Type)), uuid.New())
	}
	if activity.Published.IsZero() {
		activity.Published = time.Now()
	}
	if err := activity.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", vocab.ErrMalformed, err)
	}

	actors, err := s.recipients(ctx, sender, recipients)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = s.outbox.Enqueue(tx, activity, sender, actors)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.outbox.Notify()
	return n, nil
}

// recipients resolves recipient URIs to actors, expanding the sender's
// followers collection. Recipients that cannot be resolved are skipped.
func (s *Service) recipients(ctx context.Context, sender *models.Actor, uris []string) ([]*models.Actor, error) {
	var actors []*models.Actor
	for _, uri := range uris {
		switch uri {
		case vocab.Public, "as:Public", "Public":
			continue
		case FollowersURI(sender):
			followers, err := models.NewRelationships(s.DB.WithContext(ctx)).Followers(sender.ID)
			if err != nil {
				return nil, err
			}
			actors = append(actors, followers...)
			continue
		}
		actor, err := s.resolver.Lookup(ctx, uri)
		if err != nil {
			if errors.Is(err, ctx.Err()) {
				return nil, err
			}
			s.Log().Warn("skipping recipient", "actor", uri, "err", err)
			continue
		}
		actors = append(actors, actor)
	}
	return actors, nil
}

// Follow records a pending follow of the actor at target by the local
// actor name and sends the Follow.
func (s *Service) Follow(ctx context.Context, name, target string) (*vocab.Activity, error) {
	follower, err := models.NewActors(s.DB.WithContext(ctx)).FindLocal(name, s.cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("local actor %q: %w", name, err)
	}
	followee, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	follow := &vocab.Activity{
		ID:        fmt.Sprintf("%s#follows/%s", follower.URI, uuid.New()),
		Type:      vocab.Follow,
		Actor:     follower.URI,
		Object:    vocab.IRI(followee.URI),
		Published: time.Now(),
		To:        vocab.URIs{followee.URI},
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.NewRelationships(tx).Follow(follow.ID, follower, followee); err != nil {
			return err
		}
		_, err := s.outbox.Enqueue(tx, follow, follower, []*models.Actor{followee})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Notify()
	return follow, nil
}

// Housekeeping purges dedup entries, finished jobs and unreferenced activities
// older than cutoff.
func (s *Service) Housekeeping(ctx context.Context, cutoff time.Time) error {
	db := s.DB.WithContext(ctx)
	purged, err := models.NewLedger(db).Purge(cutoff)
	if err != nil {
		return err
	}
	jobs := models.NewDeliveryJobs(db)
	archived, err := jobs.Archive(cutoff)
	if err != nil {
		return err
	}
	pruned, err := jobs.PruneActivities(cutoff)
	if err != nil {
		return err
	}
	s.Log().Info("housekeeping", "cutoff", cutoff, "dedup_purged", purged, "deliveries_archived", archived, "activities_pruned", pruned)
	return nil
}

// FollowersURI returns the followers collection of a local actor.
func FollowersURI(actor *models.Actor) string {
	return actor.URI + "/followers"
}
