package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/davecheney/fedi/internal/activitypub"
	"github.com/davecheney/fedi/internal/algorithms"
	"github.com/davecheney/fedi/internal/snowflake"
	"github.com/davecheney/fedi/internal/vocab"
	"github.com/davecheney/fedi/models"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// Poster delivers a signed activity to an inbox.
type Poster interface {
	Post(ctx context.Context, inbox string, body []byte) error
}

// Outbox is the delivery engine. Activities are enqueued as one job per
// destination inbox and delivered by a bounded pool of workers with
// per-host concurrency limits, retrying with backoff until delivered or
// dead lettered.
type Outbox struct {
	db      *gorm.DB
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	// newPoster returns a Poster signing as the given account.
	newPoster func(*models.Account) (Poster, error)

	mu      sync.Mutex
	posters map[snowflake.ID]Poster
	hosts   map[string]*semaphore.Weighted

	wake chan struct{}
}

// NewOutbox returns an Outbox delivering over transport.
func NewOutbox(env *models.Env, cfg Config, metrics *Metrics, transport http.RoundTripper) *Outbox {
	return &Outbox{
		db:      env.DB,
		cfg:     cfg,
		logger:  env.Log().With("component", "outbox"),
		metrics: metrics,
		now:     time.Now,
		newPoster: func(account *models.Account) (Poster, error) {
			return activitypub.NewClient(account, activitypub.WithTransport(transport))
		},
		posters: make(map[snowflake.ID]Poster),
		hosts:   make(map[string]*semaphore.Weighted),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue serializes activity, signed as sender, and creates one delivery
// job per distinct destination inbox. Recipients sharing an inbox receive a
// single delivery. Recipients that block sender, and local recipients, are
// skipped. Enqueue runs in tx so the jobs commit with the caller's state.
// Call Notify after the transaction commits.
func (o *Outbox) Enqueue(tx *gorm.DB, activity *vocab.Activity, sender *models.Actor, recipients []*models.Actor) (int64, error) {
	if !sender.IsLocal() {
		return 0, fmt.Errorf("enqueue %s: sender %s is not local", activity.ID, sender.URI)
	}
	payload, err := vocab.Encode(activity)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", activity.ID, err)
	}
	remote := algorithms.Filter(recipients, func(a *models.Actor) bool { return !a.IsLocal() })
	blockers, err := models.NewRelationships(tx).BlockersOf(sender.ID, algorithms.Map(remote, func(a *models.Actor) snowflake.ID { return a.ID }))
	if err != nil {
		return 0, err
	}
	inboxes := algorithms.Uniq(algorithms.Map(
		algorithms.Filter(remote, func(a *models.Actor) bool { return !blockers[a.ID] }),
		(*models.Actor).DeliveryInbox,
	))
	n, err := models.NewDeliveryJobs(tx).Enqueue(&models.OutboundActivity{
		URI:     activity.ID,
		ActorID: sender.ID,
		Type:    string(activity.Type),
		Payload: payload,
	}, inboxes, o.now())
	if err != nil {
		return 0, err
	}
	o.logger.Debug("enqueued", "activity", activity.ID, "type", activity.Type, "recipients", len(recipients), "jobs", n)
	return n, nil
}

// Notify wakes the delivery loop.
func (o *Outbox) Notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run delivers due jobs until ctx is cancelled. Jobs left in flight by a
// previous run are returned to the queue first.
func (o *Outbox) Run(ctx context.Context) error {
	n, err := models.NewDeliveryJobs(o.db).Recover()
	if err != nil {
		return err
	}
	o.logger.Info("outbox started", "recovered", n, "workers", o.cfg.Workers, "per_host", o.cfg.PerHost)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			n, err := o.ProcessDue(ctx)
			if err != nil {
				o.logger.Error("process due deliveries", "err", err)
			}
			if n < o.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			o.logger.Info("outbox stopped")
			return nil
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// ProcessDue makes one pass over the jobs due now, delivering them
// concurrently. It returns the number of jobs considered.
//
// Each host is served by at most PerHost lanes which deliver that host's jobs
// in turn. A lane holds one of the Workers slots only while its delivery is
// in progress, so a slow host cannot occupy the slots other hosts need.
func (o *Outbox) ProcessDue(ctx context.Context) (int, error) {
	due, err := models.NewDeliveryJobs(o.db).Due(o.now(), o.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var hosts []string
	byHost := make(map[string][]snowflake.ID)
	for _, job := range due {
		if _, ok := byHost[job.Host]; !ok {
			hosts = append(hosts, job.Host)
		}
		byHost[job.Host] = append(byHost[job.Host], job.ID)
	}

	workers := semaphore.NewWeighted(int64(o.cfg.Workers))
	var g errgroup.Group
	for _, host := range hosts {
		ids := byHost[host]
		queue := make(chan snowflake.ID, len(ids))
		for _, id := range ids {
			queue <- id
		}
		close(queue)
		sem := o.host(host)
		for i := 0; i < min(o.cfg.PerHost, len(ids)); i++ {
			g.Go(func() error {
				return o.lane(ctx, sem, workers, queue)
			})
		}
	}
	return len(due), g.Wait()
}

// lane delivers jobs from queue, one at a time, until it is empty or ctx is
// cancelled. Jobs left in the queue stay due for the next pass.
func (o *Outbox) lane(ctx context.Context, host, workers *semaphore.Weighted, queue <-chan snowflake.ID) error {
	var errs []error
	for id := range queue {
		if ctx.Err() != nil {
			break
		}
		if err := host.Acquire(ctx, 1); err != nil {
			break
		}
		if err := workers.Acquire(ctx, 1); err != nil {
			host.Release(1)
			break
		}
		err := o.deliver(ctx, id)
		workers.Release(1)
		host.Release(1)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliver attempts a single job. Errors returned are storage errors;
// delivery failures are recorded on the job.
func (o *Outbox) deliver(ctx context.Context, id snowflake.ID) error {
	jobs := models.NewDeliveryJobs(o.db)
	job, err := jobs.Claim(id)
	if err != nil || job == nil {
		return err
	}
	log := o.logger.With("job", job.ID, "activity", job.ActivityURI, "inbox", job.Inbox)

	start := time.Now()
	err = o.post(ctx, job)
	o.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		o.metrics.Deliveries.WithLabelValues("delivered").Inc()
		log.Debug("delivered", "attempts", job.Attempts+1)
		return jobs.Delivered(job, o.now())
	case ctx.Err() != nil:
		// shutting down; this attempt does not count
		o.metrics.Deliveries.WithLabelValues("released").Inc()
		return jobs.Release(job)
	case o.cfg.Retry.Exhausted(job.Attempts+1, job.CreatedAt, o.now()):
		o.metrics.Deliveries.WithLabelValues("dead_lettered").Inc()
		log.Warn("dead lettered", "attempts", job.Attempts+1, "err", err)
		return jobs.DeadLetter(job, err.Error())
	default:
		next := o.now().Add(o.cfg.Retry.Backoff(job.Attempts + 1))
		o.metrics.Deliveries.WithLabelValues("retrying").Inc()
		log.Info("delivery failed", "attempts", job.Attempts+1, "next_attempt_at", next, "err", err)
		return jobs.Retry(job, next, err.Error())
	}
}

func (o *Outbox) post(ctx context.Context, job *models.DeliveryJob) error {
	if job.Activity == nil {
		return errors.New("activity missing")
	}
	poster, err := o.poster(job.Activity.ActorID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.DeliveryTimeout)
	defer cancel()
	return poster.Post(ctx, job.Inbox, job.Activity.Payload)
}

// poster returns the Poster signing as the local actor id.
func (o *Outbox) poster(id snowflake.ID) (Poster, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.posters[id]; ok {
		return p, nil
	}
	account, err := models.NewAccounts(o.db).FindByActorID(id)
	if err != nil {
		return nil, fmt.Errorf("signing account: %w", err)
	}
	p, err := o.newPoster(account)
	if err != nil {
		return nil, err
	}
	o.posters[id] = p
	return p, nil
}

// host returns the semaphore bounding concurrent deliveries to host.
func (o *Outbox) host(host string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(int64(o.cfg.PerHost))
		o.hosts[host] = sem
	}
	return sem
}

// Jobs returns up to limit delivery jobs, optionally filtered by status.
func (o *Outbox) Jobs(ctx context.Context, status models.DeliveryStatus, limit int) ([]*models.DeliveryJob, error) {
	return models.NewDeliveryJobs(o.db.WithContext(ctx)).List(status, limit)
}

// DeadLetters returns up to limit dead lettered jobs.
func (o *Outbox) DeadLetters(ctx context.Context, limit int) ([]*models.DeliveryJob, error) {
	return o.Jobs(ctx, models.DeliveryDeadLettered, limit)
}

// Redeliver requeues a dead lettered job.
func (o *Outbox) Redeliver(ctx context.Context, id snowflake.ID) error {
	ok, err := models.NewDeliveryJobs(o.db.WithContext(ctx)).Redeliver(id, o.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %d: %w", id, gorm.ErrRecordNotFound)
	}
	o.Notify()
	return nil
}
