package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/davecheney/fedi/internal/vocab"
	"github.com/davecheney/fedi/models"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

var (
	// ErrUnauthorized is returned when the request signature cannot be verified.
	ErrUnauthorized = errors.New("signature verification failed")
	// ErrForbidden is returned when the signer may not perform the activity.
	ErrForbidden = errors.New("forbidden")
)

// Outcome is the result of processing an inbound activity.
type Outcome int

const (
	// Applied means the activity's side effects were committed.
	Applied Outcome = iota
	// Ignored means the activity was accepted without effect: a duplicate,
	// an unknown type, or a reference to something that does not exist.
	Ignored
	// Rejected means the activity was refused.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	default:
		return "rejected"
	}
}

// Inbox processes signed inbound activities.
type Inbox struct {
	db       *gorm.DB
	verifier *Verifier
	outbox   *Outbox
	logger   *slog.Logger
	metrics  *Metrics
	serial   *serializer
	now      func() time.Time

	// beforeDispatch, if set, is called with each new activity once it
	// holds its actor's turn, before its transaction begins.
	beforeDispatch func(vocab.Value)
}

// NewInbox returns an Inbox applying activities to env.DB.
func NewInbox(env *models.Env, verifier *Verifier, outbox *Outbox, metrics *Metrics) *Inbox {
	serial := newSerializer()
	serial.onQueue = func(delta int) { metrics.InboxQueued.Add(float64(delta)) }
	return &Inbox{
		db:       env.DB,
		verifier: verifier,
		outbox:   outbox,
		logger:   env.Log().With("component", "inbox"),
		metrics:  metrics,
		serial:   serial,
		now:      time.Now,
	}
}

// Process verifies req, whose body has already been read, and applies the
// activity it carries. Activities from the same actor are applied in the
// order they were submitted. A duplicate activity is Ignored, not an error.
func (in *Inbox) Process(ctx context.Context, req *http.Request, body []byte) (Outcome, error) {
	typ := "-"
	outcome, err := in.process(ctx, req, body, &typ)
	in.metrics.InboxActivities.WithLabelValues(typ, outcome.String()).Inc()
	return outcome, err
}

func (in *Inbox) process(ctx context.Context, req *http.Request, body []byte, typ *string) (Outcome, error) {
	signer, err := in.verifier.Verify(ctx, req, body)
	if err != nil {
		in.logger.Info("signature rejected", "err", err)
		return Rejected, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	v, err := vocab.Decode(body)
	if err != nil {
		return Rejected, err
	}
	*typ = v.TypeName()
	id, actor, err := header(v)
	if err != nil {
		return Rejected, err
	}
	if actor != signer.URI {
		return Rejected, fmt.Errorf("%w: %s signed an activity by %s", ErrForbidden, signer.URI, actor)
	}
	log := in.logger.With("activity", id, "type", *typ, "actor", actor)

	var outcome Outcome
	err = in.serial.Do(ctx, actor, func() error {
		var err error
		outcome, err = in.apply(ctx, signer, v, id, body)
		return err
	})
	if err != nil {
		log.Warn("activity rejected", "err", err)
		return Rejected, err
	}
	log.Info("activity processed", "outcome", outcome)
	return outcome, nil
}

// header returns the id and actor of an inbound activity.
func header(v vocab.Value) (id, actor string, err error) {
	switch v := v.(type) {
	case *vocab.Activity:
		if err := v.Validate(); err != nil {
			return "", "", fmt.Errorf("%w: %v", vocab.ErrMalformed, err)
		}
		return v.ID, v.Actor, nil
	case *vocab.Unknown:
		if v.ID == "" || v.Actor == "" {
			return "", "", fmt.Errorf("%w: %s is missing id or actor", vocab.ErrMalformed, v.Type)
		}
		return v.ID, v.Actor, nil
	default:
		return "", "", fmt.Errorf("%w: %s is not an activity", vocab.ErrMalformed, v.TypeName())
	}
}

// apply records id in the dedup ledger and dispatches v in one transaction.
// If dispatch fails the ledger entry is rolled back with everything else.
func (in *Inbox) apply(ctx context.Context, signer *models.Actor, v vocab.Value, id string, body []byte) (Outcome, error) {
	seen, err := models.NewLedger(in.db.WithContext(ctx)).Seen(id)
	if err != nil {
		return Rejected, err
	}
	if seen {
		return Ignored, nil
	}
	if in.beforeDispatch != nil {
		in.beforeDispatch(v)
	}

	var outcome Outcome
	var enqueued int64
	err = in.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		first, err := models.NewLedger(tx).RecordIfNew(id)
		if err != nil {
			return err
		}
		if !first {
			outcome = Ignored
			return nil
		}
		d := &dispatcher{
			tx:     tx,
			signer: signer,
			outbox: in.outbox,
			logger: in.logger,
			now:    in.now(),
		}
		outcome, err = d.dispatch(v)
		if err != nil {
			return err
		}
		enqueued = d.enqueued
		var object string
		if act, ok := v.(*vocab.Activity); ok {
			object = act.Object.ID()
		}
		return models.NewInboxActivities(tx).Record(&models.InboxActivity{
			URI:        id,
			Type:       v.TypeName(),
			ActorURI:   signer.URI,
			ObjectURI:  object,
			Raw:        body,
			Ignored:    outcome == Ignored,
			ReceivedAt: d.now,
		})
	})
	if err != nil {
		return Rejected, err
	}
	if enqueued > 0 {
		in.outbox.Notify()
	}
	return outcome, nil
}
