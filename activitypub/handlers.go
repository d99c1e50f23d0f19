package activitypub

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/davecheney/fedi/internal/vocab"
	"github.com/davecheney/fedi/models"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

// dispatcher applies a single inbound activity inside tx on behalf of the
// verified signer.
type dispatcher struct {
	tx     *gorm.DB
	signer *models.Actor
	outbox *Outbox
	logger *slog.Logger
	now    time.Time

	// enqueued counts the delivery jobs created in reply.
	enqueued int64
}

func (d *dispatcher) dispatch(v vocab.Value) (Outcome, error) {
	act, ok := v.(*vocab.Activity)
	if !ok {
		// unknown types are logged and otherwise ignored
		return Ignored, nil
	}
	switch act.Type {
	case vocab.Create:
		return d.create(act)
	case vocab.Follow:
		return d.follow(act)
	case vocab.Accept:
		return d.finalizeFollow(act, models.FollowAccepted)
	case vocab.Reject:
		return d.finalizeFollow(act, models.FollowRejected)
	case vocab.Like:
		return d.like(act)
	case vocab.Announce:
		return d.announce(act)
	case vocab.Undo:
		return d.undo(act)
	case vocab.Delete:
		return d.delete(act)
	case vocab.Update:
		return d.update(act)
	case vocab.Block:
		return d.block(act)
	default:
		return Ignored, nil
	}
}

// ignoreMissing converts a missing record into Ignored.
func ignoreMissing(err error) (Outcome, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ignored, nil
	}
	return Rejected, err
}

func (d *dispatcher) create(act *vocab.Activity) (Outcome, error) {
	obj, ok := act.Object.Value.(*vocab.Object)
	if !ok || obj.ID == "" {
		d.logger.Debug("create without an inline object", "activity", act.ID, "object", act.Object.ID())
		return Ignored, nil
	}
	if obj.AttributedTo != "" && obj.AttributedTo != d.signer.URI {
		return Rejected, fmt.Errorf("%w: %s is attributed to %s", ErrForbidden, obj.ID, obj.AttributedTo)
	}
	if !sameHost(obj.ID, d.signer.URI) {
		return Rejected, fmt.Errorf("%w: %s is not on the host of %s", ErrForbidden, obj.ID, d.signer.URI)
	}
	_, err := models.NewStatuses(d.tx).FindByURI(obj.ID)
	switch {
	case err == nil:
		return Ignored, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Rejected, err
	}
	status := &models.Status{
		URI:       obj.ID,
		ActorID:   d.signer.ID,
		Type:      string(obj.Type),
		Content:   obj.Content,
		Summary:   obj.Summary,
		InReplyTo: obj.InReplyTo,
		Published: obj.Published,
	}
	if err := d.tx.Create(status).Error; err != nil {
		return Rejected, err
	}
	return Applied, nil
}

func (d *dispatcher) follow(act *vocab.Activity) (Outcome, error) {
	target, err := d.localActor(act.Object.ID())
	if err != nil {
		return ignoreMissing(err)
	}
	rels := models.NewRelationships(d.tx)
	follow, err := rels.Follow(act.ID, d.signer, target)
	if err != nil {
		return Rejected, err
	}
	blocked, err := rels.IsBlocked(target.ID, d.signer.ID)
	if err != nil {
		return Rejected, err
	}
	notifications := models.NewNotifications(d.tx)
	switch {
	case blocked:
		if err := rels.SetState(follow, models.FollowRejected); err != nil {
			return Rejected, err
		}
		return Applied, d.reply(vocab.Reject, target, act)
	case target.Locked:
		return Applied, notifications.Notify(target, d.signer, models.NotifyFollowRequest, nil)
	default:
		if err := rels.SetState(follow, models.FollowAccepted); err != nil {
			return Rejected, err
		}
		if err := d.reply(vocab.Accept, target, act); err != nil {
			return Rejected, err
		}
		return Applied, notifications.Notify(target, d.signer, models.NotifyFollow, nil)
	}
}

// finalizeFollow applies a remote Accept or Reject of a local actor's Follow.
func (d *dispatcher) finalizeFollow(act *vocab.Activity, state models.FollowState) (Outcome, error) {
	rels := models.NewRelationships(d.tx)
	follow, err := rels.FindFollow(act.Object.ID())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// some servers send the Follow inline without its id
		inner, ok := act.Object.Value.(*vocab.Activity)
		if !ok || inner.Type != vocab.Follow {
			return Ignored, nil
		}
		follower, err := d.localActor(inner.Actor)
		if err != nil {
			return ignoreMissing(err)
		}
		follow, err = rels.FindFollowBetween(follower.ID, d.signer.ID)
		if err != nil {
			return ignoreMissing(err)
		}
	} else if err != nil {
		return Rejected, err
	}
	if follow.TargetID != d.signer.ID {
		return Rejected, fmt.Errorf("%w: %s may not answer a follow of %s", ErrForbidden, d.signer.URI, follow.Target.URI)
	}
	return Applied, rels.SetState(follow, state)
}

func (d *dispatcher) like(act *vocab.Activity) (Outcome, error) {
	status, err := d.liveStatus(act.Object.ID())
	if err != nil {
		return ignoreMissing(err)
	}
	if _, err := models.NewReactions(d.tx).Favourite(status, d.signer, act.ID); err != nil {
		return Rejected, err
	}
	return Applied, models.NewNotifications(d.tx).Notify(status.Actor, d.signer, models.NotifyFavourite, status)
}

func (d *dispatcher) announce(act *vocab.Activity) (Outcome, error) {
	status, err := d.liveStatus(act.Object.ID())
	if err != nil {
		return ignoreMissing(err)
	}
	if _, err := models.NewReactions(d.tx).Reblog(status, d.signer, act.ID); err != nil {
		return Rejected, err
	}
	return Applied, models.NewNotifications(d.tx).Notify(status.Actor, d.signer, models.NotifyReblog, status)
}

// undo reverses an earlier activity by the same actor. The activity is
// found in the inbox log, falling back to the inline copy.
func (d *dispatcher) undo(act *vocab.Activity) (Outcome, error) {
	var typ vocab.ActivityType
	var actor, object string
	logged, err := models.NewInboxActivities(d.tx).Find(act.Object.ID())
	switch {
	case err == nil:
		typ, actor, object = vocab.ActivityType(logged.Type), logged.ActorURI, logged.ObjectURI
	case errors.Is(err, gorm.ErrRecordNotFound):
		inner, ok := act.Object.Value.(*vocab.Activity)
		if !ok {
			return Ignored, nil
		}
		typ, actor, object = inner.Type, inner.Actor, inner.Object.ID()
	default:
		return Rejected, err
	}
	if actor != d.signer.URI {
		return Rejected, fmt.Errorf("%w: %s may not undo an activity by %s", ErrForbidden, d.signer.URI, actor)
	}

	var n int64
	switch typ {
	case vocab.Follow, vocab.Block:
		target, err := models.NewActors(d.tx).FindByURI(object)
		if err != nil {
			return ignoreMissing(err)
		}
		rels := models.NewRelationships(d.tx)
		if typ == vocab.Follow {
			n, err = rels.Unfollow(d.signer.ID, target.ID)
		} else {
			n, err = rels.Unblock(d.signer.ID, target.ID)
		}
		if err != nil {
			return Rejected, err
		}
	case vocab.Like, vocab.Announce:
		status, err := models.NewStatuses(d.tx).FindByURI(object)
		if err != nil {
			return ignoreMissing(err)
		}
		reactions := models.NewReactions(d.tx)
		if typ == vocab.Like {
			n, err = reactions.Unfavourite(status, d.signer)
		} else {
			n, err = reactions.Unreblog(status, d.signer)
		}
		if err != nil {
			return Rejected, err
		}
	}
	if n == 0 {
		return Ignored, nil
	}
	return Applied, nil
}

func (d *dispatcher) delete(act *vocab.Activity) (Outcome, error) {
	uri := act.Object.ID()
	if uri == d.signer.URI {
		return d.deleteActor()
	}
	statuses := models.NewStatuses(d.tx)
	status, err := statuses.FindByURI(uri)
	if err != nil {
		return ignoreMissing(err)
	}
	if status.ActorID != d.signer.ID {
		return Rejected, fmt.Errorf("%w: %s does not own %s", ErrForbidden, d.signer.URI, uri)
	}
	if status.Tombstoned {
		return Ignored, nil
	}
	return Applied, statuses.Tombstone(status)
}

// deleteActor removes the signer's follow edges and tombstones its
// statuses. The cached actor row is kept for attribution but no longer
// trusted.
func (d *dispatcher) deleteActor() (Outcome, error) {
	if _, err := models.NewRelationships(d.tx).Sever(d.signer.ID); err != nil {
		return Rejected, err
	}
	if _, err := models.NewStatuses(d.tx).TombstoneAllBy(d.signer.ID); err != nil {
		return Rejected, err
	}
	return Applied, models.NewActors(d.tx).Invalidate(d.signer.URI)
}

func (d *dispatcher) update(act *vocab.Activity) (Outcome, error) {
	switch obj := act.Object.Value.(type) {
	case *vocab.Actor:
		if obj.ID != d.signer.URI {
			return Rejected, fmt.Errorf("%w: %s may not update %s", ErrForbidden, d.signer.URI, obj.ID)
		}
		actor, err := actorFromDocument(obj, d.now)
		if err != nil {
			return Rejected, fmt.Errorf("%w: %v", vocab.ErrMalformed, err)
		}
		if _, err := models.NewActors(d.tx).Upsert(actor); err != nil {
			return Rejected, err
		}
		return Applied, nil
	case *vocab.Object:
		status, err := models.NewStatuses(d.tx).FindByURI(obj.ID)
		if err != nil {
			return ignoreMissing(err)
		}
		if status.ActorID != d.signer.ID {
			return Rejected, fmt.Errorf("%w: %s does not own %s", ErrForbidden, d.signer.URI, obj.ID)
		}
		if status.Tombstoned {
			return Ignored, nil
		}
		edited := obj.Updated
		if edited.IsZero() {
			edited = d.now
		}
		err = d.tx.Model(status).Updates(map[string]any{
			"content":   obj.Content,
			"summary":   obj.Summary,
			"edited_at": edited,
		}).Error
		if err != nil {
			return Rejected, err
		}
		return Applied, nil
	default:
		return Ignored, nil
	}
}

func (d *dispatcher) block(act *vocab.Activity) (Outcome, error) {
	target, err := d.localActor(act.Object.ID())
	if err != nil {
		return ignoreMissing(err)
	}
	return Applied, models.NewRelationships(d.tx).Block(act.ID, d.signer, target)
}

// reply enqueues an Accept or Reject of act from the local actor to the signer.
func (d *dispatcher) reply(typ vocab.ActivityType, from *models.Actor, act *vocab.Activity) error {
	reply := &vocab.Activity{
		ID:        fmt.Sprintf("%s#%s/%s", from.URI, strings.ToLower(string(typ)), uuid.New()),
		Type:      typ,
		Actor:     from.URI,
		Object:    vocab.Inline(act),
		Published: d.now,
		To:        vocab.URIs{d.signer.URI},
	}
	n, err := d.outbox.Enqueue(d.tx, reply, from, []*models.Actor{d.signer})
	d.enqueued += n
	return err
}

// localActor returns the local actor at uri, or gorm.ErrRecordNotFound.
func (d *dispatcher) localActor(uri string) (*models.Actor, error) {
	actor, err := models.NewActors(d.tx).FindByURI(uri)
	if err != nil {
		return nil, err
	}
	if !actor.IsLocal() {
		return nil, gorm.ErrRecordNotFound
	}
	return actor, nil
}

// liveStatus returns the status at uri unless it has been deleted.
func (d *dispatcher) liveStatus(uri string) (*models.Status, error) {
	status, err := models.NewStatuses(d.tx).FindByURI(uri)
	if err != nil {
		return nil, err
	}
	if status.Tombstoned {
		return nil, gorm.ErrRecordNotFound
	}
	return status, nil
}

func sameHost(a, b string) bool {
	u, err := url.Parse(a)
	if err != nil {
		return false
	}
	v, err := url.Parse(b)
	if err != nil {
		return false
	}
	return u.Host != "" && strings.EqualFold(u.Host, v.Host)
}
