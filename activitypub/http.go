package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/davecheney/fedi/internal/httpsig"
	"github.com/davecheney/fedi/internal/httpx"
	"github.com/davecheney/fedi/internal/snowflake"
	"github.com/davecheney/fedi/internal/to"
	"github.com/davecheney/fedi/internal/vocab"
	"github.com/davecheney/fedi/internal/webfinger"
	"github.com/davecheney/fedi/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-json-experiment/json"
	"gorm.io/gorm"
)

// InboxCreate accepts a signed activity posted to a personal or shared inbox.
// Activities must be posted as application/activity+json, or as
// application/ld+json with any profile.
func InboxCreate(svc *Service, w http.ResponseWriter, r *http.Request) error {
	switch typ := httpx.MediaType(r); typ {
	case "application/activity+json", "application/ld+json":
	default:
		return httpx.Error(http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content type %q", typ))
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, svc.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpx.Error(http.StatusRequestEntityTooLarge, err)
		}
		return httpx.Error(http.StatusBadRequest, err)
	}
	if _, err := svc.inbox.Process(r.Context(), r, body); err != nil {
		return httpx.Error(inboxStatus(err), err)
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// inboxStatus maps an error from Inbox.Process to a response code.
func inboxStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, httpsig.ErrKeyResolution):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, vocab.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UsersShow returns the actor document of a local actor.
func UsersShow(svc *Service, w http.ResponseWriter, r *http.Request) error {
	actor, err := models.NewActors(svc.DB.WithContext(r.Context())).FindLocal(chi.URLParam(r, "username"), svc.cfg.Domain)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return httpx.Error(http.StatusNotFound, err)
	}
	if err != nil {
		return err
	}
	return to.ActivityJSON(w, ActorDocument(actor))
}

// WebfingerShow returns the resource descriptor of a local actor named by
// an acct resource on this domain.
func WebfingerShow(svc *Service, w http.ResponseWriter, r *http.Request) error {
	acct, err := webfinger.Parse(r.URL.Query().Get("resource"))
	if err != nil {
		return httpx.Error(http.StatusBadRequest, err)
	}
	if acct.Host != svc.cfg.Domain {
		return httpx.Error(http.StatusNotFound, fmt.Errorf("%s is not local", acct))
	}
	actor, err := models.NewActors(svc.DB.WithContext(r.Context())).FindLocal(acct.User, svc.cfg.Domain)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return httpx.Error(http.StatusNotFound, err)
	}
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", webfinger.MediaType)
	return json.MarshalFull(w, webfinger.ForActor(acct, actor.URI))
}

// ActorDocument returns the ActivityStreams representation of a local actor.
func ActorDocument(actor *models.Actor) *vocab.Actor {
	typ := vocab.Person
	if actor.Type == models.LocalService {
		typ = vocab.Service
	}
	return &vocab.Actor{
		ID:                        actor.URI,
		Type:                      typ,
		PreferredUsername:         actor.Name,
		Name:                      actor.DisplayName,
		Summary:                   actor.Note,
		Inbox:                     actor.Inbox,
		Outbox:                    actor.URI + "/outbox",
		Followers:                 FollowersURI(actor),
		Following:                 actor.URI + "/following",
		SharedInbox:               actor.SharedInbox,
		ManuallyApprovesFollowers: actor.Locked,
		PublicKey: vocab.PublicKey{
			ID:           actor.PublicKeyID,
			Owner:        actor.URI,
			PublicKeyPem: string(actor.PublicKey),
		},
	}
}

// DeliveriesIndex lists delivery jobs, optionally filtered by status.
func DeliveriesIndex(svc *Service, w http.ResponseWriter, r *http.Request) error {
	var params struct {
		Status string `schema:"status"`
		Limit  int    `schema:"limit"`
	}
	if err := httpx.Params(r, &params); err != nil {
		return err
	}
	status := models.DeliveryStatus(params.Status)
	switch status {
	case "", models.DeliveryPending, models.DeliveryInFlight, models.DeliveryDelivered, models.DeliveryRetrying, models.DeliveryDeadLettered:
	default:
		return httpx.Error(http.StatusBadRequest, fmt.Errorf("unknown status %q", params.Status))
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	jobs, err := svc.outbox.Jobs(r.Context(), status, limit)
	if err != nil {
		return err
	}
	return to.JSON(w, serialiseDeliveries(jobs))
}

// DeliveriesRetry requeues a dead lettered delivery job.
func DeliveriesRetry(svc *Service, w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return httpx.Error(http.StatusBadRequest, err)
	}
	err = svc.outbox.Redeliver(r.Context(), snowflake.ID(id))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return httpx.Error(http.StatusNotFound, fmt.Errorf("job %d is not dead lettered", id))
	}
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func serialiseDeliveries(jobs []*models.DeliveryJob) []map[string]any {
	out := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		m := map[string]any{
			"id":              job.ID.String(),
			"activity":        job.ActivityURI,
			"inbox":           job.Inbox,
			"status":          job.Status,
			"attempts":        job.Attempts,
			"next_attempt_at": job.NextAttemptAt.UTC(),
			"created_at":      job.CreatedAt.UTC(),
		}
		if job.LastError != "" {
			m["last_error"] = job.LastError
		}
		if job.DeliveredAt != nil {
			m["delivered_at"] = job.DeliveredAt.UTC()
		}
		out = append(out, m)
	}
	return out
}
