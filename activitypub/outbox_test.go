package activitypub

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/davecheney/fedi/internal/vocab"
	"github.com/davecheney/fedi/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// note returns a Create of a new note by sender.
func note(sender *models.Account, content string) *vocab.Activity {
	return &vocab.Activity{
		Type:  vocab.Create,
		Actor: sender.Actor.URI,
		Object: vocab.Inline(&vocab.Object{
			ID:           sender.Actor.URI + "/statuses/" + time.Now().Format("150405.000000000"),
			Type:         vocab.Note,
			AttributedTo: sender.Actor.URI,
			Content:      content,
		}),
	}
}

func TestOutboxEnqueue(t *testing.T) {
	t.Run("recipients sharing an inbox get one delivery", func(t *testing.T) {
		require := require.New(t)
		svc := newTestService(t, testConfig())
		bob := createLocal(t, svc, "bob")
		remote := newRemoteServer(t)
		remote.shared = true
		a, b, c := remote.addActor("a"), remote.addActor("b"), remote.addActor("c")

		n, err := svc.SubmitOutbound(testContext(t), note(bob, "hello"), []string{a.uri, b.uri, c.uri, vocab.Public})
		require.NoError(err)
		require.EqualValues(1, n)

		jobs, err := svc.outbox.Jobs(testContext(t), "", 10)
		require.NoError(err)
		require.Len(jobs, 1)
		require.Equal(remote.sharedInbox(), jobs[0].Inbox)
		require.Equal(models.DeliveryPending, jobs[0].Status)
		require.False(jobs[0].NextAttemptAt.After(time.Now()))
	})
	t.Run("enqueue is idempotent", func(t *testing.T) {
		require := require.New(t)
		svc := newTestService(t, testConfig())
		bob := createLocal(t, svc, "bob")
		alice := newRemoteServer(t).addActor("alice")

		activity := note(bob, "hello")
		n, err := svc.SubmitOutbound(testContext(t), activity, []string{alice.uri})
		require.NoError(err)
		require.EqualValues(1, n)
		n, err = svc.SubmitOutbound(testContext(t), activity, []string{alice.uri})
		require.NoError(err)
		require.Zero(n)
	})
	t.Run("followers collection is expanded", func(t *testing.T) {
		require := require.New(t)
		svc := newTestService(t, testConfig())
		bob := createLocal(t, svc, "bob")
		carol := createLocal(t, svc, "carol")
		remote := newRemoteServer(t)
		rels := models.NewRelationships(svc.DB)
		for _, name := range []string{"a", "b"} {
			actor, err := svc.resolver.Resolve(testContext(t), remote.addActor(name).uri)
			require.NoError(err)
			follow, err := rels.Follow(actor.URI+"#follow", actor, bob.Actor)
			require.NoError(err)
			require.NoError(rels.SetState(follow, models.FollowAccepted))
		}
		pending, err := svc.resolver.Resolve(testContext(t), remote.addActor("pending").uri)
		require.NoError(err)
		_, err = rels.Follow(pending.URI+"#follow", pending, bob.Actor)
		require.NoError(err)
		// local followers are not delivered to
		follow, err := rels.Follow(carol.Actor.URI+"#follow", carol.Actor, bob.Actor)
		require.NoError(err)
		require.NoError(rels.SetState(follow, models.FollowAccepted))

		n, err := svc.SubmitOutbound(testContext(t), note(bob, "hello"), []string{FollowersURI(bob.Actor)})
		require.NoError(err)
		require.EqualValues(2, n)
	})
	t.Run("remote sender is refused", func(t *testing.T) {
		require := require.New(t)
		svc := newTestService(t, testConfig())
		alice := newRemoteServer(t).addActor("alice")
		actor, err := svc.resolver.Resolve(testContext(t), alice.uri)
		require.NoError(err)

		_, err = svc.outbox.Enqueue(svc.DB, &vocab.Activity{ID: alice.uri + "/1", Type: vocab.Like, Actor: alice.uri}, actor, nil)
		require.Error(err)
	})
}

func TestOutboxDeliver(t *testing.T) {
	t.Run("delivery is signed by the sender", func(t *testing.T) {
		require := require.New(t)
		svc := newTestService(t, testConfig())
		bob := createLocal(t, svc, "bob")
		remote := newRemoteServer(t)
		alice := remote.addActor("alice")

		activity := note(bob, "hello alice")
		_, err := svc.SubmitOutbound(testContext(t), activity, []string{alice.uri})
		require.NoError(err)
		_, err = svc.outbox.ProcessDue(testContext(t))
		require.NoError(err)

		received := remote.received()
		require.Len(received, 1)
		require.Equal(alice.inbox, received[0].inbox)
		require.Equal("application/activity+json", received[0].req.Header.Get("Content-Type"))
		verifyDelivery(t, received[0], bob)

		v, err := vocab.Decode(received[0].body)
		require.NoError(err)
		require.Equal(activity.ID, v.URI())

		jobs, err := svc.outbox.Jobs(testContext(t), models.DeliveryDelivered, 10)
		require.NoError(err)
		require.Len(jobs, 1)
		require.Equal(1, jobs[0].Attempts)
		require.NotNil(jobs[0].DeliveredAt)
	})
	t.Run("failures are retried with backoff until dead lettered", func(t *testing.T) {
		require := require.New(t)
		cfg := testConfig()
		cfg.Retry.MaxAttempts = 4
		svc := newTestService(t, cfg)
		bob := createLocal(t, svc, "bob")
		remote := newRemoteServer(t)
		remote.inboxStatus = http.StatusInternalServerError
		alice := remote.addActor("alice")

		clock := time.Now()
		svc.outbox.now = func() time.Time { return clock }

		_, err := svc.SubmitOutbound(testContext(t), note(bob, "hello"), []string{alice.uri})
		require.NoError(err)

		var last time.Time
		for attempt := 1; attempt < cfg.Retry.MaxAttempts; attempt++ {
			n, err := svc.outbox.ProcessDue(testContext(t))
			require.NoError(err)
			require.Equal(1, n)

			jobs, err := svc.outbox.Jobs(testContext(t), models.DeliveryRetrying, 10)
			require.NoError(err)
			require.Len(jobs, 1)
			job := jobs[0]
			require.Equal(attempt, job.Attempts)
			require.NotEmpty(job.LastError)

			delay := job.NextAttemptAt.Sub(clock)
			ceiling := cfg.Retry.ceiling(attempt)
			require.GreaterOrEqual(delay, ceiling/2-time.Millisecond)
			require.LessOrEqual(delay, ceiling+time.Millisecond)
			require.True(job.NextAttemptAt.After(last))
			last = job.NextAttemptAt

			// not due yet
			n, err = svc.outbox.ProcessDue(testContext(t))
			require.NoError(err)
			require.Zero(n)

			clock = job.NextAttemptAt
		}

		_, err = svc.outbox.ProcessDue(testContext(t))
		require.NoError(err)
		dead, err := svc.outbox.DeadLetters(testContext(t), 10)
		require.NoError(err)
		require.Len(dead, 1)
		require.Equal(cfg.Retry.MaxAttempts, dead[0].Attempts)
		require.Len(remote.received(), cfg.Retry.MaxAttempts)

		// dead letters are never retried automatically
		clock = clock.Add(30 * 24 * time.Hour)
		n, err := svc.outbox.ProcessDue(testContext(t))
		require.NoError(err)
		require.Zero(n)

		// until an operator asks
		require.NoError(svc.outbox.Redeliver(testContext(t), dead[0].ID))
		job, err := models.NewDeliveryJobs(svc.DB).Find(dead[0].ID)
		require.NoError(err)
		require.Equal(models.DeliveryPending, job.Status)
		require.Zero(job.Attempts)

		require.ErrorIs(svc.outbox.Redeliver(testContext(t), dead[0].ID), gorm.ErrRecordNotFound)
	})
	t.Run("old jobs are dead lettered", func(t *testing.T) {
		require := require.New(t)
		svc := newTestService(t, testConfig())
		bob := createLocal(t, svc, "bob")
		remote := newRemoteServer(t)
		remote.inboxStatus = http.StatusServiceUnavailable
		alice := remote.addActor("alice")

		_, err := svc.SubmitOutbound(testContext(t), note(bob, "hello"), []string{alice.uri})
		require.NoError(err)
		svc.outbox.now = func() time.Time { return time.Now().Add(svc.cfg.Retry.MaxAge) }

		_, err = svc.outbox.ProcessDue(testContext(t))
		require.NoError(err)
		dead, err := svc.outbox.DeadLetters(testContext(t), 10)
		require.NoError(err)
		require.Len(dead, 1)
		require.Equal(1, dead[0].Attempts)
	})
	t.Run("concurrent deliveries to one host are bounded", func(t *testing.T) {
		require := require.New(t)
		cfg := testConfig()
		cfg.Workers = 8
		cfg.PerHost = 2
		svc := newTestService(t, cfg)
		bob := createLocal(t, svc, "bob")
		remote := newRemoteServer(t)

		var mu sync.Mutex
		var inflight, peak int
		remote.onInbox = func(*http.Request) {
			mu.Lock()
			inflight++
			if inflight > peak {
				peak = inflight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inflight--
			mu.Unlock()
		}

		var recipients []string
		for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
			recipients = append(recipients, remote.addActor(name).uri)
		}
		n, err := svc.SubmitOutbound(testContext(t), note(bob, "hello"), recipients)
		require.NoError(err)
		require.EqualValues(6, n)

		_, err = svc.outbox.ProcessDue(testContext(t))
		require.NoError(err)
		require.Len(remote.received(), 6)
		mu.Lock()
		defer mu.Unlock()
		require.LessOrEqual(peak, cfg.PerHost)
	})
	t.Run("a slow host does not hold up other hosts", func(t *testing.T) {
		require := require.New(t)
		cfg := testConfig()
		cfg.Workers = 4
		cfg.PerHost = 1
		svc := newTestService(t, cfg)
		bob := createLocal(t, svc, "bob")

		slow := newRemoteServer(t)
		slow.onInbox = func(*http.Request) { time.Sleep(300 * time.Millisecond) }
		var recipients []string
		for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
			recipients = append(recipients, slow.addActor(name).uri)
		}
		fast := newRemoteServer(t)
		arrived := make(chan time.Time, 1)
		fast.onInbox = func(*http.Request) { arrived <- time.Now() }
		recipients = append(recipients, fast.addActor("zed").uri)

		n, err := svc.SubmitOutbound(testContext(t), note(bob, "hello"), recipients)
		require.NoError(err)
		require.EqualValues(7, n)

		start := time.Now()
		_, err = svc.outbox.ProcessDue(testContext(t))
		require.NoError(err)
		require.Len(slow.received(), 6)
		require.Len(fast.received(), 1)
		require.Less((<-arrived).Sub(start), 500*time.Millisecond)
	})
	t.Run("shutdown releases the job without consuming an attempt", func(t *testing.T) {
		require := require.New(t)
		svc := newTestService(t, testConfig())
		bob := createLocal(t, svc, "bob")
		remote := newRemoteServer(t)
		alice := remote.addActor("alice")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		remote.onInbox = func(r *http.Request) {
			cancel()
			<-r.Context().Done()
		}
		_, err := svc.SubmitOutbound(testContext(t), note(bob, "hello"), []string{alice.uri})
		require.NoError(err)

		_, err = svc.outbox.ProcessDue(ctx)
		require.NoError(err)

		jobs, err := svc.outbox.Jobs(testContext(t), "", 10)
		require.NoError(err)
		require.Len(jobs, 1)
		require.Equal(models.DeliveryRetrying, jobs[0].Status)
		require.Zero(jobs[0].Attempts)
	})
}

func TestOutboxRun(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t, testConfig())
	bob := createLocal(t, svc, "bob")
	remote := newRemoteServer(t)
	alice := remote.addActor("alice")

	// a job orphaned in flight by a previous process
	_, err := svc.SubmitOutbound(testContext(t), note(bob, "first"), []string{alice.uri})
	require.NoError(err)
	jobs, err := svc.outbox.Jobs(testContext(t), "", 10)
	require.NoError(err)
	_, err = models.NewDeliveryJobs(svc.DB).Claim(jobs[0].ID)
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(func() bool { return len(remote.received()) == 1 }, 5*time.Second, time.Millisecond)

	_, err = svc.SubmitOutbound(testContext(t), note(bob, "second"), []string{alice.uri})
	require.NoError(err)
	require.Eventually(func() bool { return len(remote.received()) == 2 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(<-done)
}
