package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeliveryJobs(t *testing.T) {
	setup := func(t *testing.T) (*DeliveryJobs, *OutboundActivity) {
		db := setupTestDB(t)
		alice := MockActor(t, db, "alice", "local.example", WithType(LocalPerson))
		return NewDeliveryJobs(db), &OutboundActivity{
			URI:     "https://local.example/users/alice/follows/1",
			ActorID: alice.ID,
			Type:    "Follow",
			Payload: []byte(`{}`),
		}
	}

	t.Run("enqueue is idempotent per inbox", func(t *testing.T) {
		require := require.New(t)
		jobs, activity := setup(t)
		now := time.Now()

		n, err := jobs.Enqueue(activity, []string{"https://b.example/inbox", "https://c.example/inbox"}, now)
		require.NoError(err)
		require.EqualValues(2, n)

		n, err = jobs.Enqueue(activity, []string{"https://b.example/inbox"}, now)
		require.NoError(err)
		require.EqualValues(0, n)

		all, err := jobs.List("", 10)
		require.NoError(err)
		require.Len(all, 2)
		for _, job := range all {
			require.Equal(DeliveryPending, job.Status)
			require.NotEmpty(job.Host)
		}
	})
	t.Run("a job is claimed once", func(t *testing.T) {
		require := require.New(t)
		jobs, activity := setup(t)
		now := time.Now()

		_, err := jobs.Enqueue(activity, []string{"https://b.example/inbox"}, now)
		require.NoError(err)
		due, err := jobs.Due(now, 10)
		require.NoError(err)
		require.Len(due, 1)

		job, err := jobs.Claim(due[0].ID)
		require.NoError(err)
		require.NotNil(job)
		require.Equal(DeliveryInFlight, job.Status)
		require.NotNil(job.Activity)

		again, err := jobs.Claim(due[0].ID)
		require.NoError(err)
		require.Nil(again)

		due, err = jobs.Due(now, 10)
		require.NoError(err)
		require.Empty(due)
	})
	t.Run("retry schedules the next attempt", func(t *testing.T) {
		require := require.New(t)
		jobs, activity := setup(t)
		now := time.Now()

		_, err := jobs.Enqueue(activity, []string{"https://b.example/inbox"}, now)
		require.NoError(err)
		due, err := jobs.Due(now, 10)
		require.NoError(err)
		job, err := jobs.Claim(due[0].ID)
		require.NoError(err)

		require.NoError(jobs.Retry(job, now.Add(time.Minute), "503 Service Unavailable"))
		due, err = jobs.Due(now, 10)
		require.NoError(err)
		require.Empty(due)
		due, err = jobs.Due(now.Add(time.Minute), 10)
		require.NoError(err)
		require.Len(due, 1)

		got, err := jobs.Find(job.ID)
		require.NoError(err)
		require.Equal(1, got.Attempts)
		require.Equal(DeliveryRetrying, got.Status)
	})
	t.Run("recover releases in flight jobs", func(t *testing.T) {
		require := require.New(t)
		jobs, activity := setup(t)
		now := time.Now()

		_, err := jobs.Enqueue(activity, []string{"https://b.example/inbox"}, now)
		require.NoError(err)
		due, err := jobs.Due(now, 10)
		require.NoError(err)
		_, err = jobs.Claim(due[0].ID)
		require.NoError(err)

		n, err := jobs.Recover()
		require.NoError(err)
		require.EqualValues(1, n)
		got, err := jobs.Find(due[0].ID)
		require.NoError(err)
		require.Equal(DeliveryRetrying, got.Status)
		require.Zero(got.Attempts)
	})
	t.Run("dead letters are only requeued by redeliver", func(t *testing.T) {
		require := require.New(t)
		jobs, activity := setup(t)
		now := time.Now()

		_, err := jobs.Enqueue(activity, []string{"https://b.example/inbox"}, now)
		require.NoError(err)
		due, err := jobs.Due(now, 10)
		require.NoError(err)
		job, err := jobs.Claim(due[0].ID)
		require.NoError(err)
		require.NoError(jobs.DeadLetter(job, "gone"))

		due, err = jobs.Due(now.Add(24*time.Hour), 10)
		require.NoError(err)
		require.Empty(due)

		dead, err := jobs.List(DeliveryDeadLettered, 10)
		require.NoError(err)
		require.Len(dead, 1)

		ok, err := jobs.Redeliver(job.ID, now)
		require.NoError(err)
		require.True(ok)
		due, err = jobs.Due(now, 10)
		require.NoError(err)
		require.Len(due, 1)
	})
	t.Run("archive removes finished jobs and their activities", func(t *testing.T) {
		require := require.New(t)
		jobs, activity := setup(t)
		now := time.Now()

		_, err := jobs.Enqueue(activity, []string{"https://b.example/inbox", "https://c.example/inbox", "https://d.example/inbox"}, now)
		require.NoError(err)
		due, err := jobs.Due(now, 10)
		require.NoError(err)
		require.Len(due, 3)
		delivered, err := jobs.Claim(due[0].ID)
		require.NoError(err)
		require.NoError(jobs.Delivered(delivered, now))
		dead, err := jobs.Claim(due[1].ID)
		require.NoError(err)
		require.NoError(jobs.DeadLetter(dead, "gone"))

		later := time.Now().Add(time.Hour)
		n, err := jobs.Archive(later)
		require.NoError(err)
		require.EqualValues(2, n)

		// the pending job still needs the activity
		n, err = jobs.PruneActivities(later)
		require.NoError(err)
		require.Zero(n)

		pending, err := jobs.Claim(due[2].ID)
		require.NoError(err)
		require.NoError(jobs.Delivered(pending, now))
		n, err = jobs.Archive(later)
		require.NoError(err)
		require.EqualValues(1, n)

		n, err = jobs.PruneActivities(time.Now().Add(-time.Hour))
		require.NoError(err)
		require.Zero(n)
		n, err = jobs.PruneActivities(later)
		require.NoError(err)
		require.EqualValues(1, n)
	})
}
