package models

import (
	"net/url"
	"time"

	"github.com/davecheney/fedi/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// An OutboundActivity is a serialized activity awaiting delivery, signed as Actor.
type OutboundActivity struct {
	URI       string `gorm:"size:255;primarykey"`
	CreatedAt time.Time
	ActorID   snowflake.ID `gorm:"not null"`
	Actor     *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	Type      string       `gorm:"size:32;not null"`
	Payload   []byte       `gorm:"not null"`
}

// A DeliveryJob is the delivery of one activity to one inbox.
type DeliveryJob struct {
	ID            snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ActivityURI   string            `gorm:"size:255;uniqueIndex:uidx_delivery_jobs_activity_uri_inbox;not null"`
	Activity      *OutboundActivity `gorm:"foreignKey:ActivityURI;references:URI;constraint:OnDelete:CASCADE;<-:false;"`
	Inbox         string            `gorm:"size:255;uniqueIndex:uidx_delivery_jobs_activity_uri_inbox;not null"`
	Host          string            `gorm:"size:255;not null"`
	Status        DeliveryStatus    `gorm:"index:idx_delivery_jobs_status_next_attempt_at;not null;default:'pending'"`
	NextAttemptAt time.Time         `gorm:"index:idx_delivery_jobs_status_next_attempt_at;not null"`
	Attempts      int               `gorm:"not null;default:0"`
	LastError     string            `gorm:"type:text"`
	DeliveredAt   *time.Time
}

// DeliveryStatus is the state of a DeliveryJob.
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliveryInFlight     DeliveryStatus = "in_flight"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryRetrying     DeliveryStatus = "retrying"
	DeliveryDeadLettered DeliveryStatus = "dead_lettered"
)

func (DeliveryStatus) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return enumType(db, "pending", "in_flight", "delivered", "retrying", "dead_lettered")
}

func (j *DeliveryJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == 0 {
		j.ID = snowflake.Now()
	}
	if j.Host == "" {
		if u, err := url.Parse(j.Inbox); err == nil {
			j.Host = u.Host
		}
	}
	return nil
}

// DeliveryJobs provides access to the delivery queue.
type DeliveryJobs struct {
	db *gorm.DB
}

func NewDeliveryJobs(db *gorm.DB) *DeliveryJobs {
	return &DeliveryJobs{db: db}
}

// Enqueue stores the activity and creates one pending job per inbox, due at now.
// Jobs that already exist for the same activity and inbox are left alone.
// It returns the number of jobs created.
func (d *DeliveryJobs) Enqueue(activity *OutboundActivity, inboxes []string, now time.Time) (int64, error) {
	if err := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(activity).Error; err != nil {
		return 0, err
	}
	jobs := make([]*DeliveryJob, 0, len(inboxes))
	for _, inbox := range inboxes {
		jobs = append(jobs, &DeliveryJob{
			ActivityURI:   activity.URI,
			Inbox:         inbox,
			Status:        DeliveryPending,
			NextAttemptAt: now,
		})
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	res := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "activity_uri"}, {Name: "inbox"}},
		DoNothing: true,
	}).Create(&jobs)
	return res.RowsAffected, res.Error
}

// Due returns up to limit jobs ready to be attempted at now, oldest first.
// Only the id and host of each job are loaded.
func (d *DeliveryJobs) Due(now time.Time, limit int) ([]*DeliveryJob, error) {
	var jobs []*DeliveryJob
	err := d.db.Select("id", "host").
		Where("status IN ? AND next_attempt_at <= ?", []DeliveryStatus{DeliveryPending, DeliveryRetrying}, now).
		Order("next_attempt_at").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// Claim moves a pending or retrying job to in flight. It returns nil if
// another worker claimed the job first.
func (d *DeliveryJobs) Claim(id snowflake.ID) (*DeliveryJob, error) {
	res := d.db.Model(&DeliveryJob{}).
		Where("id = ? AND status IN ?", id, []DeliveryStatus{DeliveryPending, DeliveryRetrying}).
		UpdateColumns(map[string]any{
			"status":     DeliveryInFlight,
			"updated_at": time.Now(),
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, res.Error
	}
	var job DeliveryJob
	if err := d.db.Preload("Activity").Take(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Delivered marks the job delivered.
func (d *DeliveryJobs) Delivered(job *DeliveryJob, at time.Time) error {
	job.Status = DeliveryDelivered
	job.DeliveredAt = &at
	job.Attempts++
	return d.db.Model(job).UpdateColumns(map[string]any{
		"status":       job.Status,
		"attempts":     job.Attempts,
		"delivered_at": at,
		"last_error":   "",
		"updated_at":   at,
	}).Error
}

// Retry records a failed attempt and schedules the next one.
func (d *DeliveryJobs) Retry(job *DeliveryJob, next time.Time, cause string) error {
	job.Status = DeliveryRetrying
	job.Attempts++
	job.NextAttemptAt = next
	job.LastError = cause
	return d.update(job)
}

// Release returns an interrupted job to the queue without consuming an attempt.
func (d *DeliveryJobs) Release(job *DeliveryJob) error {
	job.Status = DeliveryRetrying
	return d.db.Model(job).UpdateColumns(map[string]any{
		"status":     job.Status,
		"updated_at": time.Now(),
	}).Error
}

// DeadLetter records a final failed attempt. Dead lettered jobs are never
// retried automatically.
func (d *DeliveryJobs) DeadLetter(job *DeliveryJob, cause string) error {
	job.Status = DeliveryDeadLettered
	job.Attempts++
	job.LastError = cause
	return d.update(job)
}

func (d *DeliveryJobs) update(job *DeliveryJob) error {
	return d.db.Model(job).UpdateColumns(map[string]any{
		"status":          job.Status,
		"attempts":        job.Attempts,
		"next_attempt_at": job.NextAttemptAt,
		"last_error":      job.LastError,
		"updated_at":      time.Now(),
	}).Error
}

// Recover returns jobs left in flight by a previous process to the queue.
func (d *DeliveryJobs) Recover() (int64, error) {
	res := d.db.Model(&DeliveryJob{}).Where("status = ?", DeliveryInFlight).UpdateColumns(map[string]any{
		"status":     DeliveryRetrying,
		"updated_at": time.Now(),
	})
	return res.RowsAffected, res.Error
}

// Find returns the job with the given id.
func (d *DeliveryJobs) Find(id snowflake.ID) (*DeliveryJob, error) {
	var job DeliveryJob
	if err := d.db.Take(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns up to limit jobs, most recent first, optionally filtered by status.
func (d *DeliveryJobs) List(status DeliveryStatus, limit int) ([]*DeliveryJob, error) {
	var jobs []*DeliveryJob
	query := d.db.Order("id desc").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Find(&jobs).Error
	return jobs, err
}

// Redeliver requeues a dead lettered job with a fresh attempt budget.
func (d *DeliveryJobs) Redeliver(id snowflake.ID, now time.Time) (bool, error) {
	res := d.db.Model(&DeliveryJob{}).
		Where("id = ? AND status = ?", id, DeliveryDeadLettered).
		UpdateColumns(map[string]any{
			"status":          DeliveryPending,
			"attempts":        0,
			"next_attempt_at": now,
			"created_at":      now,
			"updated_at":      now,
		})
	return res.RowsAffected == 1, res.Error
}

// Archive deletes jobs delivered before cutoff, and dead lettered jobs last
// attempted before cutoff.
func (d *DeliveryJobs) Archive(cutoff time.Time) (int64, error) {
	res := d.db.
		Where("(status = ? AND delivered_at < ?) OR (status = ? AND updated_at < ?)",
			DeliveryDelivered, cutoff, DeliveryDeadLettered, cutoff).
		Delete(&DeliveryJob{})
	return res.RowsAffected, res.Error
}

// PruneActivities deletes activities created before cutoff that no job
// refers to.
func (d *DeliveryJobs) PruneActivities(cutoff time.Time) (int64, error) {
	res := d.db.
		Where("created_at < ? AND NOT EXISTS (SELECT 1 FROM delivery_jobs WHERE delivery_jobs.activity_uri = outbound_activities.uri)", cutoff).
		Delete(&OutboundActivity{})
	return res.RowsAffected, res.Error
}
