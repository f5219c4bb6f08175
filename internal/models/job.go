package models

import (
	"time"

	"github.com/ifuryst/xtrack/pkg/util"
)

type Frequency string

const (
	FrequencyHourly       Frequency = "hourly"
	FrequencyEvery6Hours  Frequency = "every_6_hours"
	FrequencyEvery12Hours Frequency = "every_12_hours"
	FrequencyDaily        Frequency = "daily"
)

// Interval is the time between two scheduled runs. Unknown values run daily.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyEvery6Hours:
		return 6 * time.Hour
	case FrequencyEvery12Hours:
		return 12 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Lookback is the fetch window used when a job has never run. Unknown values
// fall back to one hour.
func (f Frequency) Lookback() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyEvery6Hours:
		return 6 * time.Hour
	case FrequencyEvery12Hours:
		return 12 * time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

const (
	JobStatusActive  = "active"
	JobStatusDeleted = "deleted"
)

type Job struct {
	ID                   uint        `gorm:"primaryKey" json:"id"`
	UserID               *uint       `gorm:"index" json:"user_id"`
	XUsername            string      `gorm:"column:x_username;size:255;not null;index" json:"x_username"`
	Frequency            Frequency   `gorm:"size:50;not null" json:"frequency"`
	Topics               StringArray `gorm:"type:text" json:"topics"`
	Language             string      `gorm:"size:32" json:"language"`
	IsActive             bool        `gorm:"index" json:"is_active"`
	Status               string      `gorm:"size:20;not null;default:'active';index" json:"status"`
	Email                *string     `gorm:"size:255" json:"email"`
	NotificationTargetID *uint       `gorm:"index" json:"notification_target_id"`
	LastRun              *time.Time  `json:"last_run"`
	CreatedAt            time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time   `gorm:"autoUpdateTime" json:"updated_at"`

	User               *User               `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	NotificationTarget *NotificationTarget `gorm:"foreignKey:NotificationTargetID;constraint:OnDelete:SET NULL" json:"-"`
}

// Handles returns the tracked account handles, without "@", deduplicated
// case-insensitively and in their original order.
func (j *Job) Handles() []string {
	return util.ParseHandles(j.XUsername)
}

// Schedulable reports whether the job may be fetched or scheduled.
func (j *Job) Schedulable() bool {
	return j.IsActive && j.Status != JobStatusDeleted
}

// JobNotificationTarget selects a delivery target for a job.
type JobNotificationTarget struct {
	JobID                uint      `gorm:"primaryKey;autoIncrement:false;index" json:"job_id"`
	NotificationTargetID uint      `gorm:"primaryKey;autoIncrement:false;index" json:"notification_target_id"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`

	Job                *Job                `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
	NotificationTarget *NotificationTarget `gorm:"foreignKey:NotificationTargetID;constraint:OnDelete:CASCADE" json:"-"`
}

const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
)

type JobExecution struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	JobID         uint       `gorm:"not null;index" json:"job_id"`
	Status        string     `gorm:"size:20;not null;default:'running';index" json:"status"`
	StartedAt     time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	TweetsFetched int        `gorm:"default:0" json:"tweets_fetched"`
	ErrorMessage  string     `gorm:"type:text" json:"error_message"`

	Job *Job `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
}
