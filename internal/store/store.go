package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/xtrack/internal/models"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrExecutionFinalized = errors.New("execution already finished")
	ErrTokenInvalid       = errors.New("bind token invalid, used or expired")
)

// Store is the gorm backed persistence for jobs, executions, summaries and
// notification targets.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Jobs

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// ListActiveJobs returns jobs that are active and not deleted
func (s *Store) ListActiveJobs(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("status <> ? AND is_active = ?", models.JobStatusDeleted, true).
		Order("id").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) UpdateJobLastRun(ctx context.Context, id uint, ts time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Update("last_run", ts.UTC())
	if res.Error != nil {
		return fmt.Errorf("failed to update last run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetJobActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("failed to update job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteJob marks a job deleted. Executions and summaries are kept.
func (s *Store) SoftDeleteJob(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status <> ?", id, models.JobStatusDeleted).
		Updates(map[string]interface{}{"status": models.JobStatusDeleted, "is_active": false})
	if res.Error != nil {
		return fmt.Errorf("failed to delete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// JobTargetIDs returns the targets selected for a job through the join
// table, followed by the legacy single target when it is not already listed.
func (s *Store) JobTargetIDs(ctx context.Context, jobID uint) ([]uint, error) {
	var links []models.JobNotificationTarget
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("notification_target_id").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to load job targets: %w", err)
	}

	ids := make([]uint, 0, len(links)+1)
	seen := make(map[uint]struct{}, len(links)+1)
	for _, link := range links {
		ids = append(ids, link.NotificationTargetID)
		seen[link.NotificationTargetID] = struct{}{}
	}

	var job models.Job
	if err := s.db.WithContext(ctx).Select("id", "notification_target_id").First(&job, jobID).Error; err != nil {
		return nil, notFound(err)
	}
	if job.NotificationTargetID != nil {
		if _, ok := seen[*job.NotificationTargetID]; !ok {
			ids = append(ids, *job.NotificationTargetID)
		}
	}
	return ids, nil
}

// SetJobTargets replaces the join rows of a job
func (s *Store) SetJobTargets(ctx context.Context, jobID uint, targetIDs []uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&models.JobNotificationTarget{}).Error; err != nil {
			return fmt.Errorf("failed to clear job targets: %w", err)
		}
		for _, id := range targetIDs {
			link := models.JobNotificationTarget{JobID: jobID, NotificationTargetID: id}
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("failed to link target %d: %w", id, err)
			}
		}
		return nil
	})
}

// Executions

func (s *Store) CreateExecution(ctx context.Context, jobID uint, startedAt time.Time) (*models.JobExecution, error) {
	exec := &models.JobExecution{
		JobID:     jobID,
		Status:    models.ExecutionStatusRunning,
		StartedAt: startedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	return exec, nil
}

// CompleteExecution moves a running execution to completed
func (s *Store) CompleteExecution(ctx context.Context, id uint, completedAt time.Time, tweetsFetched int) error {
	return s.finishExecution(ctx, id, map[string]interface{}{
		"status":         models.ExecutionStatusCompleted,
		"completed_at":   completedAt.UTC(),
		"tweets_fetched": tweetsFetched,
	})
}

// FailExecution moves a running execution to failed
func (s *Store) FailExecution(ctx context.Context, id uint, completedAt time.Time, message string) error {
	return s.finishExecution(ctx, id, map[string]interface{}{
		"status":        models.ExecutionStatusFailed,
		"completed_at":  completedAt.UTC(),
		"error_message": message,
	})
}

// The status guard keeps terminal states terminal and completed_at single-write.
func (s *Store) finishExecution(ctx context.Context, id uint, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.JobExecution{}).
		Where("id = ? AND status = ?", id, models.ExecutionStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrExecutionFinalized
	}
	return nil
}

// FailRunningExecutions fails every execution still marked running. It is
// meant for startup, when no run of this process can be in flight.
func (s *Store) FailRunningExecutions(ctx context.Context, at time.Time, message string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.JobExecution{}).
		Where("status = ?", models.ExecutionStatusRunning).
		Updates(map[string]interface{}{
			"status":        models.ExecutionStatusFailed,
			"completed_at":  at.UTC(),
			"error_message": message,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to fail running executions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) GetExecution(ctx context.Context, id uint) (*models.JobExecution, error) {
	var exec models.JobExecution
	if err := s.db.WithContext(ctx).First(&exec, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &exec, nil
}

func (s *Store) ListExecutions(ctx context.Context, jobID uint, limit int) ([]models.JobExecution, error) {
	var execs []models.JobExecution
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("started_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return execs, nil
}

// Summaries

func (s *Store) CreateSummary(ctx context.Context, summary *models.Summary) error {
	if err := s.db.WithContext(ctx).Create(summary).Error; err != nil {
		return fmt.Errorf("failed to create summary: %w", err)
	}
	return nil
}

func (s *Store) ListSummaries(ctx context.Context, jobID uint) ([]models.Summary, error) {
	var summaries []models.Summary
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at").Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	return summaries, nil
}

// Notification targets

// GetNotificationTargets loads the targets among ids that belong to userID
// and use one of channels.
func (s *Store) GetNotificationTargets(ctx context.Context, ids []uint, userID uint, channels []models.NotificationChannel) ([]models.NotificationTarget, error) {
	if len(ids) == 0 || len(channels) == 0 {
		return nil, nil
	}
	var targets []models.NotificationTarget
	err := s.db.WithContext(ctx).
		Where("id IN ? AND user_id = ? AND channel IN ?", ids, userID, channels).
		Order("id").
		Find(&targets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load notification targets: %w", err)
	}
	return targets, nil
}

func (s *Store) GetDefaultTarget(ctx context.Context, userID uint, channel models.NotificationChannel) (*models.NotificationTarget, error) {
	var target models.NotificationTarget
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND channel = ? AND is_default = ?", userID, channel, true).
		First(&target).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &target, nil
}

func (s *Store) ListTargets(ctx context.Context, userID uint) ([]models.NotificationTarget, error) {
	var targets []models.NotificationTarget
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc, id desc").Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("failed to list notification targets: %w", err)
	}
	return targets, nil
}

func (s *Store) CreateBindToken(ctx context.Context, token *models.NotificationBindToken) error {
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("failed to create bind token: %w", err)
	}
	return nil
}

// PurgeBindTokens deletes tokens that were used or expired before cutoff.
func (s *Store) PurgeBindTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("used = ? OR expires_at < ?", true, cutoff).
		Delete(&models.NotificationBindToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge bind tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// BindTarget consumes a bind token and attaches destination to the token's
// user. Rebinding an existing destination refreshes its metadata in place.
func (s *Store) BindTarget(ctx context.Context, token, destination string, meta datatypes.JSON, now time.Time) (*models.NotificationTarget, error) {
	var target models.NotificationTarget

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.NotificationBindToken{}).
			Where("token = ? AND used = ? AND expires_at > ?", token, false, now.UTC()).
			Update("used", true)
		if res.Error != nil {
			return fmt.Errorf("failed to consume bind token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrTokenInvalid
		}

		var record models.NotificationBindToken
		if err := tx.Where("token = ?", token).First(&record).Error; err != nil {
			return fmt.Errorf("failed to load bind token: %w", err)
		}

		err := tx.Where("user_id = ? AND channel = ? AND destination = ?", record.UserID, record.Channel, destination).
			First(&target).Error
		switch {
		case err == nil:
			if meta != nil {
				target.Meta = meta
				if err := tx.Model(&target).Update("meta", meta).Error; err != nil {
					return fmt.Errorf("failed to update target metadata: %w", err)
				}
			}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to look up target: %w", err)
		}

		// the first target of a channel becomes its default; the partial
		// unique index decides between concurrent binds
		target = models.NotificationTarget{
			UserID:      record.UserID,
			Channel:     record.Channel,
			Destination: destination,
			Meta:        meta,
			IsDefault:   true,
		}
		res = tx.Clauses(clause.OnConflict{
			Columns:     []clause.Column{{Name: "user_id"}, {Name: "channel"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "is_default"}}},
			DoNothing:   true,
		}).Create(&target)
		if res.Error != nil {
			return fmt.Errorf("failed to create target: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		target.ID = 0
		target.IsDefault = false
		if err := tx.Create(&target).Error; err != nil {
			return fmt.Errorf("failed to create target: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &target, nil
}

// SetDefaultTarget makes targetID the only default among the user's targets
// on the same channel.
func (s *Store) SetDefaultTarget(ctx context.Context, userID, targetID uint) (*models.NotificationTarget, error) {
	var target models.NotificationTarget

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", targetID, userID).First(&target).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Model(&models.NotificationTarget{}).
			Where("user_id = ? AND channel = ? AND id <> ?", userID, target.Channel, target.ID).
			Update("is_default", false).Error; err != nil {
			return fmt.Errorf("failed to clear default target: %w", err)
		}
		if err := tx.Model(&target).Update("is_default", true).Error; err != nil {
			return fmt.Errorf("failed to set default target: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &target, nil
}
