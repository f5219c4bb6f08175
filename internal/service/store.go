package service

import (
	"context"
	"time"

	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/internal/service/notifier"
)

// JobStore is the persistence used by the pipeline and the scheduler.
type JobStore interface {
	GetJob(ctx context.Context, id uint) (*models.Job, error)
	ListActiveJobs(ctx context.Context) ([]models.Job, error)
	UpdateJobLastRun(ctx context.Context, id uint, ts time.Time) error
	JobTargetIDs(ctx context.Context, jobID uint) ([]uint, error)

	CreateExecution(ctx context.Context, jobID uint, startedAt time.Time) (*models.JobExecution, error)
	CompleteExecution(ctx context.Context, id uint, completedAt time.Time, tweetsFetched int) error
	FailExecution(ctx context.Context, id uint, completedAt time.Time, message string) error
	FailRunningExecutions(ctx context.Context, at time.Time, message string) (int64, error)

	CreateSummary(ctx context.Context, summary *models.Summary) error
	ListSummaries(ctx context.Context, jobID uint) ([]models.Summary, error)
}

// TweetFetcher retrieves posts of one account inside a time window.
type TweetFetcher interface {
	FetchTweets(ctx context.Context, handle string, since, until time.Time, limit int) ([]models.Tweet, error)
}

// Notifier delivers finished digests.
type Notifier interface {
	SendDigest(ctx context.Context, userID uint, targetIDs []uint, digest notifier.Digest) bool
	SendEmail(ctx context.Context, address string, digest notifier.Digest) bool
}
