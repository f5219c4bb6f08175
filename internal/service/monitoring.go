package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/internal/service/llm"
	"github.com/ifuryst/xtrack/internal/service/notifier"
	"github.com/ifuryst/xtrack/pkg/util"
)

const (
	rawSampleSize     = 10
	defaultTweetLimit = 50
	defaultHoursBack  = 24
	timeRangeLayout   = "2006-01-02 15:04 UTC"
)

var (
	ErrNoHandles      = errors.New("job has no account handles")
	ErrInvalidRequest = errors.New("invalid request")
)

// PipelineError is returned by a failed run. ExecutionID is zero when the
// execution record itself could not be created.
type PipelineError struct {
	JobID       uint
	ExecutionID uint
	Err         error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("job %d execution %d failed: %v", e.JobID, e.ExecutionID, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// MonitoringService runs the fetch, summarize, persist and notify pipeline.
type MonitoringService struct {
	store      JobStore
	fetcher    TweetFetcher
	generator  llm.Generator
	notifier   Notifier
	tweetLimit int
	now        func() time.Time
	logger     *zap.Logger
}

// MonitoringOption customizes a MonitoringService
type MonitoringOption func(*MonitoringService)

// WithNow replaces the wall clock
func WithNow(now func() time.Time) MonitoringOption {
	return func(m *MonitoringService) {
		m.now = now
	}
}

// WithTweetLimit sets the per-account item cap
func WithTweetLimit(limit int) MonitoringOption {
	return func(m *MonitoringService) {
		if limit > 0 {
			m.tweetLimit = limit
		}
	}
}

func NewMonitoringService(store JobStore, fetcher TweetFetcher, generator llm.Generator, notifier Notifier, logger *zap.Logger, options ...MonitoringOption) *MonitoringService {
	m := &MonitoringService{
		store:      store,
		fetcher:    fetcher,
		generator:  generator,
		notifier:   notifier,
		tweetLimit: defaultTweetLimit,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.Named("monitoring"),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// RunJob executes one run of job and returns the persisted summary.
func (m *MonitoringService) RunJob(ctx context.Context, job *models.Job) (*models.Summary, error) {
	startedAt := m.now()
	logger := m.logger.With(zap.Uint("job_id", job.ID), zap.String("accounts", job.XUsername))

	// 创建执行记录
	exec, err := m.store.CreateExecution(ctx, job.ID, startedAt)
	if err != nil {
		return nil, &PipelineError{JobID: job.ID, Err: err}
	}
	logger = logger.With(zap.Uint("execution_id", exec.ID))
	logger.Info("Job execution started")

	summary, digest, err := m.collect(ctx, job, exec, startedAt)
	if err != nil {
		m.failExecution(ctx, exec, err, logger)
		return nil, &PipelineError{JobID: job.ID, ExecutionID: exec.ID, Err: err}
	}

	// 通知失败不影响执行结果
	m.deliver(ctx, job, digest, logger)

	completedAt := m.now()
	if err := m.store.CompleteExecution(ctx, exec.ID, completedAt, summary.TweetsCount); err != nil {
		m.failExecution(ctx, exec, err, logger)
		return nil, &PipelineError{JobID: job.ID, ExecutionID: exec.ID, Err: err}
	}
	if err := m.store.UpdateJobLastRun(ctx, job.ID, completedAt); err != nil {
		return nil, &PipelineError{JobID: job.ID, ExecutionID: exec.ID, Err: err}
	}

	logger.Info("Job execution completed",
		zap.Int("tweets", summary.TweetsCount),
		zap.String("summary_id", summary.ID),
		zap.Duration("duration", completedAt.Sub(startedAt)))
	return summary, nil
}

// collect covers every step whose failure fails the execution.
func (m *MonitoringService) collect(ctx context.Context, job *models.Job, exec *models.JobExecution, now time.Time) (*models.Summary, notifier.Digest, error) {
	handles := job.Handles()
	if len(handles) == 0 {
		return nil, notifier.Digest{}, ErrNoHandles
	}

	until := now
	since := now.Add(-job.Frequency.Lookback())
	if job.LastRun != nil {
		since = job.LastRun.UTC()
	}

	tweets, err := m.fetchAll(ctx, handles, since, until)
	if err != nil {
		return nil, notifier.Digest{}, err
	}

	timeRange := formatTimeRange(since, until)
	digest := m.generate(ctx, llm.Request{
		Tweets:       tweets,
		Topics:       job.Topics,
		AccountLabel: util.AccountLabel(handles),
		TimeRange:    timeRange,
		Language:     job.Language,
	})

	raw, err := rawSample(tweets)
	if err != nil {
		return nil, notifier.Digest{}, err
	}

	jobID, execID := job.ID, exec.ID
	summary := &models.Summary{
		JobID:        &jobID,
		ExecutionID:  &execID,
		Content:      digest.Body,
		Headline:     digest.Headline,
		TweetsCount:  len(tweets),
		RawData:      raw,
		InputTokens:  digest.InputTokens,
		OutputTokens: digest.OutputTokens,
		XUsername:    job.XUsername,
		Topics:       job.Topics,
	}
	if err := m.store.CreateSummary(ctx, summary); err != nil {
		return nil, notifier.Digest{}, err
	}

	return summary, notifier.Digest{
		Headline:    digest.Headline,
		Body:        digest.Body,
		Accounts:    handles,
		TimeRange:   timeRange,
		TweetsCount: len(tweets),
		Topics:      job.Topics,
	}, nil
}

func (m *MonitoringService) fetchAll(ctx context.Context, handles []string, since, until time.Time) ([]models.Tweet, error) {
	var all []models.Tweet
	for _, handle := range handles {
		tweets, err := m.fetcher.FetchTweets(ctx, handle, since, until, m.tweetLimit)
		if err != nil {
			return nil, err
		}
		for i := range tweets {
			if tweets[i].Username == "" {
				tweets[i].Username = handle
			}
		}
		all = append(all, tweets...)
	}
	return all, nil
}

// generate never fails: a generator error becomes the digest text.
func (m *MonitoringService) generate(ctx context.Context, req llm.Request) *llm.Digest {
	digest, err := m.generator.Generate(ctx, req)
	if err == nil {
		return digest
	}

	m.logger.Error("Digest generation failed", zap.Error(err))
	body := "Error generating summary: " + err.Error()
	return &llm.Digest{
		Headline: llm.BuildHeadline(body),
		Body:     body,
	}
}

func (m *MonitoringService) deliver(ctx context.Context, job *models.Job, digest notifier.Digest, logger *zap.Logger) {
	if job.Email != nil && strings.TrimSpace(*job.Email) != "" {
		if !m.notifier.SendEmail(ctx, *job.Email, digest) {
			logger.Warn("Digest email was not delivered")
		}
	}

	if job.UserID == nil {
		return
	}
	targetIDs, err := m.store.JobTargetIDs(ctx, job.ID)
	if err != nil {
		logger.Warn("Failed to load job notification targets", zap.Error(err))
		return
	}
	if len(targetIDs) == 0 {
		return
	}
	if !m.notifier.SendDigest(ctx, *job.UserID, targetIDs, digest) {
		logger.Warn("Digest was not delivered to any target", zap.Uints("target_ids", targetIDs))
	}
}

func (m *MonitoringService) failExecution(ctx context.Context, exec *models.JobExecution, cause error, logger *zap.Logger) {
	logger.Error("Job execution failed", zap.Error(cause))
	if err := m.store.FailExecution(context.WithoutCancel(ctx), exec.ID, m.now(), cause.Error()); err != nil {
		logger.Error("Failed to record execution failure", zap.Error(err))
	}
}

type PlaygroundRequest struct {
	Username  string   `json:"x_username"`
	Topics    []string `json:"topics"`
	HoursBack int      `json:"hours_back"`
	Language  string   `json:"language"`
	Email     string   `json:"email"`
}

type PlaygroundResult struct {
	Summary   *models.Summary `json:"summary"`
	Tweets    []models.Tweet  `json:"tweets"`
	EmailSent bool            `json:"email_sent"`
}

// RunPlayground fetches and summarizes an explicit window outside of any job.
func (m *MonitoringService) RunPlayground(ctx context.Context, req PlaygroundRequest) (*PlaygroundResult, error) {
	handles := util.ParseHandles(req.Username)
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: at least one account is required", ErrInvalidRequest)
	}
	hours := req.HoursBack
	if hours <= 0 {
		hours = defaultHoursBack
	}

	until := m.now()
	since := until.Add(-time.Duration(hours) * time.Hour)

	tweets, err := m.fetchAll(ctx, handles, since, until)
	if err != nil {
		return nil, err
	}

	timeRange := formatTimeRange(since, until)
	digest := m.generate(ctx, llm.Request{
		Tweets:       tweets,
		Topics:       req.Topics,
		AccountLabel: util.AccountLabel(handles),
		TimeRange:    timeRange,
		Language:     req.Language,
	})

	raw, err := rawSample(tweets)
	if err != nil {
		return nil, err
	}
	summary := &models.Summary{
		Content:      digest.Body,
		Headline:     digest.Headline,
		TweetsCount:  len(tweets),
		RawData:      raw,
		InputTokens:  digest.InputTokens,
		OutputTokens: digest.OutputTokens,
		XUsername:    strings.Join(handles, ","),
		Topics:       req.Topics,
		HoursBack:    hours,
	}
	if err := m.store.CreateSummary(ctx, summary); err != nil {
		return nil, err
	}

	result := &PlaygroundResult{Summary: summary, Tweets: tweets}
	if email := strings.TrimSpace(req.Email); email != "" {
		result.EmailSent = m.notifier.SendEmail(ctx, email, notifier.Digest{
			Headline:    digest.Headline,
			Body:        digest.Body,
			Accounts:    handles,
			TimeRange:   timeRange,
			TweetsCount: len(tweets),
			Topics:      req.Topics,
		})
	}
	return result, nil
}

var ErrSummaryNotFound = errors.New("summary not found")

// SendSummaryEmail mails an existing summary of a job without generating a
// new one. An empty summaryID picks the latest summary.
func (m *MonitoringService) SendSummaryEmail(ctx context.Context, job *models.Job, summaryID, address string) (bool, error) {
	if strings.TrimSpace(address) == "" {
		return false, fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}

	summaries, err := m.store.ListSummaries(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if len(summaries) == 0 {
		return false, ErrSummaryNotFound
	}

	summary := &summaries[len(summaries)-1]
	if summaryID != "" {
		summary = nil
		for i := range summaries {
			if summaries[i].ID == summaryID {
				summary = &summaries[i]
				break
			}
		}
		if summary == nil {
			return false, ErrSummaryNotFound
		}
	}

	return m.notifier.SendEmail(ctx, address, notifier.Digest{
		Headline:    summary.Headline,
		Body:        summary.Content,
		Accounts:    job.Handles(),
		TweetsCount: summary.TweetsCount,
		Topics:      job.Topics,
	}), nil
}

func rawSample(tweets []models.Tweet) (datatypes.JSON, error) {
	sample := tweets
	if len(sample) > rawSampleSize {
		sample = sample[:rawSampleSize]
	}
	if sample == nil {
		sample = []models.Tweet{}
	}
	b, err := json.Marshal(models.RawSample{Tweets: sample, Count: len(tweets)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw data: %w", err)
	}
	return datatypes.JSON(b), nil
}

func formatTimeRange(since, until time.Time) string {
	return since.UTC().Format(timeRangeLayout) + " to " + until.UTC().Format(timeRangeLayout)
}
