package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/internal/service/llm"
	"github.com/ifuryst/xtrack/internal/service/notifier"
	"github.com/ifuryst/xtrack/internal/service/twitter"
	"github.com/ifuryst/xtrack/internal/store"
	"github.com/ifuryst/xtrack/internal/testing/testdb"
)

type fetchCall struct {
	handle       string
	since, until time.Time
	limit        int
}

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []fetchCall
	tweets map[string][]models.Tweet
	err    error
}

func (f *fakeFetcher) FetchTweets(_ context.Context, handle string, since, until time.Time, limit int) ([]models.Tweet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{handle: handle, since: since, until: until, limit: limit})
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.Tweet(nil), f.tweets[handle]...), nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	requests []llm.Request
	err      error
}

func (g *fakeGenerator) Generate(_ context.Context, req llm.Request) (*llm.Digest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	body := fmt.Sprintf("Summary of %d posts. Details follow.", len(req.Tweets))
	return &llm.Digest{Headline: llm.BuildHeadline(body), Body: body, InputTokens: 100, OutputTokens: 20}, nil
}

type digestCall struct {
	userID    uint
	targetIDs []uint
	digest    notifier.Digest
}

type emailCall struct {
	address string
	digest  notifier.Digest
}

type fakeNotifier struct {
	mu      sync.Mutex
	digests []digestCall
	emails  []emailCall
	result  bool
}

func (n *fakeNotifier) SendDigest(_ context.Context, userID uint, targetIDs []uint, digest notifier.Digest) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.digests = append(n.digests, digestCall{userID: userID, targetIDs: targetIDs, digest: digest})
	return n.result
}

func (n *fakeNotifier) SendEmail(_ context.Context, address string, digest notifier.Digest) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, emailCall{address: address, digest: digest})
	return n.result
}

type pipelineFixture struct {
	store     *store.Store
	fetcher   *fakeFetcher
	generator *fakeGenerator
	notifier  *fakeNotifier
	svc       *MonitoringService
	now       time.Time
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:     testdb.NewStore(t),
		fetcher:   &fakeFetcher{tweets: map[string][]models.Tweet{}},
		generator: &fakeGenerator{},
		notifier:  &fakeNotifier{result: true},
		now:       time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewMonitoringService(f.store, f.fetcher, f.generator, f.notifier, zap.NewNop(),
		WithNow(func() time.Time { return f.now }))
	return f
}

func (f *pipelineFixture) createJob(t *testing.T, job *models.Job) *models.Job {
	t.Helper()
	job.IsActive = true
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func makeTweets(handle string, n int) []models.Tweet {
	tweets := make([]models.Tweet, n)
	for i := range tweets {
		tweets[i] = models.Tweet{
			ID:        fmt.Sprintf("%s-%d", handle, i),
			Text:      fmt.Sprintf("post %d", i),
			Timestamp: "2024-05-02T08:00:00Z",
		}
	}
	return tweets
}

func TestRunJobDailyFirstRun(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.fetcher.tweets["alice"] = makeTweets("alice", 3)
	job := f.createJob(t, &models.Job{
		XUsername: "@alice",
		Frequency: models.FrequencyDaily,
		Topics:    models.StringArray{"AI"},
	})

	summary, err := f.svc.RunJob(ctx, job)
	require.NoError(t, err)

	require.Len(t, f.fetcher.calls, 1)
	call := f.fetcher.calls[0]
	assert.Equal(t, "alice", call.handle)
	assert.Equal(t, f.now.Add(-24*time.Hour), call.since)
	assert.Equal(t, f.now, call.until)
	assert.Equal(t, 50, call.limit)

	require.Len(t, f.generator.requests, 1)
	req := f.generator.requests[0]
	assert.Equal(t, []string{"AI"}, req.Topics)
	assert.Equal(t, "@alice", req.AccountLabel)
	assert.Equal(t, "2024-05-01 09:00 UTC to 2024-05-02 09:00 UTC", req.TimeRange)
	assert.Len(t, req.Tweets, 3)
	for _, tweet := range req.Tweets {
		assert.Equal(t, "alice", tweet.Username)
	}

	require.NotNil(t, summary.JobID)
	require.NotNil(t, summary.ExecutionID)
	assert.Equal(t, job.ID, *summary.JobID)
	assert.Equal(t, 3, summary.TweetsCount)
	assert.Equal(t, 100, summary.InputTokens)
	assert.Equal(t, "Summary of 3 posts.", summary.Headline)

	exec, err := f.store.GetExecution(ctx, *summary.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 3, exec.TweetsFetched)
	require.NotNil(t, exec.CompletedAt)

	summaries, err := f.store.ListSummaries(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, summary.ID, summaries[0].ID)

	reloaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastRun)
	assert.True(t, f.now.Equal(*reloaded.LastRun))

	assert.Empty(t, f.notifier.digests)
	assert.Empty(t, f.notifier.emails)
}

func TestRunJobUsesLastRunAndHandleOrder(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.tweets["bob"] = makeTweets("bob", 1)
	f.fetcher.tweets["alice"] = makeTweets("alice", 2)
	lastRun := f.now.Add(-90 * time.Minute)
	job := f.createJob(t, &models.Job{
		XUsername: "bob, @alice, BOB",
		Frequency: models.FrequencyHourly,
		LastRun:   &lastRun,
	})

	summary, err := f.svc.RunJob(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, f.fetcher.calls, 2)
	assert.Equal(t, "bob", f.fetcher.calls[0].handle)
	assert.Equal(t, "alice", f.fetcher.calls[1].handle)
	assert.Equal(t, lastRun, f.fetcher.calls[0].since)
	assert.Equal(t, 3, summary.TweetsCount)
	assert.Equal(t, "@bob, @alice", f.generator.requests[0].AccountLabel)
}

func TestRunJobFetchFailure(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.fetcher.err = &twitter.FetchError{Handle: "alice", Attempts: 3, Err: errors.New("twitter API returned status 502")}
	job := f.createJob(t, &models.Job{XUsername: "alice", Frequency: models.FrequencyDaily})

	summary, err := f.svc.RunJob(ctx, job)
	require.Error(t, err)
	assert.Nil(t, summary)

	var pipeErr *PipelineError
	require.True(t, errors.As(err, &pipeErr))
	assert.Equal(t, job.ID, pipeErr.JobID)
	var fetchErr *twitter.FetchError
	assert.True(t, errors.As(err, &fetchErr))

	exec, err := f.store.GetExecution(ctx, pipeErr.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "status 502")

	reloaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.LastRun)

	assert.Empty(t, f.generator.requests)
	summaries, err := f.store.ListSummaries(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

// completeFailingStore loses the write that completes an execution.
type completeFailingStore struct {
	*store.Store
	err error
}

func (s *completeFailingStore) CompleteExecution(context.Context, uint, time.Time, int) error {
	return s.err
}

func TestRunJobCompleteFailureFailsExecution(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.fetcher.tweets["alice"] = makeTweets("alice", 2)
	job := f.createJob(t, &models.Job{XUsername: "alice", Frequency: models.FrequencyDaily})

	st := &completeFailingStore{Store: f.store, err: errors.New("db write timeout")}
	svc := NewMonitoringService(st, f.fetcher, f.generator, f.notifier, zap.NewNop(),
		WithNow(func() time.Time { return f.now }))

	summary, err := svc.RunJob(ctx, job)
	require.Error(t, err)
	assert.Nil(t, summary)

	var pipeErr *PipelineError
	require.True(t, errors.As(err, &pipeErr))
	assert.Contains(t, pipeErr.Error(), "db write timeout")

	exec, err := f.store.GetExecution(ctx, pipeErr.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "db write timeout", exec.ErrorMessage)
	require.NotNil(t, exec.CompletedAt)
	assert.True(t, f.now.Equal(*exec.CompletedAt))

	reloaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.LastRun)
}

func TestRunJobWithoutHandlesFailsBeforeFetch(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	job := f.createJob(t, &models.Job{XUsername: " @ , ", Frequency: models.FrequencyDaily})

	_, err := f.svc.RunJob(ctx, job)
	assert.ErrorIs(t, err, ErrNoHandles)
	assert.Empty(t, f.fetcher.calls)

	execs, err := f.store.ListExecutions(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionStatusFailed, execs[0].Status)
}

func TestRunJobGeneratorErrorDegrades(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.fetcher.tweets["alice"] = makeTweets("alice", 2)
	f.generator.err = errors.New("quota exhausted")
	job := f.createJob(t, &models.Job{XUsername: "alice", Frequency: models.FrequencyDaily})

	summary, err := f.svc.RunJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "Error generating summary: quota exhausted", summary.Content)
	assert.Zero(t, summary.InputTokens)
	assert.Zero(t, summary.OutputTokens)

	exec, err := f.store.GetExecution(ctx, *summary.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
}

func TestRunJobNoDeliveryTargets(t *testing.T) {
	f := newPipelineFixture(t)
	user := &models.User{Email: "owner@example.com"}
	require.NoError(t, f.store.DB().Create(user).Error)
	job := f.createJob(t, &models.Job{UserID: &user.ID, XUsername: "alice", Frequency: models.FrequencyDaily})

	_, err := f.svc.RunJob(context.Background(), job)
	require.NoError(t, err)
	assert.Empty(t, f.notifier.digests)
	assert.Empty(t, f.notifier.emails)
}

func TestRunJobDeliversToEmailAndTargets(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.notifier.result = false
	f.fetcher.tweets["alice"] = makeTweets("alice", 1)

	user := &models.User{Email: "owner@example.com"}
	require.NoError(t, f.store.DB().Create(user).Error)
	target := models.NotificationTarget{UserID: user.ID, Channel: models.ChannelTelegram, Destination: "42"}
	require.NoError(t, f.store.DB().Create(&target).Error)

	email := "reader@example.com"
	job := f.createJob(t, &models.Job{
		UserID:    &user.ID,
		XUsername: "alice",
		Frequency: models.FrequencyEvery6Hours,
		Email:     &email,
		Topics:    models.StringArray{"go"},
	})
	require.NoError(t, f.store.SetJobTargets(ctx, job.ID, []uint{target.ID}))

	summary, err := f.svc.RunJob(ctx, job)
	require.NoError(t, err, "delivery failures never fail the run")

	require.Len(t, f.notifier.emails, 1)
	assert.Equal(t, email, f.notifier.emails[0].address)
	require.Len(t, f.notifier.digests, 1)
	call := f.notifier.digests[0]
	assert.Equal(t, user.ID, call.userID)
	assert.Equal(t, []uint{target.ID}, call.targetIDs)
	assert.Equal(t, summary.Headline, call.digest.Headline)
	assert.Equal(t, []string{"alice"}, call.digest.Accounts)
	assert.Equal(t, []string{"go"}, call.digest.Topics)
	assert.Equal(t, 1, call.digest.TweetsCount)
}

func TestRunJobRawSampleCapped(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.tweets["alice"] = makeTweets("alice", 14)
	job := f.createJob(t, &models.Job{XUsername: "alice", Frequency: models.FrequencyDaily})

	summary, err := f.svc.RunJob(context.Background(), job)
	require.NoError(t, err)

	var raw models.RawSample
	require.NoError(t, json.Unmarshal(summary.RawData, &raw))
	assert.Len(t, raw.Tweets, 10)
	assert.Equal(t, 14, raw.Count)
	assert.Equal(t, "alice-0", raw.Tweets[0].ID)
}

func TestRunPlayground(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.tweets["alice"] = makeTweets("alice", 2)

	result, err := f.svc.RunPlayground(context.Background(), PlaygroundRequest{
		Username: "@alice",
		Topics:   []string{"rust"},
		Email:    "me@example.com",
	})
	require.NoError(t, err)

	require.Len(t, f.fetcher.calls, 1)
	assert.Equal(t, f.now.Add(-24*time.Hour), f.fetcher.calls[0].since)
	assert.Len(t, result.Tweets, 2)
	assert.True(t, result.EmailSent)
	require.Len(t, f.notifier.emails, 1)

	summary := result.Summary
	assert.Nil(t, summary.JobID)
	assert.Nil(t, summary.ExecutionID)
	assert.Equal(t, 24, summary.HoursBack)
	assert.Equal(t, "alice", summary.XUsername)
	assert.Equal(t, models.StringArray{"rust"}, summary.Topics)

	var count int64
	require.NoError(t, f.store.DB().Model(&models.Summary{}).Where("id = ?", summary.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRunPlaygroundValidation(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.svc.RunPlayground(context.Background(), PlaygroundRequest{Username: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRunPlaygroundRateLimited(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.err = &twitter.FetchError{Handle: "alice", Attempts: 3, Err: twitter.ErrRateLimitExceeded}

	_, err := f.svc.RunPlayground(context.Background(), PlaygroundRequest{Username: "alice", HoursBack: 6})
	assert.ErrorIs(t, err, twitter.ErrRateLimitExceeded)
}

func TestSendSummaryEmail(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	job := f.createJob(t, &models.Job{XUsername: "alice", Frequency: models.FrequencyDaily})

	_, err := f.svc.SendSummaryEmail(ctx, job, "", "me@example.com")
	assert.ErrorIs(t, err, ErrSummaryNotFound)

	first, err := f.svc.RunJob(ctx, job)
	require.NoError(t, err)

	sent, err := f.svc.SendSummaryEmail(ctx, job, first.ID, "me@example.com")
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, f.notifier.emails, 1)
	assert.Equal(t, first.Content, f.notifier.emails[0].digest.Body)

	_, err = f.svc.SendSummaryEmail(ctx, job, "missing", "me@example.com")
	assert.ErrorIs(t, err, ErrSummaryNotFound)
}
