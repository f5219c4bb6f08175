package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/xtrack/internal/config"
	"github.com/ifuryst/xtrack/internal/models"
)

const (
	searchPath  = "/twitter/tweet/advanced_search"
	queryLayout = "2006-01-02_15:04:05_UTC"
	backoffStep = 2 * time.Second
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// FetchError is returned when tweets for a handle could not be retrieved.
type FetchError struct {
	Handle   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	if errors.Is(e.Err, ErrRateLimitExceeded) {
		return fmt.Sprintf("rate limit exceeded while fetching @%s after %d attempts; please wait a few minutes before trying again",
			e.Handle, e.Attempts)
	}
	return fmt.Sprintf("failed to fetch tweets for @%s: %v", e.Handle, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type statusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("twitter API returned status %d: %s", e.Code, e.Body)
}

// Backoff is how long the limiter holds every caller after this response.
// Zero leaves the regular spacing in place.
func (e *statusError) Backoff() time.Duration {
	if e.Code != http.StatusTooManyRequests {
		return 0
	}
	return e.RetryAfter
}

type Client struct {
	apiKey      string
	baseURL     string
	maxAttempts int
	pageLimit   int
	httpClient  *http.Client
	limiter     *Limiter
	clock       Clock
	logger      *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// NewClient builds a client sharing limiter with every other caller of the
// same upstream account.
func NewClient(cfg *config.TwitterConfig, limiter *Limiter, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxAttempts: cfg.MaxAttempts,
		pageLimit:   cfg.PageLimit,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     limiter,
		clock:       SystemClock(),
		logger:      logger.Named("twitter"),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.pageLimit <= 0 {
		c.pageLimit = 50
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PageLimit is the default number of items requested per handle.
func (c *Client) PageLimit() int {
	return c.pageLimit
}

// FetchTweets returns up to limit posts by handle between since and until.
// Only the first result page is read.
func (c *Client) FetchTweets(ctx context.Context, handle string, since, until time.Time, limit int) ([]models.Tweet, error) {
	handle = strings.TrimSpace(strings.TrimLeft(handle, "@"))
	if handle == "" {
		return nil, &FetchError{Handle: handle, Err: errors.New("empty handle")}
	}
	if limit <= 0 {
		limit = c.pageLimit
	}

	query := fmt.Sprintf("from:%s since:%s until:%s include:nativeretweets",
		handle, since.UTC().Format(queryLayout), until.UTC().Format(queryLayout))
	params := url.Values{}
	params.Set("query", query)
	params.Set("queryType", "Latest")
	endpoint := c.baseURL + searchPath + "?" + params.Encode()

	c.logger.Debug("Fetching tweets",
		zap.String("handle", handle),
		zap.Time("since", since),
		zap.Time("until", until))

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var resp *searchResponse
		err := c.limiter.Do(ctx, func() error {
			var reqErr error
			resp, reqErr = c.search(ctx, endpoint)
			return reqErr
		})
		if err == nil {
			return c.collect(resp, handle, limit), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &FetchError{Handle: handle, Attempts: attempt, Err: ctxErr}
		}

		var se *statusError
		switch {
		case errors.As(err, &se) && se.Code == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: %s", ErrRateLimitExceeded, se.Body)
			if attempt < c.maxAttempts {
				wait := se.RetryAfter
				if wait < c.limiter.MinInterval() {
					wait = c.limiter.MinInterval()
				}
				c.logger.Warn("Rate limited by twitter API",
					zap.String("handle", handle),
					zap.Int("attempt", attempt),
					zap.Duration("wait", wait))
			}
		case errors.As(err, &se) && se.Code < http.StatusInternalServerError:
			return nil, &FetchError{Handle: handle, Attempts: attempt, Err: err}
		case errors.Is(err, errDecode):
			return nil, &FetchError{Handle: handle, Attempts: attempt, Err: err}
		default:
			lastErr = err
			if attempt < c.maxAttempts {
				backoff := time.Duration(attempt) * backoffStep
				c.logger.Warn("Twitter request failed, retrying",
					zap.String("handle", handle),
					zap.Int("attempt", attempt),
					zap.Duration("backoff", backoff),
					zap.Error(err))
				if err := c.clock.Sleep(ctx, backoff); err != nil {
					return nil, &FetchError{Handle: handle, Attempts: attempt, Err: err}
				}
			}
		}
	}

	return nil, &FetchError{Handle: handle, Attempts: c.maxAttempts, Err: lastErr}
}

var errDecode = errors.New("failed to decode response")

func (c *Client) search(ctx context.Context, endpoint string) (*searchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var out searchResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", errDecode, err)
	}
	return &out, nil
}

func (c *Client) collect(resp *searchResponse, handle string, limit int) []models.Tweet {
	tweets := make([]models.Tweet, 0, len(resp.Tweets))
	for _, raw := range resp.Tweets {
		tweet, ok := normalizeTweet(raw, handle)
		if !ok {
			c.logger.Warn("Dropping tweet without text or timestamp",
				zap.String("handle", handle),
				zap.String("tweet_id", tweet.ID))
			continue
		}
		tweets = append(tweets, tweet)
		if len(tweets) >= limit {
			break
		}
	}

	if resp.HasNextPage {
		c.logger.Debug("More pages available, reading first page only",
			zap.String("handle", handle))
	}

	c.logger.Info("Fetched tweets",
		zap.String("handle", handle),
		zap.Int("raw", len(resp.Tweets)),
		zap.Int("kept", len(tweets)))
	return tweets
}

// parseRetryAfter reads a Retry-After value in seconds. Anything else yields 0.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
