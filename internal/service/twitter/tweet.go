package twitter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ifuryst/xtrack/internal/models"
)

type searchResponse struct {
	Tweets      []map[string]any `json:"tweets"`
	HasNextPage bool             `json:"has_next_page"`
	NextCursor  string           `json:"next_cursor"`
}

// normalizeTweet maps one upstream item onto models.Tweet. The upstream uses
// several spellings for the same field; the first non-empty one wins. The
// second return value is false when text or timestamp is missing.
func normalizeTweet(raw map[string]any, handle string) (models.Tweet, bool) {
	tweet := models.Tweet{
		ID:          firstString(raw, "id", "tweetId", "id_str"),
		Text:        firstString(raw, "text", "fullText", "content"),
		Timestamp:   firstString(raw, "createdAt", "created_at", "timestamp"),
		LikeCount:   firstInt(raw, "likeCount", "like_count", "favorite_count", "likes"),
		RepostCount: firstInt(raw, "retweetCount", "retweet_count", "reposts"),
		URL:         firstString(raw, "url", "tweetUrl"),
		Username:    firstString(raw, "username"),
	}

	if tweet.Username == "" {
		tweet.Username = nestedString(raw, "user", "username")
	}
	if tweet.Username == "" {
		tweet.Username = nestedString(raw, "author", "userName")
	}
	if tweet.Username == "" {
		tweet.Username = handle
	}

	if tweet.URL == "" && tweet.ID != "" {
		if tweet.Username != "" {
			tweet.URL = fmt.Sprintf("https://twitter.com/%s/status/%s", tweet.Username, tweet.ID)
		} else {
			tweet.URL = "https://twitter.com/i/web/status/" + tweet.ID
		}
	}

	if tweet.Text == "" || tweet.Timestamp == "" {
		return tweet, false
	}
	return tweet, true
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := toString(raw[key]); s != "" {
			return s
		}
	}
	return ""
}

func nestedString(raw map[string]any, parent, key string) string {
	child, ok := raw[parent].(map[string]any)
	if !ok {
		return ""
	}
	return toString(child[key])
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

// firstInt accepts JSON numbers and numeric strings. Zero counts as absent so
// a later spelling can still provide the value.
func firstInt(raw map[string]any, keys ...string) int {
	for _, key := range keys {
		if n := toInt(raw[key]); n != 0 {
			return n
		}
	}
	return 0
}

func toInt(v any) int {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
		if f, err := val.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(val)
	case string:
		s := strings.TrimSpace(val)
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f)
		}
	}
	return 0
}
