package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// StringArray is an ordered list of strings persisted as a JSON array in a
// text column, so it works the same on postgres and sqlite.
type StringArray []string

// Scan implements the sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = StringArray{}
		return nil
	}

	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" || raw == "null" {
		*s = StringArray{}
		return nil
	}

	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		*s = arr
		return nil
	}

	// Rows written before the JSON encoding used the postgres array literal: {a,b,"c d"}
	trimmed := strings.Trim(raw, "{}")
	parts := strings.Split(trimmed, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(strings.TrimSpace(part), "\"")
		if part != "" {
			result = append(result, part)
		}
	}
	*s = result
	return nil
}

// Value implements the driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Tweet is the normalized shape of one upstream post.
type Tweet struct {
	ID          string `json:"tweet_id"`
	Text        string `json:"text"`
	LikeCount   int    `json:"likes"`
	RepostCount int    `json:"reposts"`
	Timestamp   string `json:"timestamp"`
	URL         string `json:"url"`
	Username    string `json:"username"`
}
