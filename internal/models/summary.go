package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Summary is the digest produced by one execution, or by an ad-hoc
// playground run when JobID and ExecutionID are nil.
type Summary struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	JobID        *uint          `gorm:"index" json:"job_id"`
	ExecutionID  *uint          `gorm:"index" json:"execution_id"`
	Content      string         `gorm:"type:text;not null" json:"content"`
	Headline     string         `gorm:"size:512" json:"headline"`
	TweetsCount  int            `gorm:"default:0" json:"tweets_count"`
	RawData      datatypes.JSON `json:"raw_data"`
	InputTokens  int            `gorm:"default:0" json:"input_tokens"`
	OutputTokens int            `gorm:"default:0" json:"output_tokens"`
	XUsername    string         `gorm:"column:x_username;size:255" json:"x_username,omitempty"`
	Topics       StringArray    `gorm:"type:text" json:"topics,omitempty"`
	HoursBack    int            `json:"hours_back,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime;index" json:"created_at"`

	Job       *Job          `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
	Execution *JobExecution `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (s *Summary) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// RawSample is the payload stored in Summary.RawData.
type RawSample struct {
	Tweets []Tweet `json:"tweets"`
	Count  int     `json:"count"`
}
