package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glucoloop/loopcore/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry is one audit event. Every user-, remote- or engine-triggered mode
// transition writes one; invalidated dosing records never lose their trail.
type Entry struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	Action    string            `gorm:"not null;index" json:"action"`
	Source    string            `gorm:"not null" json:"source"`
	Mode      string            `gorm:"column:mode" json:"mode,omitempty"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null;index" json:"created_at"`
}

func (Entry) TableName() string { return "audit_logs" }

type ListRequest struct {
	pagination.Pagination
	Action  string
	Source  string
	StartAt *time.Time
	EndAt   *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}

type ListFilter struct {
	Action  string
	Source  string
	StartAt *time.Time
	EndAt   *time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]*Entry, error)
}

type Service interface {
	// Record writes one audit event. Metadata keys with empty names are
	// dropped; the map may carry numeric, unit-tagged parameters.
	Record(ctx context.Context, action, source, mode string, metadata map[string]any) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
