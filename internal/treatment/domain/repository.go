package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the store contract both engines run against. Every call is
// synchronous and individually atomic; the engines do not assume multi-record
// transactions and enforce cross-record invariants under KindLocks instead.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, kind Kind, id snowflake.ID) (*Record, error)
	FindByRemoteID(ctx context.Context, db *gorm.DB, kind Kind, remoteID string) (*Record, error)
	FindByNativeTuple(ctx context.Context, db *gorm.DB, kind Kind, tuple NativeTuple) (*Record, error)
	// FindByTimestamp matches a valid record whose timestamp lies within
	// tolerance milliseconds of ts (exact match when tolerance is 0).
	FindByTimestamp(ctx context.Context, db *gorm.DB, kind Kind, ts, tolerance int64) (*Record, error)
	// FindActiveAt returns the valid record covering the instant, preferring
	// the latest-started one when stored data briefly overlaps.
	FindActiveAt(ctx context.Context, db *gorm.DB, kind Kind, at int64) (*Record, error)
	// FindLatestStartedBefore returns the valid record with the greatest
	// timestamp strictly before ts, active or not.
	FindLatestStartedBefore(ctx context.Context, db *gorm.DB, kind Kind, ts int64) (*Record, error)

	Insert(ctx context.Context, db *gorm.DB, record *Record) error
	Update(ctx context.Context, db *gorm.DB, record *Record) error
}

var (
	ErrNotFound      = errors.New("treatment record not found")
	ErrInvalidKind   = errors.New("invalid treatment kind")
	ErrInvalidRecord = errors.New("invalid treatment record")
)
