package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/glucoloop/loopcore/internal/treatment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, kind domain.Kind, id snowflake.ID) (*domain.Record, error) {
	var record domain.Record
	err := db.WithContext(ctx).
		Where("kind = ? AND id = ?", kind, id).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindByRemoteID(ctx context.Context, db *gorm.DB, kind domain.Kind, remoteID string) (*domain.Record, error) {
	if remoteID == "" {
		return nil, nil
	}
	var record domain.Record
	err := db.WithContext(ctx).
		Where("kind = ? AND remote_id = ?", kind, remoteID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindByNativeTuple(ctx context.Context, db *gorm.DB, kind domain.Kind, tuple domain.NativeTuple) (*domain.Record, error) {
	if !tuple.Populated() {
		return nil, nil
	}
	var record domain.Record
	err := db.WithContext(ctx).
		Where("kind = ? AND pump_id = ? AND pump_type = ? AND pump_serial = ?",
			kind, tuple.PumpID, tuple.PumpType, tuple.PumpSerial).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindByTimestamp(ctx context.Context, db *gorm.DB, kind domain.Kind, ts, tolerance int64) (*domain.Record, error) {
	if tolerance < 0 {
		tolerance = 0
	}
	var record domain.Record
	err := db.WithContext(ctx).
		Where("kind = ? AND is_valid = ? AND timestamp BETWEEN ? AND ?",
			kind, true, ts-tolerance, ts+tolerance).
		Order("timestamp desc, id desc").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindActiveAt(ctx context.Context, db *gorm.DB, kind domain.Kind, at int64) (*domain.Record, error) {
	var record domain.Record
	err := db.WithContext(ctx).
		Where("kind = ? AND is_valid = ? AND timestamp <= ? AND (duration = 0 OR timestamp + duration > ?)",
			kind, true, at, at).
		Order("timestamp desc, id desc").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindLatestStartedBefore(ctx context.Context, db *gorm.DB, kind domain.Kind, ts int64) (*domain.Record, error) {
	var record domain.Record
	err := db.WithContext(ctx).
		Where("kind = ? AND is_valid = ? AND timestamp < ?", kind, true, ts).
		Order("timestamp desc, id desc").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	if record == nil {
		return domain.ErrInvalidRecord
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO treatments (
			id, kind, timestamp, duration, is_valid, mode, auto_forced, reasons,
			remote_id, pump_id, pump_type, pump_serial,
			amount, rate, target_low, target_high, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Kind,
		record.Timestamp,
		record.Duration,
		record.IsValid,
		record.Mode,
		record.AutoForced,
		record.Reasons,
		record.RemoteID,
		record.PumpID,
		record.PumpType,
		record.PumpSerial,
		record.Amount,
		record.Rate,
		record.TargetLow,
		record.TargetHigh,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	if record == nil || record.ID == 0 {
		return domain.ErrInvalidRecord
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE treatments SET
			duration = ?, is_valid = ?, mode = ?, auto_forced = ?, reasons = ?,
			remote_id = ?, amount = ?, rate = ?, target_low = ?, target_high = ?,
			updated_at = ?
		 WHERE id = ?`,
		record.Duration,
		record.IsValid,
		record.Mode,
		record.AutoForced,
		record.Reasons,
		record.RemoteID,
		record.Amount,
		record.Rate,
		record.TargetLow,
		record.TargetHigh,
		record.UpdatedAt,
		record.ID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
