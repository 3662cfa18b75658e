package peersync

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/glucoloop/loopcore/internal/clock"
	"github.com/glucoloop/loopcore/internal/config"
	reconcilesvc "github.com/glucoloop/loopcore/internal/reconcile/service"
	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
	"github.com/glucoloop/loopcore/internal/treatment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newApplier(t *testing.T, cfg config.Config) (*Applier, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&treatment.Record{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	reconciler := reconcilesvc.New(reconcilesvc.Params{
		Config: cfg,
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)),
		Locks:  treatment.NewKindLocks(),
		Repo:   repository.Provide(),
	})
	return New(Params{
		Config:    cfg,
		Log:       zap.NewNop(),
		Reconcile: reconciler,
	}), db
}

func TestApplySplitsIntoChunks(t *testing.T) {
	applier, db := newApplier(t, config.Config{SyncChunkSize: 2})

	base := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC).UnixMilli()
	batch := make([]treatment.Record, 5)
	for i := range batch {
		batch[i] = treatment.Record{
			Timestamp: base + int64(i)*60_000,
			IsValid:   true,
			Amount:    float64(10 + i),
		}
	}

	result, err := applier.Apply(context.Background(), treatment.KindCarbs, batch)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Inserted)

	var count int64
	require.NoError(t, db.Model(&treatment.Record{}).Count(&count).Error)
	assert.EqualValues(t, 5, count)
}

func TestApplyEmptyBatch(t *testing.T) {
	applier, _ := newApplier(t, config.Config{})

	result, err := applier.Apply(context.Background(), treatment.KindCarbs, nil)
	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestApplyReportsPartialResultOnFailure(t *testing.T) {
	applier, db := newApplier(t, config.Config{SyncChunkSize: 1})

	base := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC).UnixMilli()
	batch := []treatment.Record{
		{Timestamp: base, IsValid: true, Amount: 10},
		{Timestamp: base + 60_000, IsValid: true, Amount: -1},
		{Timestamp: base + 120_000, IsValid: true, Amount: 12},
	}

	result, err := applier.Apply(context.Background(), treatment.KindCarbs, batch)
	require.Error(t, err)
	assert.Equal(t, 1, result.Inserted)

	var count int64
	require.NoError(t, db.Model(&treatment.Record{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
