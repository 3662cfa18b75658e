package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/glucoloop/loopcore/internal/treatment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.Record{}))
	return db
}

func seed(t *testing.T, db *gorm.DB, node *snowflake.Node, record domain.Record) domain.Record {
	t.Helper()
	record.ID = node.Generate()
	if record.Kind == "" {
		record.Kind = domain.KindRunningMode
	}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	record.CreatedAt = now
	record.UpdatedAt = now
	require.NoError(t, Provide().Insert(context.Background(), db, &record))
	return record
}

func TestFindActiveAt(t *testing.T) {
	db := newDB(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	repo := Provide()
	ctx := context.Background()

	// Closed interval [1000, 2000), then open-ended from 2000.
	closed := seed(t, db, node, domain.Record{
		Timestamp: 1000, Duration: 1000, IsValid: true, Mode: domain.ModeOpenLoop,
	})
	open := seed(t, db, node, domain.Record{
		Timestamp: 2000, Duration: 0, IsValid: true, Mode: domain.ModeClosedLoop,
	})

	found, err := repo.FindActiveAt(ctx, db, domain.KindRunningMode, 1500)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, closed.ID, found.ID)

	found, err = repo.FindActiveAt(ctx, db, domain.KindRunningMode, 2000)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, open.ID, found.ID)

	// Open-ended records stay active arbitrarily far out.
	found, err = repo.FindActiveAt(ctx, db, domain.KindRunningMode, 10_000_000)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, open.ID, found.ID)

	found, err = repo.FindActiveAt(ctx, db, domain.KindRunningMode, 500)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindActiveAtSkipsInvalidated(t *testing.T) {
	db := newDB(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	repo := Provide()

	seed(t, db, node, domain.Record{
		Timestamp: 1000, Duration: 0, IsValid: false, Mode: domain.ModeOpenLoop,
	})

	found, err := repo.FindActiveAt(context.Background(), db, domain.KindRunningMode, 1500)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindByTimestampTolerance(t *testing.T) {
	db := newDB(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	repo := Provide()
	ctx := context.Background()

	record := seed(t, db, node, domain.Record{
		Kind: domain.KindBolus, Timestamp: 5000, IsValid: true, Amount: 1.5,
	})

	found, err := repo.FindByTimestamp(ctx, db, domain.KindBolus, 5800, 1000)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, record.ID, found.ID)

	found, err = repo.FindByTimestamp(ctx, db, domain.KindBolus, 6500, 1000)
	require.NoError(t, err)
	assert.Nil(t, found)

	// Zero tolerance requires an exact match.
	found, err = repo.FindByTimestamp(ctx, db, domain.KindBolus, 5001, 0)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindByNativeTuple(t *testing.T) {
	db := newDB(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	repo := Provide()
	ctx := context.Background()

	record := seed(t, db, node, domain.Record{
		Kind: domain.KindTemporaryBasal, Timestamp: 1000, Duration: 60_000,
		IsValid: true, PumpID: 12, PumpType: "dana", PumpSerial: "DN-002",
	})

	found, err := repo.FindByNativeTuple(ctx, db, domain.KindTemporaryBasal,
		domain.NativeTuple{PumpID: 12, PumpType: "dana", PumpSerial: "DN-002"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, record.ID, found.ID)

	// A partially populated tuple never matches.
	found, err = repo.FindByNativeTuple(ctx, db, domain.KindTemporaryBasal,
		domain.NativeTuple{PumpID: 12})
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindLatestStartedBefore(t *testing.T) {
	db := newDB(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	repo := Provide()
	ctx := context.Background()

	seed(t, db, node, domain.Record{Timestamp: 1000, Duration: 1000, IsValid: true, Mode: domain.ModeOpenLoop})
	latest := seed(t, db, node, domain.Record{Timestamp: 2000, Duration: 1000, IsValid: true, Mode: domain.ModeClosedLoop})

	found, err := repo.FindLatestStartedBefore(ctx, db, domain.KindRunningMode, 5000)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, latest.ID, found.ID)

	found, err = repo.FindLatestStartedBefore(ctx, db, domain.KindRunningMode, 1000)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestUpdateMissingRecord(t *testing.T) {
	db := newDB(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	repo := Provide()

	err = repo.Update(context.Background(), db, &domain.Record{ID: node.Generate(), Kind: domain.KindBolus})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateRoundTrip(t *testing.T) {
	db := newDB(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	repo := Provide()
	ctx := context.Background()

	record := seed(t, db, node, domain.Record{
		Kind: domain.KindTemporaryBasal, Timestamp: 1000, Duration: 60_000, IsValid: true, Rate: 1.1,
	})

	record.Duration = 30_000
	record.Rate = 0.9
	remote := "tb-77"
	record.RemoteID = &remote
	require.NoError(t, repo.Update(ctx, db, &record))

	found, err := repo.FindByID(ctx, db, domain.KindTemporaryBasal, record.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.EqualValues(t, 30_000, found.Duration)
	assert.Equal(t, 0.9, found.Rate)
	require.NotNil(t, found.RemoteID)
	assert.Equal(t, "tb-77", *found.RemoteID)
}
