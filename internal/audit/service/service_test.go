package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/glucoloop/loopcore/internal/audit/domain"
	"github.com/glucoloop/loopcore/internal/audit/repository"
	"github.com/glucoloop/loopcore/internal/clock"
	"github.com/glucoloop/loopcore/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newService(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&auditdomain.Entry{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
	})
	return svc, fake
}

func TestRecordRequiresAction(t *testing.T) {
	svc, _ := newService(t)

	err := svc.Record(context.Background(), "  ", "user", "OPEN_LOOP", nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestRecordAndListNewestFirst(t *testing.T) {
	svc, fake := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "mode_change", "user", "OPEN_LOOP", nil))
	fake.Advance(time.Minute)
	require.NoError(t, svc.Record(ctx, "mode_auto_corrected", "engine", "SUSPENDED_BY_PUMP",
		map[string]any{"reasons": "pump reported suspended"}))
	fake.Advance(time.Minute)
	require.NoError(t, svc.Record(ctx, "mode_change", "user", "CLOSED_LOOP", nil))

	resp, err := svc.List(ctx, auditdomain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 3)
	assert.Equal(t, "CLOSED_LOOP", resp.Entries[0].Mode)
	assert.Equal(t, "OPEN_LOOP", resp.Entries[2].Mode)
	assert.False(t, resp.HasMore)
}

func TestListFiltersByAction(t *testing.T) {
	svc, fake := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, "mode_change", "user", "OPEN_LOOP", nil))
	fake.Advance(time.Minute)
	require.NoError(t, svc.Record(ctx, "mode_auto_corrected", "engine", "DISABLED_LOOP", nil))

	resp, err := svc.List(ctx, auditdomain.ListRequest{Action: "mode_change"})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "OPEN_LOOP", resp.Entries[0].Mode)
}

func TestListPaginates(t *testing.T) {
	svc, fake := newService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, "mode_change", "user", "OPEN_LOOP", nil))
		fake.Advance(time.Minute)
	}

	first, err := svc.List(ctx, auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := svc.List(ctx, auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.True(t, second.HasMore)

	third, err := svc.List(ctx, auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: second.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, third.Entries, 1)
	assert.False(t, third.HasMore)
}

func TestListRejectsInvertedTimeRange(t *testing.T) {
	svc, fake := newService(t)

	start := fake.Now()
	end := start.Add(-time.Hour)
	_, err := svc.List(context.Background(), auditdomain.ListRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
