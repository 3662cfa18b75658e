package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/glucoloop/loopcore/internal/clock"
	"github.com/glucoloop/loopcore/internal/config"
	"github.com/glucoloop/loopcore/internal/reconcile/domain"
	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
	"github.com/glucoloop/loopcore/internal/treatment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   *Service
}

func newFixture(t *testing.T, clientMode bool) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&treatment.Record{}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	f := &fixture{
		db:    db,
		clock: clock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)),
	}
	f.svc = New(Params{
		Config: config.Config{SyncClientMode: clientMode},
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  f.clock,
		Locks:  treatment.NewKindLocks(),
		Repo:   repository.Provide(),
	})
	return f
}

func (f *fixture) merge(t *testing.T, kind treatment.Kind, batch []treatment.Record) domain.MergeResult {
	t.Helper()
	result, err := f.svc.Merge(context.Background(), kind, batch)
	require.NoError(t, err)
	return result
}

func (f *fixture) all(t *testing.T, kind treatment.Kind) []treatment.Record {
	t.Helper()
	var records []treatment.Record
	require.NoError(t, f.db.
		Where("kind = ?", kind).
		Order("timestamp asc, id asc").
		Find(&records).Error)
	return records
}

func strptr(s string) *string { return &s }

func (f *fixture) nowMs() int64 { return f.clock.Now().UnixMilli() }

func TestMergeEmptyBatchIsNoOp(t *testing.T) {
	f := newFixture(t, false)

	result := f.merge(t, treatment.KindBolus, nil)
	assert.True(t, result.Empty())
	assert.Empty(t, f.all(t, treatment.KindBolus))
}

func TestMergeUnknownKindFails(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.Merge(context.Background(), treatment.Kind("glucose"), []treatment.Record{{}})
	require.ErrorIs(t, err, treatment.ErrInvalidKind)
}

func TestMergeRejectsNegativeValues(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.Merge(context.Background(), treatment.KindBolus, []treatment.Record{
		{Timestamp: f.nowMs(), IsValid: true, Amount: -1},
	})
	require.ErrorIs(t, err, treatment.ErrInvalidRecord)
}

func TestMergeIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	batch := []treatment.Record{
		{Timestamp: f.nowMs(), IsValid: true, Amount: 2.5, RemoteID: strptr("r1")},
	}

	first := f.merge(t, treatment.KindBolus, batch)
	assert.Equal(t, 1, first.Inserted)

	second := f.merge(t, treatment.KindBolus, batch)
	assert.True(t, second.Empty())
	assert.Len(t, f.all(t, treatment.KindBolus), 1)
}

func TestInvalidationIsOneWay(t *testing.T) {
	f := newFixture(t, false)
	ts := f.nowMs()
	f.merge(t, treatment.KindBolus, []treatment.Record{
		{Timestamp: ts, IsValid: true, Amount: 2.5, RemoteID: strptr("r1")},
	})

	result := f.merge(t, treatment.KindBolus, []treatment.Record{
		{Timestamp: ts, IsValid: false, Amount: 2.5, RemoteID: strptr("r1")},
	})
	assert.Equal(t, 1, result.Invalidated)

	// A later remote copy claiming validity does not resurrect it.
	result = f.merge(t, treatment.KindBolus, []treatment.Record{
		{Timestamp: ts, IsValid: true, Amount: 2.5, RemoteID: strptr("r1")},
	})
	assert.True(t, result.Empty())

	records := f.all(t, treatment.KindBolus)
	require.Len(t, records, 1)
	assert.False(t, records[0].IsValid)
}

func TestClientModeShortensNeverLengthens(t *testing.T) {
	f := newFixture(t, true)
	ts := f.nowMs()
	f.merge(t, treatment.KindTemporaryBasal, []treatment.Record{
		{Timestamp: ts, Duration: 3_600_000, IsValid: true, Rate: 1.2, RemoteID: strptr("tb1")},
	})

	shortened := f.merge(t, treatment.KindTemporaryBasal, []treatment.Record{
		{Timestamp: ts, Duration: 1_800_000, IsValid: true, Rate: 0.8, RemoteID: strptr("tb1")},
	})
	assert.Equal(t, 1, shortened.Shortened)

	records := f.all(t, treatment.KindTemporaryBasal)
	require.Len(t, records, 1)
	assert.EqualValues(t, 1_800_000, records[0].Duration)
	assert.Equal(t, 0.8, records[0].Rate)

	longer := f.merge(t, treatment.KindTemporaryBasal, []treatment.Record{
		{Timestamp: ts, Duration: 5_400_000, IsValid: true, Rate: 0.8, RemoteID: strptr("tb1")},
	})
	assert.True(t, longer.Empty())

	records = f.all(t, treatment.KindTemporaryBasal)
	require.Len(t, records, 1)
	assert.EqualValues(t, 1_800_000, records[0].Duration)
}

func TestServerModeIgnoresRemoteShortening(t *testing.T) {
	f := newFixture(t, false)
	ts := f.nowMs()
	f.merge(t, treatment.KindTemporaryBasal, []treatment.Record{
		{Timestamp: ts, Duration: 3_600_000, IsValid: true, Rate: 1.2, RemoteID: strptr("tb1")},
	})

	result := f.merge(t, treatment.KindTemporaryBasal, []treatment.Record{
		{Timestamp: ts, Duration: 1_800_000, IsValid: true, Rate: 1.2, RemoteID: strptr("tb1")},
	})
	assert.True(t, result.Empty())

	records := f.all(t, treatment.KindTemporaryBasal)
	require.Len(t, records, 1)
	assert.EqualValues(t, 3_600_000, records[0].Duration)
}

func TestNativeTupleDedupWithinBatch(t *testing.T) {
	f := newFixture(t, false)
	ts := f.nowMs()

	// The pump event arrives twice in one batch: once as recorded locally by
	// the peer relay without a remote id, once echoed back with one.
	result := f.merge(t, treatment.KindRunningMode, []treatment.Record{
		{Timestamp: ts, IsValid: true, Mode: treatment.ModeSuspendedByPump,
			PumpID: 7, PumpType: "dana", PumpSerial: "DN-001"},
		{Timestamp: ts, IsValid: true, Mode: treatment.ModeSuspendedByPump,
			PumpID: 7, PumpType: "dana", PumpSerial: "DN-001", RemoteID: strptr("n1")},
	})
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Claimed)

	records := f.all(t, treatment.KindRunningMode)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].RemoteID)
	assert.Equal(t, "n1", *records[0].RemoteID)
}

func TestEmptyRemoteIDTreatedAsUnclaimed(t *testing.T) {
	f := newFixture(t, false)
	ts := f.nowMs()

	// Some peers send "" for records they have not assigned an id yet.
	result := f.merge(t, treatment.KindBolus, []treatment.Record{
		{Timestamp: ts, IsValid: true, Amount: 2.0, RemoteID: strptr("")},
	})
	assert.Equal(t, 1, result.Inserted)

	records := f.all(t, treatment.KindBolus)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].RemoteID)

	// The echo carrying the real id claims the record instead of duplicating it.
	result = f.merge(t, treatment.KindBolus, []treatment.Record{
		{Timestamp: ts, IsValid: true, Amount: 2.0, RemoteID: strptr("b1")},
	})
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 0, result.Inserted)

	records = f.all(t, treatment.KindBolus)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].RemoteID)
	assert.Equal(t, "b1", *records[0].RemoteID)
}

func TestClaimCollisionSurfacesAsInvalidRecord(t *testing.T) {
	f := newFixture(t, false)
	ts := f.nowMs()
	f.merge(t, treatment.KindBolus, []treatment.Record{
		{Timestamp: ts, IsValid: true, Amount: 2.0, RemoteID: strptr("b1")},
		{Timestamp: ts + 5_000, IsValid: true, Amount: 1.0},
	})

	// A claim racing another writer of the same (kind, remote id) hits the
	// unique index; the caller gets a rejectable record, not a server fault.
	records := f.all(t, treatment.KindBolus)
	require.Len(t, records, 2)
	loser := records[1]
	loser.RemoteID = strptr("b1")
	err := f.svc.mustUpdate(context.Background(), &loser)
	require.ErrorIs(t, err, treatment.ErrInvalidRecord)
}

func TestTimestampFallbackClaims(t *testing.T) {
	f := newFixture(t, false)
	ts := f.nowMs()
	f.merge(t, treatment.KindBolus, []treatment.Record{
		{Timestamp: ts, IsValid: true, Amount: 2.0},
	})

	// Same event re-announced by the peer 400 ms off, now with an id.
	result := f.merge(t, treatment.KindBolus, []treatment.Record{
		{Timestamp: ts + 400, IsValid: true, Amount: 2.0, RemoteID: strptr("b9")},
	})
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 0, result.Inserted)

	records := f.all(t, treatment.KindBolus)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].RemoteID)
	assert.Equal(t, "b9", *records[0].RemoteID)
}

func TestEndingEventClosesAndScalesAmount(t *testing.T) {
	f := newFixture(t, false)
	ts := f.nowMs()
	f.merge(t, treatment.KindExtendedBolus, []treatment.Record{
		{Timestamp: ts, Duration: 3_600_000, IsValid: true, Amount: 3.0, RemoteID: strptr("eb1")},
	})

	// Cancelled halfway through: only half the programmed amount went in.
	result := f.merge(t, treatment.KindExtendedBolus, []treatment.Record{
		{Timestamp: ts + 1_800_000, Duration: 0, IsValid: true},
	})
	assert.Equal(t, 1, result.Ended)
	assert.Equal(t, 0, result.Inserted)

	records := f.all(t, treatment.KindExtendedBolus)
	require.Len(t, records, 1)
	assert.EqualValues(t, 1_800_000, records[0].Duration)
	assert.InDelta(t, 1.5, records[0].Amount, 1e-9)
}

func TestEndingEventWithoutActiveIntervalIsIgnored(t *testing.T) {
	f := newFixture(t, false)

	result := f.merge(t, treatment.KindTemporaryBasal, []treatment.Record{
		{Timestamp: f.nowMs(), Duration: 0, IsValid: true},
	})
	assert.True(t, result.Empty())
	assert.Empty(t, f.all(t, treatment.KindTemporaryBasal))
}

func TestInsertClosesOverlappingInterval(t *testing.T) {
	f := newFixture(t, false)
	ts := f.nowMs()
	f.merge(t, treatment.KindTemporaryTarget, []treatment.Record{
		{Timestamp: ts, Duration: 0, IsValid: true, TargetLow: 90, TargetHigh: 120, RemoteID: strptr("tt1")},
	})

	result := f.merge(t, treatment.KindTemporaryTarget, []treatment.Record{
		{Timestamp: ts + 600_000, Duration: 1_800_000, IsValid: true, TargetLow: 140, TargetHigh: 160, RemoteID: strptr("tt2")},
	})
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Ended)

	records := f.all(t, treatment.KindTemporaryTarget)
	require.Len(t, records, 2)
	assert.EqualValues(t, 600_000, records[0].Duration)
	assert.EqualValues(t, 1_800_000, records[1].Duration)
}

func TestZeroLengthCloseInvalidates(t *testing.T) {
	f := newFixture(t, false)
	ts := f.nowMs()
	f.merge(t, treatment.KindTemporaryTarget, []treatment.Record{
		{Timestamp: ts, Duration: 0, IsValid: true, TargetLow: 90, TargetHigh: 120, RemoteID: strptr("tt1")},
	})

	// A replacement starting the same millisecond leaves the old interval
	// with no span at all; it is dropped rather than stored as open-ended.
	result := f.merge(t, treatment.KindTemporaryTarget, []treatment.Record{
		{Timestamp: ts, Duration: 1_800_000, IsValid: true, TargetLow: 140, TargetHigh: 160, RemoteID: strptr("tt2")},
	})
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Ended)

	records := f.all(t, treatment.KindTemporaryTarget)
	require.Len(t, records, 2)
	assert.False(t, records[0].IsValid)
}
