package storage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

func sampleRecord(trialID string) *types.TrialRecord {
	return &types.TrialRecord{
		StudyID:  "study-1",
		WindowID: 2,
		TrialID:  trialID,
		Source:   types.SourceDSR,
		Params:   types.ParameterSet{"fast_period": 5},
		OOS: &types.Trial{
			ID:         trialID,
			Status:     types.TrialOK,
			Rank:       1,
			Objectives: []float64{1.5},
			Metrics:    &types.TrialMetrics{Sharpe: 1.5},
		},
		OOSRank: 1,
	}
}

func sampleWindow() *types.WindowResult {
	return &types.WindowResult{
		StudyID:     "study-1",
		Window:      types.Window{ID: 2, ISStart: 0, ISEnd: 9, GapStart: 10, OOSStart: 10, OOSEnd: 14},
		BestTrialID: "t0001",
		Efficiency:  0.7,
	}
}

func TestMemoryStoreUpsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveTrialMetrics(ctx, sampleRecord("b")))
	require.NoError(t, s.SaveTrialMetrics(ctx, sampleRecord("a")))
	rec := sampleRecord("a")
	rec.OOSRank = 2
	require.NoError(t, s.SaveTrialMetrics(ctx, rec))
	require.NoError(t, s.SaveWindowResult(ctx, sampleWindow()))
	require.NoError(t, s.SaveWindowResult(ctx, sampleWindow()))

	windows, trials := s.Counts()
	assert.Equal(t, 1, windows)
	assert.Equal(t, 2, trials)

	got := s.TrialRecords("study-1", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TrialID)
	assert.Equal(t, 2, got[0].OOSRank)

	_, err := s.LoadReport(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresStoreUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStore(mock)
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS wf_windows").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(ctx))

	mock.ExpectExec("INSERT INTO wf_windows").
		WithArgs("study-1", 2, pgxmock.AnyArg(), "t0001", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveWindowResult(ctx, sampleWindow()))

	mock.ExpectExec("INSERT INTO wf_trials").
		WithArgs("study-1", 2, "a", "dsr", 1, false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveTrialMetrics(ctx, sampleRecord("a")))

	mock.ExpectExec("INSERT INTO wf_trials").
		WithArgs("study-1", 2, "b", "dsr", 1, false, pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	err = s.SaveTrialMetrics(ctx, sampleRecord("b"))
	assert.ErrorContains(t, err, "connection reset")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadReport(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresStore(mock)
	ctx := context.Background()

	payload := []byte(`{"studyId":"study-1","mode":"optimize","strategy":"ma_cross","efficiency":0.5}`)
	mock.ExpectQuery("SELECT payload FROM wf_reports").
		WithArgs("study-1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

	report, err := s.LoadReport(ctx, "study-1")
	require.NoError(t, err)
	assert.Equal(t, types.ModeOptimize, report.Mode)
	assert.Equal(t, 0.5, report.Efficiency)

	mock.ExpectQuery("SELECT payload FROM wf_reports").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	_, err = s.LoadReport(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Health(ctx))
	require.NoError(t, s.SaveWindowResult(ctx, sampleWindow()))
	require.NoError(t, s.SaveTrialMetrics(ctx, sampleRecord("a")))

	got, err := s.LoadWindowResult(ctx, "study-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "t0001", got.BestTrialID)
	assert.Equal(t, 14, got.Window.OOSEnd)
	assert.True(t, mr.Exists("wfv:study-1:trial:2:a"))
	assert.Equal(t, time.Hour, mr.TTL("wfv:study-1:window:2"))

	report := &types.RunReport{StudyID: "study-1", Mode: types.ModeFixed, Windows: []*types.WindowResult{sampleWindow()}}
	require.NoError(t, s.SaveReport(ctx, report))
	loaded, err := s.LoadReport(ctx, "study-1")
	require.NoError(t, err)
	require.Len(t, loaded.Windows, 1)
	assert.Equal(t, 0.7, loaded.Windows[0].Efficiency)

	_, err = s.LoadReport(ctx, "other")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNonFiniteValuesEncodeAsNull(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	rec := sampleRecord("nan")
	rec.OOS.Objectives = []float64{math.NaN(), 1.2}
	rec.OOS.Metrics.Sharpe = math.Inf(1)

	require.NoError(t, s.SaveTrialMetrics(context.Background(), rec))
	raw, err := mr.Get("wfv:study-1:trial:2:nan")
	require.NoError(t, err)
	assert.Contains(t, raw, `"objectives":[null,1.2]`)
	assert.Contains(t, raw, `"sharpe":null`)
}

type failingStore struct{ calls int }

func (f *failingStore) SaveWindowResult(ctx context.Context, r *types.WindowResult) error {
	f.calls++
	return errors.New("backend down")
}

func (f *failingStore) SaveTrialMetrics(ctx context.Context, r *types.TrialRecord) error {
	f.calls++
	return errors.New("backend down")
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &failingStore{}
	s := NewBreakerStore(zap.NewNop(), inner, BreakerSettings{
		MinRequests:     3,
		FailureRatio:    0.5,
		OpenTimeout:     time.Minute,
		HalfOpenMaxReqs: 1,
		CountInterval:   time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, s.SaveTrialMetrics(ctx, sampleRecord("a")))
	}
	assert.Equal(t, gobreaker.StateOpen, s.State())

	err := s.SaveWindowResult(ctx, sampleWindow())
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 3, inner.calls)

	_, err = s.LoadReport(ctx, "study-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}
