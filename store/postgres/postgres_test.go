package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payout-engine/payout"
	"github.com/warp/payout-engine/store/postgres"
)

// These tests need a disposable database:
//
//	PAYOUT_TEST_DATABASE_URL=postgres://localhost/payouts_test go test ./store/postgres/...
//
// Every test truncates the payout tables.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	_ = godotenv.Load("../../.env")

	url := os.Getenv("PAYOUT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping integration test: PAYOUT_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := postgres.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	store := postgres.New(pool)
	require.NoError(t, store.Reset(ctx))
	return store
}

func TestPostgres_MigrationVersion(t *testing.T) {
	newTestStore(t)

	url := os.Getenv("PAYOUT_TEST_DATABASE_URL")
	pool, err := postgres.Connect(context.Background(), url)
	require.NoError(t, err)
	defer pool.Close()

	version, err := postgres.Version(context.Background(), pool)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, int64(1))
}

func TestPostgres_EngineScenario(t *testing.T) {
	// GIVEN: A 5000 January rate and one matching session
	store := newTestStore(t)
	ctx := context.Background()
	engine := payout.NewEngine(store, nil)
	jan := payout.MonthPeriod(2025, time.January)

	from := payout.NewDate(2025, time.January, 1)
	_, err := engine.CreateRate(ctx, payout.NewRate{DurationMinutes: 30, IsMember: true, RateCents: 5000, EffectiveFrom: &from})
	require.NoError(t, err)
	row, err := engine.RecordSession(ctx, payout.SessionInput{
		BookingID: 1, AthleteID: 1, DurationMinutes: 30, IsMemberAtBooking: true,
		SessionDate: payout.NewDate(2025, time.January, 10),
	})
	require.NoError(t, err)

	// WHEN: Generating and locking January
	gen, err := engine.Generate(ctx, jan)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), gen.Run.TotalOwedCents)
	_, err = engine.Lock(ctx, gen.Run.ID)
	require.NoError(t, err)

	// THEN: The period is frozen
	_, err = engine.ClearPayouts(ctx, jan)
	assert.ErrorIs(t, err, payout.ErrRunLocked)
	got, err := store.GetLedgerRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), *got.OwedCents)
	assert.True(t, got.SessionDate.Equal(payout.NewDate(2025, time.January, 10)))
}

func TestPostgres_UniqueConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	from := payout.NewDate(2025, time.January, 1)

	require.NoError(t, store.InsertRate(ctx, &payout.PayRate{DurationMinutes: 30, RateCents: 100, EffectiveFrom: from}))
	err := store.InsertRate(ctx, &payout.PayRate{DurationMinutes: 30, RateCents: 200, EffectiveFrom: from})
	assert.ErrorIs(t, err, payout.ErrActiveRateExists)

	row := payout.LedgerRow{BookingID: 9, AthleteID: 9, DurationMinutes: 30, AttendanceState: payout.AttendanceCompleted, SessionDate: from}
	require.NoError(t, store.InsertLedgerRow(ctx, &row))
	dup := row
	assert.ErrorIs(t, store.InsertLedgerRow(ctx, &dup), payout.ErrDuplicateSession)
}

func TestPostgres_ConcurrentGenerateSerializes(t *testing.T) {
	// GIVEN: Ten unpriced January sessions
	store := newTestStore(t)
	ctx := context.Background()
	engine := payout.NewEngine(store, nil)
	jan := payout.MonthPeriod(2025, time.January)
	from := payout.NewDate(2025, time.January, 1)
	_, err := engine.CreateRate(ctx, payout.NewRate{DurationMinutes: 60, RateCents: 8000, EffectiveFrom: &from})
	require.NoError(t, err)
	for i := int64(1); i <= 10; i++ {
		_, err := engine.RecordSession(ctx, payout.SessionInput{
			BookingID: i, AthleteID: i, DurationMinutes: 60, SessionDate: payout.NewDate(2025, time.January, int(i)),
		})
		require.NoError(t, err)
	}

	// WHEN: Generate runs concurrently
	var wg sync.WaitGroup
	priced := make([]int, 4)
	errs := make([]error, 4)
	for i := range priced {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Generate(ctx, jan)
			errs[i] = err
			if err == nil {
				priced[i] = res.Priced
			}
		}(i)
	}
	wg.Wait()

	// THEN: Each row was priced exactly once and one run exists
	total := 0
	for i := range priced {
		require.NoError(t, errs[i])
		total += priced[i]
	}
	assert.Equal(t, 10, total)

	runs, err := engine.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(80000), runs[0].TotalOwedCents)
}
