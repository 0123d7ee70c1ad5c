package anomaly_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuelpos/backend/internal/anomaly"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/store/memory"
	"fuelpos/backend/internal/variance"
)

var (
	bangkok = time.FixedZone("ICT", 7*3600)
	day     = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	t      *testing.T
	repo   *memory.Store
	record domain.DailyRecord
	shift  domain.Shift
	next   int
}

// newFixture builds a daily-reporting station whose meters are captured on a
// single closed book for the day.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	repo.AddStation(domain.Station{ID: "st-simple", Name: "Roadside", Type: domain.StationTypeSimple})
	repo.AddStation(domain.Station{ID: "st-full", Name: "Main", Type: domain.StationTypeFull, UsesShifts: true})
	ctx := context.Background()

	record, err := repo.CreateDailyRecord(ctx, domain.DailyRecord{StationID: "st-simple", Date: day, RetailPrice: decimal.NewFromInt(30)})
	require.NoError(t, err)
	shift, err := repo.CreateShift(ctx, domain.Shift{StationID: "st-simple", DailyRecordID: record.ID, ShiftNumber: 1})
	require.NoError(t, err)
	return &fixture{t: t, repo: repo, record: *record, shift: *shift}
}

func (f *fixture) meter(start string, end *string) domain.MeterReading {
	f.t.Helper()
	f.next++
	reading := domain.MeterReading{
		ShiftID:       f.shift.ID,
		DailyRecordID: f.record.ID,
		NozzleNumber:  f.next,
		StartReading:  decimal.RequireFromString(start),
	}
	if end != nil {
		e := decimal.RequireFromString(*end)
		reading.EndReading = &e
	}
	saved, err := f.repo.UpsertMeterReading(context.Background(), reading)
	require.NoError(f.t, err)
	return *saved
}

func (f *fixture) sale(liters string, at time.Time) domain.Transaction {
	f.t.Helper()
	tx, err := f.repo.CreateTransaction(context.Background(), domain.Transaction{
		StationID:     "st-simple",
		DailyRecordID: f.record.ID,
		Date:          at,
		Liters:        decimal.RequireFromString(liters),
		Amount:        decimal.RequireFromString(liters).Mul(decimal.NewFromInt(30)),
		PaymentType:   domain.PaymentCash,
	})
	require.NoError(f.t, err)
	return *tx
}

func ptr(s string) *string { return &s }

func newDetector(repo store.Repository, now time.Time) *anomaly.Detector {
	logger, _ := test.NewNullLogger()
	return anomaly.NewDetector(repo,
		anomaly.WithLogger(logger),
		anomaly.WithLocation(bangkok),
		anomaly.WithClock(func() time.Time { return now }),
	)
}

// noon is 12:00 business time on day.
var noon = time.Date(2024, 6, 3, 12, 0, 0, 0, bangkok)

func TestCheck_SeverityScenarios(t *testing.T) {
	tests := []struct {
		name     string
		sold     string
		wantDiff string
		wantSev  string
		wantFlag bool
	}{
		{name: "matching day", sold: "500", wantDiff: "0", wantSev: variance.LevelNone},
		{name: "just under warning", sold: "509.99", wantDiff: "9.99", wantSev: variance.LevelNone},
		{name: "twelve liters over is warning", sold: "512", wantDiff: "12", wantSev: variance.LevelWarning, wantFlag: true},
		{name: "exactly fifty is critical", sold: "550", wantDiff: "50", wantSev: variance.LevelCritical, wantFlag: true},
		{name: "sixty liters over is critical", sold: "560", wantDiff: "60", wantSev: variance.LevelCritical, wantFlag: true},
		{name: "shortfall is symmetric", sold: "480", wantDiff: "-20", wantSev: variance.LevelWarning, wantFlag: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.meter("1000", ptr("1300"))
			f.meter("0", ptr("200"))
			f.sale(tt.sold, noon)

			got, err := newDetector(f.repo, noon).Check(context.Background(), "st-simple", day)
			require.NoError(t, err)

			assert.True(t, got.MeterTotal.Equal(decimal.NewFromInt(500)), "meter total %s", got.MeterTotal)
			assert.True(t, got.Difference.Equal(decimal.RequireFromString(tt.wantDiff)), "difference %s", got.Difference)
			assert.Equal(t, tt.wantSev, got.Severity)
			assert.Equal(t, tt.wantFlag, got.HasAnomaly)
			assert.Equal(t, "2024-06-03", got.Date)
		})
	}
}

func TestCheck_MeterEdgeCases(t *testing.T) {
	f := newFixture(t)
	f.meter("1000", ptr("1100"))
	f.meter("500", nil)          // end not captured yet
	f.meter("2000", ptr("1990")) // rollover
	sold := decimal.NewFromInt(40)
	_, err := f.repo.UpsertMeterReading(context.Background(), domain.MeterReading{
		ShiftID:       f.shift.ID,
		DailyRecordID: f.record.ID,
		NozzleNumber:  9,
		StartReading:  decimal.Zero,
		SoldQty:       &sold,
	})
	require.NoError(t, err)
	f.sale("140", noon)

	got, err := newDetector(f.repo, noon).Check(context.Background(), "st-simple", day)
	require.NoError(t, err)
	assert.True(t, got.MeterTotal.Equal(decimal.NewFromInt(140)), "meter total %s", got.MeterTotal)
	assert.False(t, got.HasAnomaly)
}

func TestCheck_UsesBusinessDateInLocation(t *testing.T) {
	f := newFixture(t)
	f.meter("0", ptr("100"))
	f.sale("100", time.Date(2024, 6, 3, 0, 30, 0, 0, bangkok))
	f.sale("70", time.Date(2024, 6, 2, 23, 59, 0, 0, bangkok)) // previous business day
	f.sale("70", time.Date(2024, 6, 4, 0, 0, 0, 0, bangkok))   // next business day

	got, err := newDetector(f.repo, noon).Check(context.Background(), "st-simple", day)
	require.NoError(t, err)
	assert.True(t, got.TransTotal.Equal(decimal.NewFromInt(100)), "trans total %s", got.TransTotal)
	assert.False(t, got.HasAnomaly)
}

func TestCheck_IgnoresVoidedAndDeletedSales(t *testing.T) {
	f := newFixture(t)
	f.meter("0", ptr("100"))
	f.sale("100", noon)
	voided := f.sale("80", noon)
	deleted := f.sale("90", noon)
	ctx := context.Background()
	_, err := f.repo.VoidTransaction(ctx, voided.ID, "duplicate", noon)
	require.NoError(t, err)
	_, err = f.repo.SoftDeleteTransaction(ctx, deleted.ID, noon)
	require.NoError(t, err)

	got, err := newDetector(f.repo, noon).Check(ctx, "st-simple", day)
	require.NoError(t, err)
	assert.True(t, got.TransTotal.Equal(decimal.NewFromInt(100)))
	assert.False(t, got.HasAnomaly)
}

func TestCheck_DayWithoutMetersCountsZero(t *testing.T) {
	f := newFixture(t)
	other := day.AddDate(0, 0, 1)
	f.sale("15", time.Date(2024, 6, 4, 9, 0, 0, 0, bangkok))

	got, err := newDetector(f.repo, noon).Check(context.Background(), "st-simple", other)
	require.NoError(t, err)
	assert.True(t, got.MeterTotal.IsZero())
	assert.Equal(t, variance.LevelWarning, got.Severity)
}

func TestCheck_UnknownStation(t *testing.T) {
	_, err := newDetector(memory.New(), noon).Check(context.Background(), "st-missing", day)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCheckAndSave_Lifecycle(t *testing.T) {
	f := newFixture(t)
	f.meter("0", ptr("500"))
	sale := f.sale("512", noon)
	d := newDetector(f.repo, noon)
	ctx := context.Background()

	created, err := d.CheckAndSave(ctx, "st-simple", day)
	require.NoError(t, err)
	assert.Equal(t, domain.AnomalyCreated, created.Outcome)
	assert.True(t, created.Saved)
	require.NotNil(t, created.Anomaly)
	assert.Equal(t, variance.LevelWarning, created.Anomaly.Severity)

	// More unmatched sales push it to critical; same row is updated.
	f.sale("48", noon)
	updated, err := d.CheckAndSave(ctx, "st-simple", day)
	require.NoError(t, err)
	assert.Equal(t, domain.AnomalyUpdated, updated.Outcome)
	assert.Equal(t, created.Anomaly.ID, updated.Anomaly.ID)
	assert.Equal(t, variance.LevelCritical, updated.Anomaly.Severity)

	list, err := d.List(ctx, store.AnomalyFilter{StationID: "st-simple"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Correcting the data removes the record entirely.
	_, err = f.repo.VoidTransaction(ctx, sale.ID, "keyed twice", noon)
	require.NoError(t, err)
	_, err = f.repo.CreateTransaction(ctx, domain.Transaction{
		StationID: "st-simple", DailyRecordID: f.record.ID, Date: noon,
		Liters: decimal.RequireFromString("455"), Amount: decimal.NewFromInt(1), PaymentType: domain.PaymentCash,
	})
	require.NoError(t, err)

	healed, err := d.CheckAndSave(ctx, "st-simple", day)
	require.NoError(t, err)
	assert.Equal(t, domain.AnomalyDeleted, healed.Outcome)
	assert.True(t, healed.Deleted)
	assert.False(t, healed.Saved)

	_, err = f.repo.GetDailyAnomaly(ctx, "st-simple", day)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	again, err := d.CheckAndSave(ctx, "st-simple", day)
	require.NoError(t, err)
	assert.Equal(t, domain.AnomalyUnchanged, again.Outcome)
	assert.False(t, again.Deleted)
}

// conflictOnCreate simulates a concurrent writer that inserts the same
// (station, date) row between our read and our insert.
type conflictOnCreate struct {
	store.Repository
	mem *memory.Store
}

func (c conflictOnCreate) RunInTx(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	return fn(ctx, c)
}

func (c conflictOnCreate) CreateDailyAnomaly(ctx context.Context, a domain.DailyAnomaly) (*domain.DailyAnomaly, error) {
	if _, err := c.mem.CreateDailyAnomaly(ctx, domain.DailyAnomaly{StationID: a.StationID, Date: a.Date, Severity: variance.LevelWarning}); err != nil {
		return nil, err
	}
	return c.mem.CreateDailyAnomaly(ctx, a)
}

func TestCheckAndSave_DuplicateCreateFallsBackToUpdate(t *testing.T) {
	f := newFixture(t)
	f.meter("0", ptr("500"))
	f.sale("560", noon)

	repo := conflictOnCreate{Repository: f.repo, mem: f.repo}
	got, err := newDetector(repo, noon).CheckAndSave(context.Background(), "st-simple", day)
	require.NoError(t, err)
	assert.Equal(t, domain.AnomalyUpdated, got.Outcome)
	assert.Equal(t, variance.LevelCritical, got.Anomaly.Severity)

	list, err := f.repo.ListDailyAnomalies(context.Background(), store.AnomalyFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReviewKeepsRecordAndIsDistinctFromSelfHealing(t *testing.T) {
	f := newFixture(t)
	f.meter("0", ptr("500"))
	f.sale("530", noon)
	d := newDetector(f.repo, noon)
	ctx := context.Background()

	saved, err := d.CheckAndSave(ctx, "st-simple", day)
	require.NoError(t, err)

	reviewed, err := d.Review(ctx, saved.Anomaly.ID, "admin", "calibration drift on nozzle 1")
	require.NoError(t, err)
	require.NotNil(t, reviewed.ReviewedAt)
	assert.Equal(t, "admin", reviewed.ReviewedBy)

	unreviewed, err := d.List(ctx, store.AnomalyFilter{UnreviewedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unreviewed)

	// Recomputing a still-anomalous reviewed day keeps the review.
	again, err := d.CheckAndSave(ctx, "st-simple", day)
	require.NoError(t, err)
	assert.Equal(t, domain.AnomalyUpdated, again.Outcome)
	assert.Equal(t, "admin", again.Anomaly.ReviewedBy)

	_, err = d.Review(ctx, "anomaly-missing", "admin", "")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestScan_WalksBackFromToday(t *testing.T) {
	f := newFixture(t)
	f.meter("0", ptr("500"))
	f.sale("560", noon)
	f.sale("25", time.Date(2024, 6, 1, 10, 0, 0, 0, bangkok))

	// Late evening on the 4th in business time.
	now := time.Date(2024, 6, 4, 22, 0, 0, 0, bangkok)
	got, err := newDetector(f.repo, now).Scan(context.Background(), "st-simple", 5)
	require.NoError(t, err)

	assert.Equal(t, 5, got.Scanned)
	assert.Equal(t, 2, got.Found)
	require.Len(t, got.Days, 5)
	assert.Equal(t, "2024-06-04", got.Days[0].Result.Date)
	assert.Equal(t, "2024-05-31", got.Days[4].Result.Date)
	assert.Equal(t, domain.AnomalyCreated, got.Days[1].Outcome)
	assert.Equal(t, domain.AnomalyCreated, got.Days[3].Outcome)

	_, err = newDetector(f.repo, now).Scan(context.Background(), "st-simple", 0)
	assert.True(t, errors.Is(err, store.ErrValidation))
}

func TestScanAllStations_SkipsShiftStations(t *testing.T) {
	f := newFixture(t)
	results, err := newDetector(f.repo, noon).ScanAllStations(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "st-simple", results[0].StationID)
	assert.Equal(t, 2, results[0].Scanned)
}
