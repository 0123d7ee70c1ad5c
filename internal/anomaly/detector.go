// Package anomaly compares daily transaction liters with daily meter liters
// for stations that do not run shifts, and keeps at most one anomaly record
// per station and day in step with the data.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/lock"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/variance"
)

const lockTTL = 30 * time.Second

type Detector struct {
	repo   store.Repository
	policy variance.Policy
	loc    *time.Location
	locker lock.Locker
	logger *logrus.Entry
	tracer trace.Tracer
	now    func() time.Time
}

type Option func(*Detector)

func WithPolicy(p variance.Policy) Option {
	return func(d *Detector) { d.policy = p }
}

// WithLocation sets the business time zone that decides which calendar day
// a transaction's business date falls on.
func WithLocation(loc *time.Location) Option {
	return func(d *Detector) {
		if loc != nil {
			d.loc = loc
		}
	}
}

func WithLocker(l lock.Locker) Option {
	return func(d *Detector) { d.locker = l }
}

func WithLogger(l *logrus.Logger) Option {
	return func(d *Detector) { d.logger = l.WithField("component", "anomaly") }
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func NewDetector(repo store.Repository, opts ...Option) *Detector {
	d := &Detector{
		repo:   repo,
		policy: variance.AnomalyPolicy(variance.DefaultWarningLiters, variance.DefaultCriticalLiters),
		loc:    time.UTC,
		locker: lock.Noop{},
		logger: logrus.StandardLogger().WithField("component", "anomaly"),
		tracer: otel.Tracer("fuelpos/anomaly"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) In(repo store.Repository) *Detector {
	c := *d
	c.repo = repo
	return &c
}

// Location is the business time zone days are evaluated in.
func (d *Detector) Location() *time.Location {
	return d.loc
}

// Today is the current civil date in the business time zone.
func (d *Detector) Today() time.Time {
	return domain.CivilDate(d.now(), d.loc)
}

// Check computes the meter-versus-transaction difference of one station and
// civil date without writing anything.
func (d *Detector) Check(ctx context.Context, stationID string, date time.Time) (domain.AnomalyCheck, error) {
	ctx, span := d.tracer.Start(ctx, "anomaly.Check", trace.WithAttributes(
		attribute.String("station.id", stationID),
		attribute.String("date", date.Format(domain.DateLayout)),
	))
	defer span.End()

	check, err := d.check(ctx, stationID, civil(date))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.AnomalyCheck{}, err
	}
	span.SetAttributes(attribute.String("severity", check.Severity))
	return check, nil
}

// CheckAndSave runs Check and brings the stored anomaly for that day in line
// with it: created, updated in place, deleted when the day is no longer
// anomalous, or left alone.
func (d *Detector) CheckAndSave(ctx context.Context, stationID string, date time.Time) (domain.AnomalySaveResult, error) {
	day := civil(date)
	ctx, span := d.tracer.Start(ctx, "anomaly.CheckAndSave", trace.WithAttributes(
		attribute.String("station.id", stationID),
		attribute.String("date", day.Format(domain.DateLayout)),
	))
	defer span.End()

	release, err := d.locker.Obtain(ctx, lock.AnomalyKey(stationID, day), lockTTL)
	if err != nil {
		span.RecordError(err)
		return domain.AnomalySaveResult{}, fmt.Errorf("lock anomaly %s/%s: %w", stationID, day.Format(domain.DateLayout), err)
	}
	defer release()

	var result domain.AnomalySaveResult
	err = d.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		var err error
		result, err = d.In(repo).reconcile(ctx, stationID, day)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.AnomalySaveResult{}, err
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	if result.Outcome != domain.AnomalyUnchanged {
		d.logger.WithFields(logrus.Fields{
			"station_id": stationID,
			"date":       day.Format(domain.DateLayout),
			"outcome":    result.Outcome,
			"difference": result.Result.Difference.String(),
			"severity":   result.Result.Severity,
		}).Info("daily anomaly reconciled")
	}
	return result, nil
}

func (d *Detector) reconcile(ctx context.Context, stationID string, day time.Time) (domain.AnomalySaveResult, error) {
	check, err := d.check(ctx, stationID, day)
	if err != nil {
		return domain.AnomalySaveResult{}, err
	}

	existing, err := d.repo.GetDailyAnomaly(ctx, stationID, day)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.AnomalySaveResult{}, fmt.Errorf("load anomaly: %w", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		existing = nil
	}

	if !check.HasAnomaly {
		if existing == nil {
			return domain.NewAnomalySaveResult(check, domain.AnomalyUnchanged, nil), nil
		}
		if err := d.repo.DeleteDailyAnomaly(ctx, existing.ID); err != nil {
			return domain.AnomalySaveResult{}, fmt.Errorf("delete resolved anomaly %s: %w", existing.ID, err)
		}
		return domain.NewAnomalySaveResult(check, domain.AnomalyDeleted, nil), nil
	}

	record := domain.DailyAnomaly{
		StationID:  stationID,
		Date:       day,
		MeterTotal: check.MeterTotal,
		TransTotal: check.TransTotal,
		Difference: check.Difference,
		Severity:   check.Severity,
	}
	if existing == nil {
		created, err := d.repo.CreateDailyAnomaly(ctx, record)
		if err == nil {
			return domain.NewAnomalySaveResult(check, domain.AnomalyCreated, created), nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return domain.AnomalySaveResult{}, fmt.Errorf("create anomaly: %w", err)
		}
		// Someone else created the row first; overwrite it instead.
		existing, err = d.repo.GetDailyAnomaly(ctx, stationID, day)
		if err != nil {
			return domain.AnomalySaveResult{}, fmt.Errorf("load anomaly after conflict: %w", err)
		}
	}

	record.ID = existing.ID
	updated, err := d.repo.UpdateDailyAnomaly(ctx, record)
	if err != nil {
		return domain.AnomalySaveResult{}, fmt.Errorf("update anomaly %s: %w", existing.ID, err)
	}
	return domain.NewAnomalySaveResult(check, domain.AnomalyUpdated, updated), nil
}

func (d *Detector) check(ctx context.Context, stationID string, day time.Time) (domain.AnomalyCheck, error) {
	if _, err := d.repo.GetStation(ctx, stationID); err != nil {
		return domain.AnomalyCheck{}, fmt.Errorf("load station %s: %w", stationID, err)
	}

	meterTotal := decimal.Zero
	record, err := d.repo.FindDailyRecord(ctx, stationID, day)
	switch {
	case err == nil:
		readings, err := d.repo.ListMeterReadingsByDailyRecord(ctx, record.ID)
		if err != nil {
			return domain.AnomalyCheck{}, fmt.Errorf("list meter readings: %w", err)
		}
		for _, reading := range readings {
			meterTotal = meterTotal.Add(reading.Sold())
		}
	case !errors.Is(err, store.ErrNotFound):
		return domain.AnomalyCheck{}, fmt.Errorf("load daily record: %w", err)
	}

	from, to := domain.DayBounds(day, d.loc)
	transactions, err := d.repo.ListActiveTransactionsByStationDate(ctx, stationID, from, to)
	if err != nil {
		return domain.AnomalyCheck{}, fmt.Errorf("list transactions: %w", err)
	}
	transTotal := decimal.Zero
	for _, tx := range transactions {
		if tx.Active() {
			transTotal = transTotal.Add(tx.Liters)
		}
	}

	meterTotal = variance.RoundQty(meterTotal)
	transTotal = variance.RoundQty(transTotal)
	difference := transTotal.Sub(meterTotal)
	severity := d.policy.Classify(difference)

	return domain.AnomalyCheck{
		StationID:  stationID,
		Date:       day.Format(domain.DateLayout),
		HasAnomaly: severity != variance.LevelNone,
		MeterTotal: meterTotal,
		TransTotal: transTotal,
		Difference: difference,
		Severity:   severity,
	}, nil
}

// Scan runs CheckAndSave for the last days civil dates, today first, one at a
// time.
func (d *Detector) Scan(ctx context.Context, stationID string, days int) (domain.AnomalyScanResult, error) {
	if days < 1 {
		return domain.AnomalyScanResult{}, fmt.Errorf("days must be positive: %w", store.ErrValidation)
	}

	result := domain.AnomalyScanResult{
		StationID: stationID,
		Days:      make([]domain.AnomalySaveResult, 0, days),
	}
	today := d.Today()
	for i := 0; i < days; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		day := today.AddDate(0, 0, -i)
		saved, err := d.CheckAndSave(ctx, stationID, day)
		if err != nil {
			return result, fmt.Errorf("scan %s on %s: %w", stationID, day.Format(domain.DateLayout), err)
		}
		result.Scanned++
		if saved.Result.HasAnomaly {
			result.Found++
		}
		result.Days = append(result.Days, saved)
	}
	return result, nil
}

// ScanAllStations scans every station that reports without shifts.
func (d *Detector) ScanAllStations(ctx context.Context, days int) ([]domain.AnomalyScanResult, error) {
	stations, err := d.repo.ListStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}

	results := make([]domain.AnomalyScanResult, 0, len(stations))
	for _, station := range stations {
		if station.UsesShifts {
			continue
		}
		res, err := d.Scan(ctx, station.ID, days)
		if err != nil {
			return results, err
		}
		d.logger.WithFields(logrus.Fields{
			"station_id": station.ID,
			"scanned":    res.Scanned,
			"found":      res.Found,
		}).Info("anomaly scan finished")
		results = append(results, res)
	}
	return results, nil
}

// Review marks an anomaly as handled. The record is kept.
func (d *Detector) Review(ctx context.Context, id string, reviewer string, note string) (domain.DailyAnomaly, error) {
	reviewed, err := d.repo.MarkDailyAnomalyReviewed(ctx, id, reviewer, note, d.now().UTC())
	if err != nil {
		return domain.DailyAnomaly{}, fmt.Errorf("review anomaly %s: %w", id, err)
	}
	return *reviewed, nil
}

func (d *Detector) List(ctx context.Context, filter store.AnomalyFilter) ([]domain.DailyAnomaly, error) {
	return d.repo.ListDailyAnomalies(ctx, filter)
}

func civil(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
}
