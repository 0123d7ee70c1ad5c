// Package reconciliation computes the expected-versus-received settlement of a
// shift and persists one reconciliation record per shift.
package reconciliation

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
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/variance"
)

// Scope selects which transactions count as received money for a shift.
type Scope string

const (
	// ScopeDailyRecord sums every transaction of the shift's daily record,
	// even when a day has several shifts.
	ScopeDailyRecord Scope = "daily_record"
	// ScopeShift sums only transactions linked to the shift itself.
	ScopeShift Scope = "shift"
)

func ParseScope(raw string) Scope {
	if Scope(raw) == ScopeShift {
		return ScopeShift
	}
	return ScopeDailyRecord
}

type Engine struct {
	repo   store.Repository
	prices PriceResolver
	other  OtherSalesSource
	policy variance.Policy
	scope  Scope
	logger *logrus.Entry
	tracer trace.Tracer
	now    func() time.Time
}

type Option func(*Engine)

func WithOtherSales(src OtherSalesSource) Option {
	return func(e *Engine) { e.other = src }
}

func WithPolicy(p variance.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithScope(s Scope) Option {
	return func(e *Engine) { e.scope = s }
}

func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.logger = l.WithField("component", "reconciliation") }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(repo store.Repository, prices PriceResolver, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		prices: prices,
		other:  NoOtherSales{},
		policy: variance.ReconciliationPolicy(variance.DefaultGreenMax, variance.DefaultYellowMax),
		scope:  ScopeDailyRecord,
		logger: logrus.StandardLogger().WithField("component", "reconciliation"),
		tracer: otel.Tracer("fuelpos/reconciliation"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// In returns a copy of the engine that reads and writes through repo, usually
// a repository bound to an open transaction.
func (e *Engine) In(repo store.Repository) *Engine {
	c := *e
	c.repo = repo
	return &c
}

// CalculateForShift computes the settlement of shiftID without writing
// anything. It fails with store.ErrNotFound when the shift or its daily record
// does not exist.
func (e *Engine) CalculateForShift(ctx context.Context, shiftID string) (domain.ReconciliationResult, error) {
	ctx, span := e.tracer.Start(ctx, "reconciliation.CalculateForShift", trace.WithAttributes(attribute.String("shift.id", shiftID)))
	defer span.End()

	result, err := e.calculate(ctx, shiftID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ReconciliationResult{}, err
	}
	span.SetAttributes(
		attribute.String("variance.status", result.VarianceStatus),
		attribute.String("variance.amount", result.Variance.String()),
	)
	return result, nil
}

// SaveShiftReconciliation recalculates shiftID and upserts its single
// reconciliation row. When nothing changed since the last save the stored row
// is returned untouched.
func (e *Engine) SaveShiftReconciliation(ctx context.Context, shiftID string) (domain.ShiftReconciliation, error) {
	ctx, span := e.tracer.Start(ctx, "reconciliation.SaveShiftReconciliation", trace.WithAttributes(attribute.String("shift.id", shiftID)))
	defer span.End()

	var saved domain.ShiftReconciliation
	err := e.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		result, err := e.In(repo).calculate(ctx, shiftID)
		if err != nil {
			return err
		}

		existing, err := repo.GetShiftReconciliation(ctx, shiftID)
		switch {
		case err == nil && sameResult(existing.ReconciliationResult, result):
			saved = *existing
			return nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("load reconciliation for shift %s: %w", shiftID, err)
		}

		rec, err := repo.UpsertShiftReconciliation(ctx, domain.ShiftReconciliation{
			ReconciliationResult: result,
			CalculatedAt:         e.now(),
		})
		if err != nil {
			return fmt.Errorf("upsert reconciliation for shift %s: %w", shiftID, err)
		}
		saved = *rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ShiftReconciliation{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"shift_id":        shiftID,
		"variance":        saved.Variance.String(),
		"variance_status": saved.VarianceStatus,
	}).Info("shift reconciliation saved")
	return saved, nil
}

func (e *Engine) calculate(ctx context.Context, shiftID string) (domain.ReconciliationResult, error) {
	shift, err := e.repo.GetShift(ctx, shiftID)
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("load shift %s: %w", shiftID, err)
	}
	record, err := e.repo.GetDailyRecord(ctx, shift.DailyRecordID)
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("load daily record %s: %w", shift.DailyRecordID, err)
	}

	readings, err := e.repo.ListMeterReadings(ctx, shift.ID)
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("list meter readings: %w", err)
	}
	fuel := decimal.Zero
	for _, reading := range readings {
		sold := reading.Sold()
		if !sold.IsPositive() {
			continue
		}
		price := e.unitPrice(ctx, reading, shift.StationID, record)
		fuel = fuel.Add(sold.Mul(price))
	}

	other, err := e.other.ExpectedOtherAmount(ctx, *shift)
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("expected other amount: %w", err)
	}

	transactions, err := e.transactions(ctx, *shift)
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("list transactions: %w", err)
	}
	cash, credit, transfer := decimal.Zero, decimal.Zero, decimal.Zero
	for _, tx := range transactions {
		if !tx.Active() {
			continue
		}
		switch domain.PaymentFamily(tx.PaymentType) {
		case domain.PaymentFamilyCash:
			cash = cash.Add(tx.Amount)
		case domain.PaymentFamilyCredit:
			credit = credit.Add(tx.Amount)
		case domain.PaymentFamilyTransfer:
			transfer = transfer.Add(tx.Amount)
		default:
			e.logger.WithFields(logrus.Fields{
				"transaction_id": tx.ID,
				"payment_type":   tx.PaymentType,
			}).Warn("transaction payment type has no settlement bucket")
		}
	}

	result := domain.ReconciliationResult{
		ShiftID:             shift.ID,
		ExpectedFuelAmount:  variance.RoundMoney(fuel),
		ExpectedOtherAmount: variance.RoundMoney(other),
		CashReceived:        variance.RoundMoney(cash),
		CreditReceived:      variance.RoundMoney(credit),
		TransferReceived:    variance.RoundMoney(transfer),
	}
	result.TotalExpected = result.ExpectedFuelAmount.Add(result.ExpectedOtherAmount)
	result.TotalReceived = result.CashReceived.Add(result.CreditReceived).Add(result.TransferReceived)
	result.Variance = result.TotalReceived.Sub(result.TotalExpected)
	result.VarianceStatus = e.policy.Classify(result.Variance)
	return result, nil
}

// unitPrice never fails: a price-book miss or lookup error falls back to the
// daily record's retail price.
func (e *Engine) unitPrice(ctx context.Context, reading domain.MeterReading, stationID string, record *domain.DailyRecord) decimal.Decimal {
	if reading.ProductID == "" || e.prices == nil {
		return record.RetailPrice
	}
	price, found, err := e.prices.ResolvePrice(ctx, reading.ProductID, stationID, record.Date)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"product_id": reading.ProductID,
			"station_id": stationID,
		}).Warn("price lookup failed, using retail price")
		return record.RetailPrice
	}
	if !found {
		return record.RetailPrice
	}
	return price
}

func (e *Engine) transactions(ctx context.Context, shift domain.Shift) ([]domain.Transaction, error) {
	if e.scope == ScopeShift {
		return e.repo.ListActiveTransactionsByShift(ctx, shift.ID)
	}
	return e.repo.ListActiveTransactionsByDailyRecord(ctx, shift.DailyRecordID)
}

func sameResult(a domain.ReconciliationResult, b domain.ReconciliationResult) bool {
	return a.ShiftID == b.ShiftID &&
		a.VarianceStatus == b.VarianceStatus &&
		a.ExpectedFuelAmount.Equal(b.ExpectedFuelAmount) &&
		a.ExpectedOtherAmount.Equal(b.ExpectedOtherAmount) &&
		a.TotalExpected.Equal(b.TotalExpected) &&
		a.TotalReceived.Equal(b.TotalReceived) &&
		a.CashReceived.Equal(b.CashReceived) &&
		a.CreditReceived.Equal(b.CreditReceived) &&
		a.TransferReceived.Equal(b.TransferReceived) &&
		a.Variance.Equal(b.Variance)
}
