package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fuelpos/backend/internal/anomaly"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/lock"
	"fuelpos/backend/internal/reconciliation"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/variance"
	"fuelpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var (
	ErrVarianceNoteRequired = errors.New("variance note required")
	ErrShiftLocked          = errors.New("shift is locked")
	ErrForbidden            = errors.New("admin role required")
	ErrLockNotObtained      = errors.New("resource is busy, retry later")
)

// CloseRefusedError is returned when a shift cannot close without a variance
// note. Result is the reconciliation that was computed for the attempt.
type CloseRefusedError struct {
	Result domain.ReconciliationResult
}

func (e *CloseRefusedError) Error() string {
	return fmt.Sprintf("variance %s is %s: %s", e.Result.Variance.StringFixed(2), e.Result.VarianceStatus, ErrVarianceNoteRequired)
}

func (e *CloseRefusedError) Unwrap() error {
	return ErrVarianceNoteRequired
}

// ValidationError maps request fields to the rule they failed.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, field+":"+e.Fields[field])
	}
	return fmt.Sprintf("%s: %s", store.ErrValidation, strings.Join(parts, ","))
}

func (e *ValidationError) Unwrap() error {
	return store.ErrValidation
}

const (
	defaultAutoLockAfter = 24 * time.Hour
	closeLockTTL         = 30 * time.Second
)

type Service struct {
	repo          store.Repository
	engine        *reconciliation.Engine
	detector      *anomaly.Detector
	locker        lock.Locker
	validate      *validator.Validate
	logger        *logrus.Entry
	autoLockAfter time.Duration
	now           func() time.Time
}

type Option func(*Service)

func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) { s.logger = l.WithField("component", "service") }
}

// WithAutoLockAfter sets how long a closed shift stays editable by staff.
func WithAutoLockAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.autoLockAfter = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(repo store.Repository, engine *reconciliation.Engine, detector *anomaly.Detector, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		engine:        engine,
		detector:      detector,
		locker:        lock.Noop{},
		validate:      newValidator(),
		logger:        logrus.StandardLogger().WithField("component", "service"),
		autoLockAfter: defaultAutoLockAfter,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("payment_type", func(fl validator.FieldLevel) bool {
		return domain.PaymentFamily(fl.Field().String()) != ""
	})
	return v
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		fields[ve.Field()] = ve.Tag()
	}
	return &ValidationError{Fields: fields}
}

func (s *Service) ListStations(ctx context.Context) ([]domain.Station, error) {
	return s.repo.ListStations(ctx)
}

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.ShiftResponse, error) {
	if err := s.check(req); err != nil {
		return domain.ShiftResponse{}, err
	}
	day, err := s.parseDay(req.Date)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	if req.RetailPrice != nil && req.RetailPrice.IsNegative() {
		return domain.ShiftResponse{}, fmt.Errorf("retail price must not be negative: %w", store.ErrValidation)
	}
	actor := s.actor(ctx)

	var resp domain.ShiftResponse
	err = s.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		station, err := repo.GetStation(ctx, req.StationID)
		if err != nil {
			return fmt.Errorf("load station %s: %w", req.StationID, err)
		}
		if !station.UsesShifts {
			return fmt.Errorf("station %s reports daily without shifts: %w", station.ID, store.ErrInvalidState)
		}
		open, err := repo.GetOpenShift(ctx, station.ID)
		switch {
		case err == nil:
			return fmt.Errorf("shift %s is still open: %w", open.ID, store.ErrConflict)
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("load open shift: %w", err)
		}

		record, err := s.findOrCreateDailyRecord(ctx, repo, station.ID, day, req.RetailPrice)
		if err != nil {
			return err
		}
		count, err := repo.CountShifts(ctx, record.ID)
		if err != nil {
			return fmt.Errorf("count shifts: %w", err)
		}
		shift, err := repo.CreateShift(ctx, domain.Shift{
			ID:            xid.New("shift"),
			StationID:     station.ID,
			DailyRecordID: record.ID,
			ShiftNumber:   count + 1,
			Status:        domain.ShiftStatusOpen,
			OpenedAt:      s.now(),
			OpenedBy:      actor.Username,
		})
		if err != nil {
			return fmt.Errorf("create shift: %w", err)
		}
		readings, err := applyReadings(ctx, repo, *shift, req.StartReadings)
		if err != nil {
			return err
		}
		resp = domain.ShiftResponse{Shift: *shift, MeterReadings: readings}
		return nil
	})
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	s.logAudit(ctx, resp.Shift.StationID, "shift_open", "shift", resp.Shift.ID,
		fmt.Sprintf("date=%s,number=%d,meters=%d", day.Format(domain.DateLayout), resp.Shift.ShiftNumber, len(resp.MeterReadings)))
	return resp, nil
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (domain.ShiftResponse, error) {
	shift, err := s.repo.GetShift(ctx, shiftID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	readings, err := s.repo.ListMeterReadings(ctx, shiftID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	resp := domain.ShiftResponse{Shift: *shift, MeterReadings: readings}
	rec, err := s.repo.GetShiftReconciliation(ctx, shiftID)
	switch {
	case err == nil:
		resp.Reconciliation = rec
	case !errors.Is(err, store.ErrNotFound):
		return domain.ShiftResponse{}, err
	}
	return resp, nil
}

// RecordMeterReadings upserts readings of a shift by nozzle number. Changing
// the meters of a shift that is no longer open reconciles it again.
func (s *Service) RecordMeterReadings(ctx context.Context, shiftID string, req domain.MeterReadingsRequest) (domain.ShiftResponse, error) {
	if err := s.check(req); err != nil {
		return domain.ShiftResponse{}, err
	}

	var resp domain.ShiftResponse
	err := s.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		shift, err := repo.GetShift(ctx, shiftID)
		if err != nil {
			return fmt.Errorf("load shift %s: %w", shiftID, err)
		}
		if err := s.guardEdit(ctx, *shift); err != nil {
			return err
		}
		readings, err := applyReadings(ctx, repo, *shift, req.Readings)
		if err != nil {
			return err
		}
		resp = domain.ShiftResponse{Shift: *shift, MeterReadings: readings}
		return nil
	})
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	if resp.Shift.Status != domain.ShiftStatusOpen {
		if rec, err := s.engine.SaveShiftReconciliation(ctx, shiftID); err != nil {
			s.logger.WithError(err).WithField("shift_id", shiftID).Warn("failed to reconcile shift after meter change")
		} else {
			resp.Reconciliation = &rec
		}
	}
	s.logAudit(ctx, resp.Shift.StationID, "meter_update", "shift", shiftID, fmt.Sprintf("readings=%d", len(req.Readings)))
	return resp, nil
}

// CloseShift settles an open shift. When the variance is not GREEN and no
// note is given nothing is written and a *CloseRefusedError carries the
// computed result.
func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (domain.ShiftResponse, error) {
	if err := s.check(req); err != nil {
		return domain.ShiftResponse{}, err
	}
	actor := s.actor(ctx)
	note := strings.TrimSpace(req.VarianceNote)

	release, err := s.obtain(ctx, lock.ShiftKey(req.ShiftID))
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	defer release()

	var resp domain.ShiftResponse
	err = s.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		shift, err := repo.GetShift(ctx, req.ShiftID)
		if err != nil {
			return fmt.Errorf("load shift %s: %w", req.ShiftID, err)
		}
		if shift.Status != domain.ShiftStatusOpen {
			return fmt.Errorf("shift %s is %s: %w", shift.ID, shift.Status, store.ErrInvalidState)
		}

		readings, err := applyReadings(ctx, repo, *shift, req.EndReadings)
		if err != nil {
			return err
		}
		if len(readings) == 0 {
			return fmt.Errorf("shift %s has no meter readings: %w", shift.ID, store.ErrValidation)
		}
		for _, reading := range readings {
			if reading.EndReading == nil {
				return fmt.Errorf("nozzle %d has no end reading: %w", reading.NozzleNumber, store.ErrValidation)
			}
		}

		engine := s.engine.In(repo)
		result, err := engine.CalculateForShift(ctx, shift.ID)
		if err != nil {
			return err
		}
		if result.VarianceStatus != variance.LevelGreen && note == "" {
			return &CloseRefusedError{Result: result}
		}

		rec, err := engine.SaveShiftReconciliation(ctx, shift.ID)
		if err != nil {
			return err
		}
		closedAt := s.now()
		shift.Status = domain.ShiftStatusClosed
		shift.ClosedAt = &closedAt
		shift.ClosedBy = actor.Username
		shift.VarianceNote = note
		updated, err := repo.UpdateShift(ctx, *shift)
		if err != nil {
			return fmt.Errorf("close shift %s: %w", shift.ID, err)
		}
		resp = domain.ShiftResponse{Shift: *updated, MeterReadings: readings, Reconciliation: &rec}
		return nil
	})

	var refused *CloseRefusedError
	if errors.As(err, &refused) {
		s.logger.WithFields(logrus.Fields{
			"shift_id":        req.ShiftID,
			"variance":        refused.Result.Variance.String(),
			"variance_status": refused.Result.VarianceStatus,
		}).Info("shift close refused without variance note")
		return domain.ShiftResponse{}, err
	}
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	s.logAudit(ctx, resp.Shift.StationID, "shift_close", "shift", resp.Shift.ID,
		fmt.Sprintf("variance=%s,status=%s", resp.Reconciliation.Variance.StringFixed(2), resp.Reconciliation.VarianceStatus))
	return resp, nil
}

// LockShift freezes a closed shift against staff edits.
func (s *Service) LockShift(ctx context.Context, shiftID string) (domain.ShiftResponse, error) {
	release, err := s.obtain(ctx, lock.ShiftKey(shiftID))
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	defer release()

	var locked *domain.Shift
	err = s.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		shift, err := repo.GetShift(ctx, shiftID)
		if err != nil {
			return fmt.Errorf("load shift %s: %w", shiftID, err)
		}
		if shift.Status != domain.ShiftStatusClosed {
			return fmt.Errorf("shift %s is %s: %w", shift.ID, shift.Status, store.ErrInvalidState)
		}
		lockedAt := s.now()
		shift.Status = domain.ShiftStatusLocked
		shift.LockedAt = &lockedAt
		locked, err = repo.UpdateShift(ctx, *shift)
		return err
	})
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	s.logAudit(ctx, locked.StationID, "shift_lock", "shift", locked.ID, "")
	return s.GetShift(ctx, shiftID)
}

func (s *Service) PreviewReconciliation(ctx context.Context, shiftID string) (domain.ReconciliationResult, error) {
	return s.engine.CalculateForShift(ctx, shiftID)
}

func (s *Service) GetReconciliation(ctx context.Context, shiftID string) (domain.ShiftReconciliation, error) {
	if _, err := s.repo.GetShift(ctx, shiftID); err != nil {
		return domain.ShiftReconciliation{}, err
	}
	rec, err := s.repo.GetShiftReconciliation(ctx, shiftID)
	if err != nil {
		return domain.ShiftReconciliation{}, err
	}
	return *rec, nil
}

// RecordDailyMeters captures the meters of a station that reports without
// shifts. Readings live on a single closed day book per daily record, and the
// day's anomaly is re-evaluated afterwards.
func (s *Service) RecordDailyMeters(ctx context.Context, req domain.DailyMetersRequest) (domain.DailyMetersResponse, error) {
	if err := s.check(req); err != nil {
		return domain.DailyMetersResponse{}, err
	}
	day, err := s.parseDay(req.Date)
	if err != nil {
		return domain.DailyMetersResponse{}, err
	}
	price := req.RetailPrice
	if price == nil {
		price = &decimal.Zero
	}
	actor := s.actor(ctx)

	var resp domain.DailyMetersResponse
	err = s.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		station, err := repo.GetStation(ctx, req.StationID)
		if err != nil {
			return fmt.Errorf("load station %s: %w", req.StationID, err)
		}
		if station.UsesShifts {
			return fmt.Errorf("station %s records meters per shift: %w", station.ID, store.ErrInvalidState)
		}
		record, err := s.findOrCreateDailyRecord(ctx, repo, station.ID, day, price)
		if err != nil {
			return err
		}
		book, err := s.dayBook(ctx, repo, *record, actor)
		if err != nil {
			return err
		}
		readings, err := applyReadings(ctx, repo, book, req.Readings)
		if err != nil {
			return err
		}
		resp = domain.DailyMetersResponse{DailyRecord: *record, MeterReadings: readings}
		return nil
	})
	if err != nil {
		return domain.DailyMetersResponse{}, err
	}

	resp.Anomaly = s.refreshAnomaly(ctx, req.StationID, day)
	s.logAudit(ctx, req.StationID, "daily_meters", "daily_record", resp.DailyRecord.ID, fmt.Sprintf("date=%s,readings=%d", req.Date, len(req.Readings)))
	return resp, nil
}

func (s *Service) dayBook(ctx context.Context, repo store.Repository, record domain.DailyRecord, actor domain.Actor) (domain.Shift, error) {
	shifts, err := repo.ListShifts(ctx, record.ID)
	if err != nil {
		return domain.Shift{}, fmt.Errorf("list shifts: %w", err)
	}
	if len(shifts) > 0 {
		return shifts[0], nil
	}

	now := s.now()
	book, err := repo.CreateShift(ctx, domain.Shift{
		ID:            xid.New("shift"),
		StationID:     record.StationID,
		DailyRecordID: record.ID,
		ShiftNumber:   1,
		Status:        domain.ShiftStatusOpen,
		OpenedAt:      now,
		OpenedBy:      actor.Username,
	})
	if err != nil {
		return domain.Shift{}, fmt.Errorf("create day book: %w", err)
	}
	book.Status = domain.ShiftStatusClosed
	book.ClosedAt = &now
	book.ClosedBy = actor.Username
	closed, err := repo.UpdateShift(ctx, *book)
	if err != nil {
		return domain.Shift{}, fmt.Errorf("close day book: %w", err)
	}
	return *closed, nil
}

// RecordTransaction stores a sale against the daily record of its business
// date. Derived reconciliations and anomalies are refreshed afterwards.
func (s *Service) RecordTransaction(ctx context.Context, req domain.TransactionCreateRequest) (domain.TransactionResponse, error) {
	if err := s.check(req); err != nil {
		return domain.TransactionResponse{}, err
	}
	if req.Amount.IsNegative() || req.Liters.IsNegative() {
		return domain.TransactionResponse{}, fmt.Errorf("amount and liters must not be negative: %w", store.ErrValidation)
	}
	day, err := s.parseDay(req.Date)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	actor := s.actor(ctx)

	var (
		created *domain.Transaction
		station *domain.Station
	)
	err = s.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		var err error
		station, err = repo.GetStation(ctx, req.StationID)
		if err != nil {
			return fmt.Errorf("load station %s: %w", req.StationID, err)
		}

		var (
			record *domain.DailyRecord
			shift  *domain.Shift
		)
		if req.ShiftID != "" {
			shift, err = repo.GetShift(ctx, req.ShiftID)
			if err != nil {
				return fmt.Errorf("load shift %s: %w", req.ShiftID, err)
			}
			if shift.StationID != station.ID {
				return fmt.Errorf("shift %s belongs to another station: %w", shift.ID, store.ErrValidation)
			}
			record, err = repo.GetDailyRecord(ctx, shift.DailyRecordID)
			if err != nil {
				return fmt.Errorf("load daily record %s: %w", shift.DailyRecordID, err)
			}
			if req.Date == "" {
				day = record.Date
			} else if !day.Equal(record.Date) {
				return fmt.Errorf("date %s is not the day of shift %s: %w", req.Date, shift.ID, store.ErrValidation)
			}
		} else {
			var price *decimal.Decimal
			if !station.UsesShifts {
				price = &decimal.Zero
			}
			record, err = s.findOrCreateDailyRecord(ctx, repo, station.ID, day, price)
			if err != nil {
				return err
			}
			if station.UsesShifts {
				open, err := repo.GetOpenShift(ctx, station.ID)
				switch {
				case err == nil && open.DailyRecordID == record.ID:
					shift = open
				case err != nil && !errors.Is(err, store.ErrNotFound):
					return fmt.Errorf("load open shift: %w", err)
				}
			}
		}
		if shift != nil {
			if err := s.guardEdit(ctx, *shift); err != nil {
				return err
			}
		} else if station.UsesShifts {
			if err := s.guardSettledShifts(ctx, repo, record.ID); err != nil {
				return err
			}
		}

		tx := domain.Transaction{
			ID:            xid.New("tx"),
			StationID:     station.ID,
			DailyRecordID: record.ID,
			Date:          s.businessTime(day),
			Amount:        variance.RoundMoney(req.Amount),
			Liters:        variance.RoundQty(req.Liters),
			PaymentType:   strings.ToUpper(strings.TrimSpace(req.PaymentType)),
			CreatedBy:     actor.Username,
			CreatedAt:     s.now(),
		}
		if shift != nil {
			tx.ShiftID = shift.ID
		}
		created, err = repo.CreateTransaction(ctx, tx)
		if err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.logAudit(ctx, created.StationID, "transaction_create", "transaction", created.ID,
		fmt.Sprintf("amount=%s,liters=%s,payment=%s", created.Amount.StringFixed(2), created.Liters.StringFixed(2), created.PaymentType))
	return domain.TransactionResponse{
		Transaction: *created,
		Anomaly:     s.afterTransactionChange(ctx, *station, *created),
	}, nil
}

func (s *Service) VoidTransaction(ctx context.Context, req domain.TransactionVoidRequest) (domain.TransactionResponse, error) {
	if err := s.check(req); err != nil {
		return domain.TransactionResponse{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "unspecified"
	}

	var (
		voided  *domain.Transaction
		station *domain.Station
	)
	err := s.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		tx, err := repo.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return fmt.Errorf("load transaction %s: %w", req.TransactionID, err)
		}
		if station, err = repo.GetStation(ctx, tx.StationID); err != nil {
			return fmt.Errorf("load station %s: %w", tx.StationID, err)
		}
		if err := s.guardTransaction(ctx, repo, *station, *tx); err != nil {
			return err
		}
		voided, err = repo.VoidTransaction(ctx, tx.ID, reason, s.now())
		return err
	})
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.logAudit(ctx, voided.StationID, "transaction_void", "transaction", voided.ID, reason)
	return domain.TransactionResponse{
		Transaction: *voided,
		Anomaly:     s.afterTransactionChange(ctx, *station, *voided),
	}, nil
}

// DeleteTransaction soft-deletes a transaction. Admin only.
func (s *Service) DeleteTransaction(ctx context.Context, transactionID string) (domain.TransactionResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.TransactionResponse{}, err
	}

	var (
		deleted *domain.Transaction
		station *domain.Station
	)
	err := s.repo.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		tx, err := repo.GetTransaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("load transaction %s: %w", transactionID, err)
		}
		if station, err = repo.GetStation(ctx, tx.StationID); err != nil {
			return fmt.Errorf("load station %s: %w", tx.StationID, err)
		}
		deleted, err = repo.SoftDeleteTransaction(ctx, tx.ID, s.now())
		return err
	})
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.logAudit(ctx, deleted.StationID, "transaction_delete", "transaction", deleted.ID, "")
	return domain.TransactionResponse{
		Transaction: *deleted,
		Anomaly:     s.afterTransactionChange(ctx, *station, *deleted),
	}, nil
}

// afterTransactionChange reconciles the settled shifts of the transaction's
// daily record again, or re-evaluates the day's anomaly for a station without
// shifts. Shifts the actor may not edit keep their stored reconciliation.
// Failures are logged; the transaction itself is already committed.
func (s *Service) afterTransactionChange(ctx context.Context, station domain.Station, tx domain.Transaction) *domain.AnomalySaveResult {
	if !station.UsesShifts {
		return s.refreshAnomaly(ctx, station.ID, domain.CivilDate(tx.Date, s.loc()))
	}

	shifts, err := s.repo.ListShifts(ctx, tx.DailyRecordID)
	if err != nil {
		s.logger.WithError(err).WithField("daily_record_id", tx.DailyRecordID).Warn("failed to list shifts for reconciliation refresh")
		return nil
	}
	for _, shift := range shifts {
		if shift.Status == domain.ShiftStatusOpen || s.guardEdit(ctx, shift) != nil {
			continue
		}
		if _, err := s.engine.SaveShiftReconciliation(ctx, shift.ID); err != nil {
			s.logger.WithError(err).WithField("shift_id", shift.ID).Warn("failed to refresh shift reconciliation")
		}
	}
	return nil
}

func (s *Service) refreshAnomaly(ctx context.Context, stationID string, day time.Time) *domain.AnomalySaveResult {
	saved, err := s.detector.CheckAndSave(ctx, stationID, day)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"station_id": stationID,
			"date":       day.Format(domain.DateLayout),
		}).Warn("failed to refresh daily anomaly")
		return nil
	}
	return &saved
}

func (s *Service) CheckAnomaly(ctx context.Context, req domain.AnomalyCheckRequest) (domain.AnomalyCheck, error) {
	if err := s.check(req); err != nil {
		return domain.AnomalyCheck{}, err
	}
	day, err := s.parseDay(req.Date)
	if err != nil {
		return domain.AnomalyCheck{}, err
	}
	return s.detector.Check(ctx, req.StationID, day)
}

func (s *Service) CheckAndSaveAnomaly(ctx context.Context, req domain.AnomalyCheckRequest) (domain.AnomalySaveResult, error) {
	if err := s.check(req); err != nil {
		return domain.AnomalySaveResult{}, err
	}
	day, err := s.parseDay(req.Date)
	if err != nil {
		return domain.AnomalySaveResult{}, err
	}
	saved, err := s.detector.CheckAndSave(ctx, req.StationID, day)
	if err != nil {
		return domain.AnomalySaveResult{}, err
	}
	if saved.Outcome != domain.AnomalyUnchanged {
		s.logAudit(ctx, req.StationID, "anomaly_"+string(saved.Outcome), "daily_anomaly", req.StationID+"/"+saved.Result.Date,
			fmt.Sprintf("difference=%s,severity=%s", saved.Result.Difference.StringFixed(2), saved.Result.Severity))
	}
	return saved, nil
}

// ScanAnomalies walks back req.Days days for one station, or for every
// station without shifts when no station is given. Admin only.
func (s *Service) ScanAnomalies(ctx context.Context, req domain.AnomalyScanRequest) ([]domain.AnomalyScanResult, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := s.check(req); err != nil {
		return nil, err
	}

	var (
		results []domain.AnomalyScanResult
		err     error
	)
	if req.StationID == "" {
		results, err = s.detector.ScanAllStations(ctx, req.Days)
	} else {
		var res domain.AnomalyScanResult
		res, err = s.detector.Scan(ctx, req.StationID, req.Days)
		results = []domain.AnomalyScanResult{res}
	}
	if err != nil {
		return nil, err
	}

	found := 0
	for _, res := range results {
		found += res.Found
	}
	s.logAudit(ctx, req.StationID, "anomaly_scan", "station", req.StationID, fmt.Sprintf("days=%d,stations=%d,found=%d", req.Days, len(results), found))
	return results, nil
}

func (s *Service) ListAnomalies(ctx context.Context, stationID string, unreviewedOnly bool, limit int) ([]domain.DailyAnomaly, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.detector.List(ctx, store.AnomalyFilter{
		StationID:      stationID,
		UnreviewedOnly: unreviewedOnly,
		Limit:          limit,
	})
}

// ReviewAnomaly records that an admin looked at the anomaly. The record stays.
func (s *Service) ReviewAnomaly(ctx context.Context, anomalyID string, req domain.AnomalyReviewRequest) (domain.DailyAnomaly, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.DailyAnomaly{}, err
	}
	actor := s.actor(ctx)
	reviewed, err := s.detector.Review(ctx, anomalyID, actor.Username, strings.TrimSpace(req.Note))
	if err != nil {
		return domain.DailyAnomaly{}, err
	}
	s.logAudit(ctx, reviewed.StationID, "anomaly_review", "daily_anomaly", reviewed.ID, reviewed.Note)
	return reviewed, nil
}

// ListAuditLogs returns entries written on one business day, today when date
// is empty.
func (s *Service) ListAuditLogs(ctx context.Context, stationID string, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	day, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}
	from, to := domain.DayBounds(day, s.loc())
	return s.repo.ListAuditLogs(ctx, stationID, from, to, limit)
}

// guardEdit refuses staff changes to a locked shift, or to a closed shift
// once the auto-lock window has passed. Admins are never refused.
func (s *Service) guardEdit(ctx context.Context, shift domain.Shift) error {
	if actor, ok := ActorFromContext(ctx); ok && actor.IsAdmin() {
		return nil
	}
	switch shift.Status {
	case domain.ShiftStatusLocked:
		return fmt.Errorf("shift %s: %w", shift.ID, ErrShiftLocked)
	case domain.ShiftStatusClosed:
		if shift.ClosedAt != nil && s.now().Sub(*shift.ClosedAt) > s.autoLockAfter {
			return fmt.Errorf("shift %s closed at %s: %w", shift.ID, shift.ClosedAt.Format(time.RFC3339), ErrShiftLocked)
		}
	}
	return nil
}

// guardSettledShifts applies guardEdit to every settled shift of a daily
// record. A sale without a shift counts toward all of them.
func (s *Service) guardSettledShifts(ctx context.Context, repo store.Repository, dailyRecordID string) error {
	shifts, err := repo.ListShifts(ctx, dailyRecordID)
	if err != nil {
		return fmt.Errorf("list shifts of daily record %s: %w", dailyRecordID, err)
	}
	for _, shift := range shifts {
		if shift.Status == domain.ShiftStatusOpen {
			continue
		}
		if err := s.guardEdit(ctx, shift); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) guardTransaction(ctx context.Context, repo store.Repository, station domain.Station, tx domain.Transaction) error {
	if tx.ShiftID == "" {
		if !station.UsesShifts {
			return nil
		}
		return s.guardSettledShifts(ctx, repo, tx.DailyRecordID)
	}
	shift, err := repo.GetShift(ctx, tx.ShiftID)
	if err != nil {
		return fmt.Errorf("load shift %s: %w", tx.ShiftID, err)
	}
	return s.guardEdit(ctx, *shift)
}

func (s *Service) findOrCreateDailyRecord(ctx context.Context, repo store.Repository, stationID string, day time.Time, price *decimal.Decimal) (*domain.DailyRecord, error) {
	record, err := repo.FindDailyRecord(ctx, stationID, day)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load daily record: %w", err)
	}
	if price == nil {
		return nil, fmt.Errorf("no daily record for %s on %s, retail price required: %w", stationID, day.Format(domain.DateLayout), store.ErrValidation)
	}

	record, err = repo.CreateDailyRecord(ctx, domain.DailyRecord{
		ID:          xid.New("dr"),
		StationID:   stationID,
		Date:        day,
		RetailPrice: variance.RoundMoney(*price),
		CreatedAt:   s.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		return repo.FindDailyRecord(ctx, stationID, day)
	}
	if err != nil {
		return nil, fmt.Errorf("create daily record: %w", err)
	}
	return record, nil
}

// applyReadings upserts inputs by nozzle number and returns every reading of
// the shift. A nozzle seen for the first time needs a start reading; SoldQty
// follows the end reading.
func applyReadings(ctx context.Context, repo store.Repository, shift domain.Shift, inputs []domain.MeterReadingInput) ([]domain.MeterReading, error) {
	if len(inputs) == 0 {
		return repo.ListMeterReadings(ctx, shift.ID)
	}

	existing, err := repo.ListMeterReadings(ctx, shift.ID)
	if err != nil {
		return nil, fmt.Errorf("list meter readings: %w", err)
	}
	byNumber := make(map[int]domain.MeterReading, len(existing))
	for _, reading := range existing {
		byNumber[reading.NozzleNumber] = reading
	}
	nozzles, err := repo.ListNozzles(ctx, shift.StationID)
	if err != nil {
		return nil, fmt.Errorf("list nozzles: %w", err)
	}
	nozzleByNumber := make(map[int]domain.Nozzle, len(nozzles))
	for _, nozzle := range nozzles {
		nozzleByNumber[nozzle.Number] = nozzle
	}

	for _, in := range inputs {
		reading, ok := byNumber[in.NozzleNumber]
		if !ok {
			if in.StartReading == nil {
				return nil, fmt.Errorf("nozzle %d has no start reading: %w", in.NozzleNumber, store.ErrValidation)
			}
			reading = domain.MeterReading{
				ID:            xid.New("meter"),
				ShiftID:       shift.ID,
				DailyRecordID: shift.DailyRecordID,
				NozzleNumber:  in.NozzleNumber,
			}
			if nozzle, ok := nozzleByNumber[in.NozzleNumber]; ok {
				reading.NozzleID = nozzle.ID
				reading.ProductID = nozzle.ProductID
			}
		}
		if in.StartReading != nil {
			if in.StartReading.IsNegative() {
				return nil, fmt.Errorf("nozzle %d start reading is negative: %w", in.NozzleNumber, store.ErrValidation)
			}
			reading.StartReading = *in.StartReading
		}
		if in.EndReading != nil {
			if in.EndReading.IsNegative() {
				return nil, fmt.Errorf("nozzle %d end reading is negative: %w", in.NozzleNumber, store.ErrValidation)
			}
			end := *in.EndReading
			reading.EndReading = &end
		}
		reading.SoldQty = nil
		if reading.EndReading != nil {
			sold := variance.SoldQty(reading.StartReading, *reading.EndReading)
			reading.SoldQty = &sold
		}

		saved, err := repo.UpsertMeterReading(ctx, reading)
		if err != nil {
			return nil, fmt.Errorf("save nozzle %d reading: %w", in.NozzleNumber, err)
		}
		byNumber[in.NozzleNumber] = *saved
	}
	return repo.ListMeterReadings(ctx, shift.ID)
}

func (s *Service) obtain(ctx context.Context, key string) (lock.ReleaseFunc, error) {
	release, err := s.locker.Obtain(ctx, key, closeLockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", key, ErrLockNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return release, nil
}

func (s *Service) loc() *time.Location {
	return s.detector.Location()
}

// parseDay turns a YYYY-MM-DD business date into its civil date. Empty means
// today in the business time zone.
func (s *Service) parseDay(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.CivilDate(s.now(), s.loc()), nil
	}
	day, err := time.Parse(domain.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", raw, store.ErrValidation)
	}
	return day, nil
}

// businessTime is the instant stored as a transaction's business date: now
// for today, local midnight for a backdated day.
func (s *Service) businessTime(day time.Time) time.Time {
	now := s.now()
	if domain.CivilDate(now, s.loc()).Equal(day) {
		return now.UTC()
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc()).UTC()
}

func (s *Service) actor(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func (s *Service) requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, stationID string, action string, entityType string, entityID string, detail string) {
	actor := s.actor(ctx)
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StationID:     stationID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}
