package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/xid"
)

const maxTxAttempts = 3

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db   *sql.DB
	q    queryer
	inTx bool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, q: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx runs fn in a serializable transaction and retries it when Postgres
// reports a serialization failure. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runOnce(ctx, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &Store{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetStation(ctx context.Context, id string) (*domain.Station, error) {
	var st domain.Station
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, type, uses_shifts, created_at
		FROM stations
		WHERE id = $1
	`, id).Scan(&st.ID, &st.Name, &st.Type, &st.UsesShifts, &st.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	st.CreatedAt = st.CreatedAt.UTC()
	return &st, nil
}

func (s *Store) ListStations(ctx context.Context) ([]domain.Station, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, type, uses_shifts, created_at
		FROM stations
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stations := make([]domain.Station, 0, 16)
	for rows.Next() {
		var st domain.Station
		if err := rows.Scan(&st.ID, &st.Name, &st.Type, &st.UsesShifts, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.CreatedAt = st.CreatedAt.UTC()
		stations = append(stations, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stations, nil
}

func (s *Store) ListNozzles(ctx context.Context, stationID string) ([]domain.Nozzle, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, station_id, number, product_id
		FROM nozzles
		WHERE station_id = $1
		ORDER BY number
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nozzles := make([]domain.Nozzle, 0, 8)
	for rows.Next() {
		var nz domain.Nozzle
		if err := rows.Scan(&nz.ID, &nz.StationID, &nz.Number, &nz.ProductID); err != nil {
			return nil, err
		}
		nozzles = append(nozzles, nz)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nozzles, nil
}

const dailyRecordColumns = `id, station_id, date, retail_price, created_at`

func scanDailyRecord(row interface{ Scan(...any) error }) (*domain.DailyRecord, error) {
	var record domain.DailyRecord
	if err := row.Scan(&record.ID, &record.StationID, &record.Date, &record.RetailPrice, &record.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	record.Date = civil(record.Date)
	record.CreatedAt = record.CreatedAt.UTC()
	return &record, nil
}

func (s *Store) GetDailyRecord(ctx context.Context, id string) (*domain.DailyRecord, error) {
	return scanDailyRecord(s.q.QueryRowContext(ctx, `
		SELECT `+dailyRecordColumns+`
		FROM daily_records
		WHERE id = $1
	`, id))
}

func (s *Store) FindDailyRecord(ctx context.Context, stationID string, date time.Time) (*domain.DailyRecord, error) {
	return scanDailyRecord(s.q.QueryRowContext(ctx, `
		SELECT `+dailyRecordColumns+`
		FROM daily_records
		WHERE station_id = $1 AND date = $2
	`, stationID, civil(date)))
}

func (s *Store) CreateDailyRecord(ctx context.Context, record domain.DailyRecord) (*domain.DailyRecord, error) {
	if strings.TrimSpace(record.StationID) == "" || record.Date.IsZero() {
		return nil, store.ErrValidation
	}
	if record.ID == "" {
		record.ID = xid.New("dr")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.Date = civil(record.Date)

	// DO NOTHING keeps the surrounding transaction usable after a duplicate.
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO daily_records (id, station_id, date, retail_price, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (station_id, date) DO NOTHING
	`, record.ID, record.StationID, record.Date, record.RetailPrice, record.CreatedAt)
	if err != nil {
		return nil, conflict(err)
	}
	if err := requireInserted(res, "daily_records_station_id_date_key"); err != nil {
		return nil, err
	}
	return &record, nil
}

const shiftColumns = `id, station_id, daily_record_id, shift_number, status, opened_at,
	closed_at, locked_at, variance_note, opened_by, closed_by`

func scanShift(row interface{ Scan(...any) error }) (*domain.Shift, error) {
	var (
		shift              domain.Shift
		closedAt, lockedAt sql.NullTime
	)
	err := row.Scan(&shift.ID, &shift.StationID, &shift.DailyRecordID, &shift.ShiftNumber, &shift.Status, &shift.OpenedAt,
		&closedAt, &lockedAt, &shift.VarianceNote, &shift.OpenedBy, &shift.ClosedBy)
	if err != nil {
		return nil, notFound(err)
	}
	shift.OpenedAt = shift.OpenedAt.UTC()
	shift.ClosedAt = timePtr(closedAt)
	shift.LockedAt = timePtr(lockedAt)
	return &shift, nil
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	return scanShift(s.q.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE id = $1
	`, id))
}

func (s *Store) GetOpenShift(ctx context.Context, stationID string) (*domain.Shift, error) {
	return scanShift(s.q.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE station_id = $1 AND status = $2
	`, stationID, domain.ShiftStatusOpen))
}

func (s *Store) CountShifts(ctx context.Context, dailyRecordID string) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT count(*)
		FROM shifts
		WHERE daily_record_id = $1
	`, dailyRecordID).Scan(&count)
	return count, err
}

func (s *Store) ListShifts(ctx context.Context, dailyRecordID string) ([]domain.Shift, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE daily_record_id = $1
		ORDER BY shift_number
	`, dailyRecordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]domain.Shift, 0, 4)
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, *shift)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shifts, nil
}

// CreateShift always inserts an OPEN shift. The partial unique index on open
// shifts turns a second one for the station into ErrConflict.
func (s *Store) CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.StationID) == "" || strings.TrimSpace(shift.DailyRecordID) == "" {
		return nil, store.ErrValidation
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ClosedAt = nil
	shift.LockedAt = nil

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO shifts (
			id, station_id, daily_record_id, shift_number, status, opened_at,
			closed_at, locked_at, variance_note, opened_by, closed_by
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, shift.ID, shift.StationID, shift.DailyRecordID, shift.ShiftNumber, shift.Status, shift.OpenedAt,
		nullTime(shift.ClosedAt), nullTime(shift.LockedAt), shift.VarianceNote, shift.OpenedBy, shift.ClosedBy)
	if err != nil {
		return nil, conflict(err)
	}
	saved := shift
	return &saved, nil
}

func (s *Store) UpdateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE shifts
		SET status = $2, closed_at = $3, locked_at = $4, variance_note = $5, closed_by = $6
		WHERE id = $1
	`, shift.ID, shift.Status, nullTime(shift.ClosedAt), nullTime(shift.LockedAt), shift.VarianceNote, shift.ClosedBy)
	if err != nil {
		return nil, conflict(err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	saved := shift
	return &saved, nil
}

// Meter readings fall back to the nozzle's product when none was recorded.
const meterSelect = `
	SELECT m.id, m.shift_id, m.daily_record_id, m.nozzle_number, COALESCE(m.nozzle_id, ''),
		COALESCE(NULLIF(m.product_id, ''), n.product_id, ''), m.start_reading, m.end_reading, m.sold_qty, m.updated_at
	FROM meter_readings m
	LEFT JOIN nozzles n ON n.id = m.nozzle_id
`

func (s *Store) ListMeterReadings(ctx context.Context, shiftID string) ([]domain.MeterReading, error) {
	return s.queryMeterReadings(ctx, meterSelect+`
		WHERE m.shift_id = $1
		ORDER BY m.nozzle_number
	`, shiftID)
}

func (s *Store) ListMeterReadingsByDailyRecord(ctx context.Context, dailyRecordID string) ([]domain.MeterReading, error) {
	return s.queryMeterReadings(ctx, meterSelect+`
		WHERE m.daily_record_id = $1
		ORDER BY m.shift_id, m.nozzle_number
	`, dailyRecordID)
}

func (s *Store) queryMeterReadings(ctx context.Context, query string, args ...any) ([]domain.MeterReading, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := make([]domain.MeterReading, 0, 8)
	for rows.Next() {
		var (
			m         domain.MeterReading
			end, sold decimal.NullDecimal
		)
		if err := rows.Scan(&m.ID, &m.ShiftID, &m.DailyRecordID, &m.NozzleNumber, &m.NozzleID,
			&m.ProductID, &m.StartReading, &end, &sold, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.EndReading = decimalPtr(end)
		m.SoldQty = decimalPtr(sold)
		m.UpdatedAt = m.UpdatedAt.UTC()
		readings = append(readings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return readings, nil
}

func (s *Store) UpsertMeterReading(ctx context.Context, reading domain.MeterReading) (*domain.MeterReading, error) {
	if strings.TrimSpace(reading.ShiftID) == "" || reading.NozzleNumber < 1 {
		return nil, store.ErrValidation
	}
	if reading.ID == "" {
		reading.ID = xid.New("meter")
	}
	reading.UpdatedAt = time.Now().UTC()

	err := s.q.QueryRowContext(ctx, `
		INSERT INTO meter_readings (
			id, shift_id, daily_record_id, nozzle_number, nozzle_id, product_id,
			start_reading, end_reading, sold_qty, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (shift_id, nozzle_number)
		DO UPDATE SET
			nozzle_id = EXCLUDED.nozzle_id,
			product_id = EXCLUDED.product_id,
			start_reading = EXCLUDED.start_reading,
			end_reading = EXCLUDED.end_reading,
			sold_qty = EXCLUDED.sold_qty,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, reading.ID, reading.ShiftID, reading.DailyRecordID, reading.NozzleNumber, nullIfEmpty(reading.NozzleID),
		reading.ProductID, reading.StartReading, nullDecimal(reading.EndReading), nullDecimal(reading.SoldQty),
		reading.UpdatedAt).Scan(&reading.ID)
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

const transactionColumns = `id, station_id, daily_record_id, COALESCE(shift_id, ''), occurred_at, amount, liters,
	payment_type, voided, void_reason, voided_at, deleted_at, created_by, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*domain.Transaction, error) {
	var (
		tx                  domain.Transaction
		voidedAt, deletedAt sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.StationID, &tx.DailyRecordID, &tx.ShiftID, &tx.Date, &tx.Amount, &tx.Liters,
		&tx.PaymentType, &tx.Voided, &tx.VoidReason, &voidedAt, &deletedAt, &tx.CreatedBy, &tx.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	tx.Date = tx.Date.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.VoidedAt = timePtr(voidedAt)
	tx.DeletedAt = timePtr(deletedAt)
	return &tx, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if strings.TrimSpace(tx.StationID) == "" || strings.TrimSpace(tx.DailyRecordID) == "" {
		return nil, store.ErrValidation
	}
	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (
			id, station_id, daily_record_id, shift_id, occurred_at, amount, liters,
			payment_type, voided, void_reason, voided_at, deleted_at, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, tx.ID, tx.StationID, tx.DailyRecordID, nullIfEmpty(tx.ShiftID), tx.Date, tx.Amount, tx.Liters,
		tx.PaymentType, tx.Voided, tx.VoidReason, nullTime(tx.VoidedAt), nullTime(tx.DeletedAt), tx.CreatedBy, tx.CreatedAt)
	if err != nil {
		return nil, conflict(err)
	}
	created := tx
	return &created, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(s.q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1
	`, id))
}

func (s *Store) VoidTransaction(ctx context.Context, id string, reason string, at time.Time) (*domain.Transaction, error) {
	var voided bool
	err := s.q.QueryRowContext(ctx, `
		SELECT voided
		FROM transactions
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, id).Scan(&voided)
	if err != nil {
		return nil, notFound(err)
	}
	if voided {
		return nil, store.ErrInvalidState
	}

	if _, err := s.q.ExecContext(ctx, `
		UPDATE transactions
		SET voided = true, void_reason = $2, voided_at = $3
		WHERE id = $1
	`, id, reason, at); err != nil {
		return nil, err
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) SoftDeleteTransaction(ctx context.Context, id string, at time.Time) (*domain.Transaction, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE transactions
		SET deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) ListActiveTransactionsByDailyRecord(ctx context.Context, dailyRecordID string) ([]domain.Transaction, error) {
	return s.queryActiveTransactions(ctx, `daily_record_id = $1`, dailyRecordID)
}

func (s *Store) ListActiveTransactionsByShift(ctx context.Context, shiftID string) ([]domain.Transaction, error) {
	return s.queryActiveTransactions(ctx, `shift_id = $1`, shiftID)
}

func (s *Store) ListActiveTransactionsByStationDate(ctx context.Context, stationID string, from time.Time, to time.Time) ([]domain.Transaction, error) {
	return s.queryActiveTransactions(ctx, `station_id = $1 AND occurred_at >= $2 AND occurred_at < $3`, stationID, from, to)
}

func (s *Store) queryActiveTransactions(ctx context.Context, where string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE voided = false AND deleted_at IS NULL AND `+where+`
		ORDER BY occurred_at, id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 16)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *Store) ListPriceBookEntries(ctx context.Context, productID string) ([]domain.PriceBookEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, product_id, COALESCE(station_id, ''), price, effective_from, active
		FROM price_book
		WHERE product_id = $1
		ORDER BY effective_from DESC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PriceBookEntry, 0, 4)
	for rows.Next() {
		var entry domain.PriceBookEntry
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.StationID, &entry.Price, &entry.EffectiveFrom, &entry.Active); err != nil {
			return nil, err
		}
		entry.EffectiveFrom = civil(entry.EffectiveFrom)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetShiftReconciliation(ctx context.Context, shiftID string) (*domain.ShiftReconciliation, error) {
	var rec domain.ShiftReconciliation
	err := s.q.QueryRowContext(ctx, `
		SELECT id, shift_id, expected_fuel_amount, expected_other_amount, total_expected, total_received,
			cash_received, credit_received, transfer_received, variance, variance_status, calculated_at
		FROM shift_reconciliations
		WHERE shift_id = $1
	`, shiftID).Scan(&rec.ID, &rec.ShiftID, &rec.ExpectedFuelAmount, &rec.ExpectedOtherAmount, &rec.TotalExpected,
		&rec.TotalReceived, &rec.CashReceived, &rec.CreditReceived, &rec.TransferReceived, &rec.Variance,
		&rec.VarianceStatus, &rec.CalculatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	rec.CalculatedAt = rec.CalculatedAt.UTC()
	return &rec, nil
}

func (s *Store) UpsertShiftReconciliation(ctx context.Context, rec domain.ShiftReconciliation) (*domain.ShiftReconciliation, error) {
	if strings.TrimSpace(rec.ShiftID) == "" {
		return nil, store.ErrValidation
	}
	if rec.ID == "" {
		rec.ID = xid.New("recon")
	}
	if rec.CalculatedAt.IsZero() {
		rec.CalculatedAt = time.Now().UTC()
	}

	err := s.q.QueryRowContext(ctx, `
		INSERT INTO shift_reconciliations (
			id, shift_id, expected_fuel_amount, expected_other_amount, total_expected, total_received,
			cash_received, credit_received, transfer_received, variance, variance_status, calculated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (shift_id)
		DO UPDATE SET
			expected_fuel_amount = EXCLUDED.expected_fuel_amount,
			expected_other_amount = EXCLUDED.expected_other_amount,
			total_expected = EXCLUDED.total_expected,
			total_received = EXCLUDED.total_received,
			cash_received = EXCLUDED.cash_received,
			credit_received = EXCLUDED.credit_received,
			transfer_received = EXCLUDED.transfer_received,
			variance = EXCLUDED.variance,
			variance_status = EXCLUDED.variance_status,
			calculated_at = EXCLUDED.calculated_at
		RETURNING id
	`, rec.ID, rec.ShiftID, rec.ExpectedFuelAmount, rec.ExpectedOtherAmount, rec.TotalExpected, rec.TotalReceived,
		rec.CashReceived, rec.CreditReceived, rec.TransferReceived, rec.Variance, rec.VarianceStatus,
		rec.CalculatedAt).Scan(&rec.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

const anomalyColumns = `id, station_id, date, meter_total, trans_total, difference, severity,
	reviewed_by, reviewed_at, note, created_at, updated_at`

func scanAnomaly(row interface{ Scan(...any) error }) (*domain.DailyAnomaly, error) {
	var (
		anomaly    domain.DailyAnomaly
		reviewedAt sql.NullTime
	)
	err := row.Scan(&anomaly.ID, &anomaly.StationID, &anomaly.Date, &anomaly.MeterTotal, &anomaly.TransTotal,
		&anomaly.Difference, &anomaly.Severity, &anomaly.ReviewedBy, &reviewedAt, &anomaly.Note,
		&anomaly.CreatedAt, &anomaly.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	anomaly.Date = civil(anomaly.Date)
	anomaly.ReviewedAt = timePtr(reviewedAt)
	anomaly.CreatedAt = anomaly.CreatedAt.UTC()
	anomaly.UpdatedAt = anomaly.UpdatedAt.UTC()
	return &anomaly, nil
}

func (s *Store) GetDailyAnomaly(ctx context.Context, stationID string, date time.Time) (*domain.DailyAnomaly, error) {
	return scanAnomaly(s.q.QueryRowContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM daily_anomalies
		WHERE station_id = $1 AND date = $2
	`, stationID, civil(date)))
}

func (s *Store) GetDailyAnomalyByID(ctx context.Context, id string) (*domain.DailyAnomaly, error) {
	return scanAnomaly(s.q.QueryRowContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM daily_anomalies
		WHERE id = $1
	`, id))
}

func (s *Store) CreateDailyAnomaly(ctx context.Context, anomaly domain.DailyAnomaly) (*domain.DailyAnomaly, error) {
	if strings.TrimSpace(anomaly.StationID) == "" || anomaly.Date.IsZero() {
		return nil, store.ErrValidation
	}
	if anomaly.ID == "" {
		anomaly.ID = xid.New("anomaly")
	}
	now := time.Now().UTC()
	anomaly.CreatedAt = now
	anomaly.UpdatedAt = now
	anomaly.Date = civil(anomaly.Date)

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO daily_anomalies (
			id, station_id, date, meter_total, trans_total, difference, severity,
			reviewed_by, reviewed_at, note, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'',NULL,'',$8,$9)
		ON CONFLICT (station_id, date) DO NOTHING
	`, anomaly.ID, anomaly.StationID, anomaly.Date, anomaly.MeterTotal, anomaly.TransTotal, anomaly.Difference,
		anomaly.Severity, anomaly.CreatedAt, anomaly.UpdatedAt)
	if err != nil {
		return nil, conflict(err)
	}
	if err := requireInserted(res, "daily_anomalies_station_id_date_key"); err != nil {
		return nil, err
	}
	return &anomaly, nil
}

// UpdateDailyAnomaly rewrites the figures only; review fields are kept.
func (s *Store) UpdateDailyAnomaly(ctx context.Context, anomaly domain.DailyAnomaly) (*domain.DailyAnomaly, error) {
	return scanAnomaly(s.q.QueryRowContext(ctx, `
		UPDATE daily_anomalies
		SET meter_total = $2, trans_total = $3, difference = $4, severity = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+anomalyColumns,
		anomaly.ID, anomaly.MeterTotal, anomaly.TransTotal, anomaly.Difference, anomaly.Severity))
}

func (s *Store) DeleteDailyAnomaly(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM daily_anomalies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) ListDailyAnomalies(ctx context.Context, filter store.AnomalyFilter) ([]domain.DailyAnomaly, error) {
	var (
		conds = []string{"true"}
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.StationID != "" {
		add("station_id = $%d", filter.StationID)
	}
	if filter.UnreviewedOnly {
		conds = append(conds, "reviewed_at IS NULL")
	}
	if !filter.From.IsZero() {
		add("date >= $%d", civil(filter.From))
	}
	if !filter.To.IsZero() {
		add("date < $%d", civil(filter.To))
	}
	query := `SELECT ` + anomalyColumns + ` FROM daily_anomalies WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY date DESC, station_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	anomalies := make([]domain.DailyAnomaly, 0, 16)
	for rows.Next() {
		anomaly, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, *anomaly)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return anomalies, nil
}

func (s *Store) MarkDailyAnomalyReviewed(ctx context.Context, id string, reviewer string, note string, at time.Time) (*domain.DailyAnomaly, error) {
	return scanAnomaly(s.q.QueryRowContext(ctx, `
		UPDATE daily_anomalies
		SET reviewed_by = $2, reviewed_at = $3, note = $4
		WHERE id = $1
		RETURNING `+anomalyColumns,
		id, reviewer, at, note))
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, station_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StationID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, stationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, station_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR station_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, stationID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StationID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	return conflict(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// conflict maps unique violations onto store.ErrConflict. A nil err stays nil.
func conflict(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", pgErrorDetail(err), store.ErrConflict)
	}
	return err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// requireInserted reports ErrConflict when an ON CONFLICT DO NOTHING insert
// skipped the row.
func requireInserted(res sql.Result, constraint string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", constraint, store.ErrConflict)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func pgErrorDetail(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName != "" {
		return pgErr.ConstraintName
	}
	return "duplicate key"
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgCode(err) == "23503"
}

func isSerializationFailure(err error) bool {
	code := pgCode(err)
	return code == "40001" || code == "40P01"
}

// civil normalizes a DATE value to midnight UTC.
func civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val *decimal.Decimal) decimal.NullDecimal {
	if val == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *val, Valid: true}
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func decimalPtr(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}
