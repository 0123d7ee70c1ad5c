package store

import (
	"context"
	"errors"
	"time"

	"fuelpos/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)

// AnomalyFilter narrows ListDailyAnomalies. Zero values mean no filter.
type AnomalyFilter struct {
	StationID      string
	UnreviewedOnly bool
	From           time.Time
	To             time.Time
	Limit          int
}

type Repository interface {
	// RunInTx runs fn against a repository bound to one database transaction.
	// A nested call reuses the outer transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error

	GetStation(ctx context.Context, id string) (*domain.Station, error)
	ListStations(ctx context.Context) ([]domain.Station, error)
	ListNozzles(ctx context.Context, stationID string) ([]domain.Nozzle, error)

	GetDailyRecord(ctx context.Context, id string) (*domain.DailyRecord, error)
	FindDailyRecord(ctx context.Context, stationID string, date time.Time) (*domain.DailyRecord, error)
	CreateDailyRecord(ctx context.Context, record domain.DailyRecord) (*domain.DailyRecord, error)

	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetOpenShift(ctx context.Context, stationID string) (*domain.Shift, error)
	CountShifts(ctx context.Context, dailyRecordID string) (int, error)
	ListShifts(ctx context.Context, dailyRecordID string) ([]domain.Shift, error)
	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	UpdateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)

	ListMeterReadings(ctx context.Context, shiftID string) ([]domain.MeterReading, error)
	ListMeterReadingsByDailyRecord(ctx context.Context, dailyRecordID string) ([]domain.MeterReading, error)
	UpsertMeterReading(ctx context.Context, reading domain.MeterReading) (*domain.MeterReading, error)

	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	VoidTransaction(ctx context.Context, id string, reason string, at time.Time) (*domain.Transaction, error)
	SoftDeleteTransaction(ctx context.Context, id string, at time.Time) (*domain.Transaction, error)
	ListActiveTransactionsByDailyRecord(ctx context.Context, dailyRecordID string) ([]domain.Transaction, error)
	ListActiveTransactionsByShift(ctx context.Context, shiftID string) ([]domain.Transaction, error)
	ListActiveTransactionsByStationDate(ctx context.Context, stationID string, from time.Time, to time.Time) ([]domain.Transaction, error)

	ListPriceBookEntries(ctx context.Context, productID string) ([]domain.PriceBookEntry, error)

	GetShiftReconciliation(ctx context.Context, shiftID string) (*domain.ShiftReconciliation, error)
	UpsertShiftReconciliation(ctx context.Context, rec domain.ShiftReconciliation) (*domain.ShiftReconciliation, error)

	GetDailyAnomaly(ctx context.Context, stationID string, date time.Time) (*domain.DailyAnomaly, error)
	GetDailyAnomalyByID(ctx context.Context, id string) (*domain.DailyAnomaly, error)
	// CreateDailyAnomaly returns ErrConflict when (station, date) already exists.
	CreateDailyAnomaly(ctx context.Context, anomaly domain.DailyAnomaly) (*domain.DailyAnomaly, error)
	UpdateDailyAnomaly(ctx context.Context, anomaly domain.DailyAnomaly) (*domain.DailyAnomaly, error)
	DeleteDailyAnomaly(ctx context.Context, id string) error
	ListDailyAnomalies(ctx context.Context, filter AnomalyFilter) ([]domain.DailyAnomaly, error)
	MarkDailyAnomalyReviewed(ctx context.Context, id string, reviewer string, note string, at time.Time) (*domain.DailyAnomaly, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, stationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
