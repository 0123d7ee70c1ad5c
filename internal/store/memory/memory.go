package memory

import (
	"context"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/xid"
)

// Store keeps everything in process memory. RunInTx serializes transactional
// callers and restores a snapshot when fn fails. Writes made outside a
// transaction wait for the running one, so a rollback never discards them.
// Reads do not wait and can observe uncommitted writes.
type Store struct {
	*core
	inTx bool
}

type core struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data state
}

var _ store.Repository = (*Store)(nil)

type state struct {
	stations        map[string]domain.Station
	nozzles         map[string]domain.Nozzle
	dailyRecords    map[string]domain.DailyRecord
	shifts          map[string]domain.Shift
	meterReadings   map[string]domain.MeterReading
	transactions    map[string]domain.Transaction
	priceBook       map[string]domain.PriceBookEntry
	reconciliations map[string]domain.ShiftReconciliation
	anomalies       map[string]domain.DailyAnomaly
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func (st state) clone() state {
	return state{
		stations:        maps.Clone(st.stations),
		nozzles:         maps.Clone(st.nozzles),
		dailyRecords:    maps.Clone(st.dailyRecords),
		shifts:          maps.Clone(st.shifts),
		meterReadings:   maps.Clone(st.meterReadings),
		transactions:    maps.Clone(st.transactions),
		priceBook:       maps.Clone(st.priceBook),
		reconciliations: maps.Clone(st.reconciliations),
		anomalies:       maps.Clone(st.anomalies),
		auditLogs:       slices.Clone(st.auditLogs),
		usersByUsername: maps.Clone(st.usersByUsername),
	}
}

func New() *Store {
	return &Store{core: &core{data: state{
		stations:        make(map[string]domain.Station),
		nozzles:         make(map[string]domain.Nozzle),
		dailyRecords:    make(map[string]domain.DailyRecord),
		shifts:          make(map[string]domain.Shift),
		meterReadings:   make(map[string]domain.MeterReading),
		transactions:    make(map[string]domain.Transaction),
		priceBook:       make(map[string]domain.PriceBookEntry),
		reconciliations: make(map[string]domain.ShiftReconciliation),
		anomalies:       make(map[string]domain.DailyAnomaly),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}}}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD. If
// unset, dev defaults are used with a warning. These credentials are never
// used in production (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers(logger *logrus.Logger) []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		logger.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.WithField("component", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with one shift-run station, two stations that
// report daily without shifts, their nozzles, a small price book and two
// users.
func NewSeeded(logger *logrus.Logger) *Store {
	s := New()
	now := time.Now().UTC()

	stations := []domain.Station{
		{ID: "st-full-01", Name: "Cempaka Service Station", Type: domain.StationTypeFull, UsesShifts: true, CreatedAt: now},
		{ID: "st-simple-01", Name: "Melati Roadside Pump", Type: domain.StationTypeSimple, UsesShifts: false, CreatedAt: now},
		{ID: "st-gas-01", Name: "Kenanga Gas Depot", Type: domain.StationTypeGas, UsesShifts: false, CreatedAt: now},
	}
	for _, st := range stations {
		s.AddStation(st)
	}

	nozzles := []domain.Nozzle{
		{ID: "nz-full-1", StationID: "st-full-01", Number: 1, ProductID: "GASOHOL95"},
		{ID: "nz-full-2", StationID: "st-full-01", Number: 2, ProductID: "GASOHOL91"},
		{ID: "nz-full-3", StationID: "st-full-01", Number: 3, ProductID: "DIESEL"},
		{ID: "nz-simple-1", StationID: "st-simple-01", Number: 1, ProductID: "DIESEL"},
		{ID: "nz-simple-2", StationID: "st-simple-01", Number: 2, ProductID: "GASOHOL91"},
		{ID: "nz-gas-1", StationID: "st-gas-01", Number: 1, ProductID: "LPG"},
	}
	for _, nz := range nozzles {
		s.AddNozzle(nz)
	}

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prices := []domain.PriceBookEntry{
		{ID: "pb-g95", ProductID: "GASOHOL95", Price: decimal.RequireFromString("35.05"), EffectiveFrom: since, Active: true},
		{ID: "pb-g91", ProductID: "GASOHOL91", Price: decimal.RequireFromString("34.68"), EffectiveFrom: since, Active: true},
		{ID: "pb-diesel", ProductID: "DIESEL", Price: decimal.RequireFromString("30.84"), EffectiveFrom: since, Active: true},
		{ID: "pb-g95-full", ProductID: "GASOHOL95", StationID: "st-full-01", Price: decimal.RequireFromString("35.45"), EffectiveFrom: since, Active: true},
		{ID: "pb-lpg", ProductID: "LPG", Price: decimal.RequireFromString("22.79"), EffectiveFrom: since, Active: true},
	}
	for _, entry := range prices {
		s.AddPriceBookEntry(entry)
	}

	for _, user := range seedUsers(logger) {
		s.data.usersByUsername[user.Username] = user
	}
	return s
}

// AddStation, AddNozzle and AddPriceBookEntry load reference data that is
// managed outside this service.
func (s *Store) AddStation(station domain.Station) {
	defer s.writeLock()()
	if station.CreatedAt.IsZero() {
		station.CreatedAt = time.Now().UTC()
	}
	s.data.stations[station.ID] = station
}

func (s *Store) AddNozzle(nozzle domain.Nozzle) {
	defer s.writeLock()()
	if nozzle.ID == "" {
		nozzle.ID = xid.New("nz")
	}
	s.data.nozzles[nozzle.ID] = nozzle
}

func (s *Store) AddPriceBookEntry(entry domain.PriceBookEntry) {
	defer s.writeLock()()
	if entry.ID == "" {
		entry.ID = xid.New("pb")
	}
	s.data.priceBook[entry.ID] = entry
}

// writeLock serializes a mutation against running transactions. Inside a
// transaction the caller already holds txMu.
func (s *Store) writeLock() func() {
	if !s.inTx {
		s.txMu.Lock()
	}
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		if !s.inTx {
			s.txMu.Unlock()
		}
	}
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &Store{core: s.core, inTx: true}); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) GetStation(_ context.Context, id string) (*domain.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	station, ok := s.data.stations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &station, nil
}

func (s *Store) ListStations(_ context.Context) ([]domain.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stations := slices.Collect(maps.Values(s.data.stations))
	slices.SortFunc(stations, func(a, b domain.Station) int {
		return strings.Compare(a.ID, b.ID)
	})
	return stations, nil
}

func (s *Store) ListNozzles(_ context.Context, stationID string) ([]domain.Nozzle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Nozzle, 0, 4)
	for _, nz := range s.data.nozzles {
		if nz.StationID == stationID {
			result = append(result, nz)
		}
	}
	slices.SortFunc(result, func(a, b domain.Nozzle) int {
		return a.Number - b.Number
	})
	return result, nil
}

func (s *Store) GetDailyRecord(_ context.Context, id string) (*domain.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.data.dailyRecords[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &record, nil
}

func (s *Store) FindDailyRecord(_ context.Context, stationID string, date time.Time) (*domain.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.data.dailyRecords {
		if record.StationID == stationID && record.Date.Equal(date) {
			return &record, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateDailyRecord(_ context.Context, record domain.DailyRecord) (*domain.DailyRecord, error) {
	if strings.TrimSpace(record.StationID) == "" || record.Date.IsZero() {
		return nil, store.ErrValidation
	}

	defer s.writeLock()()

	for _, existing := range s.data.dailyRecords {
		if existing.StationID == record.StationID && existing.Date.Equal(record.Date) {
			return nil, store.ErrConflict
		}
	}
	if record.ID == "" {
		record.ID = xid.New("dr")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.data.dailyRecords[record.ID] = record
	return &record, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.data.shifts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) GetOpenShift(_ context.Context, stationID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, shift := range s.data.shifts {
		if shift.StationID == stationID && shift.Status == domain.ShiftStatusOpen {
			return &shift, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CountShifts(_ context.Context, dailyRecordID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, shift := range s.data.shifts {
		if shift.DailyRecordID == dailyRecordID {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListShifts(_ context.Context, dailyRecordID string) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Shift, 0, 4)
	for _, shift := range s.data.shifts {
		if shift.DailyRecordID == dailyRecordID {
			result = append(result, shift)
		}
	}
	slices.SortFunc(result, func(a, b domain.Shift) int {
		return a.ShiftNumber - b.ShiftNumber
	})
	return result, nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.StationID) == "" || strings.TrimSpace(shift.DailyRecordID) == "" {
		return nil, store.ErrValidation
	}

	defer s.writeLock()()

	for _, existing := range s.data.shifts {
		if existing.StationID == shift.StationID && existing.Status == domain.ShiftStatusOpen {
			return nil, store.ErrConflict
		}
		if existing.DailyRecordID == shift.DailyRecordID && existing.ShiftNumber == shift.ShiftNumber {
			return nil, store.ErrConflict
		}
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

	s.data.shifts[shift.ID] = shift
	return &shift, nil
}

func (s *Store) UpdateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	defer s.writeLock()()

	if _, ok := s.data.shifts[shift.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.data.shifts[shift.ID] = shift
	return &shift, nil
}

func (s *Store) ListMeterReadings(_ context.Context, shiftID string) ([]domain.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterMeterReadings(func(m domain.MeterReading) bool { return m.ShiftID == shiftID }), nil
}

func (s *Store) ListMeterReadingsByDailyRecord(_ context.Context, dailyRecordID string) ([]domain.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterMeterReadings(func(m domain.MeterReading) bool { return m.DailyRecordID == dailyRecordID }), nil
}

// filterMeterReadings expects s.mu to be held.
func (s *Store) filterMeterReadings(keep func(domain.MeterReading) bool) []domain.MeterReading {
	result := make([]domain.MeterReading, 0, 8)
	for _, reading := range s.data.meterReadings {
		if !keep(reading) {
			continue
		}
		if reading.ProductID == "" && reading.NozzleID != "" {
			reading.ProductID = s.data.nozzles[reading.NozzleID].ProductID
		}
		result = append(result, reading)
	}
	slices.SortFunc(result, func(a, b domain.MeterReading) int {
		if a.ShiftID != b.ShiftID {
			return strings.Compare(a.ShiftID, b.ShiftID)
		}
		return a.NozzleNumber - b.NozzleNumber
	})
	return result
}

func (s *Store) UpsertMeterReading(_ context.Context, reading domain.MeterReading) (*domain.MeterReading, error) {
	if strings.TrimSpace(reading.ShiftID) == "" || reading.NozzleNumber < 1 {
		return nil, store.ErrValidation
	}

	defer s.writeLock()()

	for id, existing := range s.data.meterReadings {
		if existing.ShiftID == reading.ShiftID && existing.NozzleNumber == reading.NozzleNumber {
			reading.ID = id
			break
		}
	}
	if reading.ID == "" {
		reading.ID = xid.New("meter")
	}
	reading.UpdatedAt = time.Now().UTC()
	s.data.meterReadings[reading.ID] = reading
	return &reading, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if strings.TrimSpace(tx.StationID) == "" || strings.TrimSpace(tx.DailyRecordID) == "" {
		return nil, store.ErrValidation
	}

	defer s.writeLock()()

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if _, exists := s.data.transactions[tx.ID]; exists {
		return nil, store.ErrConflict
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.data.transactions[tx.ID] = tx
	return &tx, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.data.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tx, nil
}

func (s *Store) VoidTransaction(_ context.Context, id string, reason string, at time.Time) (*domain.Transaction, error) {
	defer s.writeLock()()

	tx, ok := s.data.transactions[id]
	if !ok || tx.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	if tx.Voided {
		return nil, store.ErrInvalidState
	}
	tx.Voided = true
	tx.VoidReason = reason
	tx.VoidedAt = &at
	s.data.transactions[id] = tx
	return &tx, nil
}

func (s *Store) SoftDeleteTransaction(_ context.Context, id string, at time.Time) (*domain.Transaction, error) {
	defer s.writeLock()()

	tx, ok := s.data.transactions[id]
	if !ok || tx.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	tx.DeletedAt = &at
	s.data.transactions[id] = tx
	return &tx, nil
}

func (s *Store) ListActiveTransactionsByDailyRecord(_ context.Context, dailyRecordID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterActiveTransactions(func(tx domain.Transaction) bool { return tx.DailyRecordID == dailyRecordID }), nil
}

func (s *Store) ListActiveTransactionsByShift(_ context.Context, shiftID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterActiveTransactions(func(tx domain.Transaction) bool { return tx.ShiftID == shiftID }), nil
}

func (s *Store) ListActiveTransactionsByStationDate(_ context.Context, stationID string, from time.Time, to time.Time) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterActiveTransactions(func(tx domain.Transaction) bool {
		return tx.StationID == stationID && !tx.Date.Before(from) && tx.Date.Before(to)
	}), nil
}

func (s *Store) filterActiveTransactions(keep func(domain.Transaction) bool) []domain.Transaction {
	result := make([]domain.Transaction, 0, 16)
	for _, tx := range s.data.transactions {
		if tx.Active() && keep(tx) {
			result = append(result, tx)
		}
	}
	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result
}

func (s *Store) ListPriceBookEntries(_ context.Context, productID string) ([]domain.PriceBookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PriceBookEntry, 0, 4)
	for _, entry := range s.data.priceBook {
		if entry.ProductID == productID {
			result = append(result, entry)
		}
	}
	slices.SortFunc(result, func(a, b domain.PriceBookEntry) int {
		return b.EffectiveFrom.Compare(a.EffectiveFrom)
	})
	return result, nil
}

func (s *Store) GetShiftReconciliation(_ context.Context, shiftID string) (*domain.ShiftReconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data.reconciliations[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) UpsertShiftReconciliation(_ context.Context, rec domain.ShiftReconciliation) (*domain.ShiftReconciliation, error) {
	if strings.TrimSpace(rec.ShiftID) == "" {
		return nil, store.ErrValidation
	}

	defer s.writeLock()()

	if _, ok := s.data.shifts[rec.ShiftID]; !ok {
		return nil, store.ErrNotFound
	}
	if existing, ok := s.data.reconciliations[rec.ShiftID]; ok {
		rec.ID = existing.ID
	} else if rec.ID == "" {
		rec.ID = xid.New("recon")
	}
	if rec.CalculatedAt.IsZero() {
		rec.CalculatedAt = time.Now().UTC()
	}
	s.data.reconciliations[rec.ShiftID] = rec
	return &rec, nil
}

func (s *Store) GetDailyAnomaly(_ context.Context, stationID string, date time.Time) (*domain.DailyAnomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, anomaly := range s.data.anomalies {
		if anomaly.StationID == stationID && anomaly.Date.Equal(date) {
			return &anomaly, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetDailyAnomalyByID(_ context.Context, id string) (*domain.DailyAnomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anomaly, ok := s.data.anomalies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &anomaly, nil
}

func (s *Store) CreateDailyAnomaly(_ context.Context, anomaly domain.DailyAnomaly) (*domain.DailyAnomaly, error) {
	if strings.TrimSpace(anomaly.StationID) == "" || anomaly.Date.IsZero() {
		return nil, store.ErrValidation
	}

	defer s.writeLock()()

	for _, existing := range s.data.anomalies {
		if existing.StationID == anomaly.StationID && existing.Date.Equal(anomaly.Date) {
			return nil, store.ErrConflict
		}
	}
	if anomaly.ID == "" {
		anomaly.ID = xid.New("anomaly")
	}
	now := time.Now().UTC()
	anomaly.CreatedAt = now
	anomaly.UpdatedAt = now
	s.data.anomalies[anomaly.ID] = anomaly
	return &anomaly, nil
}

func (s *Store) UpdateDailyAnomaly(_ context.Context, anomaly domain.DailyAnomaly) (*domain.DailyAnomaly, error) {
	defer s.writeLock()()

	existing, ok := s.data.anomalies[anomaly.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing.MeterTotal = anomaly.MeterTotal
	existing.TransTotal = anomaly.TransTotal
	existing.Difference = anomaly.Difference
	existing.Severity = anomaly.Severity
	existing.UpdatedAt = time.Now().UTC()
	s.data.anomalies[existing.ID] = existing
	return &existing, nil
}

func (s *Store) DeleteDailyAnomaly(_ context.Context, id string) error {
	defer s.writeLock()()

	if _, ok := s.data.anomalies[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.data.anomalies, id)
	return nil
}

func (s *Store) ListDailyAnomalies(_ context.Context, filter store.AnomalyFilter) ([]domain.DailyAnomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DailyAnomaly, 0, 16)
	for _, anomaly := range s.data.anomalies {
		if filter.StationID != "" && anomaly.StationID != filter.StationID {
			continue
		}
		if filter.UnreviewedOnly && anomaly.ReviewedAt != nil {
			continue
		}
		if !filter.From.IsZero() && anomaly.Date.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !anomaly.Date.Before(filter.To) {
			continue
		}
		result = append(result, anomaly)
	}
	slices.SortFunc(result, func(a, b domain.DailyAnomaly) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return strings.Compare(a.StationID, b.StationID)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) MarkDailyAnomalyReviewed(_ context.Context, id string, reviewer string, note string, at time.Time) (*domain.DailyAnomaly, error) {
	defer s.writeLock()()

	anomaly, ok := s.data.anomalies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	anomaly.ReviewedBy = reviewer
	anomaly.ReviewedAt = &at
	anomaly.Note = note
	s.data.anomalies[id] = anomaly
	return &anomaly, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	defer s.writeLock()()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.data.auditLogs = append(s.data.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, stationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.data.auditLogs {
		if stationID != "" && entry.StationID != stationID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	defer s.writeLock()()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.data.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.data.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := slices.Collect(maps.Values(s.data.usersByUsername))
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	defer s.writeLock()()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.data.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.data.usersByUsername[username] = user
	return nil
}
