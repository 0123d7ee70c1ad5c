package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
)

func newShiftFixture(t *testing.T) (*Store, domain.Shift) {
	t.Helper()
	s := New()
	s.AddStation(domain.Station{ID: "st-1", Name: "Test", Type: domain.StationTypeFull, UsesShifts: true})
	ctx := context.Background()

	record, err := s.CreateDailyRecord(ctx, domain.DailyRecord{
		StationID:   "st-1",
		Date:        time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		RetailPrice: decimal.RequireFromString("30.84"),
	})
	if err != nil {
		t.Fatalf("create daily record: %v", err)
	}
	shift, err := s.CreateShift(ctx, domain.Shift{StationID: "st-1", DailyRecordID: record.ID, ShiftNumber: 1})
	if err != nil {
		t.Fatalf("create shift: %v", err)
	}
	return s, *shift
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	s, shift := newShiftFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		closed := shift
		closed.Status = domain.ShiftStatusClosed
		if _, err := repo.UpdateShift(ctx, closed); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := s.GetShift(ctx, shift.ID)
	if err != nil {
		t.Fatalf("get shift: %v", err)
	}
	if got.Status != domain.ShiftStatusOpen {
		t.Fatalf("expected rollback to OPEN, got %s", got.Status)
	}
}

func TestRollbackKeepsWritesMadeOutsideTransaction(t *testing.T) {
	s, _ := newShiftFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	boom := errors.New("boom")

	done := make(chan error, 1)
	err := s.RunInTx(ctx, func(ctx context.Context, repo store.Repository) error {
		go func() {
			done <- s.CreateAuditLog(ctx, domain.AuditLog{
				ID:         "audit-1",
				StationID:  "st-1",
				Action:     "anomaly_review",
				EntityType: "daily_anomaly",
				EntityID:   "a-1",
				CreatedAt:  now,
			})
		}()
		time.Sleep(20 * time.Millisecond)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("create audit log: %v", err)
	}

	logs, err := s.ListAuditLogs(ctx, "st-1", now.Add(-time.Hour), now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected audit log to survive unrelated rollback, got %d", len(logs))
	}
}

func TestRunInTxNestedCallReusesTransaction(t *testing.T) {
	s, _ := newShiftFixture(t)
	done := make(chan error, 1)

	go func() {
		done <- s.RunInTx(context.Background(), func(ctx context.Context, repo store.Repository) error {
			return repo.RunInTx(ctx, func(ctx context.Context, inner store.Repository) error {
				_, err := inner.ListStations(ctx)
				return err
			})
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("nested tx failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("nested RunInTx deadlocked")
	}
}

func TestOnlyOneOpenShiftPerStation(t *testing.T) {
	s, shift := newShiftFixture(t)

	_, err := s.CreateShift(context.Background(), domain.Shift{StationID: "st-1", DailyRecordID: shift.DailyRecordID, ShiftNumber: 2})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpsertShiftReconciliationKeepsOneRowPerShift(t *testing.T) {
	s, shift := newShiftFixture(t)
	ctx := context.Background()

	first, err := s.UpsertShiftReconciliation(ctx, domain.ShiftReconciliation{
		ReconciliationResult: domain.ReconciliationResult{ShiftID: shift.ID, Variance: decimal.NewFromInt(10)},
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := s.UpsertShiftReconciliation(ctx, domain.ShiftReconciliation{
		ReconciliationResult: domain.ReconciliationResult{ShiftID: shift.ID, Variance: decimal.NewFromInt(20)},
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same row id, got %s and %s", first.ID, second.ID)
	}
	stored, err := s.GetShiftReconciliation(ctx, shift.ID)
	if err != nil {
		t.Fatalf("get reconciliation: %v", err)
	}
	if !stored.Variance.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected last write to win, got %s", stored.Variance)
	}
}

func TestCreateDailyAnomalyRejectsDuplicateStationDate(t *testing.T) {
	s := New()
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.CreateDailyAnomaly(ctx, domain.DailyAnomaly{StationID: "st-2", Date: day, Severity: "WARNING"}); err != nil {
		t.Fatalf("create anomaly: %v", err)
	}
	_, err := s.CreateDailyAnomaly(ctx, domain.DailyAnomaly{StationID: "st-2", Date: day, Severity: "CRITICAL"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateDailyAnomalyPreservesReview(t *testing.T) {
	s := New()
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	created, err := s.CreateDailyAnomaly(ctx, domain.DailyAnomaly{StationID: "st-2", Date: day, Severity: "WARNING"})
	if err != nil {
		t.Fatalf("create anomaly: %v", err)
	}
	if _, err := s.MarkDailyAnomalyReviewed(ctx, created.ID, "admin", "checked pump 2", time.Now().UTC()); err != nil {
		t.Fatalf("review: %v", err)
	}
	updated, err := s.UpdateDailyAnomaly(ctx, domain.DailyAnomaly{ID: created.ID, Severity: "CRITICAL", Difference: decimal.NewFromInt(60)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ReviewedBy != "admin" || updated.Note != "checked pump 2" || updated.Severity != "CRITICAL" {
		t.Fatalf("unexpected anomaly after update: %+v", updated)
	}
}

func TestVoidedAndDeletedTransactionsAreNotListed(t *testing.T) {
	s, shift := newShiftFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		tx, err := s.CreateTransaction(ctx, domain.Transaction{
			StationID:     "st-1",
			DailyRecordID: shift.DailyRecordID,
			ShiftID:       shift.ID,
			Date:          now,
			Amount:        decimal.NewFromInt(100),
			PaymentType:   domain.PaymentCash,
		})
		if err != nil {
			t.Fatalf("create tx: %v", err)
		}
		ids = append(ids, tx.ID)
	}
	if _, err := s.VoidTransaction(ctx, ids[0], "typo", now); err != nil {
		t.Fatalf("void: %v", err)
	}
	if _, err := s.SoftDeleteTransaction(ctx, ids[1], now); err != nil {
		t.Fatalf("delete: %v", err)
	}

	active, err := s.ListActiveTransactionsByDailyRecord(ctx, shift.DailyRecordID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].ID != ids[2] {
		t.Fatalf("expected only %s, got %+v", ids[2], active)
	}
	if _, err := s.VoidTransaction(ctx, ids[0], "again", now); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double void, got %v", err)
	}
}

func TestNewSeededHasShiftAndDailyStations(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewSeeded(logger)

	stations, err := s.ListStations(context.Background())
	if err != nil {
		t.Fatalf("list stations: %v", err)
	}
	var shiftStations, dailyStations int
	for _, st := range stations {
		if st.UsesShifts {
			shiftStations++
		} else {
			dailyStations++
		}
	}
	if shiftStations == 0 || dailyStations == 0 {
		t.Fatalf("expected both station kinds, got %d shift and %d daily", shiftStations, dailyStations)
	}
	users, _ := s.ListUsers(context.Background())
	if len(users) != 2 {
		t.Fatalf("expected two seeded users, got %d", len(users))
	}
}
