package app

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"fuelpos/backend/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		BusinessTimezone:      "Asia/Bangkok",
		VarianceGreenMax:      200,
		VarianceYellowMax:     500,
		AnomalyWarningLiters:  10,
		AnomalyCriticalLiters: 50,
		TransactionScope:      "daily_record",
		PriceCacheTTLSeconds:  60,
		ShiftAutoLockHours:    24,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestBuildFallsBackToSeededMemoryStore(t *testing.T) {
	a, err := Build(context.Background(), testConfig(), quietLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	stations, err := a.Repo.ListStations(context.Background())
	if err != nil {
		t.Fatalf("list stations: %v", err)
	}
	if len(stations) == 0 {
		t.Fatalf("expected seeded stations")
	}
	if a.Engine == nil || a.Detector == nil || a.Service == nil {
		t.Fatalf("expected engine, detector and service to be wired")
	}
	if got := a.Detector.Location().String(); got != "Asia/Bangkok" {
		t.Fatalf("expected detector in Asia/Bangkok, got %s", got)
	}
}

func TestBuildRejectsUnknownTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.BusinessTimezone = "Mars/Olympus_Mons"

	if _, err := Build(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatalf("expected unknown timezone to be rejected")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := Build(context.Background(), testConfig(), quietLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestBuildRejectsUnreachableYellowTier(t *testing.T) {
	cfg := testConfig()
	cfg.VarianceGreenMax = 600

	if _, err := Build(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatalf("expected green above yellow to be rejected")
	}
}
