package domain

import (
	"testing"
	"time"
)

func TestPaymentFamily(t *testing.T) {
	cases := map[string]string{
		"CASH":             PaymentFamilyCash,
		"cash":             PaymentFamilyCash,
		"CREDIT":           PaymentFamilyCredit,
		"BOX_TRUCK":        PaymentFamilyCredit,
		"OIL_TRUCK_CREDIT": PaymentFamilyCredit,
		"OIL_TRUCK_SUPPLY": PaymentFamilyCredit,
		"TRANSFER":         PaymentFamilyTransfer,
		"CREDIT_CARD":      PaymentFamilyTransfer,
		"COUPON":           "",
		"":                 "",
	}
	for in, want := range cases {
		if got := PaymentFamily(in); got != want {
			t.Fatalf("PaymentFamily(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCivilDateUsesBusinessLocation(t *testing.T) {
	loc := time.FixedZone("WIB", 7*3600)
	// 20:00 UTC on the 1st is 03:00 on the 2nd in UTC+7.
	got := CivilDate(time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC), loc)
	want := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	start, end := DayBounds(got, loc)
	if start.UTC().Hour() != 17 || end.Sub(start) != 24*time.Hour {
		t.Fatalf("unexpected bounds %s..%s", start, end)
	}
}

func TestAnomalySaveResultFlagsFollowOutcome(t *testing.T) {
	created := NewAnomalySaveResult(AnomalyCheck{}, AnomalyCreated, nil)
	if !created.Saved || created.Deleted {
		t.Fatalf("created should be saved only: %+v", created)
	}
	deleted := NewAnomalySaveResult(AnomalyCheck{}, AnomalyDeleted, nil)
	if deleted.Saved || !deleted.Deleted {
		t.Fatalf("deleted should be deleted only: %+v", deleted)
	}
	unchanged := NewAnomalySaveResult(AnomalyCheck{}, AnomalyUnchanged, nil)
	if unchanged.Saved || unchanged.Deleted {
		t.Fatalf("unchanged should set neither flag: %+v", unchanged)
	}
}
