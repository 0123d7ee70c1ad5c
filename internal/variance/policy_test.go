package variance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestReconciliationPolicyBoundariesBelongToLowerTier(t *testing.T) {
	policy := ReconciliationPolicy(DefaultGreenMax, DefaultYellowMax)

	cases := []struct {
		in   string
		want string
	}{
		{"0", LevelGreen},
		{"200", LevelGreen},
		{"-200", LevelGreen},
		{"200.01", LevelYellow},
		{"250", LevelYellow},
		{"500", LevelYellow},
		{"-500", LevelYellow},
		{"500.01", LevelRed},
		{"600", LevelRed},
		{"-1000", LevelRed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, policy.Classify(decimal.RequireFromString(tc.in)), "variance %s", tc.in)
	}
}

func TestAnomalyPolicyUsesInclusiveLowerBounds(t *testing.T) {
	policy := AnomalyPolicy(DefaultWarningLiters, DefaultCriticalLiters)

	cases := []struct {
		in   string
		want string
	}{
		{"0", LevelNone},
		{"9.99", LevelNone},
		{"-9.99", LevelNone},
		{"10", LevelWarning},
		{"12", LevelWarning},
		{"-49.99", LevelWarning},
		{"50", LevelCritical},
		{"60", LevelCritical},
		{"-75", LevelCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, policy.Classify(decimal.RequireFromString(tc.in)), "difference %s", tc.in)
	}
}

func TestPolicyConstructorsFallBackOnInvalidThresholds(t *testing.T) {
	policy := ReconciliationPolicy(decimal.Zero, decimal.NewFromInt(-1))
	assert.Equal(t, LevelGreen, policy.Classify(decimal.NewFromInt(200)))
	assert.Equal(t, LevelRed, policy.Classify(decimal.NewFromInt(501)))

	custom := ReconciliationPolicy(decimal.NewFromInt(50), decimal.NewFromInt(100))
	assert.Equal(t, LevelYellow, custom.Classify(decimal.NewFromInt(75)))
	assert.Equal(t, LevelRed, custom.Classify(decimal.NewFromInt(101)))

	wide := ReconciliationPolicy(decimal.NewFromInt(600), decimal.NewFromInt(500))
	assert.Equal(t, LevelGreen, wide.Classify(decimal.NewFromInt(550)))
	assert.Equal(t, LevelRed, wide.Classify(decimal.NewFromInt(601)))

	anomalies := AnomalyPolicy(decimal.NewFromInt(80), decimal.NewFromInt(50))
	assert.Equal(t, LevelNone, anomalies.Classify(decimal.NewFromInt(79)))
	assert.Equal(t, LevelCritical, anomalies.Classify(decimal.NewFromInt(80)))
}

func TestRoundMoneyHalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"3099.42", "3099.42"},
		{"10.005", "10.01"},
		{"10.004", "10"},
		{"-10.005", "-10"},
		{"-10.006", "-10.01"},
		{"0.125", "0.13"},
	}
	for _, tc := range cases {
		got := RoundMoney(decimal.RequireFromString(tc.in))
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "round %s: got %s want %s", tc.in, got, tc.want)
	}
}

func TestSoldQtyNeverNegative(t *testing.T) {
	assert.True(t, SoldQty(decimal.NewFromInt(1000), decimal.NewFromInt(900)).IsZero())
	assert.True(t, SoldQty(decimal.NewFromInt(1000), decimal.RequireFromString("1100.5")).Equal(decimal.RequireFromString("100.5")))
}
