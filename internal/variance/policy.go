// Package variance holds the threshold policy and rounding rules shared by the
// shift reconciliation engine and the daily anomaly detector.
package variance

import "github.com/shopspring/decimal"

// Tier is one band of a Policy. A value whose magnitude is below Max (or equal
// to it when Exclusive is false) falls into Level.
type Tier struct {
	Level     string
	Max       decimal.Decimal
	Exclusive bool
}

// Policy classifies a signed value by its absolute magnitude. Tiers must be
// ordered by ascending Max; values beyond the last tier classify as Above.
type Policy struct {
	Tiers []Tier
	Above string
}

func (p Policy) Classify(value decimal.Decimal) string {
	magnitude := value.Abs()
	for _, tier := range p.Tiers {
		if magnitude.LessThan(tier.Max) {
			return tier.Level
		}
		if !tier.Exclusive && magnitude.Equal(tier.Max) {
			return tier.Level
		}
	}
	return p.Above
}

const (
	LevelGreen  = "GREEN"
	LevelYellow = "YELLOW"
	LevelRed    = "RED"

	LevelNone     = ""
	LevelWarning  = "WARNING"
	LevelCritical = "CRITICAL"
)

var (
	DefaultGreenMax       = decimal.NewFromInt(200)
	DefaultYellowMax      = decimal.NewFromInt(500)
	DefaultWarningLiters  = decimal.NewFromInt(10)
	DefaultCriticalLiters = decimal.NewFromInt(50)
)

// ReconciliationPolicy: |v| <= greenMax is GREEN, |v| <= yellowMax is YELLOW,
// anything larger is RED. Both bounds belong to the lower tier.
func ReconciliationPolicy(greenMax decimal.Decimal, yellowMax decimal.Decimal) Policy {
	if !greenMax.IsPositive() {
		greenMax = DefaultGreenMax
	}
	if yellowMax.LessThan(greenMax) {
		yellowMax = decimal.Max(DefaultYellowMax, greenMax)
	}
	return Policy{
		Tiers: []Tier{
			{Level: LevelGreen, Max: greenMax},
			{Level: LevelYellow, Max: yellowMax},
		},
		Above: LevelRed,
	}
}

// AnomalyPolicy: |d| >= criticalMin is CRITICAL, |d| >= warningMin is WARNING,
// otherwise LevelNone.
func AnomalyPolicy(warningMin decimal.Decimal, criticalMin decimal.Decimal) Policy {
	if !warningMin.IsPositive() {
		warningMin = DefaultWarningLiters
	}
	if criticalMin.LessThan(warningMin) {
		criticalMin = decimal.Max(DefaultCriticalLiters, warningMin)
	}
	return Policy{
		Tiers: []Tier{
			{Level: LevelNone, Max: warningMin, Exclusive: true},
			{Level: LevelWarning, Max: criticalMin, Exclusive: true},
		},
		Above: LevelCritical,
	}
}
