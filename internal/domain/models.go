package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Station struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	UsesShifts bool      `json:"uses_shifts"`
	CreatedAt  time.Time `json:"created_at"`
}

// Nozzle links a dispenser position at a station to the product it pumps.
type Nozzle struct {
	ID        string `json:"id"`
	StationID string `json:"station_id"`
	Number    int    `json:"number"`
	ProductID string `json:"product_id"`
}

type DailyRecord struct {
	ID          string          `json:"id"`
	StationID   string          `json:"station_id"`
	Date        time.Time       `json:"date"`
	RetailPrice decimal.Decimal `json:"retail_price"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Shift struct {
	ID            string     `json:"id"`
	StationID     string     `json:"station_id"`
	DailyRecordID string     `json:"daily_record_id"`
	ShiftNumber   int        `json:"shift_number"`
	Status        string     `json:"status"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	VarianceNote  string     `json:"variance_note,omitempty"`
	OpenedBy      string     `json:"opened_by"`
	ClosedBy      string     `json:"closed_by,omitempty"`
}

type MeterReading struct {
	ID            string           `json:"id"`
	ShiftID       string           `json:"shift_id"`
	DailyRecordID string           `json:"daily_record_id"`
	NozzleNumber  int              `json:"nozzle_number"`
	NozzleID      string           `json:"nozzle_id,omitempty"`
	ProductID     string           `json:"product_id,omitempty"`
	StartReading  decimal.Decimal  `json:"start_reading"`
	EndReading    *decimal.Decimal `json:"end_reading,omitempty"`
	SoldQty       *decimal.Decimal `json:"sold_qty,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Sold is the quantity a reading accounts for: SoldQty when recorded,
// otherwise end - start when the end is known, otherwise zero. It is never
// negative.
func (m MeterReading) Sold() decimal.Decimal {
	var sold decimal.Decimal
	switch {
	case m.SoldQty != nil:
		sold = *m.SoldQty
	case m.EndReading != nil:
		sold = m.EndReading.Sub(m.StartReading)
	default:
		return decimal.Zero
	}
	if sold.IsNegative() {
		return decimal.Zero
	}
	return sold
}

// Transaction.Date is the business date the sale belongs to, which can be
// backdated. CreatedAt is when the row was written.
type Transaction struct {
	ID            string          `json:"id"`
	StationID     string          `json:"station_id"`
	DailyRecordID string          `json:"daily_record_id"`
	ShiftID       string          `json:"shift_id,omitempty"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Liters        decimal.Decimal `json:"liters"`
	PaymentType   string          `json:"payment_type"`
	Voided        bool            `json:"voided"`
	VoidReason    string          `json:"void_reason,omitempty"`
	VoidedAt      *time.Time      `json:"voided_at,omitempty"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Active reports whether the transaction counts toward any aggregate.
func (t Transaction) Active() bool {
	return !t.Voided && t.DeletedAt == nil
}

// PriceBookEntry with an empty StationID applies to every station.
type PriceBookEntry struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	StationID     string          `json:"station_id,omitempty"`
	Price         decimal.Decimal `json:"price"`
	EffectiveFrom time.Time       `json:"effective_from"`
	Active        bool            `json:"active"`
}

type ReconciliationResult struct {
	ShiftID             string          `json:"shift_id"`
	ExpectedFuelAmount  decimal.Decimal `json:"expected_fuel_amount"`
	ExpectedOtherAmount decimal.Decimal `json:"expected_other_amount"`
	TotalExpected       decimal.Decimal `json:"total_expected"`
	TotalReceived       decimal.Decimal `json:"total_received"`
	CashReceived        decimal.Decimal `json:"cash_received"`
	CreditReceived      decimal.Decimal `json:"credit_received"`
	TransferReceived    decimal.Decimal `json:"transfer_received"`
	Variance            decimal.Decimal `json:"variance"`
	VarianceStatus      string          `json:"variance_status"`
}

type ShiftReconciliation struct {
	ID string `json:"id"`
	ReconciliationResult
	CalculatedAt time.Time `json:"calculated_at"`
}

type DailyAnomaly struct {
	ID         string          `json:"id"`
	StationID  string          `json:"station_id"`
	Date       time.Time       `json:"date"`
	MeterTotal decimal.Decimal `json:"meter_total"`
	TransTotal decimal.Decimal `json:"trans_total"`
	Difference decimal.Decimal `json:"difference"`
	Severity   string          `json:"severity"`
	ReviewedBy string          `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time      `json:"reviewed_at,omitempty"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type AnomalyCheck struct {
	StationID  string          `json:"station_id"`
	Date       string          `json:"date"`
	HasAnomaly bool            `json:"has_anomaly"`
	MeterTotal decimal.Decimal `json:"meter_total"`
	TransTotal decimal.Decimal `json:"trans_total"`
	Difference decimal.Decimal `json:"difference"`
	Severity   string          `json:"severity,omitempty"`
}

// AnomalyOutcome is what CheckAndSave did to the persisted record.
type AnomalyOutcome string

const (
	AnomalyCreated   AnomalyOutcome = "created"
	AnomalyUpdated   AnomalyOutcome = "updated"
	AnomalyDeleted   AnomalyOutcome = "deleted"
	AnomalyUnchanged AnomalyOutcome = "unchanged"
)

type AnomalySaveResult struct {
	Result  AnomalyCheck   `json:"result"`
	Outcome AnomalyOutcome `json:"outcome"`
	Saved   bool           `json:"saved"`
	Deleted bool           `json:"deleted"`
	Anomaly *DailyAnomaly  `json:"anomaly,omitempty"`
}

func NewAnomalySaveResult(check AnomalyCheck, outcome AnomalyOutcome, anomaly *DailyAnomaly) AnomalySaveResult {
	return AnomalySaveResult{
		Result:  check,
		Outcome: outcome,
		Saved:   outcome == AnomalyCreated || outcome == AnomalyUpdated,
		Deleted: outcome == AnomalyDeleted,
		Anomaly: anomaly,
	}
}

type AnomalyScanResult struct {
	StationID string              `json:"station_id"`
	Scanned   int                 `json:"scanned"`
	Found     int                 `json:"found"`
	Days      []AnomalySaveResult `json:"days"`
}

type ShiftOpenRequest struct {
	StationID     string              `json:"station_id" validate:"required"`
	Date          string              `json:"date" validate:"omitempty,datetime=2006-01-02"`
	RetailPrice   *decimal.Decimal    `json:"retail_price,omitempty"`
	StartReadings []MeterReadingInput `json:"start_readings" validate:"dive"`
}

type MeterReadingInput struct {
	NozzleNumber int              `json:"nozzle_number" validate:"gte=1"`
	StartReading *decimal.Decimal `json:"start_reading,omitempty"`
	EndReading   *decimal.Decimal `json:"end_reading,omitempty"`
}

type MeterReadingsRequest struct {
	Readings []MeterReadingInput `json:"readings" validate:"required,min=1,dive"`
}

type ShiftCloseRequest struct {
	ShiftID      string              `json:"-" validate:"required"`
	EndReadings  []MeterReadingInput `json:"end_readings" validate:"dive"`
	VarianceNote string              `json:"variance_note"`
}

type ShiftResponse struct {
	Shift          Shift                 `json:"shift"`
	MeterReadings  []MeterReading        `json:"meter_readings"`
	Reconciliation *ShiftReconciliation  `json:"reconciliation,omitempty"`
	Preview        *ReconciliationResult `json:"preview,omitempty"`
}

// DailyMetersRequest records the day book of a station that does not run
// shifts.
type DailyMetersRequest struct {
	StationID   string              `json:"-" validate:"required"`
	Date        string              `json:"date" validate:"required,datetime=2006-01-02"`
	RetailPrice *decimal.Decimal    `json:"retail_price,omitempty"`
	Readings    []MeterReadingInput `json:"readings" validate:"required,min=1,dive"`
}

type DailyMetersResponse struct {
	DailyRecord   DailyRecord        `json:"daily_record"`
	MeterReadings []MeterReading     `json:"meter_readings"`
	Anomaly       *AnomalySaveResult `json:"anomaly,omitempty"`
}

// TransactionCreateRequest attaches to ShiftID when given, otherwise to the
// station's open shift for the same day, if any.
type TransactionCreateRequest struct {
	StationID   string          `json:"station_id" validate:"required"`
	ShiftID     string          `json:"shift_id,omitempty"`
	Date        string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Amount      decimal.Decimal `json:"amount"`
	Liters      decimal.Decimal `json:"liters"`
	PaymentType string          `json:"payment_type" validate:"required,payment_type"`
}

type TransactionVoidRequest struct {
	TransactionID string `json:"-" validate:"required"`
	Reason        string `json:"reason"`
}

type TransactionResponse struct {
	Transaction Transaction        `json:"transaction"`
	Anomaly     *AnomalySaveResult `json:"anomaly,omitempty"`
}

type AnomalyCheckRequest struct {
	StationID string `json:"station_id" validate:"required"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Save      bool   `json:"save"`
}

type AnomalyScanRequest struct {
	StationID string `json:"station_id"`
	Days      int    `json:"days" validate:"gte=1,lte=366"`
}

type AnomalyReviewRequest struct {
	Note string `json:"note"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	StationID     string    `json:"station_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

const (
	StationTypeFull   = "FULL"
	StationTypeSimple = "SIMPLE"
	StationTypeGas    = "GAS"
)

const (
	ShiftStatusOpen   = "OPEN"
	ShiftStatusClosed = "CLOSED"
	ShiftStatusLocked = "LOCKED"
)

const (
	PaymentCash           = "CASH"
	PaymentCredit         = "CREDIT"
	PaymentBoxTruck       = "BOX_TRUCK"
	PaymentOilTruckCredit = "OIL_TRUCK_CREDIT"
	PaymentTransfer       = "TRANSFER"
	PaymentCreditCard     = "CREDIT_CARD"
)

const (
	PaymentFamilyCash     = "cash"
	PaymentFamilyCredit   = "credit"
	PaymentFamilyTransfer = "transfer"
)

// PaymentFamily maps a payment type to the bucket it settles into, or ""
// when the type is unknown.
func PaymentFamily(paymentType string) string {
	t := strings.ToUpper(strings.TrimSpace(paymentType))
	switch {
	case t == PaymentCash:
		return PaymentFamilyCash
	case t == PaymentCredit, t == PaymentBoxTruck, strings.HasPrefix(t, "OIL_TRUCK"):
		return PaymentFamilyCredit
	case t == PaymentTransfer, t == PaymentCreditCard:
		return PaymentFamilyTransfer
	default:
		return ""
	}
}

const DateLayout = "2006-01-02"

// CivilDate truncates t to its calendar day in loc and returns that day as
// midnight UTC, the form daily records and anomalies are keyed by.
func CivilDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// DayBounds returns [start, end) of the civil date day in loc.
func DayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
