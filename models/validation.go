package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// RawDailyRecord is a daily record as submitted by a form, an API client or a
// decoded spreadsheet row. Numeric fields accept JSON numbers, json.Number,
// decimals, ints and numeric strings; nil and "" mean "not supplied".
type RawDailyRecord struct {
	Date string `json:"date" validate:"required"`
	// Day is accepted for compatibility with older clients and ignored.
	Day             string  `json:"day,omitempty"`
	BillCount       any     `json:"bill_count,omitempty"`
	NoOfBills       any     `json:"no_of_bills,omitempty"`
	ActualCash      any     `json:"actual_cash,omitempty"`
	OnlineSales     any     `json:"online_sales,omitempty"`
	UnbilledSales   any     `json:"unbilled_sales,omitempty"`
	SoftwareFigure  any     `json:"software_figure,omitempty"`
	CashReserve     any     `json:"cash_reserve,omitempty"`
	ExpenseAmount   any     `json:"expense_amount,omitempty"`
	ReserveComments *string `json:"reserve_comments,omitempty" validate:"omitempty,max=1000"`
	Notes           *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

var validate = newValidator()

const amountScale = 4

// maxAmount is the first amount with 16 integer digits.
var maxAmount = decimal.New(1, 15)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateDailyRecord normalises a raw submission into a DailyRecord, or fails
// with a *ValidationError naming the first offending field. Shape rules (date
// presence, text lengths) are checked first, then the figures in field order.
func ValidateDailyRecord(raw *RawDailyRecord) (*DailyRecord, error) {
	if raw == nil {
		return nil, &ValidationError{Field: FieldDate, Reason: "is required"}
	}
	if err := firstShapeViolation(validate.Struct(raw)); err != nil {
		return nil, err
	}
	date, err := ParseDate(raw.Date)
	if err != nil {
		return nil, &ValidationError{Field: FieldDate, Reason: err.Error()}
	}

	record := DailyRecord{RecordDate: date}
	patch, err := numericPatch(raw)
	if err != nil {
		return nil, err
	}
	patch.ReserveComments = raw.ReserveComments
	patch.Notes = raw.Notes
	patch.apply(&record)
	return &record, nil
}

// ValidatePatch applies the same rules to the supplied fields of an edit. The
// date of a patch is never read; the record is addressed separately.
func ValidatePatch(raw *RawDailyRecord) (*RecordPatch, error) {
	if raw == nil {
		return &RecordPatch{}, nil
	}
	if err := firstShapeViolation(validate.StructPartial(raw, "ReserveComments", "Notes")); err != nil {
		return nil, err
	}
	patch, err := numericPatch(raw)
	if err != nil {
		return nil, err
	}
	patch.ReserveComments = raw.ReserveComments
	patch.Notes = raw.Notes
	return patch, nil
}

func numericPatch(raw *RawDailyRecord) (*RecordPatch, error) {
	patch := &RecordPatch{}

	bills := raw.BillCount
	if isAbsent(bills) {
		bills = raw.NoOfBills
	}
	if !isAbsent(bills) {
		n, err := coerceBillCount(bills)
		if err != nil {
			return nil, err
		}
		patch.BillCount = &n
	}

	money := []struct {
		field string
		value any
		dst   **decimal.Decimal
	}{
		{FieldActualCash, raw.ActualCash, &patch.ActualCash},
		{FieldOnlineSales, raw.OnlineSales, &patch.OnlineSales},
		{FieldUnbilledSales, raw.UnbilledSales, &patch.UnbilledSales},
		{FieldSoftwareFigure, raw.SoftwareFigure, &patch.SoftwareFigure},
		{FieldCashReserve, raw.CashReserve, &patch.CashReserve},
		{FieldExpenseAmount, raw.ExpenseAmount, &patch.ExpenseAmount},
	}
	for _, m := range money {
		if isAbsent(m.value) {
			continue
		}
		d, err := coerceAmount(m.field, m.value)
		if err != nil {
			return nil, err
		}
		*m.dst = &d
	}
	return patch, nil
}

func firstShapeViolation(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "record", Reason: err.Error()}
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: fe.Field(), Reason: "is required"}
	case "max":
		return &ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("must be at most %s characters", fe.Param())}
	}
	return &ValidationError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " check"}
}

func isAbsent(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case json.Number:
		return strings.TrimSpace(string(x)) == ""
	}
	return false
}

func coerceAmount(field string, v any) (decimal.Decimal, error) {
	d, err := toDecimal(v)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Reason: err.Error()}
	}
	if d.IsNegative() {
		return decimal.Zero, &ValidationError{Field: field, Reason: "must not be negative"}
	}
	// Amounts are stored as decimal(20,4); anything finer or larger would
	// not read back as written.
	if !d.Equal(d.Truncate(amountScale)) {
		return decimal.Zero, &ValidationError{Field: field, Reason: fmt.Sprintf("must have at most %d decimal places", amountScale)}
	}
	if d.GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, &ValidationError{Field: field, Reason: "is too large"}
	}
	return d, nil
}

func coerceBillCount(v any) (int, error) {
	d, err := toDecimal(v)
	if err != nil {
		return 0, &ValidationError{Field: FieldBillCount, Reason: err.Error()}
	}
	if d.IsNegative() {
		return 0, &ValidationError{Field: FieldBillCount, Reason: "must not be negative"}
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, &ValidationError{Field: FieldBillCount, Reason: "must be a whole number"}
	}
	if d.GreaterThan(decimal.NewFromInt(math.MaxInt32)) {
		return 0, &ValidationError{Field: FieldBillCount, Reason: "is too large"}
	}
	return int(d.IntPart()), nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, nil
		}
		return *x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, errors.New("must be a finite number")
		}
		return decimal.NewFromFloat(x), nil
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, errors.New("must be a finite number")
		}
		return decimal.NewFromFloat32(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int32:
		return decimal.NewFromInt32(x), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case json.Number:
		return parseAmount(string(x))
	case string:
		return parseAmount(x)
	}
	return decimal.Zero, fmt.Errorf("unsupported value type %T", v)
}

// parseAmount accepts plain numbers with optional thousands separators.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("must be a number, got %q", s)
	}
	return d, nil
}
