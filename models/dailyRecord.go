package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// DailyRecord holds the figures reported for one business day. Totals are
// never stored; see ComputeFigures.
type DailyRecord struct {
	RecordDate      Date            `gorm:"primaryKey" json:"date"`
	BillCount       int             `gorm:"not null;default:0" json:"bill_count"`
	ActualCash      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"actual_cash"`
	OnlineSales     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"online_sales"`
	UnbilledSales   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"unbilled_sales"`
	SoftwareFigure  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"software_figure"`
	CashReserve     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"cash_reserve"`
	ExpenseAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"expense_amount"`
	ReserveComments string          `gorm:"type:text" json:"reserve_comments"`
	Notes           string          `gorm:"type:text" json:"notes"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// DailyRecordView is what every read path hands out: the stored fields plus
// the figures derived from them at read time.
type DailyRecordView struct {
	DailyRecord
	Weekday string `json:"day"`
	DerivedFigures
}

func NewDailyRecordView(r *DailyRecord) *DailyRecordView {
	return &DailyRecordView{
		DailyRecord:    *r,
		Weekday:        r.RecordDate.Weekday().String(),
		DerivedFigures: ComputeFigures(r),
	}
}

// RecordPatch carries the fields of an edit; nil means "leave as is".
type RecordPatch struct {
	BillCount       *int
	ActualCash      *decimal.Decimal
	OnlineSales     *decimal.Decimal
	UnbilledSales   *decimal.Decimal
	SoftwareFigure  *decimal.Decimal
	CashReserve     *decimal.Decimal
	ExpenseAmount   *decimal.Decimal
	ReserveComments *string
	Notes           *string
}

func (p *RecordPatch) apply(r *DailyRecord) {
	if p == nil {
		return
	}
	if p.BillCount != nil {
		r.BillCount = *p.BillCount
	}
	setDecimal(&r.ActualCash, p.ActualCash)
	setDecimal(&r.OnlineSales, p.OnlineSales)
	setDecimal(&r.UnbilledSales, p.UnbilledSales)
	setDecimal(&r.SoftwareFigure, p.SoftwareFigure)
	setDecimal(&r.CashReserve, p.CashReserve)
	setDecimal(&r.ExpenseAmount, p.ExpenseAmount)
	if p.ReserveComments != nil {
		r.ReserveComments = *p.ReserveComments
	}
	if p.Notes != nil {
		r.Notes = *p.Notes
	}
}

func setDecimal(dst *decimal.Decimal, src *decimal.Decimal) {
	if src != nil {
		*dst = *src
	}
}

// recordField describes one audited field of DailyRecord. The list below is
// the single definition of field names, ordering and string encoding used by
// diffs, CREATE/DELETE snapshots and replay.
type recordField struct {
	name      string
	get       func(r *DailyRecord) string
	set       func(r *DailyRecord, v string) error
	isDefault func(r *DailyRecord) bool
	equal     func(a, b *DailyRecord) bool
}

func decimalField(name string, ptr func(r *DailyRecord) *decimal.Decimal) recordField {
	return recordField{
		name: name,
		get:  func(r *DailyRecord) string { return ptr(r).String() },
		set: func(r *DailyRecord, v string) error {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return err
			}
			*ptr(r) = d
			return nil
		},
		isDefault: func(r *DailyRecord) bool { return ptr(r).IsZero() },
		equal:     func(a, b *DailyRecord) bool { return ptr(a).Equal(*ptr(b)) },
	}
}

func textField(name string, ptr func(r *DailyRecord) *string) recordField {
	return recordField{
		name: name,
		get:  func(r *DailyRecord) string { return *ptr(r) },
		set: func(r *DailyRecord, v string) error {
			*ptr(r) = v
			return nil
		},
		isDefault: func(r *DailyRecord) bool { return *ptr(r) == "" },
		equal:     func(a, b *DailyRecord) bool { return *ptr(a) == *ptr(b) },
	}
}

var recordFields = []recordField{
	{
		name: FieldBillCount,
		get:  func(r *DailyRecord) string { return strconv.Itoa(r.BillCount) },
		set: func(r *DailyRecord, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			r.BillCount = n
			return nil
		},
		isDefault: func(r *DailyRecord) bool { return r.BillCount == 0 },
		equal:     func(a, b *DailyRecord) bool { return a.BillCount == b.BillCount },
	},
	decimalField(FieldActualCash, func(r *DailyRecord) *decimal.Decimal { return &r.ActualCash }),
	decimalField(FieldOnlineSales, func(r *DailyRecord) *decimal.Decimal { return &r.OnlineSales }),
	decimalField(FieldUnbilledSales, func(r *DailyRecord) *decimal.Decimal { return &r.UnbilledSales }),
	decimalField(FieldSoftwareFigure, func(r *DailyRecord) *decimal.Decimal { return &r.SoftwareFigure }),
	decimalField(FieldCashReserve, func(r *DailyRecord) *decimal.Decimal { return &r.CashReserve }),
	decimalField(FieldExpenseAmount, func(r *DailyRecord) *decimal.Decimal { return &r.ExpenseAmount }),
	textField(FieldReserveComments, func(r *DailyRecord) *string { return &r.ReserveComments }),
	textField(FieldNotes, func(r *DailyRecord) *string { return &r.Notes }),
}

const (
	FieldDate            = "date"
	FieldBillCount       = "bill_count"
	FieldActualCash      = "actual_cash"
	FieldOnlineSales     = "online_sales"
	FieldUnbilledSales   = "unbilled_sales"
	FieldSoftwareFigure  = "software_figure"
	FieldCashReserve     = "cash_reserve"
	FieldExpenseAmount   = "expense_amount"
	FieldReserveComments = "reserve_comments"
	FieldNotes           = "notes"
)

func lookupField(name string) (recordField, bool) {
	for _, f := range recordFields {
		if f.name == name {
			return f, true
		}
	}
	return recordField{}, false
}

// creationChanges lists every non-default field of a new record.
func creationChanges(r *DailyRecord) []FieldChange {
	changes := make([]FieldChange, 0, len(recordFields))
	for _, f := range recordFields {
		if f.isDefault(r) {
			continue
		}
		v := f.get(r)
		changes = append(changes, FieldChange{Field: f.name, NewValue: &v})
	}
	return changes
}

// diffRecords returns exactly the fields whose values differ.
func diffRecords(before, after *DailyRecord) []FieldChange {
	var changes []FieldChange
	for _, f := range recordFields {
		if f.equal(before, after) {
			continue
		}
		oldV, newV := f.get(before), f.get(after)
		changes = append(changes, FieldChange{Field: f.name, OldValue: &oldV, NewValue: &newV})
	}
	return changes
}

// deletionChanges captures the full prior state, defaults included.
func deletionChanges(r *DailyRecord) []FieldChange {
	changes := make([]FieldChange, 0, len(recordFields))
	for _, f := range recordFields {
		v := f.get(r)
		changes = append(changes, FieldChange{Field: f.name, OldValue: &v})
	}
	return changes
}

// SameFigures reports whether two records agree on every audited field.
func SameFigures(a, b *DailyRecord) bool {
	return len(diffRecords(a, b)) == 0
}
