package models

import (
	"github.com/shopspring/decimal"
)

// DefaultVarianceThreshold is the threshold the back office has always used
// when none is supplied.
var DefaultVarianceThreshold = decimal.NewFromInt(50)

type DerivedFigures struct {
	TotalCash     decimal.Decimal `json:"total_cash"`
	TotalSales    decimal.Decimal `json:"total_sales"`
	RecordedSales decimal.Decimal `json:"recorded_sales"`
	Difference    decimal.Decimal `json:"difference"`
	AverageBill   decimal.Decimal `json:"average_bill"`
}

// ComputeFigures is the only place the reconciliation arithmetic lives.
// Everything except AverageBill is an exact decimal sum.
func ComputeFigures(r *DailyRecord) DerivedFigures {
	totalCash := r.ActualCash.Add(r.CashReserve).Add(r.ExpenseAmount)
	totalSales := totalCash.Add(r.OnlineSales)
	recordedSales := r.UnbilledSales.Add(r.SoftwareFigure)

	averageBill := decimal.Zero
	if r.BillCount > 0 {
		averageBill = recordedSales.DivRound(decimal.NewFromInt(int64(r.BillCount)), 2)
	}
	return DerivedFigures{
		TotalCash:     totalCash,
		TotalSales:    totalSales,
		RecordedSales: recordedSales,
		Difference:    totalSales.Sub(recordedSales),
		AverageBill:   averageBill,
	}
}

type VarianceDirection string

const (
	VarianceOver     VarianceDirection = "over"
	VarianceUnder    VarianceDirection = "under"
	VarianceBalanced VarianceDirection = "balanced"
)

type Variance struct {
	IsHighVariance bool              `json:"is_high_variance"`
	Magnitude      decimal.Decimal   `json:"magnitude"`
	Difference     decimal.Decimal   `json:"difference"`
	Direction      VarianceDirection `json:"direction"`
}

// ClassifyVariance flags a day whose |difference| is strictly above threshold.
// Over means more money was counted than the software recorded.
func ClassifyVariance(f DerivedFigures, threshold decimal.Decimal) Variance {
	magnitude := f.Difference.Abs()
	direction := VarianceBalanced
	switch f.Difference.Sign() {
	case 1:
		direction = VarianceOver
	case -1:
		direction = VarianceUnder
	}
	return Variance{
		IsHighVariance: magnitude.GreaterThan(threshold),
		Magnitude:      magnitude,
		Difference:     f.Difference,
		Direction:      direction,
	}
}

// ValidateThreshold rejects negative thresholds at reporting entry points.
func ValidateThreshold(threshold decimal.Decimal) error {
	if threshold.IsNegative() {
		return &ValidationError{Field: "threshold", Reason: "must not be negative"}
	}
	return nil
}
