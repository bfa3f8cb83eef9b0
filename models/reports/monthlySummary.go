package reports

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"github.com/shopspring/decimal"
)

// RecordLister is the read side of models.RecordStore the reports need.
type RecordLister interface {
	List(ctx context.Context, r models.DateRange) ([]*models.DailyRecordView, error)
}

type MonthlySummary struct {
	From              models.Date     `json:"from"`
	To                models.Date     `json:"to"`
	Threshold         decimal.Decimal `json:"threshold"`
	TotalDays         int             `json:"total_days"`
	TotalSales        decimal.Decimal `json:"total_sales"`
	TotalBills        int             `json:"total_bills"`
	AvgDailySales     decimal.Decimal `json:"avg_daily_sales"`
	HighVarianceCount int             `json:"high_variance_count"`
	BestDay           *models.Date    `json:"best_day"`
	BestDaySales      decimal.Decimal `json:"best_day_sales"`
}

// Summarize folds every record in r into period statistics. An empty range
// gives a zero summary. Equal best-day sales resolve to the earliest date.
func Summarize(ctx context.Context, lister RecordLister, r models.DateRange, threshold decimal.Decimal) (*MonthlySummary, error) {
	if err := models.ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	defer logSlowReport(ctx, "summary", time.Now(), r)
	return summarize(ctx, lister, r, threshold)
}

func summarize(ctx context.Context, lister RecordLister, r models.DateRange, threshold decimal.Decimal) (*MonthlySummary, error) {
	records, err := lister.List(ctx, r)
	if err != nil {
		return nil, err
	}

	summary := &MonthlySummary{
		From:          r.From,
		To:            r.To,
		Threshold:     threshold,
		TotalSales:    decimal.Zero,
		AvgDailySales: decimal.Zero,
		BestDaySales:  decimal.Zero,
	}
	for _, rec := range records {
		figures := models.ComputeFigures(&rec.DailyRecord)
		summary.TotalDays++
		summary.TotalSales = summary.TotalSales.Add(figures.TotalSales)
		summary.TotalBills += rec.BillCount
		if models.ClassifyVariance(figures, threshold).IsHighVariance {
			summary.HighVarianceCount++
		}
		if isBetterDay(summary, rec.RecordDate, figures.TotalSales) {
			day := rec.RecordDate
			summary.BestDay = &day
			summary.BestDaySales = figures.TotalSales
		}
	}
	if summary.TotalDays > 0 {
		summary.AvgDailySales = summary.TotalSales.DivRound(decimal.NewFromInt(int64(summary.TotalDays)), 2)
	}
	return summary, nil
}

// SummarizeMonth is Summarize over the calendar month.
func SummarizeMonth(ctx context.Context, lister RecordLister, year int, month time.Month, threshold decimal.Decimal) (*MonthlySummary, error) {
	if month < time.January || month > time.December {
		return nil, &models.ValidationError{Field: "month", Reason: "must be between 1 and 12"}
	}
	return Summarize(ctx, lister, models.MonthRange(year, month), threshold)
}

func isBetterDay(s *MonthlySummary, day models.Date, sales decimal.Decimal) bool {
	if s.BestDay == nil {
		return true
	}
	if sales.GreaterThan(s.BestDaySales) {
		return true
	}
	return sales.Equal(s.BestDaySales) && day.Before(*s.BestDay)
}
