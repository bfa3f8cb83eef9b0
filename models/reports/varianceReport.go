package reports

import (
	"context"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"github.com/shopspring/decimal"
)

type VarianceRow struct {
	Date           models.Date              `json:"date"`
	Weekday        string                   `json:"day"`
	TotalSales     decimal.Decimal          `json:"total_sales"`
	RecordedSales  decimal.Decimal          `json:"recorded_sales"`
	Difference     decimal.Decimal          `json:"difference"`
	Magnitude      decimal.Decimal          `json:"magnitude"`
	Direction      models.VarianceDirection `json:"direction"`
	Notes          string                   `json:"notes"`
	ReserveComment string                   `json:"reserve_comments"`
}

type VarianceReportResponse struct {
	From           models.Date     `json:"from"`
	To             models.Date     `json:"to"`
	Threshold      decimal.Decimal `json:"threshold"`
	RecordsChecked int             `json:"records_checked"`
	Rows           []VarianceRow   `json:"rows"`
}

// VarianceReport lists the high-variance days in r, largest magnitude first.
// Equal magnitudes keep date order.
func VarianceReport(ctx context.Context, lister RecordLister, r models.DateRange, threshold decimal.Decimal) (*VarianceReportResponse, error) {
	if err := models.ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	defer logSlowReport(ctx, "variances", time.Now(), r)
	records, err := lister.List(ctx, r)
	if err != nil {
		return nil, err
	}

	resp := &VarianceReportResponse{
		From:           r.From,
		To:             r.To,
		Threshold:      threshold,
		RecordsChecked: len(records),
		Rows:           []VarianceRow{},
	}
	for _, rec := range records {
		figures := models.ComputeFigures(&rec.DailyRecord)
		v := models.ClassifyVariance(figures, threshold)
		if !v.IsHighVariance {
			continue
		}
		resp.Rows = append(resp.Rows, VarianceRow{
			Date:           rec.RecordDate,
			Weekday:        rec.RecordDate.Weekday().String(),
			TotalSales:     figures.TotalSales,
			RecordedSales:  figures.RecordedSales,
			Difference:     v.Difference,
			Magnitude:      v.Magnitude,
			Direction:      v.Direction,
			Notes:          rec.Notes,
			ReserveComment: rec.ReserveComments,
		})
	}
	sort.SliceStable(resp.Rows, func(i, j int) bool {
		a, b := resp.Rows[i], resp.Rows[j]
		if !a.Magnitude.Equal(b.Magnitude) {
			return a.Magnitude.GreaterThan(b.Magnitude)
		}
		return a.Date.Before(b.Date)
	})
	return resp, nil
}
