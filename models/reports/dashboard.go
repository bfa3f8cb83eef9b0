package reports

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"github.com/shopspring/decimal"
)

const dashboardWindowDays = 7

// DashboardSource is the part of models.RecordStore the dashboard reads.
type DashboardSource interface {
	RecordLister
	Latest(ctx context.Context) (*models.DailyRecordView, error)
}

type DashboardResponse struct {
	From               models.Date             `json:"from"`
	To                 models.Date             `json:"to"`
	RecordCount        int                     `json:"record_count"`
	TotalSales         decimal.Decimal         `json:"total_sales"`
	AvgDailySales      decimal.Decimal         `json:"avg_daily_sales"`
	DaysWithVariance   int                     `json:"days_with_variance"`
	Threshold          decimal.Decimal         `json:"threshold"`
	LatestRecord       *models.DailyRecordView `json:"latest_record"`
	LatestRecordStatus *models.Variance        `json:"latest_record_variance"`
}

// DashboardSummary covers the seven days ending on today plus the newest
// record on file, which may be older than the window.
func DashboardSummary(ctx context.Context, source DashboardSource, today models.Date, threshold decimal.Decimal) (*DashboardResponse, error) {
	if err := models.ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	window := models.LastNDays(today, dashboardWindowDays)
	defer logSlowReport(ctx, "dashboard", time.Now(), window)
	summary, err := summarize(ctx, source, window, threshold)
	if err != nil {
		return nil, err
	}
	latest, err := source.Latest(ctx)
	if err != nil {
		return nil, err
	}

	resp := &DashboardResponse{
		From:             window.From,
		To:               window.To,
		RecordCount:      summary.TotalDays,
		TotalSales:       summary.TotalSales,
		AvgDailySales:    summary.AvgDailySales,
		DaysWithVariance: summary.HighVarianceCount,
		Threshold:        threshold,
		LatestRecord:     latest,
	}
	if latest != nil {
		v := models.ClassifyVariance(latest.DerivedFigures, threshold)
		resp.LatestRecordStatus = &v
	}
	return resp, nil
}
