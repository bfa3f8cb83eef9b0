package reports

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/config"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/utils"
	"github.com/sirupsen/logrus"
)

// logSlowReport warns when a report took longer than REPORT_SLOW_MS.
func logSlowReport(ctx context.Context, name string, started time.Time, r models.DateRange) {
	d := time.Since(started)
	if d < config.ReportSlowThreshold() {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	config.GetLogger().WithFields(logrus.Fields{
		"field":          "reports",
		"report":         name,
		"ms":             d.Milliseconds(),
		"from":           r.From.String(),
		"to":             r.To.String(),
		"correlation_id": cid,
	}).Warn("slow report")
}
