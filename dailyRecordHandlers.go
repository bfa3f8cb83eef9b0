package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/config"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/models/reports"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/utils"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	maxImportFileBytes = 10 << 20
	maxBulkBodyBytes   = maxImportFileBytes
)

// apiDeps is everything the daily record routes need.
type apiDeps struct {
	DB            *gorm.DB
	Store         *models.RecordStore
	Importer      *workflow.BulkImporter
	Logger        *logrus.Logger
	Threshold     decimal.Decimal
	AuditMaxLimit int
	// Archive keeps a copy of uploaded spreadsheets; nil disables it.
	Archive func(ctx context.Context, objectName string, data []byte) error
	Today   func() models.Date
}

func registerDailyRecordRoutes(rg *gin.RouterGroup, d *apiDeps) {
	rg.POST("/", createDailyRecordHandler(d))
	rg.GET("/", listDailyRecordsHandler(d))
	rg.GET("/date/:date", getDailyRecordHandler(d))
	rg.PUT("/date/:date", updateDailyRecordHandler(d))
	rg.DELETE("/date/:date", deleteDailyRecordHandler(d))
	rg.GET("/date/:date/modifications", recordModificationsHandler(d))
	rg.POST("/bulk", bulkCreateHandler(d))
	rg.POST("/import/excel", importExcelHandler(d))
	rg.GET("/export/excel/:year/:month", exportExcelHandler(d))
	rg.GET("/analytics/monthly/:year/:month", monthlyAnalyticsHandler(d))
	rg.GET("/analytics/variances", varianceReportHandler(d))
	rg.GET("/analytics/dashboard", dashboardHandler(d))
	rg.GET("/audit/logs", auditLogsHandler(d))
	rg.GET("/audit/users", auditUsersHandler(d))
	rg.GET("/audit/activity/:date", recordActivityHandler(d))
	registerOutboxRoutes(rg, d)
}

// actorFromRequest prefers the X-Actor header; modified_by is what older
// clients send on edits.
func actorFromRequest(c *gin.Context) string {
	if actor, ok := utils.GetActorFromContext(c.Request.Context()); ok && strings.TrimSpace(actor) != "" {
		return actor
	}
	return strings.TrimSpace(c.Query("modified_by"))
}

func createDailyRecordHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw models.RawDailyRecord
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		record, err := models.ValidateDailyRecord(&raw)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		view, err := d.Store.Create(c.Request.Context(), record, actorFromRequest(c))
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusCreated, view)
	}
}

func listDailyRecordsHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := dateRangeFromQuery(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		views, err := d.Store.List(c.Request.Context(), r)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": views, "count": len(views)})
	}
}

func getDailyRecordHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, err := dateParam(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		view, err := d.Store.Get(c.Request.Context(), date)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func updateDailyRecordHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, err := dateParam(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		var raw models.RawDailyRecord
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		patch, err := models.ValidatePatch(&raw)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		view, err := d.Store.Update(c.Request.Context(), date, patch, actorFromRequest(c))
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func deleteDailyRecordHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, err := dateParam(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		if err := d.Store.Delete(c.Request.Context(), date, actorFromRequest(c)); err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": date})
	}
}

func recordModificationsHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, err := dateParam(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		entries, err := d.Store.Audit().QueryByRecord(c.Request.Context(), date)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"date": date, "modifications": entries})
	}
}

func recordActivityHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, err := dateParam(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		limit, err := limitFromQuery(c, d.AuditMaxLimit)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		entries, err := d.Store.Audit().Query(c.Request.Context(), models.AuditFilter{RecordDate: &date, Limit: limit})
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"date": date, "activity": entries})
	}
}

type bulkCreateRequest struct {
	Records []models.RawDailyRecord `json:"records"`
}

// bulkCreateHandler accepts either a bare JSON array of rows or
// {"records": [...]}.
func bulkCreateHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBulkBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body is too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		rows, err := decodeBulkRows(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		outcome, err := d.Importer.Import(c.Request.Context(), rows, actorFromRequest(c))
		if err != nil && outcome == nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, outcome)
	}
}

func decodeBulkRows(body []byte) ([]models.RawDailyRecord, error) {
	trimmed := bytes.TrimSpace(body)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []models.RawDailyRecord
		if err := dec.Decode(&rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	var req bulkCreateRequest
	if err := dec.Decode(&req); err != nil {
		return nil, err
	}
	return req.Records, nil
}

func importExcelHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := actorFromRequest(c)
		if actor == "" {
			writeError(c, d.Logger, &models.InvalidActorError{})
			return
		}
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if fileHeader.Size > maxImportFileBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is too large"})
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxImportFileBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
			return
		}

		rows, sheetRows, err := workflow.DecodeXlsxRows(bytes.NewReader(data))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var archivedAs string
		if d.Archive != nil {
			objectName := utils.ImportArchiveObjectName(time.Now(), actor, fileHeader.Filename)
			if err := d.Archive(c.Request.Context(), objectName, data); err != nil {
				config.LogError(d.Logger, "dailyRecordHandlers.go", "importExcelHandler", "archive upload", objectName, err)
			} else {
				archivedAs = objectName
			}
		}

		outcome, err := d.Importer.Import(c.Request.Context(), rows, actor)
		if err != nil && outcome == nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"outcome":     outcome,
			"sheet_rows":  sheetRows,
			"archived_as": archivedAs,
		})
	}
}

func exportExcelHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		year, month, err := yearMonthParams(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		threshold, err := thresholdFromQuery(c, d.Threshold)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		var buf bytes.Buffer
		if err := reports.ExportMonthXlsx(c.Request.Context(), d.Store, year, month, threshold, &buf); err != nil {
			writeError(c, d.Logger, err)
			return
		}
		fileName := fmt.Sprintf("daily-records-%04d-%02d.xlsx", year, int(month))
		c.Header("Content-Disposition", "attachment; filename="+fileName)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}

func monthlyAnalyticsHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		year, month, err := yearMonthParams(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		threshold, err := thresholdFromQuery(c, d.Threshold)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		summary, err := reports.SummarizeMonth(c.Request.Context(), d.Store, year, month, threshold)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// varianceReportHandler defaults to the current month when no range is given.
func varianceReportHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := dateRangeFromQuery(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		if r.From.IsZero() && r.To.IsZero() {
			today := d.Today()
			r = models.MonthRange(today.Year, today.Month)
		}
		threshold, err := thresholdFromQuery(c, d.Threshold)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		report, err := reports.VarianceReport(c.Request.Context(), d.Store, r, threshold)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func dashboardHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		today := d.Today()
		if v := c.Query("date"); v != "" {
			parsed, err := models.ParseDate(v)
			if err != nil {
				writeError(c, d.Logger, &models.ValidationError{Field: "date", Reason: err.Error()})
				return
			}
			today = parsed
		}
		threshold, err := thresholdFromQuery(c, d.Threshold)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		summary, err := reports.DashboardSummary(c.Request.Context(), d.Store, today, threshold)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func auditLogsHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := limitFromQuery(c, d.AuditMaxLimit)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		filter := models.AuditFilter{Actor: c.Query("user"), Limit: limit}
		if v := c.Query("action"); v != "" {
			action := models.AuditAction(strings.ToUpper(v))
			if !action.IsValid() {
				writeError(c, d.Logger, &models.ValidationError{Field: "action", Reason: "must be CREATE, UPDATE or DELETE"})
				return
			}
			filter.Action = action
		}
		if v := c.Query("date"); v != "" {
			date, err := models.ParseDate(v)
			if err != nil {
				writeError(c, d.Logger, &models.ValidationError{Field: "date", Reason: err.Error()})
				return
			}
			filter.RecordDate = &date
		}
		entries, err := d.Store.Audit().Query(c.Request.Context(), filter)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": entries, "count": len(entries)})
	}
}

func auditUsersHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		actors, err := d.Store.Audit().ListActors(c.Request.Context())
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": actors})
	}
}

func dateParam(c *gin.Context) (models.Date, error) {
	date, err := models.ParseDate(c.Param("date"))
	if err != nil {
		return models.Date{}, &models.ValidationError{Field: "date", Reason: err.Error()}
	}
	return date, nil
}

func dateRangeFromQuery(c *gin.Context) (models.DateRange, error) {
	var r models.DateRange
	for _, p := range []struct {
		name string
		dst  *models.Date
	}{{"from", &r.From}, {"to", &r.To}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		d, err := models.ParseDate(v)
		if err != nil {
			return r, &models.ValidationError{Field: p.name, Reason: err.Error()}
		}
		*p.dst = d
	}
	return r, nil
}

func yearMonthParams(c *gin.Context) (int, time.Month, error) {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year < 1 || year > 9999 {
		return 0, 0, &models.ValidationError{Field: "year", Reason: "must be a four digit year"}
	}
	month, err := strconv.Atoi(c.Param("month"))
	if err != nil || month < 1 || month > 12 {
		return 0, 0, &models.ValidationError{Field: "month", Reason: "must be between 1 and 12"}
	}
	return year, time.Month(month), nil
}

func thresholdFromQuery(c *gin.Context, def decimal.Decimal) (decimal.Decimal, error) {
	v := strings.TrimSpace(c.Query("threshold"))
	if v == "" {
		return def, nil
	}
	threshold, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, &models.ValidationError{Field: "threshold", Reason: "must be a number"}
	}
	return threshold, models.ValidateThreshold(threshold)
}

func limitFromQuery(c *gin.Context, max int) (int, error) {
	v := strings.TrimSpace(c.Query("limit"))
	if v == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		return 0, &models.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit, nil
}

// writeError maps the typed errors to status codes. Storage failures are
// reported as retryable.
func writeError(c *gin.Context, logger *logrus.Logger, err error) {
	var (
		validation   *models.ValidationError
		invalidActor *models.InvalidActorError
		notFound     *models.NotFoundError
		duplicate    *models.DuplicateDateError
		persistence  *models.PersistenceError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": validation.Field, "reason": validation.Reason})
	case errors.As(err, &invalidActor):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "actor"})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &duplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "date": duplicate.Date})
	case errors.As(err, &persistence):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is unavailable, try again"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		config.LogError(logger, "dailyRecordHandlers.go", "writeError", c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
