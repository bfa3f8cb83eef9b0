package main

import (
	"errors"
	"net/http"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"github.com/gin-gonic/gin"
)

func registerOutboxRoutes(rg *gin.RouterGroup, d *apiDeps) {
	rg.GET("/outbox/summary", outboxSummaryHandler(d))
	rg.GET("/outbox/date/:date", outboxStatusHandler(d))
	rg.POST("/outbox/date/:date/reprocess", outboxReprocessHandler(d))
}

func outboxSummaryHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := models.OutboxSummary(c.Request.Context(), d.DB)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"statuses": summary})
	}
}

func outboxStatusHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, err := dateParam(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		events, err := models.GetOutboxStatus(c.Request.Context(), d.DB, date)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"date": date, "events": events})
	}
}

func outboxReprocessHandler(d *apiDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, err := dateParam(c)
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		events, err := models.ReprocessOutbox(c.Request.Context(), d.DB, date)
		var notFound *models.NotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no failed or dead events for " + date.String()})
			return
		}
		if err != nil {
			writeError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"date": date, "events": events})
	}
}
