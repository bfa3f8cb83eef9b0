package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VarianceThreshold is the default high-variance cut-off.
//
// Set via env:
// - VARIANCE_THRESHOLD=50
func VarianceThreshold() decimal.Decimal {
	def := decimal.NewFromInt(50)
	v := strings.TrimSpace(os.Getenv("VARIANCE_THRESHOLD"))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return def
	}
	return d
}

// ImportWorkers sizes the bulk import worker pool (IMPORT_WORKERS, default 4).
func ImportWorkers() int {
	n := intFromEnv("IMPORT_WORKERS", 4)
	if n < 1 {
		return 1
	}
	return n
}

// DateLockTimeout bounds how long a mutation waits for its date
// (DATE_LOCK_TIMEOUT_SECONDS, default 10).
func DateLockTimeout() time.Duration {
	n := intFromEnv("DATE_LOCK_TIMEOUT_SECONDS", 10)
	if n <= 0 {
		n = 10
	}
	return time.Duration(n) * time.Second
}

// AuditQueryMaxLimit caps the limit accepted by the audit log endpoint.
func AuditQueryMaxLimit() int {
	n := intFromEnv("AUDIT_QUERY_MAX_LIMIT", 500)
	if n <= 0 {
		return 500
	}
	return n
}

// ReportSlowThreshold is how long a report may run before it is logged as
// slow (REPORT_SLOW_MS, default 500).
func ReportSlowThreshold() time.Duration {
	n := intFromEnv("REPORT_SLOW_MS", 500)
	if n <= 0 {
		n = 500
	}
	return time.Duration(n) * time.Millisecond
}

func DailyRecordEventsTopic() string {
	return strings.TrimSpace(os.Getenv("DAILY_RECORD_EVENTS_TOPIC"))
}

// IsProduction is true when GO_ENV=production.
func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

// CorsAllowedOrigins reads CORS_ALLOWED_ORIGINS as a comma separated list.
// Empty means allow all.
func CorsAllowedOrigins() []string {
	raw := os.Getenv("CORS_ALLOWED_ORIGINS")
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// boolFromEnv accepts 1/true/yes/y.
func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
