package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Date is the calendar day a daily record belongs to.
// Stored as SQL DATE, serialised as YYYY-MM-DD.
type Date struct {
	civil.Date
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{civil.Date{Year: year, Month: month, Day: day}}
}

func DateOf(t time.Time) Date {
	return Date{civil.DateOf(t)}
}

// ParseDate accepts YYYY-MM-DD and full timestamps; timestamps are cut to
// their own calendar day without any timezone conversion.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, fmt.Errorf("empty date")
	}
	if d, err := civil.ParseDate(s); err == nil {
		return Date{d}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("cannot parse %q as a date (expected YYYY-MM-DD)", s)
}

func (d Date) Weekday() time.Weekday {
	return d.In(time.UTC).Weekday()
}

func (d Date) AddDays(n int) Date {
	return Date{d.Date.AddDays(n)}
}

func (d Date) Before(o Date) bool { return d.Date.Before(o.Date) }
func (d Date) After(o Date) bool  { return d.Date.After(o.Date) }

func (d Date) GormDataType() string {
	return "date"
}

func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = DateOf(v)
		return nil
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case []byte:
		parsed, err := ParseDate(string(v))
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into Date", src)
}

// DateRange is inclusive on both ends. A zero bound leaves that side open.
type DateRange struct {
	From Date `json:"from"`
	To   Date `json:"to"`
}

func MonthRange(year int, month time.Month) DateRange {
	first := NewDate(year, month, 1)
	last := Date{civil.DateOf(first.In(time.UTC).AddDate(0, 1, -1))}
	return DateRange{From: first, To: last}
}

// LastNDays returns the n days ending on (and including) end.
func LastNDays(end Date, n int) DateRange {
	if n < 1 {
		n = 1
	}
	return DateRange{From: end.AddDays(-(n - 1)), To: end}
}

func (r DateRange) Contains(d Date) bool {
	if !r.From.IsZero() && d.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && d.After(r.To) {
		return false
	}
	return true
}

func (r DateRange) validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.From.After(r.To) {
		return &ValidationError{Field: "from", Reason: "must not be after to"}
	}
	return nil
}
