package workflow

import (
	"bytes"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"github.com/xuri/excelize/v2"
)

func buildWorkbook(t *testing.T, rows [][]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for r, row := range rows {
		for c, v := range row {
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				t.Fatalf("cell name: %v", err)
			}
			if err := f.SetCellValue("Sheet1", cell, v); err != nil {
				t.Fatalf("SetCellValue: %v", err)
			}
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return &buf
}

func TestDecodeXlsxRows(t *testing.T) {
	buf := buildWorkbook(t, [][]interface{}{
		{"Date", "Day", "No. of Bills", "Actual Cash", "Software Sales", "Expenses", "Notes", "Cashier"},
		{45306, "Mon", 10, 800, 1000, 50, "first", "Ko Aung"}, // 45306 is 2024-01-15
		{nil, nil, nil, nil},
		{"2024-01-16", "Tue", "12", "1,200.50", 900, nil, nil, nil},
	})

	rows, sheetRows, err := DecodeXlsxRows(buf)
	if err != nil {
		t.Fatalf("DecodeXlsxRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if len(sheetRows) != 2 || sheetRows[0] != 2 || sheetRows[1] != 4 {
		t.Fatalf("unexpected sheet rows %v", sheetRows)
	}
	if rows[0].Date != "2024-01-15" {
		t.Fatalf("expected the serial to become 2024-01-15, got %q", rows[0].Date)
	}
	if rows[0].Notes == nil || *rows[0].Notes != "first" {
		t.Fatalf("expected notes to be read")
	}

	first, err := models.ValidateDailyRecord(&rows[0])
	if err != nil {
		t.Fatalf("validate first row: %v", err)
	}
	if first.BillCount != 10 || !first.SoftwareFigure.Equal(dec("1000")) || !first.ExpenseAmount.Equal(dec("50")) {
		t.Fatalf("aliases not applied: %+v", first)
	}
	second, err := models.ValidateDailyRecord(&rows[1])
	if err != nil {
		t.Fatalf("validate second row: %v", err)
	}
	if !second.ActualCash.Equal(dec("1200.50")) || !second.ExpenseAmount.IsZero() {
		t.Fatalf("unexpected second row %+v", second)
	}
}

func TestDecodeXlsxRows_NeedsDateColumn(t *testing.T) {
	buf := buildWorkbook(t, [][]interface{}{
		{"Actual Cash", "Notes"},
		{100, "x"},
	})
	if _, _, err := DecodeXlsxRows(buf); !errors.Is(err, ErrNoHeaderRow) {
		t.Fatalf("expected ErrNoHeaderRow, got %v", err)
	}

	empty := buildWorkbook(t, nil)
	if _, _, err := DecodeXlsxRows(empty); !errors.Is(err, ErrNoHeaderRow) {
		t.Fatalf("expected ErrNoHeaderRow for an empty sheet, got %v", err)
	}

	if _, _, err := DecodeXlsxRows(bytes.NewBufferString("not a workbook")); err == nil {
		t.Fatalf("expected an error for a non-xlsx body")
	}
}

func TestNormaliseHeader(t *testing.T) {
	cases := map[string]string{
		" No. of Bills ":   "no_of_bills",
		"Reserve-Comments": "reserve_comments",
		"SOFTWARE  FIGURE": "software_figure",
	}
	for in, want := range cases {
		if got := normaliseHeader(in); got != want {
			t.Fatalf("normaliseHeader(%q) = %q, want %q", in, got, want)
		}
	}
}
