package workflow

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"github.com/xuri/excelize/v2"
)

var ErrNoHeaderRow = errors.New("spreadsheet has no header row")

type xlsxColumn func(raw *models.RawDailyRecord, value string)

func textColumn(dst func(raw *models.RawDailyRecord) **string) xlsxColumn {
	return func(raw *models.RawDailyRecord, value string) {
		v := value
		*dst(raw) = &v
	}
}

func anyColumn(dst func(raw *models.RawDailyRecord) *any) xlsxColumn {
	return func(raw *models.RawDailyRecord, value string) {
		*dst(raw) = value
	}
}

// xlsxHeaders maps normalised header text to the row field it fills. The
// aliases are the column names used by the older upload template.
var xlsxHeaders = map[string]xlsxColumn{
	"date":             func(raw *models.RawDailyRecord, v string) { raw.Date = v },
	"day":              func(raw *models.RawDailyRecord, v string) { raw.Day = v },
	"bill_count":       anyColumn(func(r *models.RawDailyRecord) *any { return &r.BillCount }),
	"no_of_bills":      anyColumn(func(r *models.RawDailyRecord) *any { return &r.NoOfBills }),
	"number_of_bills":  anyColumn(func(r *models.RawDailyRecord) *any { return &r.NoOfBills }),
	"bills":            anyColumn(func(r *models.RawDailyRecord) *any { return &r.NoOfBills }),
	"actual_cash":      anyColumn(func(r *models.RawDailyRecord) *any { return &r.ActualCash }),
	"online_sales":     anyColumn(func(r *models.RawDailyRecord) *any { return &r.OnlineSales }),
	"unbilled_sales":   anyColumn(func(r *models.RawDailyRecord) *any { return &r.UnbilledSales }),
	"software_figure":  anyColumn(func(r *models.RawDailyRecord) *any { return &r.SoftwareFigure }),
	"software_sales":   anyColumn(func(r *models.RawDailyRecord) *any { return &r.SoftwareFigure }),
	"cash_reserve":     anyColumn(func(r *models.RawDailyRecord) *any { return &r.CashReserve }),
	"expense_amount":   anyColumn(func(r *models.RawDailyRecord) *any { return &r.ExpenseAmount }),
	"expenses":         anyColumn(func(r *models.RawDailyRecord) *any { return &r.ExpenseAmount }),
	"reserve_comments": textColumn(func(r *models.RawDailyRecord) **string { return &r.ReserveComments }),
	"notes":            textColumn(func(r *models.RawDailyRecord) **string { return &r.Notes }),
}

func normaliseHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer(" ", "_", "-", "_", ".", "").Replace(h)
	for strings.Contains(h, "__") {
		h = strings.ReplaceAll(h, "__", "_")
	}
	return h
}

// DecodeXlsxRows reads the first sheet. The first row is the header; columns
// it does not recognise are ignored and blank rows are skipped. sheetRows[i]
// is the 1-based sheet row that rows[i] came from.
func DecodeXlsxRows(r io.Reader) (rows []models.RawDailyRecord, sheetRows []int, err error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, ErrNoHeaderRow
	}
	cells, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(cells) == 0 {
		return nil, nil, ErrNoHeaderRow
	}

	columns := make([]xlsxColumn, len(cells[0]))
	dateCol := -1
	for i, h := range cells[0] {
		name := normaliseHeader(h)
		columns[i] = xlsxHeaders[name]
		if name == "date" {
			dateCol = i
		}
	}
	if dateCol < 0 {
		return nil, nil, fmt.Errorf("%w: no date column", ErrNoHeaderRow)
	}

	rows = []models.RawDailyRecord{}
	sheetRows = []int{}
	for i, line := range cells[1:] {
		if isBlankRow(line) {
			continue
		}
		var raw models.RawDailyRecord
		for c, value := range line {
			if c >= len(columns) || columns[c] == nil {
				continue
			}
			if c == dateCol {
				value = excelDateCell(value)
			}
			columns[c](&raw, strings.TrimSpace(value))
		}
		rows = append(rows, raw)
		sheetRows = append(sheetRows, i+2)
	}
	return rows, sheetRows, nil
}

// excelDateCell turns a raw date serial into YYYY-MM-DD. Text dates pass
// through for the validator.
func excelDateCell(value string) string {
	value = strings.TrimSpace(value)
	serial, err := strconv.ParseFloat(value, 64)
	if err != nil || serial <= 0 {
		return value
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return value
	}
	return models.DateOf(t).String()
}

func isBlankRow(line []string) bool {
	for _, v := range line {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
