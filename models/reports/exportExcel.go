package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type ExcelExporter interface {
	GetCellValues() []interface{}
}

var monthlyExportHeadings = []string{
	"Date", "Day", "No of Bills",
	"Actual Cash", "Cash Reserve", "Expense Amount", "Total Cash",
	"Online Sales", "Total Sales",
	"Unbilled Sales", "Software Figure", "Recorded Sales",
	"Difference", "Average Bill", "High Variance",
	"Reserve Comments", "Notes",
}

type monthlyExportRow struct {
	view      *models.DailyRecordView
	threshold decimal.Decimal
}

func (r monthlyExportRow) GetCellValues() []interface{} {
	v := r.view
	f := models.ComputeFigures(&v.DailyRecord)
	high := "No"
	if models.ClassifyVariance(f, r.threshold).IsHighVariance {
		high = "Yes"
	}
	return []interface{}{
		v.RecordDate.String(),
		v.RecordDate.Weekday().String(),
		v.BillCount,
		v.ActualCash.InexactFloat64(),
		v.CashReserve.InexactFloat64(),
		v.ExpenseAmount.InexactFloat64(),
		f.TotalCash.InexactFloat64(),
		v.OnlineSales.InexactFloat64(),
		f.TotalSales.InexactFloat64(),
		v.UnbilledSales.InexactFloat64(),
		v.SoftwareFigure.InexactFloat64(),
		f.RecordedSales.InexactFloat64(),
		f.Difference.InexactFloat64(),
		f.AverageBill.InexactFloat64(),
		high,
		v.ReserveComments,
		v.Notes,
	}
}

// ExportMonthXlsx writes one sheet with a row per recorded day of the month,
// stored and derived columns side by side.
func ExportMonthXlsx(ctx context.Context, lister RecordLister, year int, month time.Month, threshold decimal.Decimal, w io.Writer) error {
	if month < time.January || month > time.December {
		return &models.ValidationError{Field: "month", Reason: "must be between 1 and 12"}
	}
	if err := models.ValidateThreshold(threshold); err != nil {
		return err
	}
	r := models.MonthRange(year, month)
	defer logSlowReport(ctx, "export", time.Now(), r)
	records, err := lister.List(ctx, r)
	if err != nil {
		return err
	}
	data := make([]ExcelExporter, 0, len(records))
	for _, rec := range records {
		data = append(data, monthlyExportRow{view: rec, threshold: threshold})
	}

	f := excelize.NewFile()
	defer f.Close()
	sheetName := fmt.Sprintf("%04d-%02d", year, int(month))
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}
	if err := writeSheet(f, sheetName, monthlyExportHeadings, data); err != nil {
		return err
	}
	return f.Write(w)
}

func writeSheet(f *excelize.File, sheetName string, headings []string, data []ExcelExporter) error {
	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return err
		}
	}
	for rowNo, d := range data {
		for i, value := range d.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return err
			}
		}
	}
	return nil
}
