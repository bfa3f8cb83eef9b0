package workflow

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/config"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"github.com/sirupsen/logrus"
)

// RecordCreator is the write path of models.RecordStore used by imports.
type RecordCreator interface {
	Create(ctx context.Context, record *models.DailyRecord, actor string) (*models.DailyRecordView, error)
}

type RowFailure struct {
	RowIndex int    `json:"row_index"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`
}

type DuplicateRow struct {
	RowIndex int         `json:"row_index"`
	Date     models.Date `json:"date"`
}

// ImportOutcome reports what happened to every row that was looked at.
// ImportedCount + DuplicateCount + len(FailedRows) == ProcessedRows.
type ImportOutcome struct {
	TotalRows      int            `json:"total_rows"`
	ProcessedRows  int            `json:"processed_rows"`
	ImportedCount  int            `json:"imported_count"`
	DuplicateCount int            `json:"duplicate_count"`
	FailedRows     []RowFailure   `json:"failed_rows"`
	DuplicateRows  []DuplicateRow `json:"duplicate_rows"`
	Cancelled      bool           `json:"cancelled"`

	mu sync.Mutex
}

func (o *ImportOutcome) imported() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ProcessedRows++
	o.ImportedCount++
}

func (o *ImportOutcome) duplicate(rowIndex int, date models.Date) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ProcessedRows++
	o.DuplicateCount++
	o.DuplicateRows = append(o.DuplicateRows, DuplicateRow{RowIndex: rowIndex, Date: date})
}

func (o *ImportOutcome) failed(rowIndex int, err error) {
	failure := RowFailure{RowIndex: rowIndex, Reason: err.Error()}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		failure.Field = verr.Field
		failure.Reason = verr.Reason
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ProcessedRows++
	o.FailedRows = append(o.FailedRows, failure)
}

type importJob struct {
	rowIndex int
	record   *models.DailyRecord
}

// BulkImporter merges decoded rows into the store. Existing dates are never
// overwritten. There is no import-wide transaction; each row commits alone.
type BulkImporter struct {
	Store   RecordCreator
	Workers int
	Logger  *logrus.Logger
}

func NewBulkImporter(store RecordCreator, workers int, logger *logrus.Logger) *BulkImporter {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &BulkImporter{Store: store, Workers: workers, Logger: logger}
}

// Import validates rows in order and hands valid ones to a worker chosen by
// date, so rows that share a date are created in source order and the first
// one wins. Cancellation is checked before every row; on cancel the outcome
// covers exactly the rows processed and ctx.Err() is returned with it.
func (b *BulkImporter) Import(ctx context.Context, rows []models.RawDailyRecord, actor string) (*ImportOutcome, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, &models.InvalidActorError{}
	}
	outcome := &ImportOutcome{
		TotalRows:     len(rows),
		FailedRows:    []RowFailure{},
		DuplicateRows: []DuplicateRow{},
	}
	if len(rows) == 0 {
		return outcome, nil
	}

	workers := b.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(rows) {
		workers = len(rows)
	}

	queues := make([]chan importJob, workers)
	var wg sync.WaitGroup
	for w := range queues {
		queues[w] = make(chan importJob, 16)
		wg.Add(1)
		go func(jobs <-chan importJob) {
			defer wg.Done()
			for job := range jobs {
				b.createRow(ctx, outcome, job, actor)
			}
		}(queues[w])
	}

dispatch:
	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		record, err := models.ValidateDailyRecord(&rows[i])
		if err != nil {
			outcome.failed(i, err)
			continue
		}
		select {
		case queues[workerFor(record.RecordDate, workers)] <- importJob{rowIndex: i, record: record}:
		case <-ctx.Done():
			break dispatch
		}
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()

	sort.Slice(outcome.FailedRows, func(i, j int) bool {
		return outcome.FailedRows[i].RowIndex < outcome.FailedRows[j].RowIndex
	})
	sort.Slice(outcome.DuplicateRows, func(i, j int) bool {
		return outcome.DuplicateRows[i].RowIndex < outcome.DuplicateRows[j].RowIndex
	})

	if outcome.ProcessedRows < outcome.TotalRows && ctx.Err() != nil {
		outcome.Cancelled = true
		b.Logger.WithFields(logrus.Fields{
			"field":     "BulkImporter",
			"actor":     actor,
			"processed": outcome.ProcessedRows,
			"total":     outcome.TotalRows,
		}).Warn("import cancelled")
		return outcome, ctx.Err()
	}
	return outcome, nil
}

func (b *BulkImporter) createRow(ctx context.Context, outcome *ImportOutcome, job importJob, actor string) {
	if ctx.Err() != nil {
		return
	}
	_, err := b.Store.Create(ctx, job.record, actor)
	var duplicate *models.DuplicateDateError
	switch {
	case err == nil:
		outcome.imported()
	case errors.As(err, &duplicate):
		outcome.duplicate(job.rowIndex, job.record.RecordDate)
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// Interrupted before commit; the row was not processed.
	default:
		b.Logger.WithFields(logrus.Fields{
			"field":       "BulkImporter",
			"row_index":   job.rowIndex,
			"record_date": job.record.RecordDate.String(),
		}).Error("import row failed: " + err.Error())
		outcome.failed(job.rowIndex, err)
	}
}

func workerFor(date models.Date, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(date.String()))
	return int(h.Sum32() % uint32(workers))
}
