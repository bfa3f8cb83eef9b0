package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/config"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/workflow"
)

func main() {
	file := flag.String("file", "", "Path to the .xlsx file to import (required).")
	actor := flag.String("actor", "", "User the imported records are attributed to (required).")
	workers := flag.Int("workers", 0, "Worker count. Defaults to IMPORT_WORKERS.")
	dryRun := flag.Bool("dry-run", false, "Decode and validate only; nothing is written.")
	flag.Parse()

	if strings.TrimSpace(*file) == "" || strings.TrimSpace(*actor) == "" {
		fmt.Fprintln(os.Stderr, "-file and -actor are required")
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *file, err)
		os.Exit(1)
	}
	rows, sheetRows, err := workflow.DecodeXlsxRows(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode %s: %v\n", *file, err)
		os.Exit(1)
	}
	fmt.Printf("decoded %d rows from %s\n", len(rows), *file)

	if *dryRun {
		invalid := 0
		for i := range rows {
			if _, err := models.ValidateDailyRecord(&rows[i]); err != nil {
				invalid++
				fmt.Printf("sheet row %d: %v\n", sheetRows[i], err)
			}
		}
		fmt.Printf("dry run: %d valid, %d invalid\n", len(rows)-invalid, invalid)
		return
	}

	// Ctrl-C stops between rows; the outcome shows what was done.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	var locker models.DateLocker = models.NewLocalDateLocker(config.DateLockTimeout())
	if config.RedisConfigured() {
		if err := config.ConnectRedisWithRetry(ctx); err == nil {
			locker = models.NewRedisDateLocker(config.GetRedisLock(), config.DateLockTimeout())
		}
	}

	n := *workers
	if n <= 0 {
		n = config.ImportWorkers()
	}
	store := models.NewRecordStore(db, locker, config.GetLogger())
	importer := workflow.NewBulkImporter(store, n, config.GetLogger())

	outcome, err := importer.Import(ctx, rows, *actor)
	if outcome == nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		os.Exit(1)
	}
	for _, fr := range outcome.FailedRows {
		fmt.Printf("sheet row %d: %s %s\n", sheetRows[fr.RowIndex], fr.Field, fr.Reason)
	}
	for _, dr := range outcome.DuplicateRows {
		fmt.Printf("sheet row %d: %s already recorded, skipped\n", sheetRows[dr.RowIndex], dr.Date)
	}
	out, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		fmt.Fprintf(os.Stderr, "import stopped: %v\n", err)
		os.Exit(1)
	}
}
