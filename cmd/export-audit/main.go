package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/config"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
)

func main() {
	from := flag.String("from", "", "Optional: first record date (YYYY-MM-DD).")
	to := flag.String("to", "", "Optional: last record date (YYYY-MM-DD).")
	out := flag.String("out", "", "Output file. Defaults to stdout.")
	flag.Parse()

	var r models.DateRange
	for _, p := range []struct {
		name, value string
		dst         *models.Date
	}{{"from", *from, &r.From}, {"to", *to, &r.To}} {
		if strings.TrimSpace(p.value) == "" {
			continue
		}
		d, err := models.ParseDate(p.value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "-%s: %v\n", p.name, err)
			os.Exit(2)
		}
		*p.dst = d
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	entries, err := models.NewAuditTrail(db).ForRange(context.Background(), r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query audit entries: %v\n", err)
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", *out, err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	if err := models.EncodeAuditEntries(bw, entries); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	if err := bw.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "exported %d audit entries\n", len(entries))
}
