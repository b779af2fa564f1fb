package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/david/grant-discovery/internal/config"
	"github.com/david/grant-discovery/internal/db"
	"github.com/jedib0t/go-pretty/v6/table"
)

func main() {
	limit := flag.Int("limit", 10, "Number of runs to show")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	runs, err := db.NewStore(pool).ListRuns(ctx, *limit)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Run", "Signature", "OK", "Failed", "Records", "Duration", "Started At"})
	for _, r := range runs {
		duration := (time.Duration(r.DurationMS) * time.Millisecond).Round(time.Millisecond).String()
		t.AppendRow(table.Row{
			r.ID[:min(8, len(r.ID))],
			r.Signature[:min(12, len(r.Signature))],
			strings.Join(r.SourcesOK, ","),
			strings.Join(r.SourcesFailed, ","),
			r.Records,
			duration,
			r.StartedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
}
