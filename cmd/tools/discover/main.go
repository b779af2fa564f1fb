package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/david/grant-discovery/internal/app"
	"github.com/david/grant-discovery/internal/config"
	"github.com/david/grant-discovery/internal/discovery"
	"github.com/david/grant-discovery/internal/ingest"
	"github.com/david/grant-discovery/internal/logging"
	"github.com/david/grant-discovery/internal/models"
	"github.com/jedib0t/go-pretty/v6/table"
)

func main() {
	keywords := flag.String("keywords", "", "Comma-separated focus keywords")
	geography := flag.String("geography", "", "Region or country of the applicant")
	description := flag.String("description", "", "Free-text description of the applicant")
	budgetMin := flag.Float64("budget-min", 0, "Lowest useful award")
	budgetMax := flag.Float64("budget-max", 0, "Highest useful award")
	sources := flag.String("sources", "", "Comma-separated source ids (all enabled when empty)")
	limit := flag.Int("limit", 25, "Max records to print")
	refresh := flag.Bool("refresh", false, "Bypass the query cache")
	flag.Parse()

	if strings.TrimSpace(*keywords) == "" && strings.TrimSpace(*description) == "" {
		fmt.Println("Usage: discover -keywords \"youth arts,community\" [-geography US]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	log := logging.New(cfg.LogLevel)
	defer log.Sync()
	if err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to start", "error", err)
	}
	defer a.Close()

	profile := models.Profile{
		Keywords:    splitCSV(*keywords),
		Geography:   strings.TrimSpace(*geography),
		Description: strings.TrimSpace(*description),
	}
	if *budgetMin > 0 {
		profile.BudgetMin = budgetMin
	}
	if *budgetMax > 0 {
		profile.BudgetMax = budgetMax
	}

	res, err := a.Orchestrator.Discover(ctx, discovery.Request{
		Profile:      profile,
		Sources:      splitCSV(*sources),
		Limit:        *limit,
		ForceRefresh: *refresh,
	})
	if err != nil {
		log.Fatal("Discovery failed", "error", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Score", "Title", "Funder", "Amount", "Deadline", "Source"})
	for i, r := range res.Records {
		score := "pending"
		if r.Score != nil {
			score = fmt.Sprintf("%d (%s)", *r.Score, r.ScoreTier)
		}
		deadline := ""
		if r.Deadline != nil {
			deadline = r.Deadline.Format("2006-01-02")
		}
		t.AppendRow(table.Row{i + 1, score, ingest.TruncateText(r.Title, 60), ingest.TruncateText(r.FunderName, 30), amount(r), deadline, r.SourceName})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("cache hit: %v", res.CacheHit), fmt.Sprintf("degraded: %v", res.Degraded), strings.Join(res.SourcesFailed, ","), fmt.Sprintf("pending: %d", res.Pending), ""})
	t.Render()

	// Give background scoring a moment to land so the next run is warm.
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = a.Orchestrator.Shutdown(waitCtx)
}

func amount(r models.Opportunity) string {
	switch {
	case r.AmountMin != nil && r.AmountMax != nil && *r.AmountMin != *r.AmountMax:
		return fmt.Sprintf("%.0f-%.0f %s", *r.AmountMin, *r.AmountMax, r.Currency)
	case r.AmountMax != nil:
		return fmt.Sprintf("%.0f %s", *r.AmountMax, r.Currency)
	case r.AmountMin != nil:
		return fmt.Sprintf("%.0f %s", *r.AmountMin, r.Currency)
	}
	return ""
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
