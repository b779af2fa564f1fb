package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/david/grant-discovery/internal/discovery"
	"github.com/jedib0t/go-pretty/v6/table"
)

func main() {
	baseURL := flag.String("base-url", "http://localhost:8081", "API base URL")
	flag.Parse()

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(strings.TrimRight(*baseURL, "/") + "/api/v1/status")
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("status endpoint returned %s", resp.Status)
	}

	var body struct {
		Sources []discovery.SourceStatus `json:"sources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Strategy", "Quota", "Last Success", "Last Failure", "Kind", "Cooldown", "Keys"})
	for _, s := range body.Sources {
		quota := "unlimited"
		if s.QuotaLimit > 0 {
			quota = fmt.Sprintf("%d/%d", s.QuotaUsed, s.QuotaLimit)
		}
		var keys []string
		for _, c := range s.Credentials {
			k := c.Key
			if c.CooldownUntil != nil {
				k += " (cooling)"
			}
			keys = append(keys, k)
		}
		name := s.Name
		if !s.Enabled {
			name += " (disabled)"
		}
		t.AppendRow(table.Row{name, s.Strategy, quota, ago(s.LastSuccessAt), ago(s.LastFailureAt), s.LastFailureKind, until(s.CooldownUntil), strings.Join(keys, ", ")})
	}
	t.Render()
}

func ago(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}

func until(t *time.Time) string {
	if t == nil {
		return ""
	}
	return time.Until(*t).Round(time.Second).String()
}
