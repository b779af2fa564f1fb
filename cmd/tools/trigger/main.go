package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type jobResponse struct {
	ID       string         `json:"id"`
	JobID    string         `json:"job_id"`
	Poll     string         `json:"poll"`
	Status   string         `json:"status"`
	Duration string         `json:"duration"`
	Result   map[string]any `json:"result"`
	Error    string         `json:"error"`
}

func main() {
	baseURL := flag.String("base-url", "http://localhost:8081", "API base URL")
	adminSecretFlag := flag.String("admin-secret", "", "Admin secret (or use ADMIN_SECRET env)")
	maxAge := flag.Duration("max-age", 0, "Rescore records scored longer ago than this (server default when 0)")
	wait := flag.Bool("wait", true, "Poll the job until it finishes")
	pollEvery := flag.Duration("poll", 2*time.Second, "Poll interval")
	flag.Parse()

	adminSecret := strings.TrimSpace(*adminSecretFlag)
	if adminSecret == "" {
		adminSecret = strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	}
	if adminSecret == "" {
		fmt.Println("Missing ADMIN_SECRET environment variable")
		os.Exit(1)
	}

	endpoint := strings.TrimRight(*baseURL, "/") + "/api/v1/admin/rescore-stale"
	if *maxAge > 0 {
		endpoint += "?" + url.Values{"max_age": {maxAge.String()}}.Encode()
	}

	client := &http.Client{Timeout: 30 * time.Second}
	var started jobResponse
	code, err := call(client, http.MethodPost, endpoint, adminSecret, &started)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Response Status: %d job=%s\n", code, started.JobID)
	if code != http.StatusAccepted {
		os.Exit(1)
	}
	if !*wait {
		return
	}

	pollURL := strings.TrimRight(*baseURL, "/") + started.Poll
	for {
		time.Sleep(*pollEvery)
		var job jobResponse
		if _, err := call(client, http.MethodGet, pollURL, adminSecret, &job); err != nil {
			fmt.Printf("Error polling job: %v\n", err)
			os.Exit(1)
		}
		switch job.Status {
		case "running":
			continue
		case "completed":
			fmt.Printf("Job %s completed in %s: scored=%v\n", job.ID, job.Duration, job.Result["scored"])
			return
		default:
			fmt.Printf("Job %s %s: %s\n", job.ID, job.Status, job.Error)
			os.Exit(1)
		}
	}
}

func call(client *http.Client, method, endpoint, secret string, out any) (int, error) {
	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Admin-Secret", secret)
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
