package main

import (
	"context"
	"fmt"
	"log"

	"github.com/david/grant-discovery/internal/config"
	"github.com/david/grant-discovery/internal/db"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	st, err := db.NewStore(pool).Stats(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	fmt.Printf("Opportunities: %d\n", st.Opportunities)
	fmt.Printf("Scored: %d\n", st.Scored)
	fmt.Printf("Unscored: %d\n", st.Unscored)
	fmt.Printf("Profiles: %d\n", st.Profiles)
	fmt.Printf("Discovery runs: %d\n", st.Runs)
}
