package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/service"
)

// seed-tests loads test definitions from a JSON file (a single test or an
// array of tests) and saves them for one organization.
func main() {
	var file, org string
	flag.StringVar(&file, "file", "", "Path to a JSON test definition or array of definitions")
	flag.StringVar(&org, "org", "", "Organization ID that owns the seeded tests")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "seed-tests")

	if file == "" {
		log.Fatal().Msg("-file is required")
	}
	orgID, err := uuid.Parse(org)
	if err != nil {
		log.Fatal().Err(err).Msg("-org must be a UUID")
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		log.Fatal().Err(err).Str("file", file).Msg("Failed to read file")
	}
	tests, err := decodeTests(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to decode tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	testService := service.NewTestService(repository.NewTestRepository(pool), rdb, log)

	fmt.Printf("=== Seeding %d Tests ===\n", len(tests))

	successCount := 0
	for i := range tests {
		t := &tests[i]
		t.OrganizationID = orgID
		if err := testService.Save(ctx, t); err != nil {
			fmt.Printf("Error saving test %q: %v\n", t.Title, err)
			continue
		}
		successCount++
		fmt.Printf("Saved %s  %s (%d questions)\n", t.ID, t.Title, len(t.Questions))
	}

	fmt.Printf("\nSeed completed! Successfully saved %d/%d tests.\n", successCount, len(tests))
}

func decodeTests(raw []byte) ([]model.Test, error) {
	var many []model.Test
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one model.Test
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []model.Test{one}, nil
}
