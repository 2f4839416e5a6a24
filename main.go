// CourseX catalog ETL
// -------------------
//
// One-shot ingestion job: pulls a term's course catalog (schools, programs,
// courses, sections, GE categories) and the external professor-rating
// dataset, normalizes both into relational row sets, and commits them
// through a staging -> validate -> promote pipeline so readers see a full
// catalog refresh atomically.
//
// Flow:
//   fetch catalog (bounded fan-out per school/program) -> GE merge ->
//   normalize -> rating upsert -> staging load -> validation ->
//   promotion -> run audit record
//
// Configuration is via flags with environment fallbacks; a .env file is
// loaded when present:
//   PG_DSN, CATALOG_BASE_URL, RATING_URL, CONCURRENCY, UPDATE_PROFESSORS,
//   PG_BATCH, PG_MAX_CONNS
//
// Exit codes: 0 on success (including dry runs), 1 on a failed run, 2 on
// bad invocation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type config struct {
	semesterID  int
	concurrency int
	updateProfs bool
	dryRun      bool

	catalogBase string
	ratingURL   string

	pgDSN      string
	pgBatch    int
	pgMaxConns int
}

// ───────── Env fallbacks ─────────

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func parseFlags() config {
	var cfg config
	var updateProfs string

	flag.IntVar(&cfg.semesterID, "semester-id", envInt("SEMESTER_ID", 0), "Term id, e.g. 20261. Env: SEMESTER_ID")
	flag.IntVar(&cfg.concurrency, "concurrency", envInt("CONCURRENCY", 12), "Concurrent program fetches. Env: CONCURRENCY")
	flag.StringVar(&updateProfs, "update-professors", envString("UPDATE_PROFESSORS", "yes"), "Fetch rating data: yes|no. Env: UPDATE_PROFESSORS")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Load and validate staging, skip promotion")

	flag.StringVar(&cfg.catalogBase, "catalog-base-url", envString("CATALOG_BASE_URL", "https://classes.usc.edu"), "Catalog API base URL. Env: CATALOG_BASE_URL")
	flag.StringVar(&cfg.ratingURL, "rating-url", envString("RATING_URL", defaultRatingURL), "Rating service GraphQL URL. Env: RATING_URL")

	flag.StringVar(&cfg.pgDSN, "pg-dsn", envString("PG_DSN", ""), "Postgres DSN. Env: PG_DSN")
	flag.IntVar(&cfg.pgBatch, "pg-batch", envInt("PG_BATCH", 1000), "Rows per insert batch. Env: PG_BATCH")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", envInt("PG_MAX_CONNS", 4), "DB max connections. Env: PG_MAX_CONNS")

	flag.Parse()

	if cfg.semesterID <= 0 {
		fmt.Fprintln(os.Stderr, "--semester-id (or SEMESTER_ID) is required, e.g. 20261")
		os.Exit(2)
	}
	if cfg.pgDSN == "" {
		fmt.Fprintln(os.Stderr, "--pg-dsn (or PG_DSN) is required")
		os.Exit(2)
	}
	switch strings.ToLower(updateProfs) {
	case "yes":
		cfg.updateProfs = true
	case "no":
		cfg.updateProfs = false
	default:
		fmt.Fprintln(os.Stderr, "--update-professors must be yes or no")
		os.Exit(2)
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}
	return cfg
}

// ───────── Run ─────────

func run(ctx context.Context, cfg config, log *zap.Logger) error {
	start := time.Now()

	pool, err := openPool(ctx, cfg.pgDSN, cfg.pgMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := newStore(pool, log, cfg.pgBatch)
	runID := st.beginRun(ctx, cfg.semesterID)
	counts := make(map[string]int)

	fail := func(err error) error {
		st.finishRun(ctx, runID, runStatusFailure, counts, err.Error())
		return err
	}

	termCode := strconv.Itoa(cfg.semesterID)
	catalog := newCatalogClient(cfg.catalogBase, log)

	log.Info("fetching catalog", zap.Int("semester_id", cfg.semesterID), zap.Int("concurrency", cfg.concurrency))
	snap, err := catalog.fetchAll(ctx, termCode, cfg.concurrency)
	if err != nil {
		return fail(err)
	}

	log.Info("normalizing catalog",
		zap.Int("schools", len(snap.Schools)),
		zap.Int("ge_payloads", len(snap.GEPayloads)))
	rows := normalizeForDB(cfg.semesterID, snap)

	var profRows []professorRow
	if cfg.updateProfs {
		log.Info("fetching professor ratings")
		ratings := newRatingClient(cfg.ratingURL, log)
		profRows, err = ratings.fetchProfessorRows(ctx)
		if err != nil {
			log.Warn("rating fetch failed, continuing without professor update", zap.Error(err))
			profRows = nil
		}
	}

	// Rating rows land first so seeded names do not mask fresh metrics.
	if len(profRows) > 0 {
		n, err := st.upsertProfessors(ctx, profRows)
		if err != nil {
			return fail(err)
		}
		counts["staging_professors_rmp"] = n
	}

	log.Info("loading staging tables")
	loadCounts, err := st.loadToStaging(ctx, cfg.semesterID, rows)
	for k, v := range loadCounts {
		counts[k] = v
	}
	if err != nil {
		return fail(err)
	}

	log.Info("validating staging data")
	if err := st.validateStaging(ctx, cfg.semesterID); err != nil {
		return fail(err)
	}

	if cfg.dryRun {
		log.Info("dry run complete, skipping promotion")
		st.finishRun(ctx, runID, runStatusSuccess, counts, "")
		printSummary(cfg, counts, true, time.Since(start))
		return nil
	}

	log.Info("promoting semester to production", zap.Int("semester_id", cfg.semesterID))
	if err := st.promoteSemester(ctx, cfg.semesterID); err != nil {
		return fail(err)
	}
	if err := st.clearStaging(ctx, cfg.semesterID); err != nil {
		return fail(err)
	}

	st.finishRun(ctx, runID, runStatusSuccess, counts, "")
	log.Info("etl finished", zap.Duration("duration", time.Since(start)))
	printSummary(cfg, counts, false, time.Since(start))
	return nil
}

func printSummary(cfg config, counts map[string]int, dryRun bool, dur time.Duration) {
	fmt.Printf(
		"etl: semester=%d courses=%d sections=%d instructors=%d ge=%d prereqs=%d dup_credits=%d professors_rmp=%d dry_run=%v duration=%.2fs\n",
		cfg.semesterID,
		counts["staging_courses"],
		counts["staging_sections"],
		counts["staging_section_instructors"],
		counts["staging_course_ge_categories"],
		counts["staging_section_prerequisites"],
		counts["staging_section_duplicated_credits"],
		counts["staging_professors_rmp"],
		dryRun,
		dur.Seconds(),
	)
}

func main() {
	_ = godotenv.Load()
	cfg := parseFlags()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			log.Error("staging validation failed", zap.Int("orphan_sections", verr.OrphanSections))
		}
		log.Error("etl failed", zap.Error(err))
		os.Exit(1)
	}
}
