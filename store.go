// Staging/promotion store.
//
// All writes go through two term-scoped phases against Postgres-family SQL:
// Load fills the staging tables (global entities upserted, term-scoped tables
// cleared then bulk-inserted), Validate gates on referential integrity, and
// Promote copies the staged term into the production tables. Load and Promote
// each run inside a single transaction so a failing batch rolls the whole
// phase back. The etl_runs audit table is best-effort only.
package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type store struct {
	pool  *pgxpool.Pool
	log   *zap.Logger
	batch int // rows per insert batch
}

func newStore(pool *pgxpool.Pool, log *zap.Logger, batch int) *store {
	if batch <= 0 {
		batch = 1000
	}
	return &store{pool: pool, log: log, batch: batch}
}

func openPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return pool, nil
}

func runInTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ───────── Bulk upserts ─────────

// buildInsertSQL renders the statement insertMany queues per row. With
// updateCols the conflict resolves to an update of those columns, with only
// keyCols it resolves to DO NOTHING, and with neither it is a plain insert.
func buildInsertSQL(table string, cols, keyCols, updateCols []string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	switch {
	case len(updateCols) > 0:
		sets := make([]string, len(updateCols))
		for i, c := range updateCols {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(keyCols, ", "), strings.Join(sets, ", "))
	case len(keyCols) > 0:
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keyCols, ", "))
	}
	return sql
}

// insertMany bulk-inserts rows in fixed-size batches within the given
// transaction and returns the number of rows sent.
func (s *store) insertMany(ctx context.Context, tx pgx.Tx, table string, cols, keyCols, updateCols []string, rows [][]any) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	sql := buildInsertSQL(table, cols, keyCols, updateCols)

	total := 0
	for i := 0; i < len(rows); i += s.batch {
		j := i + s.batch
		if j > len(rows) {
			j = len(rows)
		}
		b := &pgx.Batch{}
		for _, args := range rows[i:j] {
			b.Queue(sql, args...)
		}
		br := tx.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return total, fmt.Errorf("insert %s: %w", table, err)
			}
		}
		if err := br.Close(); err != nil {
			return total, fmt.Errorf("insert %s: %w", table, err)
		}
		total += j - i
		s.log.Info("rows inserted", zap.String("table", table), zap.Int("done", total), zap.Int("total", len(rows)))
	}
	return total, nil
}

// ───────── Table shapes ─────────

// Term-scoped tables, fact tables before their parents so deletes never
// violate foreign keys.
var termTables = []string{
	"section_duplicated_credits",
	"section_prerequisites",
	"section_instructors",
	"course_ge_categories",
	"sections",
	"courses",
}

func stagingTermTables() []string {
	out := make([]string, len(termTables))
	for i, t := range termTables {
		out[i] = "staging_" + t
	}
	return out
}

var professorCols = []string{
	"professor_name", "rmp_id", "difficulty", "rating", "rating_count", "take_again_percentage",
}

var professorMetricCols = professorCols[1:]

// ───────── Row converters ─────────

func schoolArgs(rows []schoolRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.ID, r.Name}
	}
	return out
}

func programArgs(rows []programRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.SchoolID, r.ID, r.Name}
	}
	return out
}

func courseArgs(rows []courseRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.SemesterID, r.CourseID, r.ProgramID, r.CourseNumber, r.Title, r.Description}
	}
	return out
}

func sectionArgs(rows []sectionRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{
			r.SemesterID, r.SectionID, r.CourseID, r.Type, r.Units,
			r.TotalSeats, r.RegisteredSeats, r.Location, r.TimeSchedule, r.DClearance,
		}
	}
	return out
}

func factArgs(rows []factRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.SemesterID, r.SectionID, r.Text}
	}
	return out
}

func geArgs(rows []geRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.SemesterID, r.CourseID, r.Category}
	}
	return out
}

func professorArgs(rows []professorRow) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.Name, r.RmpID, r.Difficulty, r.Rating, r.RatingCount, r.TakeAgain}
	}
	return out
}

// dedupProfessorSeeds drops empty names and collapses duplicate names so the
// seed upsert cannot collide with itself.
func dedupProfessorSeeds(rows []professorRow) []professorRow {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, r)
	}
	return out
}

// ───────── Load ─────────

// loadToStaging runs the whole staging load as one transaction: global
// entities upserted, the term's staging rows cleared, then the term-scoped
// row sets bulk-inserted. Returns per-table row counts.
func (s *store) loadToStaging(ctx context.Context, semesterID int, rows rowSet) (map[string]int, error) {
	counts := make(map[string]int)

	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		n, err := s.insertMany(ctx, tx, "staging_schools",
			[]string{"school_id", "school_name"},
			[]string{"school_id"},
			[]string{"school_name"},
			schoolArgs(rows.Schools))
		if err != nil {
			return err
		}
		counts["staging_schools"] = n

		n, err = s.insertMany(ctx, tx, "staging_programs",
			[]string{"school_id", "program_id", "program_name"},
			[]string{"school_id", "program_id"},
			[]string{"program_name"},
			programArgs(rows.Programs))
		if err != nil {
			return err
		}
		counts["staging_programs"] = n

		// Seeds only reserve the name; metrics stay untouched if the rating
		// service already filled them in.
		n, err = s.insertMany(ctx, tx, "staging_professors",
			professorCols,
			[]string{"professor_name"},
			nil,
			professorArgs(dedupProfessorSeeds(rows.ProfessorSeeds)))
		if err != nil {
			return err
		}
		counts["staging_professors_seed"] = n

		for _, table := range stagingTermTables() {
			if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE semester_id = $1", table), semesterID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		n, err = s.insertMany(ctx, tx, "staging_courses",
			[]string{"semester_id", "course_id", "program_id", "course_number", "title", "description"},
			[]string{"semester_id", "course_id"},
			[]string{"program_id", "course_number", "title", "description"},
			courseArgs(rows.Courses))
		if err != nil {
			return err
		}
		counts["staging_courses"] = n

		n, err = s.insertMany(ctx, tx, "staging_sections",
			[]string{
				"semester_id", "section_id", "course_id", "section_type", "units",
				"total_seats", "registered_seats", "location", "time_schedule", "d_clearance_required",
			},
			[]string{"semester_id", "section_id"},
			[]string{
				"section_type", "units", "total_seats", "registered_seats",
				"location", "time_schedule", "d_clearance_required",
			},
			sectionArgs(rows.Sections))
		if err != nil {
			return err
		}
		counts["staging_sections"] = n

		n, err = s.insertMany(ctx, tx, "staging_section_instructors",
			[]string{"semester_id", "section_id", "professor_name"},
			[]string{"semester_id", "section_id", "professor_name"},
			nil,
			factArgs(rows.SectionInstructors))
		if err != nil {
			return err
		}
		counts["staging_section_instructors"] = n

		n, err = s.insertMany(ctx, tx, "staging_course_ge_categories",
			[]string{"semester_id", "course_id", "ge_category"},
			[]string{"semester_id", "course_id", "ge_category"},
			nil,
			geArgs(rows.CourseGECategories))
		if err != nil {
			return err
		}
		counts["staging_course_ge_categories"] = n

		n, err = s.insertMany(ctx, tx, "staging_section_prerequisites",
			[]string{"semester_id", "section_id", "prerequisite_text"},
			[]string{"semester_id", "section_id", "prerequisite_text"},
			nil,
			factArgs(rows.SectionPrerequisites))
		if err != nil {
			return err
		}
		counts["staging_section_prerequisites"] = n

		n, err = s.insertMany(ctx, tx, "staging_section_duplicated_credits",
			[]string{"semester_id", "section_id", "duplicated_text"},
			[]string{"semester_id", "section_id", "duplicated_text"},
			nil,
			factArgs(rows.SectionDuplicatedCredits))
		if err != nil {
			return err
		}
		counts["staging_section_duplicated_credits"] = n

		return nil
	})
	if err != nil {
		return counts, &PersistenceError{Op: "load", Err: err}
	}
	return counts, nil
}

// upsertProfessors writes rating-service rows into staging_professors,
// overwriting metrics for names already seeded. Must run before the section
// instructor load so the name FK resolves.
func (s *store) upsertProfessors(ctx context.Context, rows []professorRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	total := 0
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		n, err := s.insertMany(ctx, tx, "staging_professors",
			professorCols,
			[]string{"professor_name"},
			professorMetricCols,
			professorArgs(rows))
		total = n
		return err
	})
	if err != nil {
		return 0, &PersistenceError{Op: "professors", Err: err}
	}
	return total, nil
}

// ───────── Validate ─────────

// validateStaging is the integrity gate before promotion: every staged
// section must reference a staged course in the same term.
func (s *store) validateStaging(ctx context.Context, semesterID int) error {
	var orphans int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM staging_sections s
		LEFT JOIN staging_courses c
		  ON c.semester_id = s.semester_id AND c.course_id = s.course_id
		WHERE s.semester_id = $1 AND c.course_id IS NULL`,
		semesterID,
	).Scan(&orphans)
	if err != nil {
		return &PersistenceError{Op: "validate", Err: err}
	}
	if orphans > 0 {
		return &ValidationError{OrphanSections: orphans}
	}
	return nil
}

// ───────── Promote ─────────

func parseSemesterMeta(semesterID int) (year int, term, name string) {
	sid := strconv.Itoa(semesterID)
	year = semesterID
	if len(sid) >= 2 {
		if n, err := strconv.Atoi(sid[:len(sid)-1]); err == nil {
			year = n
		}
	}
	code := sid[len(sid)-1:]
	switch code {
	case "1":
		term = "Spring"
	case "2":
		term = "Summer"
	case "3":
		term = "Fall"
	default:
		term = "Term " + code
	}
	return year, term, fmt.Sprintf("%s %d", term, year)
}

func ensureSemester(ctx context.Context, tx pgx.Tx, semesterID int) error {
	year, term, name := parseSemesterMeta(semesterID)
	_, err := tx.Exec(ctx, `
		INSERT INTO semesters (semester_id, semester_name, year, term, is_active)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (semester_id) DO UPDATE SET
			semester_name = EXCLUDED.semester_name,
			year = EXCLUDED.year,
			term = EXCLUDED.term`,
		semesterID, name, year, term)
	return err
}

// promoteSemester copies the staged term into production in one transaction:
// global entities upserted from staging, the term's production rows replaced
// wholesale from the staged rows.
func (s *store) promoteSemester(ctx context.Context, semesterID int) error {
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := ensureSemester(ctx, tx, semesterID); err != nil {
			return fmt.Errorf("ensure semester: %w", err)
		}

		globalUpserts := []string{
			`INSERT INTO schools (school_id, school_name)
			 SELECT school_id, school_name FROM staging_schools
			 ON CONFLICT (school_id) DO UPDATE SET school_name = EXCLUDED.school_name`,
			`INSERT INTO programs (school_id, program_id, program_name)
			 SELECT school_id, program_id, program_name FROM staging_programs
			 ON CONFLICT (school_id, program_id) DO UPDATE SET program_name = EXCLUDED.program_name`,
			`INSERT INTO professors (professor_name, rmp_id, difficulty, rating, rating_count, take_again_percentage)
			 SELECT professor_name, rmp_id, difficulty, rating, rating_count, take_again_percentage
			 FROM staging_professors
			 ON CONFLICT (professor_name) DO UPDATE SET
				rmp_id = EXCLUDED.rmp_id,
				difficulty = EXCLUDED.difficulty,
				rating = EXCLUDED.rating,
				rating_count = EXCLUDED.rating_count,
				take_again_percentage = EXCLUDED.take_again_percentage`,
		}
		for _, sql := range globalUpserts {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
		}

		for _, table := range termTables {
			if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE semester_id = $1", table), semesterID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		termCopies := []string{
			`INSERT INTO courses (semester_id, course_id, program_id, course_number, title, description)
			 SELECT semester_id, course_id, program_id, course_number, title, description
			 FROM staging_courses WHERE semester_id = $1`,
			`INSERT INTO sections (semester_id, section_id, course_id, section_type, units, total_seats,
				registered_seats, location, time_schedule, d_clearance_required)
			 SELECT semester_id, section_id, course_id, section_type, units, total_seats,
				registered_seats, location, time_schedule, d_clearance_required
			 FROM staging_sections WHERE semester_id = $1`,
			`INSERT INTO section_instructors (semester_id, section_id, professor_name)
			 SELECT semester_id, section_id, professor_name
			 FROM staging_section_instructors WHERE semester_id = $1`,
			`INSERT INTO section_prerequisites (semester_id, section_id, prerequisite_text)
			 SELECT semester_id, section_id, prerequisite_text
			 FROM staging_section_prerequisites WHERE semester_id = $1`,
			`INSERT INTO section_duplicated_credits (semester_id, section_id, duplicated_text)
			 SELECT semester_id, section_id, duplicated_text
			 FROM staging_section_duplicated_credits WHERE semester_id = $1`,
			`INSERT INTO course_ge_categories (semester_id, course_id, ge_category)
			 SELECT semester_id, course_id, ge_category
			 FROM staging_course_ge_categories WHERE semester_id = $1`,
		}
		for _, sql := range termCopies {
			if _, err := tx.Exec(ctx, sql, semesterID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "promote", Err: err}
	}
	return nil
}

// clearStaging drops the term's staging rows after a successful promotion.
func (s *store) clearStaging(ctx context.Context, semesterID int) error {
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range stagingTermTables() {
			if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE semester_id = $1", table), semesterID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "cleanup", Err: err}
	}
	return nil
}

// ───────── Run audit ─────────

const runStatusSuccess = "success"
const runStatusFailure = "failure"

// beginRun ensures the audit table exists and opens a run record with a
// failure placeholder status. Returns 0 when audit tracking is unavailable;
// every later audit call then becomes a no-op.
func (s *store) beginRun(ctx context.Context, semesterID int) int64 {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS etl_runs (
			run_id BIGSERIAL PRIMARY KEY,
			semester_id INT,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at TIMESTAMPTZ,
			status TEXT NOT NULL CHECK (status IN ('success', 'failure')),
			error TEXT,
			counts JSONB
		)`)
	if err != nil {
		s.log.Warn("audit table ensure failed, attempting insert anyway",
			zap.Error(&AuditError{Err: err}))
	}

	var runID int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO etl_runs (semester_id, status, counts) VALUES ($1, $2, $3) RETURNING run_id`,
		semesterID, runStatusFailure, []byte("{}"),
	).Scan(&runID)
	if err != nil {
		s.log.Warn("audit insert failed, continuing without run tracking",
			zap.Error(&AuditError{Err: err}))
		return 0
	}
	return runID
}

// finishRun records the final status, per-table counts, and error text.
func (s *store) finishRun(ctx context.Context, runID int64, status string, counts map[string]int, errText string) {
	if runID == 0 {
		return
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		countsJSON = []byte("{}")
	}
	var errVal any
	if errText != "" {
		errVal = errText
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE etl_runs
		SET finished_at = now(), status = $1, counts = $2, error = $3
		WHERE run_id = $4`,
		status, countsJSON, errVal, runID)
	if err != nil {
		s.log.Warn("audit update failed", zap.Int64("run_id", runID),
			zap.Error(&AuditError{Err: err}))
	}
}
