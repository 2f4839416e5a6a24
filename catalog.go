// Course catalog client + normalizer.
//
// Talks to the university catalog API (schools/programs, per-program course
// listings, GE course listings), flattens the nested payloads into grouped
// course records, and finally produces the relational row sets the staging
// loader consumes. Program listings are fetched concurrently; GE categories
// are fetched afterwards and merged into the same grouping.
package main

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ───────── Raw payload shapes ─────────

type rawCodeVariant struct {
	Prefix       string `json:"prefix"`
	CourseHyphen string `json:"courseHyphen"`
	CourseSpace  string `json:"courseSpace"`
}

type rawScheduleEntry struct {
	Days      []string `json:"days"`
	DayCode   string   `json:"dayCode"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
	Location  string   `json:"location"`
}

type rawInstructor struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type rawSection struct {
	SISSectionID    any                `json:"sisSectionId"` // string or number upstream
	Name            string             `json:"name"`
	IsCancelled     bool               `json:"isCancelled"`
	Units           any                `json:"units"` // list, number, or text range
	TotalSeats      int                `json:"totalSeats"`
	RegisteredSeats int                `json:"registeredSeats"`
	HasDClearance   bool               `json:"hasDClearance"`
	RnrMode         string             `json:"rnrMode"`
	Schedule        []rawScheduleEntry `json:"schedule"`
	Instructors     []rawInstructor    `json:"instructors"`
}

type rawPrerequisite struct {
	CourseOptions []rawCodeVariant `json:"courseOptions"`
}

type rawCourse struct {
	Name                    string            `json:"name"`
	FullCourseName          string            `json:"fullCourseName"`
	Description             string            `json:"description"`
	DuplicateCredit         string            `json:"duplicateCredit"`
	ScheduledCourseCode     *rawCodeVariant   `json:"scheduledCourseCode"`
	MatchedCourseCode       *rawCodeVariant   `json:"matchedCourseCode"`
	PublishedCourseCode     *rawCodeVariant   `json:"publishedCourseCode"`
	PrerequisiteCourseCodes []rawPrerequisite `json:"prerequisiteCourseCodes"`
	Sections                []rawSection      `json:"sections"`
}

type rawCoursePayload struct {
	Courses []rawCourse `json:"courses"`
}

type rawProgram struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

type rawSchool struct {
	Name     string       `json:"name"`
	Prefix   string       `json:"prefix"`
	Programs []rawProgram `json:"programs"`
}

// ───────── Grouped course model ─────────

type sectionData struct {
	SectionCode       string
	Type              string
	Units             string
	Total             int
	Registered        int
	Location          string
	Time              string
	DClearance        bool
	Instructors       []string
	Prerequisites     []string
	DuplicatedCredits []string
}

type sectionRecord struct {
	Title       string
	Description string
	CourseCode  string
	Section     sectionData
}

type courseGroup struct {
	Title       string
	Description string
	CourseCode  string
	GE          []string
	Sections    []sectionData
}

type groupKey struct {
	title string
	desc  string
	code  string
}

type gePayload struct {
	ReqType  string
	Category string
	Payload  rawCoursePayload
}

// catalogSnapshot is the fan-in result of one full catalog fetch: the school
// hierarchy, grouped courses keyed school prefix -> program prefix, and the
// raw GE payloads that were merged in (kept for audit/debugging).
type catalogSnapshot struct {
	Schools         []rawSchool
	CoursesBySchool map[string]map[string][]courseGroup
	GEPayloads      []gePayload
}

// ───────── Client ─────────

const fetchAttempts = 4

type catalogClient struct {
	baseURL    string
	hc         *http.Client
	log        *zap.Logger
	retryDelay time.Duration // backoff unit; attempt n waits n*retryDelay
}

func newCatalogClient(baseURL string, log *zap.Logger) *catalogClient {
	return &catalogClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		hc:         &http.Client{Timeout: 60 * time.Second},
		log:        log,
		retryDelay: 5 * time.Second,
	}
}

func (c *catalogClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FetchError{URL: url, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &FetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &FetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("payload parse: %w", err)}
	}
	return nil
}

// fetchSchools returns the school/program hierarchy for a term, with the
// synthetic General Education school prepended so GE courses always have a
// home program.
func (c *catalogClient) fetchSchools(ctx context.Context, termCode string) ([]rawSchool, error) {
	var upstream []rawSchool
	url := fmt.Sprintf("%s/api/Schools/TermCode?termCode=%s", c.baseURL, termCode)
	if err := c.getJSON(ctx, url, &upstream); err != nil {
		return nil, err
	}
	schools := []rawSchool{{
		Name:     "General Education",
		Prefix:   "GE",
		Programs: []rawProgram{{Name: "GE Seminar", Prefix: "GESM"}},
	}}
	return append(schools, upstream...), nil
}

// fetchProgramCourses fetches one program's course list and aggregates it
// into course groups, retrying transient failures with linear backoff before
// giving up with the last error.
func (c *catalogClient) fetchProgramCourses(ctx context.Context, termCode, schoolCode, programCode string) ([]courseGroup, error) {
	url := fmt.Sprintf("%s/api/Courses/CoursesByTermSchoolProgram?termCode=%s&school=%s&program=%s",
		c.baseURL, termCode, schoolCode, programCode)

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		var payload rawCoursePayload
		err := c.getJSON(ctx, url, &payload)
		if err == nil {
			return aggregateGroups(payload.Courses, programCode), nil
		}
		lastErr = err
		if attempt == fetchAttempts {
			break
		}
		wait := time.Duration(attempt) * c.retryDelay
		c.log.Warn("program fetch failed, retrying",
			zap.String("school", schoolCode),
			zap.String("program", programCode),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// fetchGE fetches the course list for one GE category with the same retry
// policy as program fetches.
func (c *catalogClient) fetchGE(ctx context.Context, termCode, geType, categoryPrefix string) (rawCoursePayload, error) {
	url := fmt.Sprintf("%s/api/Courses/GeCoursesByTerm?termCode=%s&geRequirementPrefix=%s&categoryPrefix=%s",
		c.baseURL, termCode, geType, categoryPrefix)

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		var payload rawCoursePayload
		err := c.getJSON(ctx, url, &payload)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if attempt == fetchAttempts {
			break
		}
		wait := time.Duration(attempt) * c.retryDelay
		c.log.Warn("GE fetch failed, retrying",
			zap.String("ge_type", geType),
			zap.String("category", categoryPrefix),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return rawCoursePayload{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return rawCoursePayload{}, lastErr
}

// ───────── Normalization helpers ─────────

// safeCourseCode resolves the hyphen course code for a raw course, preferring
// a variant whose prefix matches the program being fetched, then falling back
// through scheduled -> matched -> published.
func safeCourseCode(course *rawCourse, preferredPrefix string) string {
	candidates := []*rawCodeVariant{
		course.ScheduledCourseCode,
		course.MatchedCourseCode,
		course.PublishedCourseCode,
	}
	if preferredPrefix != "" {
		for _, cand := range candidates {
			if cand != nil && cand.Prefix == preferredPrefix && cand.CourseHyphen != "" {
				return cand.CourseHyphen
			}
		}
	}
	for _, cand := range candidates {
		if cand != nil && cand.CourseHyphen != "" {
			return cand.CourseHyphen
		}
	}
	return ""
}

// parseUnits renders the upstream units value (list, number, or text) as a
// display string. Textual ranges like "2-4" pass through verbatim.
func parseUnits(v any) string {
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return ""
		}
		v = arr[0]
	}
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return formatUnitsNumber(val)
	case int:
		return strconv.Itoa(val)
	case string:
		text := strings.TrimSpace(val)
		if strings.Contains(text, "-") || strings.Contains(text, "–") {
			return text
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return formatUnitsNumber(f)
		}
		return text
	default:
		return fmt.Sprint(val)
	}
}

func formatUnitsNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var dayNameToAbbr = map[string]string{
	"Mon": "M",
	"Tue": "T",
	"Wed": "W",
	"Thu": "Th",
	"Fri": "F",
	"Sat": "Sa",
	"Sun": "Su",
}

// formatDays joins day names into schedule abbreviations. Unmapped day names
// fall back to their first letter. With no day list, the legacy single-letter
// day code is used instead, where "H" means Thursday.
func formatDays(days []string, fallbackDayCode string) string {
	if len(days) > 0 {
		var b strings.Builder
		for _, d := range days {
			if d == "" {
				continue
			}
			if abbr, ok := dayNameToAbbr[d]; ok {
				b.WriteString(abbr)
			} else {
				b.WriteString(d[:1])
			}
		}
		return b.String()
	}
	code := strings.ToUpper(strings.TrimSpace(fallbackDayCode))
	if code == "" {
		return ""
	}
	return strings.ReplaceAll(code, "H", "Th")
}

// formatTime renders schedule entries as a single human-readable string.
// Multiple distinct meeting patterns collapse to the first plus a "(+N more)"
// marker; no usable entries means "TBA".
func formatTime(entries []rawScheduleEntry) string {
	if len(entries) == 0 {
		return "TBA"
	}
	var formatted []string
	for _, entry := range entries {
		dayStr := formatDays(entry.Days, entry.DayCode)
		start := entry.StartTime
		end := entry.EndTime
		if dayStr == "" && start == "" && end == "" {
			continue
		}
		switch {
		case start != "" && end != "":
			formatted = append(formatted, strings.TrimSpace(fmt.Sprintf("%s %s - %s", dayStr, start, end)))
		case start != "":
			formatted = append(formatted, strings.TrimSpace(dayStr+" "+start))
		default:
			formatted = append(formatted, dayStr)
		}
	}
	if len(formatted) == 0 {
		return "TBA"
	}
	unique := formatted[:0:0]
	seen := make(map[string]struct{}, len(formatted))
	for _, f := range formatted {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		unique = append(unique, f)
	}
	if len(unique) == 1 {
		return unique[0]
	}
	return fmt.Sprintf("%s (+%d more)", unique[0], len(unique)-1)
}

// splitDuplicateCredit splits free text like "MATH 125 and PHYS 151/152"
// into its individual parts.
func splitDuplicateCredit(text string) []string {
	normalized := strings.NewReplacer("/", ",", ";", ",").Replace(text)
	var parts []string
	for _, chunk := range strings.Split(normalized, ",") {
		for _, sub := range strings.Split(chunk, " and ") {
			if v := strings.TrimSpace(sub); v != "" {
				parts = append(parts, v)
			}
		}
	}
	return parts
}

// mapSectionType infers the section type from the free-text mode field.
// First substring match wins.
func mapSectionType(mode string) string {
	v := strings.ToLower(mode)
	switch {
	case strings.Contains(v, "lecture"):
		return "Lecture"
	case strings.Contains(v, "discussion"):
		return "Discussion"
	case strings.Contains(v, "lab"):
		return "Lab"
	case strings.Contains(v, "quiz"):
		return "Quiz"
	case strings.Contains(v, "studio"):
		return "Studio"
	default:
		return "Other"
	}
}

// sectionCodeString renders the upstream section id, which may arrive as a
// JSON string or number, as text.
func sectionCodeString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// processCourse flattens a raw course into one record per non-cancelled
// section. Records may carry an empty course code; the normalizer decides
// whether to drop them.
func processCourse(course *rawCourse, preferredPrefix string) []sectionRecord {
	var out []sectionRecord
	for i := range course.Sections {
		section := &course.Sections[i]
		if section.IsCancelled {
			continue
		}

		var firstSchedule rawScheduleEntry
		if len(section.Schedule) > 0 {
			firstSchedule = section.Schedule[0]
		}

		var prerequisites []string
		for _, pre := range course.PrerequisiteCourseCodes {
			if len(pre.CourseOptions) == 0 {
				continue
			}
			if code := pre.CourseOptions[0].CourseHyphen; code != "" {
				prerequisites = append(prerequisites, code)
			}
		}

		var instructors []string
		for _, inst := range section.Instructors {
			fullName := strings.TrimSpace(inst.FirstName + " " + inst.LastName)
			if fullName != "" {
				instructors = append(instructors, fullName)
			}
		}

		title := section.Name
		if title == "" {
			title = course.Name
		}
		if title == "" {
			title = course.FullCourseName
		}
		if title == "" && course.PublishedCourseCode != nil {
			title = course.PublishedCourseCode.CourseSpace
		}

		out = append(out, sectionRecord{
			Title:       title,
			Description: course.Description,
			CourseCode:  safeCourseCode(course, preferredPrefix),
			Section: sectionData{
				SectionCode:       sectionCodeString(section.SISSectionID),
				Type:              mapSectionType(section.RnrMode),
				Units:             parseUnits(section.Units),
				Total:             section.TotalSeats,
				Registered:        section.RegisteredSeats,
				Location:          firstSchedule.Location,
				Time:              formatTime(section.Schedule),
				DClearance:        section.HasDClearance,
				Instructors:       instructors,
				Prerequisites:     prerequisites,
				DuplicatedCredits: splitDuplicateCredit(course.DuplicateCredit),
			},
		})
	}
	return out
}

// aggregateGroups groups flattened section records by (title, description,
// course code), dropping repeated section codes within a group. Group order
// follows first appearance.
func aggregateGroups(courses []rawCourse, preferredPrefix string) []courseGroup {
	var order []groupKey
	byKey := make(map[groupKey]*courseGroup)
	seenCodes := make(map[groupKey]map[string]struct{})

	for i := range courses {
		for _, rec := range processCourse(&courses[i], preferredPrefix) {
			key := groupKey{title: rec.Title, desc: rec.Description, code: rec.CourseCode}
			grp, ok := byKey[key]
			if !ok {
				grp = &courseGroup{Title: rec.Title, Description: rec.Description, CourseCode: rec.CourseCode}
				byKey[key] = grp
				seenCodes[key] = make(map[string]struct{})
				order = append(order, key)
			}
			code := rec.Section.SectionCode
			if code != "" {
				if _, dup := seenCodes[key][code]; dup {
					continue
				}
				seenCodes[key][code] = struct{}{}
			}
			grp.Sections = append(grp.Sections, rec.Section)
		}
	}

	out := make([]courseGroup, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// mergeGroupInto merges one aggregated group into a program's group list.
// Matching entries union their GE tags and gain only unseen sections; new
// entries are appended tagged with the given GE letters.
func mergeGroupInto(target []courseGroup, grp courseGroup, geTags []string) []courseGroup {
	idx := -1
	for i := range target {
		if target[i].Title == grp.Title && target[i].Description == grp.Description && target[i].CourseCode == grp.CourseCode {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(geTags) > 0 {
			grp.GE = uniqueSorted(geTags)
		}
		return append(target, grp)
	}

	existing := &target[idx]
	seen := make(map[string]struct{}, len(existing.Sections))
	for _, s := range existing.Sections {
		if s.SectionCode != "" {
			seen[s.SectionCode] = struct{}{}
		}
	}
	for _, s := range grp.Sections {
		if s.SectionCode != "" {
			if _, dup := seen[s.SectionCode]; dup {
				continue
			}
			seen[s.SectionCode] = struct{}{}
		}
		existing.Sections = append(existing.Sections, s)
	}
	if len(geTags) > 0 {
		existing.GE = uniqueSorted(append(existing.GE, geTags...))
	}
	return target
}

func uniqueSorted(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, v := range in {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ───────── GE categories ─────────

type geCategory struct {
	ReqType        string
	CategoryPrefix string
	Letter         string
}

var geCategories = []geCategory{
	{"ACORELIT", "ARTS", "A"},
	{"ACORELIT", "HINQ", "B"},
	{"ACORELIT", "SANA", "C"},
	{"ACORELIT", "LIFE", "D"},
	{"ACORELIT", "PSC", "E"},
	{"ACORELIT", "QREA", "F"},
	{"AGLOPERS", "GPG", "G"},
	{"AGLOPERS", "GPH", "H"},
}

func buildProgramToSchool(schools []rawSchool) map[string]string {
	index := make(map[string]string)
	for _, s := range schools {
		if s.Prefix == "" {
			continue
		}
		for _, p := range s.Programs {
			if p.Prefix != "" {
				index[p.Prefix] = s.Prefix
			}
		}
	}
	return index
}

// mergeGEPayload folds one GE category payload into the per-program groups.
// Courses whose program cannot be resolved to a school are skipped.
func mergeGEPayload(bySchool map[string]map[string][]courseGroup, programToSchool map[string]string, payload rawCoursePayload, letter string) {
	for i := range payload.Courses {
		course := &payload.Courses[i]
		progPrefix := ""
		for _, cand := range []*rawCodeVariant{course.ScheduledCourseCode, course.PublishedCourseCode, course.MatchedCourseCode} {
			if cand != nil && cand.Prefix != "" {
				progPrefix = cand.Prefix
				break
			}
		}
		schoolPrefix := programToSchool[progPrefix]
		if progPrefix == "" || schoolPrefix == "" {
			continue
		}
		grouped := aggregateGroups([]rawCourse{*course}, progPrefix)
		programs, ok := bySchool[schoolPrefix]
		if !ok {
			programs = make(map[string][]courseGroup)
			bySchool[schoolPrefix] = programs
		}
		dest := programs[progPrefix]
		for _, g := range grouped {
			dest = mergeGroupInto(dest, g, []string{letter})
		}
		programs[progPrefix] = dest
	}
}

// ───────── Concurrent fetch orchestration ─────────

// fetchAll fans out one fetch per (school, program) pair across a bounded
// worker pool, fans the results into a school -> program map, then fetches
// and merges the GE categories. The first unrecovered program fetch error
// aborts the whole fetch; GE category failures are logged and skipped.
func (c *catalogClient) fetchAll(ctx context.Context, termCode string, concurrency int) (*catalogSnapshot, error) {
	schools, err := c.fetchSchools(ctx, termCode)
	if err != nil {
		return nil, err
	}

	type pair struct{ school, program string }
	var pairs []pair
	for _, s := range schools {
		if s.Prefix == "" || s.Prefix == "GE" {
			continue
		}
		for _, p := range s.Programs {
			if p.Prefix != "" {
				pairs = append(pairs, pair{school: s.Prefix, program: p.Prefix})
			}
		}
	}

	if concurrency <= 0 {
		concurrency = 1
	}
	coursesBySchool := make(map[string]map[string][]courseGroup)
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, pr := range pairs {
		pr := pr
		g.Go(func() error {
			groups, err := c.fetchProgramCourses(gctx, termCode, pr.school, pr.program)
			if err != nil {
				return fmt.Errorf("program %s/%s: %w", pr.school, pr.program, err)
			}
			mu.Lock()
			programs, ok := coursesBySchool[pr.school]
			if !ok {
				programs = make(map[string][]courseGroup)
				coursesBySchool[pr.school] = programs
			}
			programs[pr.program] = groups
			done++
			c.log.Info("fetched programs", zap.Int("done", done), zap.Int("total", len(pairs)))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	programToSchool := buildProgramToSchool(schools)
	var gePayloads []gePayload
	for _, cat := range geCategories {
		payload, err := c.fetchGE(ctx, termCode, cat.ReqType, cat.CategoryPrefix)
		if err != nil {
			c.log.Warn("GE fetch failed, skipping category",
				zap.String("ge_type", cat.ReqType),
				zap.String("category", cat.CategoryPrefix),
				zap.Error(err))
			continue
		}
		gePayloads = append(gePayloads, gePayload{ReqType: cat.ReqType, Category: cat.CategoryPrefix, Payload: payload})
		mergeGEPayload(coursesBySchool, programToSchool, payload, cat.Letter)
	}

	return &catalogSnapshot{
		Schools:         schools,
		CoursesBySchool: coursesBySchool,
		GEPayloads:      gePayloads,
	}, nil
}

// ───────── Relational row sets ─────────

type schoolRow struct {
	ID   string
	Name string
}

type programRow struct {
	SchoolID string
	ID       string
	Name     string
}

type courseRow struct {
	SemesterID   int
	CourseID     string
	ProgramID    string
	CourseNumber *int
	Title        string
	Description  *string
}

type sectionRow struct {
	SemesterID      int
	SectionID       int
	CourseID        string
	Type            string
	Units           string
	TotalSeats      int
	RegisteredSeats int
	Location        *string
	TimeSchedule    string
	DClearance      bool
}

type factRow struct {
	SemesterID int
	SectionID  int
	Text       string
}

type geRow struct {
	SemesterID int
	CourseID   string
	Category   string
}

type professorRow struct {
	Name        string
	RmpID       *int
	Difficulty  *float64
	Rating      *float64
	RatingCount *int
	TakeAgain   *float64
}

type rowSet struct {
	Schools                  []schoolRow
	Programs                 []programRow
	Courses                  []courseRow
	Sections                 []sectionRow
	SectionInstructors       []factRow
	CourseGECategories       []geRow
	SectionPrerequisites     []factRow
	SectionDuplicatedCredits []factRow
	ProfessorSeeds           []professorRow
}

// courseNumberFromCode extracts the numeric part after the first hyphen of a
// PREFIX-NUMBER code. Returns nil when there is none.
func courseNumberFromCode(code string) *int {
	parts := strings.Split(code, "-")
	if len(parts) < 2 {
		return nil
	}
	var digits strings.Builder
	for _, r := range parts[1] {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return nil
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return nil
	}
	return &n
}

// courseIDSuffix is the short digest appended to a course code when the same
// code appears with different titles within one program.
func courseIDSuffix(title string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(title))))
	return fmt.Sprintf("%x", sum)[:6]
}

type factKey struct {
	semesterID int
	sectionID  int
	text       string
}

// normalizeForDB assigns final course ids and produces the relational row
// sets for the staging loader. Dedup sets for the fact tables are scoped to
// this call, i.e. to one ingestion run.
func normalizeForDB(semesterID int, snap *catalogSnapshot) rowSet {
	var rows rowSet

	for _, s := range snap.Schools {
		if s.Prefix == "" || s.Name == "" {
			continue
		}
		rows.Schools = append(rows.Schools, schoolRow{ID: s.Prefix, Name: s.Name})
		for _, p := range s.Programs {
			if p.Prefix != "" && p.Name != "" {
				rows.Programs = append(rows.Programs, programRow{SchoolID: s.Prefix, ID: p.Prefix, Name: p.Name})
			}
		}
	}

	seenInstructors := make(map[factKey]struct{})
	seenPrereqs := make(map[factKey]struct{})
	seenDupCredits := make(map[factKey]struct{})

	for _, programs := range snap.CoursesBySchool {
		for programID, groups := range programs {
			codeCounts := make(map[string]int, len(groups))
			for _, g := range groups {
				if g.CourseCode != "" {
					codeCounts[g.CourseCode]++
				}
			}

			for _, g := range groups {
				if g.CourseCode == "" || g.Title == "" {
					continue
				}
				courseID := g.CourseCode
				if codeCounts[g.CourseCode] > 1 {
					courseID = g.CourseCode + "-" + courseIDSuffix(g.Title)
				}
				rows.Courses = append(rows.Courses, courseRow{
					SemesterID:   semesterID,
					CourseID:     courseID,
					ProgramID:    programID,
					CourseNumber: courseNumberFromCode(g.CourseCode),
					Title:        g.Title,
					Description:  nullableString(g.Description),
				})
				for _, tag := range g.GE {
					rows.CourseGECategories = append(rows.CourseGECategories, geRow{
						SemesterID: semesterID,
						CourseID:   courseID,
						Category:   tag,
					})
				}

				for _, section := range g.Sections {
					sectionID, err := strconv.Atoi(strings.TrimSpace(section.SectionCode))
					if err != nil {
						// only numeric upstream section ids become sections
						continue
					}

					for _, name := range section.Instructors {
						norm := strings.Join(strings.Fields(name), " ")
						if norm == "" {
							continue
						}
						key := factKey{semesterID, sectionID, strings.ToLower(norm)}
						if _, dup := seenInstructors[key]; dup {
							continue
						}
						seenInstructors[key] = struct{}{}
						rows.ProfessorSeeds = append(rows.ProfessorSeeds, professorRow{Name: norm})
						rows.SectionInstructors = append(rows.SectionInstructors, factRow{
							SemesterID: semesterID,
							SectionID:  sectionID,
							Text:       norm,
						})
					}

					rows.Sections = append(rows.Sections, sectionRow{
						SemesterID:      semesterID,
						SectionID:       sectionID,
						CourseID:        courseID,
						Type:            section.Type,
						Units:           section.Units,
						TotalSeats:      nonNegative(section.Total),
						RegisteredSeats: nonNegative(section.Registered),
						Location:        nullableString(section.Location),
						TimeSchedule:    section.Time,
						DClearance:      section.DClearance,
					})

					for _, dup := range section.DuplicatedCredits {
						norm := strings.TrimSpace(dup)
						if norm == "" {
							continue
						}
						key := factKey{semesterID, sectionID, strings.ToLower(norm)}
						if _, seen := seenDupCredits[key]; seen {
							continue
						}
						seenDupCredits[key] = struct{}{}
						rows.SectionDuplicatedCredits = append(rows.SectionDuplicatedCredits, factRow{
							SemesterID: semesterID,
							SectionID:  sectionID,
							Text:       norm,
						})
					}
					for _, pre := range section.Prerequisites {
						norm := strings.TrimSpace(pre)
						if norm == "" {
							continue
						}
						key := factKey{semesterID, sectionID, strings.ToLower(norm)}
						if _, seen := seenPrereqs[key]; seen {
							continue
						}
						seenPrereqs[key] = struct{}{}
						rows.SectionPrerequisites = append(rows.SectionPrerequisites, factRow{
							SemesterID: semesterID,
							SectionID:  sectionID,
							Text:       norm,
						})
					}
				}
			}
		}
	}

	return rows
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
