package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInsertSQL(t *testing.T) {
	t.Run("upsert", func(t *testing.T) {
		sql := buildInsertSQL("staging_schools",
			[]string{"school_id", "school_name"},
			[]string{"school_id"},
			[]string{"school_name"})
		assert.Equal(t,
			"INSERT INTO staging_schools (school_id, school_name) VALUES ($1, $2)"+
				" ON CONFLICT (school_id) DO UPDATE SET school_name = EXCLUDED.school_name",
			sql)
	})

	t.Run("do nothing", func(t *testing.T) {
		sql := buildInsertSQL("staging_section_instructors",
			[]string{"semester_id", "section_id", "professor_name"},
			[]string{"semester_id", "section_id", "professor_name"},
			nil)
		assert.Equal(t,
			"INSERT INTO staging_section_instructors (semester_id, section_id, professor_name) VALUES ($1, $2, $3)"+
				" ON CONFLICT (semester_id, section_id, professor_name) DO NOTHING",
			sql)
	})

	t.Run("plain insert", func(t *testing.T) {
		sql := buildInsertSQL("t", []string{"a", "b"}, nil, nil)
		assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", sql)
	})
}

func TestParseSemesterMeta(t *testing.T) {
	cases := []struct {
		id   int
		year int
		term string
		name string
	}{
		{20261, 2026, "Spring", "Spring 2026"},
		{20262, 2026, "Summer", "Summer 2026"},
		{20263, 2026, "Fall", "Fall 2026"},
		{20264, 2026, "Term 4", "Term 4 2026"},
	}
	for _, tc := range cases {
		year, term, name := parseSemesterMeta(tc.id)
		assert.Equal(t, tc.year, year)
		assert.Equal(t, tc.term, term)
		assert.Equal(t, tc.name, name)
	}
}

func TestStagingTermTables(t *testing.T) {
	staged := stagingTermTables()
	require.Len(t, staged, len(termTables))
	for i, tbl := range staged {
		assert.Equal(t, "staging_"+termTables[i], tbl)
	}
	// fact tables must precede their parents so term deletes never hit an FK
	assert.Equal(t, "courses", termTables[len(termTables)-1])
	assert.Less(t,
		indexOf(termTables, "section_instructors"),
		indexOf(termTables, "sections"))
	assert.Less(t,
		indexOf(termTables, "sections"),
		indexOf(termTables, "courses"))
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestDedupProfessorSeeds(t *testing.T) {
	in := []professorRow{
		{Name: "Jane Doe"},
		{Name: ""},
		{Name: "   "},
		{Name: "Jane Doe"},
		{Name: "John Smith"},
	}
	out := dedupProfessorSeeds(in)
	require.Len(t, out, 2)
	assert.Equal(t, "Jane Doe", out[0].Name)
	assert.Equal(t, "John Smith", out[1].Name)
}

func TestProfessorMetricCols(t *testing.T) {
	assert.Equal(t, "professor_name", professorCols[0])
	assert.NotContains(t, professorMetricCols, "professor_name",
		"the conflict key must never be in the update set")
}

func TestRowConverterShapes(t *testing.T) {
	secs := sectionArgs([]sectionRow{{SemesterID: 20261, SectionID: 1, CourseID: "CSCI-103"}})
	require.Len(t, secs, 1)
	assert.Len(t, secs[0], 10)

	facts := factArgs([]factRow{{SemesterID: 20261, SectionID: 1, Text: "Jane Doe"}})
	require.Len(t, facts, 1)
	assert.Equal(t, []any{20261, 1, "Jane Doe"}, facts[0])

	profs := professorArgs([]professorRow{{Name: "Jane Doe"}})
	require.Len(t, profs, 1)
	assert.Len(t, profs[0], len(professorCols))
}
