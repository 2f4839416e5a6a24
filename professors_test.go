package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestAggregateRatingsSingleRecord(t *testing.T) {
	rows := aggregateRatings([]ratingRecord{{
		Name:        "Jane Doe",
		LegacyID:    iptr(42),
		Difficulty:  fptr(2.7),
		Rating:      fptr(4.3),
		RatingCount: iptr(15),
		TakeAgain:   fptr(88.0),
	}})
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "Jane Doe", row.Name)
	require.NotNil(t, row.RmpID)
	assert.Equal(t, 42, *row.RmpID)
	assert.Equal(t, 2.7, *row.Difficulty)
	assert.Equal(t, 4.3, *row.Rating)
	assert.Equal(t, 15, *row.RatingCount)
	assert.Equal(t, 88.0, *row.TakeAgain)
}

func TestAggregateRatingsCollidingNames(t *testing.T) {
	rows := aggregateRatings([]ratingRecord{
		{Name: "John Smith", LegacyID: iptr(1), Difficulty: fptr(3.0), Rating: fptr(4.0), RatingCount: iptr(10)},
		{Name: "Jane Doe", LegacyID: iptr(2), Rating: fptr(5.0)},
		{Name: "John Smith", LegacyID: iptr(3), Difficulty: fptr(5.0), RatingCount: iptr(5)},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, "John Smith", rows[0].Name, "first-appearance order is kept")

	smith := rows[0]
	assert.Nil(t, smith.RmpID, "colliding names lose the external id")
	require.NotNil(t, smith.Difficulty)
	assert.Equal(t, 4.0, *smith.Difficulty)
	require.NotNil(t, smith.Rating)
	assert.Equal(t, 4.0, *smith.Rating, "mean of the non-null values only")
	require.NotNil(t, smith.RatingCount)
	assert.Equal(t, 7, *smith.RatingCount, "count mean truncates")
	assert.Nil(t, smith.TakeAgain)
}

func TestAggregateRatingsRounding(t *testing.T) {
	rows := aggregateRatings([]ratingRecord{
		{Name: "A B", Rating: fptr(3.333)},
		{Name: "A B", Rating: fptr(4.0)},
	})
	require.Len(t, rows, 1)
	assert.Equal(t, 3.67, *rows[0].Rating)
}

func TestFetchProfessorRowsPagination(t *testing.T) {
	pages := []string{
		`{"data":{"search":{"teachers":{
			"edges":[
				{"node":{"legacyId":1,"firstName":"Jane","lastName":"Doe","avgRating":4.5,"avgDifficulty":2.1,"numRatings":30,"wouldTakeAgainPercent":90}},
				{"node":{"legacyId":2,"firstName":"","lastName":""}}
			],
			"pageInfo":{"hasNextPage":true,"endCursor":"cursor-1"}}}}}`,
		`{"data":{"search":{"teachers":{
			"edges":[{"node":{"legacyId":3,"firstName":"John","lastName":"Smith","avgRating":3.0}}],
			"pageInfo":{"hasNextPage":false,"endCursor":""}}}}}`,
	}

	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(body))
		require.Less(t, len(bodies), len(pages)+1)
		fmt.Fprint(w, pages[len(bodies)-1])
	}))
	defer srv.Close()

	c := newRatingClient(srv.URL, zap.NewNop())
	c.pageDelay = 0

	rows, err := c.fetchProfessorRows(context.Background())
	require.NoError(t, err)
	require.Len(t, bodies, 2)

	assert.Contains(t, bodies[0], `after: \"\"`)
	assert.Contains(t, bodies[1], `after: \"cursor-1\"`, "second request carries the page cursor")

	require.Len(t, rows, 2, "nameless records are skipped")
	assert.Equal(t, "Jane Doe", rows[0].Name)
	assert.Equal(t, "John Smith", rows[1].Name)
	require.NotNil(t, rows[0].RmpID)
	assert.Equal(t, 1, *rows[0].RmpID)
}

func TestFetchProfessorRowsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newRatingClient(srv.URL, zap.NewNop())
	c.pageDelay = 0

	_, err := c.fetchProfessorRows(context.Background())
	require.Error(t, err)

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, http.StatusForbidden, ferr.Status)
	assert.True(t, strings.Contains(ferr.Error(), srv.URL))
}
