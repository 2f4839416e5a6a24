// Professor rating client + aggregator.
//
// Pages through the rating service's GraphQL search endpoint for one school,
// then collapses the result set by normalized full name. Names that map to a
// single record pass through verbatim; names shared by several records are
// averaged and lose their external id, since the identity is ambiguous.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultRatingURL = "https://www.ratemyprofessors.com/graphql"
	ratingSchoolID   = "U2Nob29sLTEzODE=" // USC
	ratingBatchSize  = 1000
)

const ratingQuery = `query TeacherSearchResultsPageQuery(
  $query: TeacherSearchQuery!
  $schoolID: ID
  $includeSchoolFilter: Boolean!
) {
  search: newSearch {
    ...TeacherSearchPagination_search_2MvZSr
  }
  school: node(id: $schoolID) @include(if: $includeSchoolFilter) {
    __typename
    ... on School {
      name
    }
    id
  }
}

fragment TeacherSearchPagination_search_2MvZSr on newSearch {
  teachers(query: $query, first: 1000, after: "") {
    didFallback
    edges {
      cursor
      node {
        id
        legacyId
        firstName
        lastName
        department
        avgRating
        avgDifficulty
        numRatings
        wouldTakeAgainPercent
        __typename
      }
    }
    pageInfo {
      hasNextPage
      endCursor
    }
    resultCount
  }
}
`

type ratingClient struct {
	url       string
	schoolID  string
	hc        *http.Client
	log       *zap.Logger
	pageDelay time.Duration // pause between pages
}

func newRatingClient(url string, log *zap.Logger) *ratingClient {
	return &ratingClient{
		url:       url,
		schoolID:  ratingSchoolID,
		hc:        &http.Client{Timeout: 60 * time.Second},
		log:       log,
		pageDelay: time.Second,
	}
}

type ratingNode struct {
	LegacyID              *int     `json:"legacyId"`
	FirstName             string   `json:"firstName"`
	LastName              string   `json:"lastName"`
	AvgRating             *float64 `json:"avgRating"`
	AvgDifficulty         *float64 `json:"avgDifficulty"`
	NumRatings            *int     `json:"numRatings"`
	WouldTakeAgainPercent *float64 `json:"wouldTakeAgainPercent"`
}

type ratingResponse struct {
	Data struct {
		Search struct {
			Teachers struct {
				Edges []struct {
					Node ratingNode `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"teachers"`
		} `json:"search"`
	} `json:"data"`
}

func (c *ratingClient) requestPage(ctx context.Context, cursor string) (*ratingResponse, error) {
	query := strings.Replace(ratingQuery,
		`first: 1000, after: ""`,
		fmt.Sprintf(`first: %d, after: "%s"`, ratingBatchSize, cursor), 1)

	payload := map[string]any{
		"query": query,
		"variables": map[string]any{
			"query":               map[string]any{"text": "", "schoolID": c.schoolID, "fallback": true},
			"schoolID":            c.schoolID,
			"includeSchoolFilter": true,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Referer", "https://www.ratemyprofessors.com/search/professors/1381?q=*")
	req.Header.Set("Origin", "https://www.ratemyprofessors.com")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "null")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: c.url, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: c.url, Status: resp.StatusCode, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	var parsed ratingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &FetchError{URL: c.url, Status: resp.StatusCode, Err: fmt.Errorf("payload parse: %w", err)}
	}
	return &parsed, nil
}

// ratingRecord is one teacher node keyed by its normalized full name.
type ratingRecord struct {
	Name        string
	LegacyID    *int
	Difficulty  *float64
	Rating      *float64
	RatingCount *int
	TakeAgain   *float64
}

// fetchProfessorRows pages through the rating service until there is no next
// page (or no cursor) and returns the aggregated professor rows.
func (c *ratingClient) fetchProfessorRows(ctx context.Context) ([]professorRow, error) {
	var records []ratingRecord
	cursor := ""
	page := 0

	for {
		resp, err := c.requestPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		teachers := resp.Data.Search.Teachers
		page++
		c.log.Info("rating page fetched", zap.Int("page", page), zap.Int("records", len(teachers.Edges)))

		for _, edge := range teachers.Edges {
			node := edge.Node
			name := strings.TrimSpace(node.FirstName + " " + node.LastName)
			if name == "" {
				continue
			}
			records = append(records, ratingRecord{
				Name:        name,
				LegacyID:    node.LegacyID,
				Difficulty:  node.AvgDifficulty,
				Rating:      node.AvgRating,
				RatingCount: node.NumRatings,
				TakeAgain:   node.WouldTakeAgainPercent,
			})
		}

		if !teachers.PageInfo.HasNextPage {
			break
		}
		cursor = teachers.PageInfo.EndCursor
		if cursor == "" {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pageDelay):
		}
	}

	return aggregateRatings(records), nil
}

// aggregateRatings groups records by name, in first-appearance order. A name
// with several records is collapsed into one row whose metrics are the means
// of the non-null values; its external id is dropped because distinct
// same-named teachers cannot be told apart upstream.
func aggregateRatings(records []ratingRecord) []professorRow {
	var order []string
	grouped := make(map[string][]ratingRecord)
	for _, rec := range records {
		if _, ok := grouped[rec.Name]; !ok {
			order = append(order, rec.Name)
		}
		grouped[rec.Name] = append(grouped[rec.Name], rec)
	}

	rows := make([]professorRow, 0, len(order))
	for _, name := range order {
		entries := grouped[name]
		if len(entries) == 1 {
			e := entries[0]
			rows = append(rows, professorRow{
				Name:        name,
				RmpID:       e.LegacyID,
				Difficulty:  e.Difficulty,
				Rating:      e.Rating,
				RatingCount: e.RatingCount,
				TakeAgain:   e.TakeAgain,
			})
			continue
		}

		var diffs, rats, takes []float64
		var counts []int
		for _, e := range entries {
			if e.Difficulty != nil {
				diffs = append(diffs, *e.Difficulty)
			}
			if e.Rating != nil {
				rats = append(rats, *e.Rating)
			}
			if e.RatingCount != nil {
				counts = append(counts, *e.RatingCount)
			}
			if e.TakeAgain != nil {
				takes = append(takes, *e.TakeAgain)
			}
		}
		rows = append(rows, professorRow{
			Name:        name,
			Difficulty:  meanRounded(diffs),
			Rating:      meanRounded(rats),
			RatingCount: meanTruncated(counts),
			TakeAgain:   meanRounded(takes),
		})
	}
	return rows
}

func meanRounded(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	m := math.Round(sum/float64(len(vals))*100) / 100
	return &m
}

func meanTruncated(vals []int) *int {
	if len(vals) == 0 {
		return nil
	}
	sum := 0
	for _, v := range vals {
		sum += v
	}
	m := sum / len(vals)
	return &m
}
