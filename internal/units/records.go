// Package units holds the built-in sub-task units registered into the
// pipeline catalog.
package units

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Record is one tracked repository.
type Record struct {
	ID          string  `json:"id"`
	Owner       string  `json:"owner"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Homepage    *string `json:"homepage,omitempty"`
	URL         string  `json:"url,omitempty"`

	Stars            *int64 `json:"stars,omitempty"`
	Forks            *int64 `json:"forks,omitempty"`
	ContributorCount *int64 `json:"contributor_count,omitempty"`
	WatchersCount    *int64 `json:"watchers_count,omitempty"`
	// Delta is the star gain over the ranking period.
	Delta int64 `json:"delta"`

	Topics     []string `json:"topics,omitempty"`
	Archived   *bool    `json:"archived,omitempty"`
	Deprecated bool     `json:"deprecated,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
	PushedAt  string `json:"pushed_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// FullName is "owner/name", or just the name when there is no owner.
func (r Record) FullName() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// RecordSource yields the collection a unit iterates.
type RecordSource interface {
	Records(ctx context.Context) ([]Record, error)
}

// StaticRecords is an in-memory RecordSource.
type StaticRecords []Record

func (s StaticRecords) Records(context.Context) ([]Record, error) {
	return append([]Record(nil), s...), nil
}

// FileRecordSource reads records from a JSON file on every call. The file
// holds either an array of records or an object with a "records" array.
// Deprecated records are filtered out.
type FileRecordSource struct {
	Path string
}

func (f FileRecordSource) Records(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Path == "" {
		return nil, errors.New("records file is not configured")
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read records file: %w", err)
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("parse records file %s: %w", f.Path, err)
	}
	out := records[:0]
	for _, r := range records {
		if !r.Deprecated {
			out = append(out, r)
		}
	}
	return out, nil
}

func decodeRecords(data []byte) ([]Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var doc struct {
		Records []Record `json:"records"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Records, nil
}

// rank orders named records by delta descending, ties broken by full name,
// and returns at most top entries.
func rank(records []Record, top int) []Record {
	sorted := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Name != "" {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Delta != sorted[j].Delta {
			return sorted[i].Delta > sorted[j].Delta
		}
		return strings.ToLower(sorted[i].FullName()) < strings.ToLower(sorted[j].FullName())
	})
	if top > 0 && len(sorted) > top {
		sorted = sorted[:top]
	}
	return sorted
}
