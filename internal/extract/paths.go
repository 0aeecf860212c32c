// Package extract pulls readings from the monthly archive layout into the
// storage service.
//
// For every location and month in a range a path is rendered from a
// template, an extraction query is rendered for that path and executed
// through DuckDB, and the rows are appended as one batch.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/validation"
)

// MonthLayout is the YYYY-MM form of range bounds.
const MonthLayout = "2006-01"

// ReadLocationIDs returns the keys of the JSON object in path, sorted.
func ReadLocationIDs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locations file: %w", err)
	}
	return ParseLocationIDs(data)
}

// ParseLocationIDs returns the keys of a JSON object, sorted.
func ParseLocationIDs(data []byte) ([]string, error) {
	var locations map[string]json.RawMessage
	if err := json.Unmarshal(data, &locations); err != nil {
		return nil, errors.NewValidation("locations", fmt.Sprintf("expected a JSON object keyed by id: %v", err))
	}

	ids := make([]string, 0, len(locations))
	for id := range locations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if err := validation.LocationIDs("locations", ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ParseMonth parses a YYYY-MM string into the first instant of that month
// in UTC.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.Parse(MonthLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%q: %w", s, errors.ErrInvalidMonth)
	}
	return t, nil
}

// Months returns every month from start to end inclusive. An end before
// start yields no months.
func Months(start, end time.Time) []time.Time {
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)

	var months []time.Time
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
	}
	return months
}

// PathVars are the fields available to the path template.
type PathVars struct {
	LocationID string
	Year       string
	Month      string // zero padded
}

// DataFile is one rendered archive path.
type DataFile struct {
	LocationID string
	Month      time.Time
	Path       string // relative to the source base path
}

// CompileDataFilePaths renders tmpl for every location and every month in
// [start, end]. Files are ordered by location, then month.
func CompileDataFilePaths(tmpl string, locationIDs []string, start, end time.Time) ([]DataFile, error) {
	t, err := template.New("path").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, errors.NewValidation("extract.path_template", err.Error())
	}

	months := Months(start, end)
	files := make([]DataFile, 0, len(locationIDs)*len(months))

	var buf bytes.Buffer
	for _, id := range locationIDs {
		for _, m := range months {
			buf.Reset()
			vars := PathVars{
				LocationID: id,
				Year:       strconv.Itoa(m.Year()),
				Month:      fmt.Sprintf("%02d", int(m.Month())),
			}
			if err := t.Execute(&buf, vars); err != nil {
				return nil, fmt.Errorf("render path for %s %s: %w", id, m.Format(MonthLayout), err)
			}
			files = append(files, DataFile{LocationID: id, Month: m, Path: buf.String()})
		}
	}
	return files, nil
}

// JoinSource joins the source base path and a relative data file path.
func JoinSource(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// IsRemote reports whether path is read through the httpfs extension.
func IsRemote(path string) bool {
	for _, scheme := range []string{"s3://", "http://", "https://", "gcs://", "gs://", "r2://"} {
		if strings.HasPrefix(path, scheme) {
			return true
		}
	}
	return false
}
