package extract

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/xtxerr/airwatch/config"
	"github.com/xtxerr/airwatch/internal/errors"
)

// QueryVars are the fields available to the extraction query template.
type QueryVars struct {
	// DataFilePath is the full path or glob, already escaped for a SQL
	// string literal.
	DataFilePath string
	LocationID   string
}

// QueryTemplate renders the extraction query for one data file.
type QueryTemplate struct {
	tmpl *template.Template
}

// ParseQueryTemplate parses an extraction query template. An empty text
// selects the built-in OpenAQ query.
func ParseQueryTemplate(text string) (*QueryTemplate, error) {
	if strings.TrimSpace(text) == "" {
		text = config.DefaultExtractQuery
	}
	t, err := template.New("query").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, errors.NewValidation("extract.query_template", err.Error())
	}
	return &QueryTemplate{tmpl: t}, nil
}

// LoadQueryTemplate reads and parses a query template file. An empty path
// selects the built-in query.
func LoadQueryTemplate(path string) (*QueryTemplate, error) {
	if path == "" {
		return ParseQueryTemplate("")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query template: %w", err)
	}
	return ParseQueryTemplate(string(data))
}

// Render returns the query for the data file at fullPath.
func (q *QueryTemplate) Render(fullPath, locationID string) (string, error) {
	var buf bytes.Buffer
	vars := QueryVars{
		DataFilePath: strings.ReplaceAll(fullPath, "'", "''"),
		LocationID:   locationID,
	}
	if err := q.tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render query: %w", err)
	}
	return buf.String(), nil
}
