package domain

import "strings"

type ColumnType string

const (
	ColumnString   ColumnType = "string"
	ColumnNumber   ColumnType = "number"
	ColumnDate     ColumnType = "date"
	ColumnCurrency ColumnType = "currency"
)

type ColumnSpec struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

type TableSchema struct {
	Name    string       `json:"name" yaml:"name"`
	Columns []ColumnSpec `json:"columns" yaml:"columns"`
}

// CanonicalQuery maps natural-language phrasings and a SQL statement to a
// fixed result set.
type CanonicalQuery struct {
	ID                      string       `json:"id" yaml:"id"`
	Name                    string       `json:"name" yaml:"name"`
	Description             string       `json:"description" yaml:"description"`
	NaturalLanguagePatterns []string     `json:"naturalLanguagePatterns" yaml:"patterns"`
	SQL                     string       `json:"sql" yaml:"sql"`
	ResultKey               string       `json:"resultKey" yaml:"resultKey"`
	Columns                 []ColumnSpec `json:"columns" yaml:"columns"`
}

type Row = map[string]any

// Dataset is the static table of canonical queries for one dataset type.
type Dataset struct {
	Type    string           `json:"type" yaml:"type"`
	Tables  []TableSchema    `json:"tables" yaml:"tables"`
	Queries []CanonicalQuery `json:"queries" yaml:"queries"`
	Results map[string][]Row `json:"results" yaml:"results"`
}

// Table returns the schema for name, ignoring case and a schema qualifier.
func (d Dataset) Table(name string) (TableSchema, bool) {
	return FindTable(d.Tables, name)
}

// FindTable looks name up in tables, ignoring case, quotes and a schema
// qualifier such as "public.".
func FindTable(tables []TableSchema, name string) (TableSchema, bool) {
	name = strings.Trim(name, `"`)
	for _, t := range tables {
		if equalFoldTable(t.Name, name) {
			return t, true
		}
	}
	return TableSchema{}, false
}

func equalFoldTable(a, b string) bool {
	if i := strings.LastIndex(b, "."); i >= 0 {
		b = strings.Trim(b[i+1:], `"`)
	}
	return strings.EqualFold(a, b)
}

// QueryResult is created fresh for every query call.
type QueryResult struct {
	Success         bool         `json:"success"`
	SQL             string       `json:"sql"`
	ExecutionTimeMs int          `json:"executionTimeMs"`
	RowCount        int          `json:"rowCount"`
	Columns         []ColumnSpec `json:"columns"`
	Rows            []Row        `json:"rows"`
	Error           string       `json:"error,omitempty"`
}
