package query

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"dbconsole-agent/internal/domain"
)

// Executor answers natural-language and SQL queries against the catalog.
// Both entry points are total: failures come back as an unsuccessful result.
type Executor struct {
	catalog *Catalog
	synth   *Synthesizer
}

func NewExecutor(c *Catalog, s *Synthesizer) (*Executor, error) {
	if c == nil {
		return nil, errors.New("query: catalog must not be nil")
	}
	if s == nil {
		return nil, errors.New("query: synthesizer must not be nil")
	}
	return &Executor{catalog: c, synth: s}, nil
}

func (e *Executor) Catalog() *Catalog {
	return e.catalog
}

// ExecuteNaturalLanguageQuery answers a question with the matching canonical
// query, or with a synthesized SELECT over the table the question mentions.
func (e *Executor) ExecuteNaturalLanguageQuery(datasetType, text string) domain.QueryResult {
	ds, ok := e.catalog.Dataset(datasetType)
	if !ok {
		return failed("", fmt.Sprintf("unknown dataset %q", datasetType))
	}
	if strings.TrimSpace(text) == "" {
		return failed("", "query text is empty")
	}
	if q, ok := Match(ds.Queries, text); ok {
		return canonicalResult(ds, q)
	}
	return e.synth.Synthesize(guessSQL(ds.Tables, text), ds.Tables)
}

// ExecuteSQLQuery answers literal SQL with the canonical query sharing its
// normalized prefix, or with a synthesized result shaped after the SQL.
func (e *Executor) ExecuteSQLQuery(datasetType, sql string) domain.QueryResult {
	ds, ok := e.catalog.Dataset(datasetType)
	if !ok {
		return failed(sql, fmt.Sprintf("unknown dataset %q", datasetType))
	}
	if strings.TrimSpace(sql) == "" {
		return failed(sql, "sql is empty")
	}
	if q, ok := MatchSQL(ds.Queries, sql); ok {
		return canonicalResult(ds, q)
	}
	return e.synth.Synthesize(sql, ds.Tables)
}

func canonicalResult(ds domain.Dataset, q domain.CanonicalQuery) domain.QueryResult {
	src := ds.Results[q.ResultKey]
	rows := make([]domain.Row, 0, len(src))
	for _, r := range src {
		row := make(domain.Row, len(r))
		for k, v := range r {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return domain.QueryResult{
		Success:         true,
		SQL:             q.SQL,
		ExecutionTimeMs: canonicalLatency(q.ID),
		RowCount:        len(rows),
		Columns:         append([]domain.ColumnSpec(nil), q.Columns...),
		Rows:            rows,
	}
}

// canonicalLatency is a stable per-query execution time in [12, 192) ms.
func canonicalLatency(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return 12 + int(h.Sum32()%180)
}

// guessSQL picks the first table (in declaration order) whose name, or its
// singular form, appears in the question.
func guessSQL(tables []domain.TableSchema, text string) string {
	lower := strings.ToLower(text)
	for _, t := range tables {
		name := strings.ToLower(t.Name)
		singular := strings.TrimSuffix(name, "s")
		if strings.Contains(lower, name) || (len(singular) > 2 && strings.Contains(lower, singular)) {
			return fmt.Sprintf("SELECT * FROM %s LIMIT %d", t.Name, defaultRowLimit)
		}
	}
	return fmt.Sprintf("SELECT * FROM results LIMIT %d", defaultRowLimit)
}

func failed(sql, reason string) domain.QueryResult {
	return domain.QueryResult{
		Success: false,
		SQL:     sql,
		Columns: []domain.ColumnSpec{},
		Rows:    []domain.Row{},
		Error:   reason,
	}
}
