package query

import (
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"dbconsole-agent/internal/domain"
)

const (
	defaultRowLimit = 10
	maxRowLimit     = 50
)

var (
	limitClause   = regexp.MustCompile(`\blimit\s+(\d+)`)
	selectStar    = regexp.MustCompile(`^\s*select\s+\*\s+from\s+([a-z0-9_."]+)`)
	groupByClause = regexp.MustCompile(`\bgroup\s+by\s+([a-z0-9_."]+)`)
)

var (
	sampleNames    = []string{"Acme Corp", "Globex", "Initech", "Umbrella", "Stark Industries", "Wayne Enterprises", "Hooli", "Vandelay Imports"}
	sampleStatuses = []string{"active", "pending", "completed", "cancelled"}
)

// Synthesizer fabricates plausible result sets for SQL that matches no
// canonical query. The shape is decided by cheap substring checks on the SQL
// text, in a fixed order; it is not a SQL parser.
type Synthesizer struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

type SynthesizerOption func(*Synthesizer)

// WithSeed makes the synthesized values reproducible.
func WithSeed(seed uint64) SynthesizerOption {
	return func(s *Synthesizer) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

func WithClock(now func() time.Time) SynthesizerOption {
	return func(s *Synthesizer) {
		s.now = now
	}
}

func NewSynthesizer(opts ...SynthesizerOption) *Synthesizer {
	seed := uint64(time.Now().UnixNano())
	s := &Synthesizer{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize never fails and never returns zero columns. tables is the
// schema of the dataset the SQL targets and may be empty.
func (s *Synthesizer) Synthesize(sql string, tables []domain.TableSchema) domain.QueryResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	lower := strings.ToLower(sql)
	group := groupByClause.FindStringSubmatch(lower)
	hasSum := strings.Contains(lower, "sum(")
	table := selectStarTable(lower, tables)

	var columns []domain.ColumnSpec
	var rows []domain.Row

	switch {
	case strings.Contains(lower, "count(") && group == nil:
		columns = []domain.ColumnSpec{{Name: "count", Type: domain.ColumnNumber}}
		rows = []domain.Row{{"count": 100 + s.rng.IntN(10000)}}

	case (hasSum || strings.Contains(lower, "avg(")) && group == nil:
		if hasSum {
			columns = []domain.ColumnSpec{{Name: "total", Type: domain.ColumnNumber}}
			rows = []domain.Row{{"total": round2(1000 + s.rng.Float64()*100000)}}
		} else {
			columns = []domain.ColumnSpec{{Name: "average", Type: domain.ColumnNumber}}
			rows = []domain.Row{{"average": round2(10 + s.rng.Float64()*500)}}
		}

	case table != nil:
		columns = append([]domain.ColumnSpec(nil), table.Columns...)
		n := rowLimit(lower)
		rows = make([]domain.Row, 0, n)
		for i := 0; i < n; i++ {
			row := make(domain.Row, len(columns))
			for _, c := range columns {
				row[c.Name] = s.cellValue(c, i)
			}
			rows = append(rows, row)
		}

	case group != nil:
		col := unqualify(group[1])
		columns = []domain.ColumnSpec{
			{Name: col, Type: domain.ColumnString},
			{Name: "count", Type: domain.ColumnNumber},
		}
		if hasSum {
			columns = append(columns, domain.ColumnSpec{Name: "total", Type: domain.ColumnNumber})
		}
		n := 5 + s.rng.IntN(6)
		rows = make([]domain.Row, 0, n)
		for i := 0; i < n; i++ {
			row := domain.Row{
				col:     fmt.Sprintf("Group %d", i+1),
				"count": 10 + s.rng.IntN(990),
			}
			if hasSum {
				row["total"] = round2(500 + s.rng.Float64()*50000)
			}
			rows = append(rows, row)
		}

	default:
		columns = []domain.ColumnSpec{
			{Name: "id", Type: domain.ColumnNumber},
			{Name: "name", Type: domain.ColumnString},
			{Name: "value", Type: domain.ColumnNumber},
			{Name: "created_at", Type: domain.ColumnDate},
		}
		n := rowLimit(lower)
		rows = make([]domain.Row, 0, n)
		for i := 0; i < n; i++ {
			rows = append(rows, domain.Row{
				"id":         i + 1,
				"name":       fmt.Sprintf("Item %d", i+1),
				"value":      1 + s.rng.IntN(1000),
				"created_at": s.pastDate(),
			})
		}
	}

	return domain.QueryResult{
		Success:         true,
		SQL:             strings.TrimSpace(sql),
		ExecutionTimeMs: 15 + s.rng.IntN(235),
		RowCount:        len(rows),
		Columns:         columns,
		Rows:            rows,
	}
}

func selectStarTable(lower string, tables []domain.TableSchema) *domain.TableSchema {
	m := selectStar.FindStringSubmatch(lower)
	if m == nil {
		return nil
	}
	t, ok := domain.FindTable(tables, m[1])
	if !ok || len(t.Columns) == 0 {
		return nil
	}
	return &t
}

func (s *Synthesizer) cellValue(c domain.ColumnSpec, i int) any {
	name := strings.ToLower(c.Name)
	switch c.Type {
	case domain.ColumnNumber:
		if name == "id" {
			return i + 1
		}
		return 1 + s.rng.IntN(1000)
	case domain.ColumnDate:
		return s.pastDate()
	case domain.ColumnCurrency:
		return fmt.Sprintf("%.2f", 10+s.rng.Float64()*9990)
	}

	switch {
	case name == "id" || strings.HasSuffix(name, "_id"):
		prefix := "ID"
		if name != "id" {
			prefix = strings.ToUpper(strings.TrimSuffix(name, "_id"))
		}
		return fmt.Sprintf("%s-%05d", prefix, 10000+i)
	case name == "name" || strings.HasSuffix(name, "_name"):
		return sampleNames[s.rng.IntN(len(sampleNames))]
	case strings.Contains(name, "status"):
		return sampleStatuses[s.rng.IntN(len(sampleStatuses))]
	case strings.Contains(name, "email"):
		return fmt.Sprintf("user%d@example.com", i+1)
	}
	return fmt.Sprintf("%s %d", c.Name, i+1)
}

func (s *Synthesizer) pastDate() string {
	return s.now().AddDate(0, 0, -s.rng.IntN(365)).Format(time.DateOnly)
}

// rowLimit reads a LIMIT clause, defaulting to 10 and clamping to [1, 50].
func rowLimit(lower string) int {
	m := limitClause.FindStringSubmatch(lower)
	if m == nil {
		return defaultRowLimit
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > maxRowLimit {
		return maxRowLimit
	}
	if n < 1 {
		return 1
	}
	return n
}

func unqualify(col string) string {
	if i := strings.LastIndex(col, "."); i >= 0 {
		col = col[i+1:]
	}
	return strings.Trim(col, `"`)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
