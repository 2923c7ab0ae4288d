package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dbconsole-agent/internal/query"
)

func newQueryService(t *testing.T) *QueryService {
	t.Helper()
	c, err := query.DefaultCatalog()
	require.NoError(t, err)
	exec, err := query.NewExecutor(c, query.NewSynthesizer(query.WithSeed(7)))
	require.NoError(t, err)
	svc, err := NewQueryService(exec, c)
	require.NoError(t, err)
	return svc
}

func TestNewQueryService_ValidatesDependencies(t *testing.T) {
	c, err := query.DefaultCatalog()
	require.NoError(t, err)
	_, err = NewQueryService(nil, c)
	require.Error(t, err)
}

func TestQueryService_NaturalLanguage(t *testing.T) {
	svc := newQueryService(t)

	res, err := svc.NaturalLanguage(QueryInput{Dataset: "ecommerce", Text: "  order status breakdown "})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Contains(t, res.SQL, "GROUP BY status")
}

func TestQueryService_SQL(t *testing.T) {
	svc := newQueryService(t)

	res, err := svc.SQL(QueryInput{Dataset: "saas", Text: "SELECT COUNT(*) FROM accounts"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.RowCount)
}

func TestQueryService_Validation(t *testing.T) {
	svc := newQueryService(t)

	_, err := svc.SQL(QueryInput{Dataset: "", Text: "SELECT 1"})
	requireCode(t, err, ErrorInvalidInput)

	_, err = svc.NaturalLanguage(QueryInput{Dataset: "ecommerce", Text: "   "})
	requireCode(t, err, ErrorInvalidInput)

	_, err = svc.NaturalLanguage(QueryInput{Dataset: "crm", Text: "top customers"})
	requireCode(t, err, ErrorNotFound)

	require.Equal(t, []string{"ecommerce", "saas"}, svc.Datasets())
}
