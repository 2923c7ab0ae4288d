package usecase

import (
	"errors"
	"strings"
	"unicode/utf8"

	"dbconsole-agent/internal/domain"
)

const maxQueryLength = 10000

type QueryExecutor interface {
	ExecuteNaturalLanguageQuery(datasetType, text string) domain.QueryResult
	ExecuteSQLQuery(datasetType, sql string) domain.QueryResult
}

type DatasetLister interface {
	Types() []string
}

type QueryInput struct {
	Dataset string
	Text    string
}

// QueryService validates query requests before handing them to the executor.
// Results the executor could not produce are returned as-is with
// Success=false; only malformed requests are errors.
type QueryService struct {
	exec     QueryExecutor
	datasets DatasetLister
}

func NewQueryService(exec QueryExecutor, datasets DatasetLister) (*QueryService, error) {
	if exec == nil {
		return nil, errors.New("usecase: query executor must not be nil")
	}
	if datasets == nil {
		return nil, errors.New("usecase: dataset lister must not be nil")
	}
	return &QueryService{exec: exec, datasets: datasets}, nil
}

func (s *QueryService) Datasets() []string {
	return s.datasets.Types()
}

func (s *QueryService) NaturalLanguage(in QueryInput) (domain.QueryResult, error) {
	if err := s.validate(in); err != nil {
		return domain.QueryResult{}, err
	}
	return s.exec.ExecuteNaturalLanguageQuery(in.Dataset, strings.TrimSpace(in.Text)), nil
}

func (s *QueryService) SQL(in QueryInput) (domain.QueryResult, error) {
	if err := s.validate(in); err != nil {
		return domain.QueryResult{}, err
	}
	return s.exec.ExecuteSQLQuery(in.Dataset, strings.TrimSpace(in.Text)), nil
}

func (s *QueryService) validate(in QueryInput) error {
	if strings.TrimSpace(in.Dataset) == "" {
		return newError(ErrorInvalidInput, "missing_dataset", nil)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return newError(ErrorInvalidInput, "empty_query", nil)
	}
	if utf8.RuneCountInString(text) > maxQueryLength {
		return newError(ErrorInvalidInput, "query_too_long", nil)
	}
	for _, t := range s.datasets.Types() {
		if t == in.Dataset {
			return nil
		}
	}
	return newError(ErrorNotFound, "unknown_dataset", nil)
}
