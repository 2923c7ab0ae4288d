package query

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"dbconsole-agent/internal/domain"
)

//go:embed datasets/*.yaml
var builtinDatasets embed.FS

// Catalog holds the static canonical query tables, one per dataset type.
type Catalog struct {
	datasets map[string]domain.Dataset
	order    []string
}

// DefaultCatalog loads the datasets compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	sub, err := fs.Sub(builtinDatasets, "datasets")
	if err != nil {
		return nil, fmt.Errorf("query: open builtin datasets: %w", err)
	}
	return LoadCatalog(sub)
}

// LoadCatalog reads every *.yaml / *.yml file at the root of fsys as one
// dataset.
func LoadCatalog(fsys fs.FS) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("query: read catalog dir: %w", err)
	}
	c := &Catalog{datasets: make(map[string]domain.Dataset)}
	for _, e := range entries {
		ext := path.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("query: read %s: %w", e.Name(), err)
		}
		var ds domain.Dataset
		if err := yaml.Unmarshal(data, &ds); err != nil {
			return nil, fmt.Errorf("query: decode %s: %w", e.Name(), err)
		}
		if err := c.add(ds); err != nil {
			return nil, fmt.Errorf("query: %s: %w", e.Name(), err)
		}
	}
	if len(c.order) == 0 {
		return nil, errors.New("query: catalog has no datasets")
	}
	sort.Strings(c.order)
	return c, nil
}

// NewCatalog builds a catalog from in-memory datasets.
func NewCatalog(datasets ...domain.Dataset) (*Catalog, error) {
	c := &Catalog{datasets: make(map[string]domain.Dataset)}
	for _, ds := range datasets {
		if err := c.add(ds); err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
	}
	sort.Strings(c.order)
	return c, nil
}

func (c *Catalog) add(ds domain.Dataset) error {
	ds.Type = strings.TrimSpace(ds.Type)
	if ds.Type == "" {
		return errors.New("dataset type must not be empty")
	}
	if _, dup := c.datasets[ds.Type]; dup {
		return fmt.Errorf("duplicate dataset %q", ds.Type)
	}
	seen := make(map[string]struct{}, len(ds.Queries))
	for _, q := range ds.Queries {
		if q.ID == "" {
			return fmt.Errorf("dataset %q: query id must not be empty", ds.Type)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("dataset %q: duplicate query %q", ds.Type, q.ID)
		}
		seen[q.ID] = struct{}{}
		if strings.TrimSpace(q.SQL) == "" {
			return fmt.Errorf("dataset %q: query %q has no sql", ds.Type, q.ID)
		}
		if len(q.Columns) == 0 {
			return fmt.Errorf("dataset %q: query %q has no columns", ds.Type, q.ID)
		}
		if _, ok := ds.Results[q.ResultKey]; !ok {
			return fmt.Errorf("dataset %q: query %q references missing result %q", ds.Type, q.ID, q.ResultKey)
		}
	}
	c.datasets[ds.Type] = ds
	c.order = append(c.order, ds.Type)
	return nil
}

// Dataset returns the dataset registered for datasetType.
func (c *Catalog) Dataset(datasetType string) (domain.Dataset, bool) {
	ds, ok := c.datasets[strings.TrimSpace(datasetType)]
	return ds, ok
}

// Types lists the dataset types in sorted order.
func (c *Catalog) Types() []string {
	return append([]string(nil), c.order...)
}
