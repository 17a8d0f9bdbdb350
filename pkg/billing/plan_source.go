package billing

import (
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// LoadCatalog decodes a YAML plan list:
//
//	plans:
//	  - {id: free, name: Free, rank: 0}
//	  - {id: pro, name: Pro, rank: 1, monthly_amount: 2000, annual_amount: 20000, currency: USD}
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	return NewCatalog(f.Plans...)
}

// LoadCatalogFile reads the catalog at path. An empty path yields DefaultCatalog.
func LoadCatalogFile(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	defer f.Close()
	return LoadCatalog(f)
}
