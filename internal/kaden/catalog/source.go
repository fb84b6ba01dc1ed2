package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Static serves a fixed entity list.
type Static struct {
	Entities []EntityRef
	Areas    []Area
}

func (s Static) FetchCatalog(context.Context) ([]EntityRef, []Area, error) {
	return s.Entities, s.Areas, nil
}

// File reads the catalog from a YAML document, re-read on every refresh:
//
//	areas:
//	  - {id: kitchen, name: Kitchen}
//	entities:
//	  - {id: light.kitchen, name: Kitchen Light, area: kitchen}
type File struct {
	Path string
}

type fileDoc struct {
	Areas    []Area      `yaml:"areas"`
	Entities []EntityRef `yaml:"entities"`
}

func (f File) FetchCatalog(ctx context.Context) ([]EntityRef, []Area, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: read %s: %w", f.Path, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("catalog: parse %s: %w", f.Path, err)
	}
	for i, e := range doc.Entities {
		if e.ID == "" {
			return nil, nil, fmt.Errorf("catalog: %s: entities[%d]: id must not be empty", f.Path, i)
		}
	}
	return doc.Entities, doc.Areas, nil
}
