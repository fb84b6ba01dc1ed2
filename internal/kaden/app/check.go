package app

import (
	"context"
	"fmt"
	"os"

	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/validate"
)

// Report is the validation result of one automation in a file.
type Report struct {
	ID     string          `json:"id"`
	Alias  string          `json:"alias"`
	Result validate.Result `json:"result"`
}

// CheckFile validates every automation in a Home Assistant YAML file (an
// automations.yaml list or a single automation) against the catalog.
func CheckFile(ctx context.Context, cat *catalog.Catalog, path string) ([]Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: read %s: %w", path, err)
	}
	records, err := automation.ParseYAMLList(data)
	if err != nil {
		rec, err1 := automation.ParseYAML(data)
		if err1 != nil {
			return nil, err
		}
		records = []automation.Record{rec}
	}

	snap, err := cat.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	v := validate.New()
	out := make([]Report, 0, len(records))
	for _, r := range records {
		out = append(out, Report{ID: r.ID, Alias: r.Draft.Alias, Result: v.Validate(r.Draft, snap)})
	}
	return out, nil
}
