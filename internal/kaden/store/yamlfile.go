package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdobrica/Kaden/common/spec/automation"
	"github.com/bdobrica/Kaden/common/trace"
)

// Reloader asks Home Assistant to re-read its automations after a write.
type Reloader interface {
	ReloadAutomations(ctx context.Context) error
}

// YAMLFile appends automations to a Home Assistant automations.yaml file.
// Each write replaces the file atomically (temp file then rename), so a
// crash leaves either the old or the new content.
type YAMLFile struct {
	path   string
	reload Reloader

	mu sync.Mutex
}

// NewYAMLFile stores automations in the file at path. When reload is non-nil
// it is called after every successful append; a failed reload is logged,
// not returned, since the automation is already stored.
func NewYAMLFile(path string, reload Reloader) *YAMLFile {
	return &YAMLFile{path: path, reload: reload}
}

func (f *YAMLFile) read() ([]byte, []automation.Record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: read %s: %w", f.path, err)
	}
	// Home Assistant seeds an empty file with "[]".
	if t := bytes.TrimSpace(data); len(t) == 0 || string(t) == "[]" {
		return nil, nil, nil
	}
	recs, err := automation.ParseYAMLList(data)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %s: %w", f.path, err)
	}
	return data, recs, nil
}

// Append adds a to the end of the file.
func (f *YAMLFile) Append(ctx context.Context, a Automation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, recs, err := f.read()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.ID == a.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
		}
	}
	item, err := automation.RenderListItem(automation.Record{ID: a.ID, Draft: a.Draft})
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(data)
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.Write(item)
	if err := writeAtomic(f.path, buf.Bytes()); err != nil {
		return err
	}

	if f.reload != nil {
		if err := f.reload.ReloadAutomations(ctx); err != nil {
			trace.Logger(ctx).Warn("store: automation reload failed", "id", a.ID, "err", err)
		}
	}
	return nil
}

// List returns the automations in the file in file order. CreatedAt and
// Session are not recorded in the file and stay empty.
func (f *YAMLFile) List(context.Context) ([]Automation, error) {
	f.mu.Lock()
	_, recs, err := f.read()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]Automation, 0, len(recs))
	for _, r := range recs {
		y, err := automation.RenderYAML(r)
		if err != nil {
			return nil, err
		}
		out = append(out, Automation{ID: r.ID, Alias: r.Draft.Alias, Draft: r.Draft, YAML: string(y)})
	}
	return out, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("store: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("store: replace %s: %w", path, err)
	}
	return nil
}
