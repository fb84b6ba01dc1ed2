package homeassistant

import (
	"encoding/json"
	"fmt"

	"github.com/bdobrica/Kaden/internal/kaden/catalog"
)

type message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type result struct {
	ID      int             `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r result) decode(typ string, out any) error {
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("homeassistant: %s: decode result: %w", typ, err)
	}
	return nil
}

type registryEntry struct {
	EntityID     string  `json:"entity_id"`
	Name         *string `json:"name"`
	OriginalName *string `json:"original_name"`
	AreaID       *string `json:"area_id"`
	DeviceID     *string `json:"device_id"`
	DisabledBy   *string `json:"disabled_by"`
}

type deviceEntry struct {
	ID     string  `json:"id"`
	AreaID *string `json:"area_id"`
}

type areaEntry struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

type stateEntry struct {
	EntityID   string `json:"entity_id"`
	State      string `json:"state"`
	Attributes struct {
		FriendlyName string `json:"friendly_name"`
	} `json:"attributes"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// buildCatalog joins registries and states. Entities present only in the
// state machine (no registry entry) are kept with their friendly name.
func buildCatalog(registry []registryEntry, devices []deviceEntry, areas []areaEntry, states []stateEntry) ([]catalog.EntityRef, []catalog.Area) {
	deviceArea := make(map[string]string, len(devices))
	for _, d := range devices {
		deviceArea[d.ID] = deref(d.AreaID)
	}
	reg := make(map[string]registryEntry, len(registry))
	for _, r := range registry {
		reg[r.EntityID] = r
	}

	var ents []catalog.EntityRef
	seen := make(map[string]bool, len(states))
	add := func(id, friendly string) {
		if seen[id] {
			return
		}
		seen[id] = true
		e := catalog.EntityRef{ID: id, Name: friendly}
		if r, ok := reg[id]; ok {
			if r.DisabledBy != nil {
				return
			}
			if n := deref(r.Name); n != "" {
				e.Name = n
			} else if e.Name == "" {
				e.Name = deref(r.OriginalName)
			}
			e.AreaID = deref(r.AreaID)
			if e.AreaID == "" {
				e.AreaID = deviceArea[deref(r.DeviceID)]
			}
		}
		if e.Name == "" {
			e.Name = id
		}
		ents = append(ents, e)
	}
	for _, s := range states {
		add(s.EntityID, s.Attributes.FriendlyName)
	}

	as := make([]catalog.Area, 0, len(areas))
	for _, a := range areas {
		as = append(as, catalog.Area{ID: a.AreaID, Name: a.Name})
	}
	return ents, as
}
