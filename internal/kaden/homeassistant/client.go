// Package homeassistant talks to a Home Assistant instance over its
// WebSocket API: it reads the entity, device and area registries for the
// catalog and asks the automation integration to reload after a write.
package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bdobrica/Kaden/internal/kaden/catalog"
)

// ErrAuth means Home Assistant rejected the access token.
var ErrAuth = errors.New("homeassistant: authentication rejected")

const (
	defaultTimeout = 15 * time.Second
	readLimit      = 32 << 20
)

// Config addresses one Home Assistant instance.
type Config struct {
	// URL is the base URL, e.g. http://homeassistant.local:8123.
	URL string
	// Token is a long-lived access token.
	Token   string
	Timeout time.Duration
	// HTTPClient is used for the WebSocket handshake; nil means default.
	HTTPClient *http.Client
}

// Client is safe for concurrent use; each operation opens its own
// short-lived WebSocket session.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg}
}

// FetchCatalog implements catalog.Source. Disabled entities are skipped; an
// entity without its own area inherits its device's area.
func (c *Client) FetchCatalog(ctx context.Context) ([]catalog.EntityRef, []catalog.Area, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer s.close()

	var (
		registry []registryEntry
		devices  []deviceEntry
		areas    []areaEntry
		states   []stateEntry
	)
	if err := s.call(ctx, "config/entity_registry/list", nil, &registry); err != nil {
		return nil, nil, err
	}
	if err := s.call(ctx, "config/device_registry/list", nil, &devices); err != nil {
		return nil, nil, err
	}
	if err := s.call(ctx, "config/area_registry/list", nil, &areas); err != nil {
		return nil, nil, err
	}
	if err := s.call(ctx, "get_states", nil, &states); err != nil {
		return nil, nil, err
	}

	ents, as := buildCatalog(registry, devices, areas, states)
	slog.Debug("homeassistant: catalog fetched", "entities", len(ents), "areas", len(as))
	return ents, as, nil
}

// ReloadAutomations calls automation.reload so a freshly written
// automations.yaml takes effect.
func (c *Client) ReloadAutomations(ctx context.Context) error {
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return s.call(ctx, "call_service", map[string]any{"domain": "automation", "service": "reload"}, nil)
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("homeassistant: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("homeassistant: unsupported url scheme %q", u.Scheme)
	}
	u.Path += "/api/websocket"
	return u.String(), nil
}

// session is one authenticated WebSocket connection.
type session struct {
	ws     *websocket.Conn
	nextID int
}

func (c *Client) open(ctx context.Context) (*session, error) {
	wsURL, err := c.websocketURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("homeassistant: dial %s: %w", wsURL, err)
	}
	ws.SetReadLimit(readLimit)
	s := &session{ws: ws}

	var hello message
	if err := wsjson.Read(ctx, ws, &hello); err != nil {
		s.close()
		return nil, fmt.Errorf("homeassistant: read greeting: %w", err)
	}
	if hello.Type != "auth_required" {
		s.close()
		return nil, fmt.Errorf("homeassistant: unexpected greeting %q", hello.Type)
	}
	if err := wsjson.Write(ctx, ws, map[string]string{"type": "auth", "access_token": c.cfg.Token}); err != nil {
		s.close()
		return nil, fmt.Errorf("homeassistant: send auth: %w", err)
	}
	var verdict message
	if err := wsjson.Read(ctx, ws, &verdict); err != nil {
		s.close()
		return nil, fmt.Errorf("homeassistant: read auth result: %w", err)
	}
	switch verdict.Type {
	case "auth_ok":
		return s, nil
	case "auth_invalid":
		s.close()
		return nil, fmt.Errorf("%w: %s", ErrAuth, verdict.Message)
	}
	s.close()
	return nil, fmt.Errorf("homeassistant: unexpected auth reply %q", verdict.Type)
}

func (s *session) close() {
	_ = s.ws.Close(websocket.StatusNormalClosure, "")
}

// call sends one command and decodes its result into out (when non-nil).
func (s *session) call(ctx context.Context, typ string, fields map[string]any, out any) error {
	s.nextID++
	id := s.nextID
	req := map[string]any{"id": id, "type": typ}
	for k, v := range fields {
		req[k] = v
	}
	if err := wsjson.Write(ctx, s.ws, req); err != nil {
		return fmt.Errorf("homeassistant: %s: send: %w", typ, err)
	}
	for {
		var res result
		if err := wsjson.Read(ctx, s.ws, &res); err != nil {
			return fmt.Errorf("homeassistant: %s: read: %w", typ, err)
		}
		if res.ID != id || res.Type != "result" {
			continue
		}
		if !res.Success {
			if res.Error != nil {
				return fmt.Errorf("homeassistant: %s: %s: %s", typ, res.Error.Code, res.Error.Message)
			}
			return fmt.Errorf("homeassistant: %s failed", typ)
		}
		if out == nil || len(res.Result) == 0 {
			return nil
		}
		return res.decode(typ, out)
	}
}
