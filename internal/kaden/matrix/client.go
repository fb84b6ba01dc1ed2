// Package matrix is the chat front-end of kaden: it listens in the
// configured Matrix rooms and answers every text message through the
// conversation pipeline.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are the room ids kaden listens in.
	Rooms []string
	// AllowedSenders restricts who may talk to kaden. Empty allows every
	// member of Rooms.
	AllowedSenders []string
	// DB persists the sync token across restarts. When nil an in-memory
	// store is used and room history replays on every start.
	DB *sql.DB
}

// Enabled reports whether a homeserver is configured.
func (c Config) Enabled() bool { return c.Homeserver != "" }

// Message is an incoming text message.
type Message struct {
	RoomID  string
	Sender  string
	EventID string
	Body    string
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg Message)

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	config  Config
	stopCh  chan struct{}
	handler MessageHandler
}

// New creates a client. It does not contact the homeserver.
func New(config Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	c := &Client{client: client, config: config, stopCh: make(chan struct{})}

	if config.DB != nil {
		client.Store = NewSyncStore(config.DB)
		slog.Info("matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}
	return c, nil
}

// Start joins the rooms and syncs in the background, reconnecting with
// exponential back-off until Stop is called.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleEvent)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("matrix: join room %s: %w", roomID, err)
		}
	}

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			err := c.client.SyncWithContext(ctx)
			if err == nil {
				return
			}
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			slog.Error("matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
		}
	}()
	return nil
}

// Stop stops syncing.
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
		return
	default:
	}
	close(c.stopCh)
	c.client.StopSync()
}

// Reply answers eventID in roomID with a formatted message.
func (c *Client) Reply(ctx context.Context, roomID, eventID, plain, html string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    plain,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		},
	}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send reply: %w", err)
	}
	return nil
}

// SendNotice sends a notice message (less intrusive than normal messages).
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{MsgType: event.MsgNotice, Body: message}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send notice: %w", err)
	}
	return nil
}

// SetTyping shows or clears the typing indicator.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("matrix: set typing: %w", err)
	}
	return nil
}

func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}
	m := Message{RoomID: evt.RoomID.String(), Sender: evt.Sender.String(), EventID: evt.ID.String(), Body: msg.Body}
	if !c.accepts(m) || c.handler == nil {
		return
	}
	c.handler(ctx, m)
}

// accepts filters out our own messages, other rooms and senders not on the
// allowlist.
func (c *Client) accepts(m Message) bool {
	if m.Sender == c.config.UserID {
		return false
	}
	if !slices.Contains(c.config.Rooms, m.RoomID) {
		return false
	}
	return len(c.config.AllowedSenders) == 0 || slices.Contains(c.config.AllowedSenders, m.Sender)
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		// Homeservers answer M_FORBIDDEN when already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
