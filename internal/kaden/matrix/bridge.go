package matrix

import (
	"context"
	"html"
	"strings"
	"time"

	"github.com/bdobrica/Kaden/common/trace"
	"github.com/bdobrica/Kaden/internal/kaden/pipeline"
)

// typingTimeout bounds the typing indicator while a turn runs.
const typingTimeout = 60 * time.Second

// Turner runs conversation turns; *pipeline.Pipeline satisfies it.
type Turner interface {
	HandleTurn(ctx context.Context, t pipeline.Turn) (*pipeline.Reply, error)
}

// Responder delivers replies; *Client satisfies it.
type Responder interface {
	Reply(ctx context.Context, roomID, eventID, plain, html string) error
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

// Bridge feeds room messages to the pipeline and posts the replies. Each
// sender has a separate conversation in each room.
type Bridge struct {
	turner Turner
	out    Responder
}

func NewBridge(t Turner, out Responder) *Bridge { return &Bridge{turner: t, out: out} }

// SessionID is the conversation key of a sender in a room.
func SessionID(roomID, sender string) string { return roomID + ":" + sender }

// Handle is a MessageHandler.
func (b *Bridge) Handle(ctx context.Context, msg Message) {
	sid := SessionID(msg.RoomID, msg.Sender)
	ctx, _ = trace.Ensure(ctx)
	ctx = trace.WithSession(ctx, sid)
	log := trace.Logger(ctx)

	if err := b.out.SetTyping(ctx, msg.RoomID, true, typingTimeout); err != nil {
		log.Debug("matrix: typing indicator", "err", err)
	}
	reply, err := b.turner.HandleTurn(ctx, pipeline.Turn{SessionID: sid, Text: stripReplyFallback(msg.Body)})
	if err := b.out.SetTyping(ctx, msg.RoomID, false, 0); err != nil {
		log.Debug("matrix: typing indicator", "err", err)
	}
	if err != nil {
		log.Error("matrix: turn failed", "err", err)
		reply = &pipeline.Reply{Kind: pipeline.ReplyFailed, Text: pipeline.InternalFailureMessage}
	}

	plain, formatted := Format(reply)
	if err := b.out.Reply(ctx, msg.RoomID, msg.EventID, plain, formatted); err != nil {
		log.Error("matrix: failed to send reply", "room", msg.RoomID, "err", err)
	}
}

// stripReplyFallback removes the quoted "> <@user> ..." block clients put
// in front of the body of a reply.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}

// Format renders a reply as plain text and as Matrix HTML. The YAML of an
// automation becomes a code block.
func Format(r *pipeline.Reply) (plain, formatted string) {
	plain = r.Text
	yaml := ""
	if r.Automation != nil {
		yaml = strings.TrimRight(r.Automation.YAML, "\n")
	}
	before, after, found := "", "", false
	if yaml != "" {
		before, after, found = strings.Cut(plain, yaml)
	}
	if !found {
		return plain, lines(plain)
	}

	var b strings.Builder
	b.WriteString(lines(strings.TrimRight(before, "\n")))
	b.WriteString(`<pre><code class="language-yaml">`)
	b.WriteString(html.EscapeString(yaml))
	b.WriteString("</code></pre>")
	b.WriteString(lines(strings.TrimLeft(after, "\n")))
	return plain, b.String()
}

// lines escapes s and turns newlines into <br/>.
func lines(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br/>")
}
