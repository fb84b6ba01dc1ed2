package matrix_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Kaden/internal/kaden/matrix"
	"github.com/bdobrica/Kaden/internal/kaden/pipeline"
)

// ---- Helpers ----

type fakeTurner struct {
	turns []pipeline.Turn
	reply *pipeline.Reply
	err   error
}

func (f *fakeTurner) HandleTurn(_ context.Context, t pipeline.Turn) (*pipeline.Reply, error) {
	f.turns = append(f.turns, t)
	return f.reply, f.err
}

type sent struct {
	room, event, plain, html string
}

type fakeResponder struct {
	mu     sync.Mutex
	sent   []sent
	typing []bool
	err    error
}

func (f *fakeResponder) Reply(_ context.Context, roomID, eventID, plain, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{roomID, eventID, plain, html})
	return f.err
}

func (f *fakeResponder) SetTyping(_ context.Context, _ string, typing bool, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

// ---- Tests ----

func TestBridge_SessionPerSenderAndRoom(t *testing.T) {
	turner := &fakeTurner{reply: &pipeline.Reply{Kind: pipeline.ReplyHelp, Text: "help text"}}
	out := &fakeResponder{}
	b := matrix.NewBridge(turner, out)

	b.Handle(context.Background(), matrix.Message{RoomID: "!r1:hs", Sender: "@alice:hs", EventID: "$e1", Body: "help"})
	b.Handle(context.Background(), matrix.Message{RoomID: "!r1:hs", Sender: "@bob:hs", EventID: "$e2", Body: "help"})

	if len(turner.turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turner.turns))
	}
	if turner.turns[0].SessionID == turner.turns[1].SessionID {
		t.Errorf("senders share session %q", turner.turns[0].SessionID)
	}
	if got, want := turner.turns[0].SessionID, matrix.SessionID("!r1:hs", "@alice:hs"); got != want {
		t.Errorf("SessionID = %q, want %q", got, want)
	}
	if len(out.sent) != 2 || out.sent[0].event != "$e1" || out.sent[0].plain != "help text" {
		t.Errorf("sent = %+v", out.sent)
	}
	if len(out.typing) != 4 || !out.typing[0] || out.typing[1] {
		t.Errorf("typing = %v, want on/off per turn", out.typing)
	}
}

func TestBridge_StripsReplyFallback(t *testing.T) {
	turner := &fakeTurner{reply: &pipeline.Reply{Kind: pipeline.ReplyClarify, Text: "when?"}}
	b := matrix.NewBridge(turner, &fakeResponder{})

	b.Handle(context.Background(), matrix.Message{
		RoomID: "!r:hs", Sender: "@a:hs", EventID: "$e",
		Body: "> <@kaden:hs> At what time should it run?\n> \n\nat 7 AM",
	})
	if got := turner.turns[0].Text; got != "at 7 AM" {
		t.Errorf("Text = %q, want the reply without the quote", got)
	}
}

func TestBridge_TurnErrorSendsGenericFailure(t *testing.T) {
	turner := &fakeTurner{err: errors.New("acquire: context canceled")}
	out := &fakeResponder{}
	matrix.NewBridge(turner, out).Handle(context.Background(), matrix.Message{RoomID: "!r:hs", Sender: "@a:hs", Body: "x"})

	if len(out.sent) != 1 || out.sent[0].plain != pipeline.InternalFailureMessage {
		t.Errorf("sent = %+v", out.sent)
	}
	if strings.Contains(out.sent[0].plain, "context canceled") {
		t.Error("internal error leaked to the room")
	}
}

func TestFormat_YAMLBecomesCodeBlock(t *testing.T) {
	yaml := "- id: \"a1\"\n  alias: Kitchen <on> (generated)\n"
	r := &pipeline.Reply{
		Kind:       pipeline.ReplyCreated,
		Text:       "✅ Created \"Kitchen\" (id a1).\nPlease review it:\n" + yaml,
		Automation: &pipeline.Automation{ID: "a1", YAML: yaml},
	}
	plain, html := matrix.Format(r)
	if plain != r.Text {
		t.Errorf("plain text changed: %q", plain)
	}
	if !strings.Contains(html, `<pre><code class="language-yaml">- id: &#34;a1&#34;`) {
		t.Errorf("html lacks the code block:\n%s", html)
	}
	if !strings.Contains(html, "Kitchen &lt;on&gt;") {
		t.Errorf("html not escaped:\n%s", html)
	}
	if !strings.Contains(html, "(id a1).<br/>Please review it:<pre>") {
		t.Errorf("text before the YAML not kept:\n%s", html)
	}
}

func TestFormat_PlainReply(t *testing.T) {
	_, html := matrix.Format(&pipeline.Reply{Text: "line one\nline <two>"})
	if html != "line one<br/>line &lt;two&gt;" {
		t.Errorf("html = %q", html)
	}
}
