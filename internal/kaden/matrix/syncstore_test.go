package matrix_test

import (
	"context"
	"path/filepath"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kaden/internal/kaden/matrix"
	"github.com/bdobrica/Kaden/internal/kaden/store"
)

func TestSyncStore_RoundTrip(t *testing.T) {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "kaden.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	s := matrix.NewSyncStore(db.DB())
	user := id.UserID("@kaden:example.org")

	if tok, err := s.LoadNextBatch(ctx, user); err != nil || tok != "" {
		t.Fatalf("first LoadNextBatch = (%q, %v), want empty", tok, err)
	}
	for _, tok := range []string{"s1_100", "s1_200"} {
		if err := s.SaveNextBatch(ctx, user, tok); err != nil {
			t.Fatalf("SaveNextBatch: %v", err)
		}
	}
	if tok, err := s.LoadNextBatch(ctx, user); err != nil || tok != "s1_200" {
		t.Errorf("LoadNextBatch = (%q, %v), want s1_200", tok, err)
	}

	if err := s.SaveFilterID(ctx, user, "f-7"); err != nil {
		t.Fatal(err)
	}
	if f, _ := s.LoadFilterID(ctx, user); f != "f-7" {
		t.Errorf("LoadFilterID = %q", f)
	}
	if f, _ := s.LoadFilterID(ctx, id.UserID("@other:example.org")); f != "" {
		t.Errorf("other user's filter = %q, want empty", f)
	}
}
