package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/store/storetest"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) chat.Store {
		return openTempStore(t)
	})
}

func TestReopenKeepsDataAndSkipsAppliedMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	msg := chat.Message{ID: "m1", Sender: "alice", Body: "hello", Timestamp: time.Now(), Scope: chat.ScopeGroup}
	if err := store.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GroupMessages(ctx, 10, 0)
	if err != nil {
		t.Fatalf("group messages: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("unexpected messages after reopen: %+v", got)
	}

	var applied int
	if err := reopened.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied migration, got %d", applied)
	}
}

func TestGroupRecipientStoredAsNull(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)

	msg := chat.Message{ID: "g1", Sender: "alice", Body: "hi", Timestamp: time.Now(), Scope: chat.ScopeGroup, Recipient: "ignored"}
	if err := store.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	var nulls int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE recipient IS NULL`).Scan(&nulls); err != nil {
		t.Fatalf("count: %v", err)
	}
	if nulls != 1 {
		t.Fatalf("expected group recipient to be NULL")
	}
}

func TestUpSection(t *testing.T) {
	got := upSection("-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;")
	if got != "\nCREATE TABLE a (x);\n" {
		t.Fatalf("unexpected up section: %q", got)
	}
	if upSection("SELECT 1;") != "SELECT 1;" {
		t.Fatal("content without markers should pass through")
	}
}
