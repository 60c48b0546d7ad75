package db

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestCreateAccountAndAuthenticate(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := database.CreateAccount(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := database.Authenticate(ctx, "alice", "s3cret"); err != nil {
		t.Errorf("Authenticate with correct password: %v", err)
	}

	for _, wrong := range []string{"", "S3cret", "s3cret ", "other"} {
		if err := database.Authenticate(ctx, "alice", wrong); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Authenticate(%q): expected ErrInvalidCredentials, got %v", wrong, err)
		}
	}

	if err := database.Authenticate(ctx, "nobody", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Authenticate unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLongPasswords(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	long := strings.Repeat("a", 72) + strings.Repeat("b", 28)
	sharedPrefix := strings.Repeat("a", 72) + strings.Repeat("c", 28)

	if err := database.CreateAccount(ctx, "alice", long); err != nil {
		t.Fatalf("CreateAccount with 100-byte password: %v", err)
	}
	if err := database.Authenticate(ctx, "alice", long); err != nil {
		t.Errorf("Authenticate with 100-byte password: %v", err)
	}
	if err := database.Authenticate(ctx, "alice", sharedPrefix); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("password sharing the first 72 bytes: expected ErrInvalidCredentials, got %v", err)
	}
	if err := database.Authenticate(ctx, "alice", long[:72]); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("72-byte prefix: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestPasswordIsNotStoredVerbatim(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := database.CreateAccount(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	var stored string
	if err := database.conn.QueryRow("SELECT password FROM users WHERE username = ?", "alice").Scan(&stored); err != nil {
		t.Fatalf("select password: %v", err)
	}
	if stored == "s3cret" {
		t.Errorf("expected password to be hashed")
	}

	account, err := database.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Username != "alice" || account.Password != stored {
		t.Errorf("unexpected account %+v", account)
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := database.CreateAccount(ctx, "alice", "one"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	for _, password := range []string{"one", "two"} {
		if err := database.CreateAccount(ctx, "alice", password); !errors.Is(err, ErrDuplicateUsername) {
			t.Errorf("duplicate with password %q: expected ErrDuplicateUsername, got %v", password, err)
		}
	}

	// The first password must still work.
	if err := database.Authenticate(ctx, "alice", "one"); err != nil {
		t.Errorf("Authenticate after duplicate attempt: %v", err)
	}
}

func TestCreateAccountConcurrent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	const attempts = 2
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = database.CreateAccount(ctx, "carol", "pw")
		}(i)
	}
	wg.Wait()

	var succeeded, duplicates int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrDuplicateUsername):
			duplicates++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || duplicates != 1 {
		t.Errorf("expected 1 success and 1 duplicate, got %d and %d", succeeded, duplicates)
	}
}

func TestAuthenticateUpdatesLastSeen(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	database.now = func() time.Time { return created }
	if err := database.CreateAccount(ctx, "alice", "pw"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	login := created.Add(time.Hour)
	database.now = func() time.Time { return login }
	if err := database.Authenticate(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	account, err := database.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !account.LastSeen.Equal(login) {
		t.Errorf("expected last_seen %v, got %v", login, account.LastSeen)
	}

	// A failed login leaves it alone.
	database.now = func() time.Time { return login.Add(time.Hour) }
	_ = database.Authenticate(ctx, "alice", "wrong")
	account, _ = database.GetAccount(ctx, "alice")
	if !account.LastSeen.Equal(login) {
		t.Errorf("failed login changed last_seen to %v", account.LastSeen)
	}

	if _, err := database.GetAccount(ctx, "nobody"); !errors.Is(err, ErrNoRows) {
		t.Errorf("expected ErrNoRows for unknown user, got %v", err)
	}
}

func TestRecordMessage(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	database.now = func() time.Time { return ts }

	msg, err := database.RecordMessage(ctx, "bob", "alice", "hi")
	if err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if msg.ID == 0 {
		t.Errorf("expected an id")
	}
	if msg.Sender != "bob" || msg.Receiver != "alice" || msg.Content != "hi" {
		t.Errorf("unexpected message %+v", msg)
	}
	if !msg.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, msg.Timestamp)
	}
	if msg.IsRead {
		t.Errorf("new message must be unread")
	}

	count, err := database.UnreadCount(ctx, "alice")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 unread, got %d", count)
	}
}

func TestFetchUnreadAndMarkRead(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	// Inserted out of timestamp order; two share a second.
	inserts := []struct {
		sender  string
		content string
		at      time.Time
	}{
		{"bob", "third", base.Add(2 * time.Minute)},
		{"carol", "first", base},
		{"bob", "second", base.Add(time.Minute)},
		{"bob", "fourth", base.Add(2 * time.Minute)},
	}
	for _, in := range inserts {
		at := in.at
		database.now = func() time.Time { return at }
		if _, err := database.RecordMessage(ctx, in.sender, "alice", in.content); err != nil {
			t.Fatalf("RecordMessage: %v", err)
		}
	}
	if _, err := database.RecordMessage(ctx, "alice", "bob", "not for alice"); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}

	messages, err := database.FetchUnreadAndMarkRead(ctx, "alice")
	if err != nil {
		t.Fatalf("FetchUnreadAndMarkRead: %v", err)
	}

	want := []string{"first", "second", "third", "fourth"}
	if len(messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(messages))
	}
	for i, m := range messages {
		if m.Content != want[i] {
			t.Errorf("message %d: expected %q, got %q", i, want[i], m.Content)
		}
		if m.Receiver != "alice" {
			t.Errorf("message %d: wrong receiver %q", i, m.Receiver)
		}
	}

	again, err := database.FetchUnreadAndMarkRead(ctx, "alice")
	if err != nil {
		t.Fatalf("second FetchUnreadAndMarkRead: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected empty second fetch, got %d messages", len(again))
	}

	// bob's message is untouched.
	count, _ := database.UnreadCount(ctx, "bob")
	if count != 1 {
		t.Errorf("expected bob to still have 1 unread, got %d", count)
	}
}

func TestFetchUnreadCancelledLeavesMessagesUnread(t *testing.T) {
	database := setupTestDB(t)

	if _, err := database.RecordMessage(context.Background(), "bob", "alice", "hi"); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := database.FetchUnreadAndMarkRead(ctx, "alice"); err == nil {
		t.Fatalf("expected error from cancelled context")
	}

	count, err := database.UnreadCount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected message to remain unread, got %d unread", count)
	}
}

func TestMarkReadClaimsOnce(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	msg, err := database.RecordMessage(ctx, "bob", "alice", "hi")
	if err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}

	claimed, err := database.MarkRead(ctx, msg.ID)
	if err != nil || !claimed {
		t.Fatalf("first MarkRead: claimed=%v err=%v", claimed, err)
	}
	claimed, err = database.MarkRead(ctx, msg.ID)
	if err != nil || claimed {
		t.Fatalf("second MarkRead: claimed=%v err=%v", claimed, err)
	}

	if err := database.MarkUnread(ctx, msg.ID); err != nil {
		t.Fatalf("MarkUnread: %v", err)
	}
	messages, err := database.FetchUnreadAndMarkRead(ctx, "alice")
	if err != nil {
		t.Fatalf("FetchUnreadAndMarkRead: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != msg.ID {
		t.Errorf("expected released message in backlog, got %+v", messages)
	}

	if err := database.MarkUnread(ctx, 9999); !errors.Is(err, ErrNoRows) {
		t.Errorf("expected ErrNoRows for unknown id, got %v", err)
	}
}
