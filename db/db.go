package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows             = errors.New("no rows found")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// timestampLayout matches SQLite's CURRENT_TIMESTAMP so rows written by
// older deployments sort together with ours.
const timestampLayout = "2006-01-02 15:04:05"

type DB struct {
	conn *sql.DB
	now  func() time.Time
}

func New(path string) (*DB, error) {
	dsn := path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			last_seen TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT DEFAULT CURRENT_TIMESTAMP,
			is_read BOOLEAN DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver, is_read, timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Account methods

// CreateAccount stores a new account with a bcrypt hash of password.
func (db *DB) CreateAccount(ctx context.Context, username, password string) error {
	hashed, err := bcrypt.GenerateFromPassword(passwordDigest(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (username, password, last_seen) VALUES (?, ?, ?)",
		username, string(hashed), db.now().UTC().Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateUsername
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Authenticate checks the credentials and refreshes last_seen on success.
func (db *DB) Authenticate(ctx context.Context, username, password string) error {
	var hashedPassword string
	err := db.conn.QueryRowContext(ctx, "SELECT password FROM users WHERE username = ?", username).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("select user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), passwordDigest(password)); err != nil {
		return ErrInvalidCredentials
	}

	return db.UpdateLastSeen(ctx, username, db.now())
}

func (db *DB) UpdateLastSeen(ctx context.Context, username string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_seen = ? WHERE username = ?",
		t.UTC().Format(time.RFC3339), username,
	)
	return err
}

// GetAccount loads an account. Password holds the stored bcrypt hash.
func (db *DB) GetAccount(ctx context.Context, username string) (models.Account, error) {
	account := models.Account{Username: username}
	var lastSeen sql.NullString
	err := db.conn.QueryRowContext(ctx,
		"SELECT password, last_seen FROM users WHERE username = ?",
		username,
	).Scan(&account.Password, &lastSeen)
	if err == sql.ErrNoRows {
		return models.Account{}, ErrNoRows
	}
	if err != nil {
		return models.Account{}, err
	}

	if lastSeen.Valid && lastSeen.String != "" {
		account.LastSeen, err = time.Parse(time.RFC3339, lastSeen.String)
		if err != nil {
			return models.Account{}, fmt.Errorf("last_seen for %s: %w", username, err)
		}
	}
	return account, nil
}

// Message methods

// RecordMessage persists a message as unread with a server-side timestamp.
func (db *DB) RecordMessage(ctx context.Context, sender, receiver, content string) (models.Message, error) {
	ts := db.now().UTC().Truncate(time.Second)
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender, receiver, content, timestamp, is_read) VALUES (?, ?, ?, ?, 0)",
		sender, receiver, content, ts.Format(timestampLayout),
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.Message{}, err
	}

	return models.Message{
		ID:        id,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: ts,
	}, nil
}

// FetchUnreadAndMarkRead returns the unread messages addressed to username,
// oldest first, and marks them read in the same transaction. Nothing is
// marked when the transaction fails.
func (db *DB) FetchUnreadAndMarkRead(ctx context.Context, username string) ([]models.Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sender, receiver, content, timestamp
		FROM messages
		WHERE receiver = ? AND is_read = 0
		ORDER BY timestamp ASC, id ASC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestampStr string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &timestampStr); err != nil {
			rows.Close()
			return nil, err
		}
		m.Timestamp, err = time.ParseInLocation(timestampLayout, timestampStr, time.UTC)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("message %d: %w", m.ID, err)
		}
		m.IsRead = true
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(messages) == 0 {
		return messages, tx.Commit()
	}

	// The immediate transaction holds the write lock, so no unread row can
	// appear between the select and this update.
	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET is_read = 1 WHERE receiver = ? AND is_read = 0",
		username,
	); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return messages, nil
}

// MarkRead flips a single message to read and reports whether this call did it.
func (db *DB) MarkRead(ctx context.Context, id int64) (bool, error) {
	result, err := db.conn.ExecContext(ctx, "UPDATE messages SET is_read = 1 WHERE id = ? AND is_read = 0", id)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// MarkUnread returns a claimed message to the backlog after a failed live write.
func (db *DB) MarkUnread(ctx context.Context, id int64) error {
	result, err := db.conn.ExecContext(ctx, "UPDATE messages SET is_read = 0 WHERE id = ?", id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) UnreadCount(ctx context.Context, username string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE receiver = ? AND is_read = 0",
		username,
	).Scan(&count)
	return count, err
}

// passwordDigest feeds bcrypt a fixed 44-byte input, so every byte of a long
// password counts and none hits bcrypt's 72-byte limit.
func passwordDigest(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
