package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	// ErrUsernameTaken indicates a registration lost the uniqueness race
	// or the username already existed.
	ErrUsernameTaken = errors.New("username already registered")
)

// TimestampLayout is the format used for persisted message timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// bcryptCost balances hashing time against login latency.
const bcryptCost = 10

// Store wraps the SQLite database holding credentials and message
// history. Reads go through a small connection pool; writes go through
// a single dedicated connection (SQLite allows one writer).
type Store struct {
	conn      *sql.DB
	writeConn *sql.DB
}

// Open opens the SQLite database at path and initializes the schema if
// needed.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	s := &Store{conn: conn, writeConn: writeConn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// applyPragmas configures a connection for concurrent access: WAL lets
// readers proceed alongside the writer, busy_timeout retries instead of
// failing with SQLITE_BUSY.
func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes both database connections.
func (s *Store) Close() error {
	s.writeConn.Close()
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	sender_ip TEXT NOT NULL,
	recipient TEXT NOT NULL,
	recipient_ip TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
`
	_, err := s.conn.Exec(schema)
	return err
}

// Message is one persisted chat row. Public broadcasts use recipient
// "ALL" and a placeholder recipient address.
type Message struct {
	ID            int64
	Sender        string
	SenderAddr    string
	Recipient     string
	RecipientAddr string
	Content       string
	Timestamp     string
}

// User is one credential record. The hash is bcrypt; records are never
// mutated after creation.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    string
}

// UserExists reports whether a credential record exists for name.
func (s *Store) UserExists(name string) (bool, error) {
	var found string
	err := s.conn.QueryRow("SELECT username FROM users WHERE username = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return true, nil
}

// RegisterUser creates a credential record with a bcrypt hash of
// password. Two connections racing to register the same name are
// arbitrated by the UNIQUE constraint; the loser gets ErrUsernameTaken.
func (s *Store) RegisterUser(name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = s.writeConn.Exec(
		"INSERT INTO users(username, password_hash, created_at) VALUES(?, ?, ?)",
		name, string(hash), time.Now().Format(TimestampLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUsernameTaken
		}
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

// VerifyPassword reports whether password matches the stored hash for
// name. An unknown user verifies as false, not as an error.
func (s *Store) VerifyPassword(name, password string) (bool, error) {
	var hash string
	err := s.conn.QueryRow("SELECT password_hash FROM users WHERE username = ?", name).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load password hash: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// InsertMessage persists one chat row.
func (s *Store) InsertMessage(sender, senderAddr, recipient, recipientAddr, content, timestamp string) error {
	_, err := s.writeConn.Exec(
		"INSERT INTO messages(sender, sender_ip, recipient, recipient_ip, content, timestamp) VALUES(?, ?, ?, ?, ?, ?)",
		sender, senderAddr, recipient, recipientAddr, content, timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetHistory returns the formatted history visible to username: public
// rows plus private rows the user sent or received, in insertion order.
func (s *Store) GetHistory(username string) ([]string, error) {
	rows, err := s.conn.Query(
		`SELECT sender, recipient, content, timestamp FROM messages
		 WHERE recipient = 'ALL' OR sender = ? OR recipient = ?
		 ORDER BY id`,
		username, username,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []string
	for rows.Next() {
		var sender, recipient, content, timestamp string
		if err := rows.Scan(&sender, &recipient, &content, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		var line string
		if recipient != "ALL" {
			line = fmt.Sprintf("[%s] %s(Private to %s): %s", timestamp, sender, recipient, content)
		} else {
			line = fmt.Sprintf("[%s] %s: %s", timestamp, sender, content)
		}
		history = append(history, line)
	}
	return history, rows.Err()
}

// CountMessages returns the number of persisted rows, reported by the
// health endpoint.
func (s *Store) CountMessages() (int64, error) {
	var n int64
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
