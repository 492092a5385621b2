package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS synced_folders (
		account TEXT NOT NULL,
		folder TEXT NOT NULL,
		position INTEGER NOT NULL,
		synced_at DATETIME NOT NULL,
		PRIMARY KEY (account, folder)
	);

	CREATE INDEX IF NOT EXISTS idx_synced_folders_account ON synced_folders(account, position);
	`

	_, err := s.db.Exec(query)
	return err
}

// Confirmed returns the account's confirmed folders in the order they were recorded
func (s *SQLiteStore) Confirmed(account string) ([]string, error) {
	if s.closed {
		return nil, fmt.Errorf("database store is closed")
	}

	var folders []string
	err := s.retryOnBusy(func() error {
		rows, err := s.db.Query(`SELECT folder FROM synced_folders WHERE account = ? ORDER BY position ASC`, account)
		if err != nil {
			return err
		}
		defer rows.Close()

		folders = folders[:0]
		for rows.Next() {
			var f string
			if err := rows.Scan(&f); err != nil {
				return err
			}
			folders = append(folders, f)
		}
		return rows.Err()
	})
	return folders, err
}

// MarkSynced records folders for the account in one transaction
func (s *SQLiteStore) MarkSynced(account string, folders []string) error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}
	if len(folders) == 0 {
		return nil
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.markWithTransaction(account, folders)
	})
}

func (s *SQLiteStore) markWithTransaction(account string, folders []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(position), -1) + 1 FROM synced_folders WHERE account = ?`, account).Scan(&next); err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}

	now := time.Now()
	for _, f := range folders {
		res, err := tx.Exec(`INSERT INTO synced_folders (account, folder, position, synced_at)
			VALUES (?, ?, ?, ?) ON CONFLICT(account, folder) DO NOTHING`, account, f, next, now)
		if err != nil {
			return fmt.Errorf("failed to execute insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			next++
		}
	}

	return tx.Commit()
}

// Snapshot returns every account's confirmed folders
func (s *SQLiteStore) Snapshot() (map[string][]string, error) {
	if s.closed {
		return nil, fmt.Errorf("database store is closed")
	}

	rows, err := s.db.Query(`SELECT account, folder FROM synced_folders ORDER BY account, position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var account, folder string
		if err := rows.Scan(&account, &folder); err != nil {
			return nil, err
		}
		out[account] = append(out[account], folder)
	}
	return out, rows.Err()
}

// Reset removes one account's folders, or all of them
func (s *SQLiteStore) Reset(account string) error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		if account == "" {
			_, err := s.db.Exec(`DELETE FROM synced_folders`)
			return err
		}
		_, err := s.db.Exec(`DELETE FROM synced_folders WHERE account = ?`, account)
		return err
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
