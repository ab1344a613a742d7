// Package duplicatedb tracks duplicate deliveries for the sieve engine's
// redirect suppression. It backs the DuplicateCheck/DuplicateMark pair of
// the script environment with a local SQLite database, keyed on the user
// and a digest of the duplicate identifier.
package duplicatedb

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"github.com/xrg/pigeonhole/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS duplicates (
	username TEXT NOT NULL,
	id_hash  TEXT NOT NULL,
	marked_at INTEGER NOT NULL,
	PRIMARY KEY (username, id_hash)
);
CREATE INDEX IF NOT EXISTS duplicates_marked_at ON duplicates (marked_at);
`

// DefaultExpiry is how long a mark suppresses repeated deliveries.
const DefaultExpiry = 12 * time.Hour

// Store is a duplicate-tracking database.
type Store struct {
	db     *sql.DB
	expiry time.Duration
}

// Open creates or opens the database at path. Pass ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duplicate database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize duplicate database: %w", err)
	}
	return &Store{db: db, expiry: DefaultExpiry}, nil
}

// SetExpiry overrides the suppression window.
func (s *Store) SetExpiry(d time.Duration) {
	if d > 0 {
		s.expiry = d
	}
}

func hashID(id []byte) string {
	sum := blake3.Sum256(id)
	return hex.EncodeToString(sum[:])
}

// Check reports whether the identifier was already marked for the user
// within the expiry window. It matches the engine's DuplicateCheck callback
// signature.
func (s *Store) Check(id []byte, user string) bool {
	cutoff := time.Now().Add(-s.expiry).Unix()

	var marked int64
	err := s.db.QueryRow(
		`SELECT marked_at FROM duplicates WHERE username = ? AND id_hash = ? AND marked_at >= ?`,
		user, hashID(id), cutoff).Scan(&marked)
	switch err {
	case nil:
		return true
	case sql.ErrNoRows:
		return false
	default:
		// Tracking is advisory: on error we deliver rather than drop.
		logger.Warn("duplicatedb: check failed", "user", user, "error", err)
		return false
	}
}

// Mark records a delivery. It matches the engine's DuplicateMark callback
// signature.
func (s *Store) Mark(id []byte, user string, when time.Time) {
	_, err := s.db.Exec(
		`INSERT INTO duplicates (username, id_hash, marked_at) VALUES (?, ?, ?)
		 ON CONFLICT (username, id_hash) DO UPDATE SET marked_at = excluded.marked_at`,
		user, hashID(id), when.Unix())
	if err != nil {
		logger.Warn("duplicatedb: mark failed", "user", user, "error", err)
	}
}

// Expire removes entries older than the expiry window and returns how many
// were dropped.
func (s *Store) Expire() (int64, error) {
	cutoff := time.Now().Add(-s.expiry).Unix()
	res, err := s.db.Exec(`DELETE FROM duplicates WHERE marked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire duplicate entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
