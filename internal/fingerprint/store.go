package fingerprint

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Record is a persisted reuse-detection entry for one user.
type Record struct {
	UserID         string    `db:"user_id"`
	PassphraseHash string    `db:"passphrase_hash"`
	Salt           string    `db:"salt"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// RecordStore persists fingerprint records and one-time UI flags.
type RecordStore interface {
	Lookup(userID string) (*Record, error)
	Save(record *Record) error
	Matches(userID, fingerprint string) (bool, error)
	DismissFlag(userID, flag string) error
	IsDismissed(userID, flag string) (bool, error)
}

// Store is the database-backed RecordStore.
type Store struct {
	db *sqlx.DB
}

var _ RecordStore = (*Store)(nil)

// StoreConfig holds connection settings for the fingerprint store.
type StoreConfig struct {
	Driver           string
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// NewStore opens a database connection for fingerprint persistence.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	return &Store{db: db}, nil
}

// Lookup retrieves the fingerprint record for a user, or nil if none exists.
func (s *Store) Lookup(userID string) (*Record, error) {
	var record Record
	query := `SELECT user_id, passphrase_hash, salt, updated_at
	          FROM passphrase_fingerprints WHERE user_id = $1`

	err := s.db.Get(&record, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up fingerprint: %w", err)
	}

	return &record, nil
}

// Save upserts the fingerprint record for a user.
func (s *Store) Save(record *Record) error {
	if record.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if _, err := hex.DecodeString(record.PassphraseHash); err != nil {
		return fmt.Errorf("passphrase hash must be hex-encoded: %w", err)
	}

	query := `INSERT INTO passphrase_fingerprints (user_id, passphrase_hash, salt, updated_at)
	          VALUES ($1, $2, $3, NOW())
	          ON CONFLICT (user_id) DO UPDATE
	          SET passphrase_hash = $2, salt = $3, updated_at = NOW()`

	if _, err := s.db.Exec(query, record.UserID, record.PassphraseHash, record.Salt); err != nil {
		return fmt.Errorf("failed to save fingerprint: %w", err)
	}
	return nil
}

// Matches reports whether the stored fingerprint for a user equals the
// given one. Comparison is exact byte equality; a missing record is a miss.
func (s *Store) Matches(userID, print string) (bool, error) {
	record, err := s.Lookup(userID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	return record.PassphraseHash == print, nil
}

// DismissFlag records a one-time UI flag as dismissed for a user.
func (s *Store) DismissFlag(userID, flag string) error {
	query := `INSERT INTO dismissed_flags (user_id, flag, dismissed_at)
	          VALUES ($1, $2, NOW())
	          ON CONFLICT (user_id, flag) DO NOTHING`

	if _, err := s.db.Exec(query, userID, flag); err != nil {
		return fmt.Errorf("failed to dismiss flag: %w", err)
	}
	return nil
}

// IsDismissed reports whether a one-time UI flag was dismissed by a user.
func (s *Store) IsDismissed(userID, flag string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM dismissed_flags WHERE user_id = $1 AND flag = $2`

	if err := s.db.Get(&count, query, userID, flag); err != nil {
		return false, fmt.Errorf("failed to check flag: %w", err)
	}
	return count > 0, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
