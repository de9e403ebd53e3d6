package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresOperationTimeout = 5 * time.Second

	docKeyCursor  = "cursor"
	docKeyLease   = "lease"
	docKeyChannel = "watch_channel"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore implements Store on a Postgres document layout: one table of
// singleton config documents (cursor, lease, channel) and one table of file
// records. All mutations are single-transaction.
type PostgresStore struct {
	dsn        string
	stateTable string
	filesTable string
	openDB     sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore opens a store over the given DSN. Tables are created on
// first use, prefixed with namespace.
func NewPostgresStore(dsn, namespace string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "drive_sync"
	}
	return &PostgresStore{
		dsn:        dsn,
		stateTable: namespace + "_state",
		filesTable: namespace + "_files",
		openDB:     sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		stateQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				doc_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.stateTable))
		if _, err := db.ExecContext(ctx, stateQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		filesQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				file_id TEXT PRIMARY KEY,
				path TEXT NOT NULL,
				tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
				deleted_at TIMESTAMPTZ,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.filesTable))
		if _, err := db.ExecContext(ctx, filesQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (path)",
			quoteIdentifier(s.filesTable+"_path_idx"),
			quoteIdentifier(s.filesTable),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) TryAcquireLease(ctx context.Context, holderID string, ttl time.Duration) error {
	if strings.TrimSpace(holderID) == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// A row lock alone cannot serialize two acquirers when no lease row
	// exists yet, which is the steady state because ReleaseLease deletes
	// the row. The advisory lock covers the absent-row path.
	if err := s.lockLease(ctx, tx); err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT payload FROM %s WHERE doc_key = $1", quoteIdentifier(s.stateTable))
	var payload string
	err = tx.QueryRowContext(ctx, query, docKeyLease).Scan(&payload)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	now := time.Now().UTC()
	if err == nil {
		var current Lease
		if jsonErr := json.Unmarshal([]byte(payload), &current); jsonErr == nil {
			if current.HolderID != "" && current.HolderID != holderID && !current.Expired(now) {
				return ErrLeaseHeld
			}
		}
	}
	lease := Lease{HolderID: holderID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	if err := s.upsertDoc(ctx, tx, docKeyLease, lease); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, holderID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := s.lockLease(ctx, tx); err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT payload FROM %s WHERE doc_key = $1", quoteIdentifier(s.stateTable))
	var payload string
	err = tx.QueryRowContext(ctx, query, docKeyLease).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	var current Lease
	if jsonErr := json.Unmarshal([]byte(payload), &current); jsonErr == nil {
		if current.HolderID != "" && current.HolderID != holderID {
			return ErrNotLeaseOwner
		}
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE doc_key = $1", quoteIdentifier(s.stateTable))
	if _, err := tx.ExecContext(ctx, deleteQuery, docKeyLease); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// lockLease takes a transaction-scoped advisory lock keyed on the state
// table, held until commit or rollback.
func (s *PostgresStore) lockLease(ctx context.Context, tx *sql.Tx) error {
	h := fnv.New64a()
	h.Write([]byte(s.stateTable + "/" + docKeyLease))
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", int64(h.Sum64()))
	return err
}

func (s *PostgresStore) ReadCursor(ctx context.Context) (string, error) {
	var doc struct {
		Token string `json:"token"`
	}
	found, err := s.readDoc(ctx, docKeyCursor, &doc)
	if err != nil || !found {
		return "", err
	}
	return doc.Token, nil
}

func (s *PostgresStore) WriteCursorAndRecords(ctx context.Context, cursor string, records []FileRecord) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	doc := struct {
		Token string `json:"token"`
	}{Token: cursor}
	if err := s.upsertDoc(ctx, tx, docKeyCursor, doc); err != nil {
		return err
	}
	if err := s.upsertRecords(ctx, tx, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) PutRecords(ctx context.Context, records []FileRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := s.upsertRecords(ctx, tx, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) upsertRecords(ctx context.Context, tx *sql.Tx, records []FileRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (file_id, path, tombstoned, deleted_at, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (file_id)
		DO UPDATE SET path = EXCLUDED.path, tombstoned = EXCLUDED.tombstoned,
			deleted_at = EXCLUDED.deleted_at, payload = EXCLUDED.payload,
			updated_at = NOW()`, quoteIdentifier(s.filesTable))
	for _, record := range records {
		if strings.TrimSpace(record.FileID) == "" {
			return ErrInvalidInput
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		var deletedAt sql.NullTime
		if !record.DeletedAt.IsZero() {
			deletedAt = sql.NullTime{Time: record.DeletedAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query, record.FileID, record.Path, record.Tombstoned, deletedAt, string(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, fileID string) (*FileRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE file_id = $1", quoteIdentifier(s.filesTable))
	var payload string
	err := s.db.QueryRowContext(ctx, query, fileID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record FileRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, pathPrefix string) ([]FileRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT payload FROM %s
		WHERE NOT tombstoned AND path LIKE $1 || '%%'
		ORDER BY path ASC`, quoteIdentifier(s.filesTable))
	rows, err := s.db.QueryContext(ctx, query, pathPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record FileRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) PruneTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE tombstoned AND deleted_at < $1", quoteIdentifier(s.filesTable))
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PostgresStore) ReadChannel(ctx context.Context) (*Channel, error) {
	var ch Channel
	found, err := s.readDoc(ctx, docKeyChannel, &ch)
	if err != nil || !found {
		return nil, err
	}
	return &ch, nil
}

func (s *PostgresStore) WriteChannel(ctx context.Context, ch Channel) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := s.upsertDoc(ctx, tx, docKeyChannel, ch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) ClearChannel(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE doc_key = $1", quoteIdentifier(s.stateTable))
	_, err := s.db.ExecContext(ctx, query, docKeyChannel)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) readDoc(ctx context.Context, docKey string, out any) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE doc_key = $1", quoteIdentifier(s.stateTable))
	var payload string
	err := s.db.QueryRowContext(ctx, query, docKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) upsertDoc(ctx context.Context, tx *sql.Tx, docKey string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (doc_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (doc_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, quoteIdentifier(s.stateTable))
	_, err = tx.ExecContext(ctx, query, docKey, string(payload))
	return err
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
