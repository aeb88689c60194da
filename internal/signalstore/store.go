// Package signalstore is the embedded, single-writer persistence layer
// from spec.md §4.2. Adapted from the teacher repo's
// services/indexer/storage.go (database/sql query shape, ON CONFLICT
// upserts) onto modernc.org/sqlite + github.com/jmoiron/sqlx, with
// migrations applied from internal/signalstore/migrations.
package signalstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/signalforge/prospector/internal/apperrors"
	"github.com/signalforge/prospector/internal/model"
	"github.com/signalforge/prospector/internal/signalstore/migrations"
)

// Store is the embedded single-writer signal database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL journaling and a busy timeout so one writer and many readers can
// coexist, and applies any pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("signalstore: open: %w", err)
	}
	// SQLite permits only one writer; a single pooled connection keeps the
	// driver from fanning writes out across goroutine-local connections
	// that would otherwise serialize behind SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("signalstore: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("signalstore: create schema_migrations: %w", err)
	}

	files, err := migrations.Load()
	if err != nil {
		return fmt.Errorf("signalstore: load migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("signalstore: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	rows.Close()

	for i, f := range files {
		if applied[f.Name] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, f.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("signalstore: apply migration %s: %w", f.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			i+1, f.Name, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("signalstore: record migration %s: %w", f.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("signalstore: commit migration %s: %w", f.Name, err)
		}
	}
	return nil
}

// Tx is the scoped transaction handle passed to Transaction's block.
type Tx struct {
	tx *sqlx.Tx
}

// Transaction runs fn inside a single database transaction, committing on a
// nil return and rolling back (then propagating) on any error or panic.
func (s *Store) Transaction(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("signalstore: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
			return
		}
		err = sqlTx.Commit()
	}()
	err = fn(&Tx{tx: sqlTx})
	return err
}

// signalRow mirrors the signals table for sqlx struct scanning.
type signalRow struct {
	ID                 int64     `db:"id"`
	SignalType         string    `db:"signal_type"`
	SourceAPI          string    `db:"source_api"`
	CanonicalKey       string    `db:"canonical_key"`
	CompanyName        string    `db:"company_name"`
	Confidence         float64   `db:"confidence"`
	RawData            string    `db:"raw_data"`
	DetectedAt         time.Time `db:"detected_at"`
	CreatedAt          time.Time `db:"created_at"`
	SourceURL          string    `db:"source_url"`
	SourceResponseHash string    `db:"source_response_hash"`
}

func (r signalRow) toModel() (model.Signal, error) {
	raw := model.RawData{}
	if r.RawData != "" {
		if err := json.Unmarshal([]byte(r.RawData), &raw); err != nil {
			return model.Signal{}, fmt.Errorf("signalstore: decode raw_data: %w", err)
		}
	}
	return model.Signal{
		ID:                 r.ID,
		SignalType:         model.SignalType(r.SignalType),
		SourceAPI:          r.SourceAPI,
		CanonicalKey:       r.CanonicalKey,
		CompanyName:        r.CompanyName,
		Confidence:         r.Confidence,
		RawData:            raw,
		DetectedAt:         r.DetectedAt,
		CreatedAt:          r.CreatedAt,
		SourceURL:          r.SourceURL,
		SourceResponseHash: r.SourceResponseHash,
	}, nil
}

// SaveSignal inserts s, or if a row already satisfies the
// (canonical_key, signal_type, source_api, detected_at) uniqueness
// constraint, returns its existing id with isNew=false and no error.
func (s *Store) SaveSignal(ctx context.Context, sig model.Signal) (id int64, isNew bool, err error) {
	err = s.Transaction(ctx, func(tx *Tx) error {
		id, isNew, err = saveSignalTx(ctx, tx.tx, sig)
		return err
	})
	return id, isNew, err
}

func saveSignalTx(ctx context.Context, tx *sqlx.Tx, sig model.Signal) (int64, bool, error) {
	rawJSON, err := json.Marshal(sig.RawData)
	if err != nil {
		return 0, false, fmt.Errorf("signalstore: encode raw_data: %w", err)
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO signals (
			signal_type, source_api, canonical_key, company_name, confidence,
			raw_data, detected_at, created_at, source_url, source_response_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canonical_key, signal_type, source_api, detected_at) DO NOTHING
	`,
		string(sig.SignalType), sig.SourceAPI, sig.CanonicalKey, sig.CompanyName, sig.Confidence,
		string(rawJSON), sig.DetectedAt, sig.CreatedAt, sig.SourceURL, sig.SourceResponseHash,
	)
	if err != nil {
		return 0, false, fmt.Errorf("signalstore: insert signal: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		var existingID int64
		err := tx.GetContext(ctx, &existingID, `
			SELECT id FROM signals
			WHERE canonical_key = ? AND signal_type = ? AND source_api = ? AND detected_at = ?
		`, sig.CanonicalKey, string(sig.SignalType), sig.SourceAPI, sig.DetectedAt)
		if err != nil {
			return 0, false, fmt.Errorf("signalstore: fetch existing signal: %w", err)
		}
		return existingID, false, nil
	}

	newID, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processing_records (signal_id, status) VALUES (?, ?)`,
		newID, string(model.StatusPending),
	); err != nil {
		return 0, false, fmt.Errorf("signalstore: insert processing record: %w", err)
	}
	return newID, true, nil
}

// IsDuplicate reports whether any signal already exists for canonicalKey.
func (s *Store) IsDuplicate(ctx context.Context, canonicalKey string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM signals WHERE canonical_key = ?`, canonicalKey)
	if err != nil {
		return false, fmt.Errorf("signalstore: is_duplicate: %w", err)
	}
	return count > 0, nil
}

// GetSignal fetches a signal by id, or apperrors.ErrNotFound.
func (s *Store) GetSignal(ctx context.Context, id int64) (model.Signal, error) {
	var row signalRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM signals WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return model.Signal{}, apperrors.ErrNotFound
	}
	if err != nil {
		return model.Signal{}, fmt.Errorf("signalstore: get_signal: %w", err)
	}
	return row.toModel()
}

// GetPendingSignals returns signals whose processing record is still
// Pending, oldest (by detected_at) first, optionally filtered by type and
// capped at limit (0 means unlimited).
func (s *Store) GetPendingSignals(ctx context.Context, limit int, signalType model.SignalType) ([]model.Signal, error) {
	query := `
		SELECT s.* FROM signals s
		JOIN processing_records p ON p.signal_id = s.id
		WHERE p.status = ?`
	args := []interface{}{string(model.StatusPending)}
	if signalType != "" {
		query += ` AND s.signal_type = ?`
		args = append(args, string(signalType))
	}
	query += ` ORDER BY s.detected_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []signalRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("signalstore: get_pending_signals: %w", err)
	}
	return rowsToModels(rows)
}

// GetSignalsForCompany returns every signal for canonicalKey, ascending by
// detected_at.
func (s *Store) GetSignalsForCompany(ctx context.Context, canonicalKey string) ([]model.Signal, error) {
	var rows []signalRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM signals WHERE canonical_key = ? ORDER BY detected_at ASC`, canonicalKey)
	if err != nil {
		return nil, fmt.Errorf("signalstore: get_signals_for_company: %w", err)
	}
	return rowsToModels(rows)
}

func rowsToModels(rows []signalRow) ([]model.Signal, error) {
	out := make([]model.Signal, 0, len(rows))
	for _, r := range rows {
		sig, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// MarkPushed transitions a Pending processing record to Pushed, recording
// the CRM page id and metadata. Returns apperrors.ErrInvalidTransition if
// the record is not currently Pending.
func (s *Store) MarkPushed(ctx context.Context, signalID int64, crmPageID string, metadata map[string]interface{}) error {
	return s.transitionProcessing(ctx, signalID, model.StatusPushed, crmPageID, "", metadata)
}

// MarkRejected transitions a Pending processing record to Rejected,
// recording reason and metadata. Returns apperrors.ErrInvalidTransition if
// the record is not currently Pending.
func (s *Store) MarkRejected(ctx context.Context, signalID int64, reason string, metadata map[string]interface{}) error {
	return s.transitionProcessing(ctx, signalID, model.StatusRejected, "", reason, metadata)
}

func (s *Store) transitionProcessing(ctx context.Context, signalID int64, to model.ProcessingStatus, crmPageID, reason string, metadata map[string]interface{}) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("signalstore: encode metadata: %w", err)
	}
	return s.Transaction(ctx, func(t *Tx) error {
		var current string
		err := t.tx.GetContext(ctx, &current, `SELECT status FROM processing_records WHERE signal_id = ?`, signalID)
		if err == sql.ErrNoRows {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("signalstore: read processing record: %w", err)
		}
		if current != string(model.StatusPending) {
			return apperrors.ErrInvalidTransition
		}

		res, err := t.tx.ExecContext(ctx, `
			UPDATE processing_records
			SET status = ?, crm_page_id = ?, error_message = ?, metadata = ?, processed_at = ?
			WHERE signal_id = ? AND status = ?
		`, string(to), crmPageID, reason, string(metaJSON), time.Now().UTC(), signalID, string(model.StatusPending))
		if err != nil {
			return fmt.Errorf("signalstore: update processing record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperrors.ErrInvalidTransition
		}
		return nil
	})
}

// UpdateSuppressionCache upserts entries atomically as one batch.
func (s *Store) UpdateSuppressionCache(ctx context.Context, entries []model.SuppressionEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(t *Tx) error {
		for _, e := range entries {
			metaJSON, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("signalstore: encode suppression metadata: %w", err)
			}
			cachedAt := e.CachedAt
			if cachedAt.IsZero() {
				cachedAt = time.Now().UTC()
			}
			_, err = t.tx.ExecContext(ctx, `
				INSERT INTO suppression_cache (canonical_key, crm_page_id, status, company_name, cached_at, expires_at, metadata)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (canonical_key) DO UPDATE SET
					crm_page_id = excluded.crm_page_id,
					status = excluded.status,
					company_name = excluded.company_name,
					cached_at = excluded.cached_at,
					expires_at = excluded.expires_at,
					metadata = excluded.metadata
			`, e.CanonicalKey, e.CRMPageID, e.Status, e.CompanyName, cachedAt, e.ExpiresAt, string(metaJSON))
			if err != nil {
				return fmt.Errorf("signalstore: upsert suppression entry %s: %w", e.CanonicalKey, err)
			}
		}
		return nil
	})
}

// CheckSuppression returns the cached suppression entry for canonicalKey if
// present and not expired, or nil if absent or stale.
func (s *Store) CheckSuppression(ctx context.Context, canonicalKey string) (*model.SuppressionEntry, error) {
	var row struct {
		CanonicalKey string    `db:"canonical_key"`
		CRMPageID    string    `db:"crm_page_id"`
		Status       string    `db:"status"`
		CompanyName  string    `db:"company_name"`
		CachedAt     time.Time `db:"cached_at"`
		ExpiresAt    time.Time `db:"expires_at"`
		Metadata     string    `db:"metadata"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM suppression_cache WHERE canonical_key = ?`, canonicalKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signalstore: check_suppression: %w", err)
	}
	if !time.Now().Before(row.ExpiresAt) {
		return nil, nil
	}
	meta := map[string]interface{}{}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("signalstore: decode suppression metadata: %w", err)
		}
	}
	return &model.SuppressionEntry{
		CanonicalKey: row.CanonicalKey,
		CRMPageID:    row.CRMPageID,
		Status:       row.Status,
		CompanyName:  row.CompanyName,
		CachedAt:     row.CachedAt,
		ExpiresAt:    row.ExpiresAt,
		Metadata:     meta,
	}, nil
}

// CleanExpiredCache deletes suppression entries past their expiry and
// returns how many were removed.
func (s *Store) CleanExpiredCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM suppression_cache WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("signalstore: clean_expired_cache: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Stats summarizes the store's current contents (get_stats).
type Stats struct {
	SignalsByType        map[string]int
	ProcessingByStatus    map[string]int
	ActiveSuppressionEntries int
}

// GetStats aggregates counts by signal type, processing status, and active
// suppression entries.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{SignalsByType: map[string]int{}, ProcessingByStatus: map[string]int{}}

	typeRows, err := s.db.QueryContext(ctx, `SELECT signal_type, COUNT(1) FROM signals GROUP BY signal_type`)
	if err != nil {
		return stats, fmt.Errorf("signalstore: get_stats (signal types): %w", err)
	}
	for typeRows.Next() {
		var t string
		var n int
		if err := typeRows.Scan(&t, &n); err != nil {
			typeRows.Close()
			return stats, err
		}
		stats.SignalsByType[t] = n
	}
	typeRows.Close()

	statusRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM processing_records GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("signalstore: get_stats (processing status): %w", err)
	}
	for statusRows.Next() {
		var st string
		var n int
		if err := statusRows.Scan(&st, &n); err != nil {
			statusRows.Close()
			return stats, err
		}
		stats.ProcessingByStatus[st] = n
	}
	statusRows.Close()

	if err := s.db.GetContext(ctx, &stats.ActiveSuppressionEntries,
		`SELECT COUNT(1) FROM suppression_cache WHERE expires_at > ?`, time.Now().UTC()); err != nil {
		return stats, fmt.Errorf("signalstore: get_stats (suppression): %w", err)
	}

	return stats, nil
}
