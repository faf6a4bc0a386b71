// Package availability persists rate-limit observations per (model,
// account) pair: an append-only history stream plus a TTL-cached
// current-state record, per §4.H.
package availability

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/angrav-gateway/internal/model"
)

const (
	schemaVersion  = 1
	schemaChecksum = "angrav-v1-availability-history"

	// historyTrimLimit bounds each (model, account) pair's history stream
	// at ~1000 entries (coarse trim), per §4.H.
	historyTrimLimit = 1000

	minCurrentTTL = 1 * time.Second
)

var (
	modelCleanRe    = regexp.MustCompile(`[^a-z0-9-]+`)
	accountCleanRe  = regexp.MustCompile(`[^a-z0-9@.-]+`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// normalizeModel lowercases, turns spaces into hyphens, and strips any
// character outside [a-z0-9-].
func normalizeModel(modelName string) string {
	modelName = strings.ToLower(strings.TrimSpace(modelName))
	modelName = whitespaceRe.ReplaceAllString(modelName, "-")
	return modelCleanRe.ReplaceAllString(modelName, "")
}

// normalizeAccount lowercases and strips any character outside
// [a-z0-9@.-].
func normalizeAccount(account string) string {
	account = strings.ToLower(strings.TrimSpace(account))
	return accountCleanRe.ReplaceAllString(account, "")
}

func currentKey(modelName, account string) string {
	return modelName + "|" + account
}

// Store is the AvailabilityStore of §4.H.
type Store struct {
	db      *sql.DB
	current *ttlcache.Cache[string, model.RateLimitRecord]
}

// Open opens (creating if absent) the sqlite-backed history stream at
// path and starts the in-memory current-state cache's janitor.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "./angrav-availability.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create availability db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:      db,
		current: ttlcache.New[string, model.RateLimitRecord](ttlcache.WithDisableTouchOnHit[string, model.RateLimitRecord]()),
	}
	go s.current.Start()

	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.current.Stop()
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model TEXT NOT NULL,
			account TEXT NOT NULL,
			session_id TEXT NOT NULL,
			is_limited INTEGER NOT NULL,
			available_at_epoch_ms INTEGER NOT NULL,
			detected_at_epoch_ms INTEGER NOT NULL,
			source TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create rate_limit_history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_rate_limit_history_pair
		ON rate_limit_history(model, account, id DESC);
	`); err != nil {
		return fmt.Errorf("create index: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, schemaVersion).Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}

	return tx.Commit()
}

// Persist appends one observation to the (model, account) history stream
// and writes the current-state key with a TTL of max(1s, availableAt-now).
// The writer guarantees the current key is always >= the stream's latest
// entry for that pair.
func (s *Store) Persist(ctx context.Context, info model.RateLimitInfo, account, sessionID, source string) error {
	m := normalizeModel(info.Model)
	a := normalizeAccount(account)
	now := time.Now()

	availableAt := info.AvailableAt
	if !info.HasAvailableAt {
		availableAt = now
	}

	record := model.RateLimitRecord{
		Model:              m,
		Account:            a,
		SessionID:          sessionID,
		IsLimited:          info.IsLimited,
		AvailableAt:        availableAt,
		AvailableAtEpochMs: availableAt.UnixMilli(),
		DetectedAt:         now,
		Source:             source,
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_history
			(model, account, session_id, is_limited, available_at_epoch_ms, detected_at_epoch_ms, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m, a, sessionID, boolToInt(record.IsLimited), record.AvailableAtEpochMs, record.DetectedAt.UnixMilli(), source); err != nil {
		return fmt.Errorf("persist rate-limit record: %w", err)
	}

	if err := s.trim(ctx, m, a); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	ttl := availableAt.Sub(now)
	if ttl < minCurrentTTL {
		ttl = minCurrentTTL
	}
	s.current.Set(currentKey(m, a), record, ttl)

	return nil
}

func (s *Store) trim(ctx context.Context, m, a string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_history
		WHERE model = ? AND account = ? AND id NOT IN (
			SELECT id FROM rate_limit_history
			WHERE model = ? AND account = ?
			ORDER BY id DESC LIMIT ?
		)
	`, m, a, m, a, historyTrimLimit)
	return err
}

// GetCurrent returns the current-state record for (model, account) —
// from the TTL cache if present, falling back to the latest history
// entry otherwise.
func (s *Store) GetCurrent(ctx context.Context, modelName, account string) (*model.RateLimitRecord, error) {
	m := normalizeModel(modelName)
	a := normalizeAccount(account)

	if item := s.current.Get(currentKey(m, a)); item != nil {
		rec := item.Value()
		return &rec, nil
	}

	history, err := s.GetHistory(ctx, m, a, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	return &history[0], nil
}

// GetHistory returns up to limit entries for (model, account) in
// reverse-chronological order.
func (s *Store) GetHistory(ctx context.Context, modelName, account string, limit int) ([]model.RateLimitRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m := normalizeModel(modelName)
	a := normalizeAccount(account)

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, account, session_id, is_limited, available_at_epoch_ms, detected_at_epoch_ms, source
		FROM rate_limit_history
		WHERE model = ? AND account = ?
		ORDER BY id DESC
		LIMIT ?
	`, m, a, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []model.RateLimitRecord
	for rows.Next() {
		var rec model.RateLimitRecord
		var isLimited int
		var availableMs, detectedMs int64
		if err := rows.Scan(&rec.Model, &rec.Account, &rec.SessionID, &isLimited, &availableMs, &detectedMs, &rec.Source); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.IsLimited = isLimited != 0
		rec.AvailableAtEpochMs = availableMs
		rec.AvailableAt = time.UnixMilli(availableMs)
		rec.DetectedAt = time.UnixMilli(detectedMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAllCurrent returns every current-state record whose AvailableAt is
// still in the future.
func (s *Store) ListAllCurrent() []model.RateLimitRecord {
	now := time.Now()
	var out []model.RateLimitRecord
	for _, key := range s.current.Keys() {
		item := s.current.Get(key)
		if item == nil {
			continue
		}
		rec := item.Value()
		if rec.AvailableAt.After(now) {
			out = append(out, rec)
		}
	}
	return out
}

// FindAvailable returns the first model (in order) whose record is
// absent, not limited, or whose AvailableAt has already passed.
func (s *Store) FindAvailable(ctx context.Context, models []string, account string) (string, bool) {
	now := time.Now()
	for _, m := range models {
		rec, err := s.GetCurrent(ctx, m, account)
		if err != nil || rec == nil {
			return m, true
		}
		if !rec.IsLimited || !rec.AvailableAt.After(now) {
			return m, true
		}
	}
	return "", false
}

// GetNextAvailable returns the limited model (among models) whose
// AvailableAt is earliest.
func (s *Store) GetNextAvailable(ctx context.Context, models []string, account string) (string, time.Time, bool) {
	var bestModel string
	var bestAt time.Time
	found := false
	for _, m := range models {
		rec, err := s.GetCurrent(ctx, m, account)
		if err != nil || rec == nil || !rec.IsLimited {
			continue
		}
		if !found || rec.AvailableAt.Before(bestAt) {
			bestModel = m
			bestAt = rec.AvailableAt
			found = true
		}
	}
	return bestModel, bestAt, found
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
