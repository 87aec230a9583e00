package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const (
	sqlitePragmas       = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	defaultKeyLockTTL   = 2 * time.Minute
	keyLockPollInterval = 25 * time.Millisecond
)

const (
	sqliteSymbolColumns = `id, name, enabled, default_threshold, default_cooldown_minutes, webhook_url`

	sqliteListEnabledSymbolsSQL = `SELECT ` + sqliteSymbolColumns + `
    FROM symbols
    WHERE enabled = 1
    ORDER BY name;`

	sqliteGetSymbolSQL = `SELECT ` + sqliteSymbolColumns + `
    FROM symbols
    WHERE name = ?;`

	sqliteListIndicatorConfigsSQL = `SELECT
        c.id,
        s.name,
        t.name,
        c.threshold_value,
        c.threshold_operator,
        c.cooldown_minutes,
        c.webhook_url,
        c.enabled
    FROM symbol_indicator_configs c
    JOIN symbols s ON s.id = c.symbol_id
    JOIN indicator_types t ON t.id = c.indicator_type_id
    WHERE c.enabled = 1
      AND t.is_active = 1
      AND (?1 = '' OR s.name = ?1)
    ORDER BY s.name, c.id;`

	sqliteAlertColumns = `id, symbol, indicator_type, indicator_value, threshold_value, threshold_operator,
        change_percent, direction, window_start_ms, window_end_ms, window_minutes, idempotency_key,
        status, reason, response_code, response_body, error, created_at_ms, updated_at_ms`

	sqliteFindByKeySQL = `SELECT ` + sqliteAlertColumns + `
    FROM alert_records
    WHERE idempotency_key = ?;`

	sqliteMostRecentSQL = `SELECT ` + sqliteAlertColumns + `
    FROM alert_records
    WHERE symbol = ?1
      AND indicator_type = ?2
      AND (?3 = '' OR status = ?3)
    ORDER BY window_end_ms DESC, id DESC
    LIMIT 1;`

	sqliteInsertOrReplaceSQL = `INSERT INTO alert_records (
        symbol, indicator_type, indicator_value, threshold_value, threshold_operator,
        change_percent, direction, window_start_ms, window_end_ms, window_minutes,
        idempotency_key, status, reason, response_code, response_body, error,
        created_at_ms, updated_at_ms
    ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    ON CONFLICT (idempotency_key) DO UPDATE
    SET
        indicator_value    = excluded.indicator_value,
        threshold_value    = excluded.threshold_value,
        threshold_operator = excluded.threshold_operator,
        change_percent     = excluded.change_percent,
        direction          = excluded.direction,
        window_start_ms    = excluded.window_start_ms,
        window_end_ms      = excluded.window_end_ms,
        window_minutes     = excluded.window_minutes,
        status             = excluded.status,
        reason             = excluded.reason,
        response_code      = excluded.response_code,
        response_body      = excluded.response_body,
        error              = excluded.error,
        updated_at_ms      = excluded.updated_at_ms
    RETURNING ` + sqliteAlertColumns + `;`

	sqliteListAlertsSQL = `SELECT ` + sqliteAlertColumns + `
    FROM alert_records
    WHERE (?1 = '' OR symbol = ?1)
      AND (?2 = '' OR indicator_type = ?2)
      AND (?3 = 0 OR window_end_ms >= ?3)
      AND (?4 = '' OR status = ?4)
      AND (?6 IS NULL OR window_end_ms < ?6)
    ORDER BY window_end_ms DESC, id DESC
    LIMIT ?5;`

	sqliteListAlertsAfterSQL = `SELECT ` + sqliteAlertColumns + `
    FROM alert_records
    WHERE (?1 = '' OR symbol = ?1)
      AND (?2 = '' OR indicator_type = ?2)
      AND (?3 = 0 OR window_end_ms >= ?3)
      AND (?4 = '' OR status = ?4)
      AND (?5 IS NULL OR window_end_ms < ?5)
      AND (?6 IS NULL OR window_end_ms > ?6 OR (window_end_ms = ?6 AND id > ?7))
    ORDER BY window_end_ms ASC, id ASC
    LIMIT ?8;`

	sqliteExpireLockSQL  = `DELETE FROM alert_key_locks WHERE lock_key = ? AND acquired_ms < ?;`
	sqliteAcquireLockSQL = `INSERT INTO alert_key_locks (lock_key, owner, acquired_ms) VALUES (?, ?, ?)
    ON CONFLICT (lock_key) DO NOTHING;`
	sqliteReleaseLockSQL = `DELETE FROM alert_key_locks WHERE lock_key = ? AND owner = ?;`
	sqliteRefreshLockSQL = `UPDATE alert_key_locks SET acquired_ms = ? WHERE lock_key = ? AND owner = ?;`
)

// SQLiteOptions configure the embedded backend.
type SQLiteOptions struct {
	// DSN is a file path, a file: URI, or ":memory:". Empty means in-memory.
	DSN string
	// KeyLockTTL expires lock rows left behind by a crashed process.
	KeyLockTTL time.Duration
}

// SQLiteStore is the embedded ledger and config store. It runs on a single
// connection so every statement is serialised.
type SQLiteStore struct {
	db         *sql.DB
	keyLockTTL time.Duration
	now        func() time.Time
	closed     chan struct{}
	closeOnce  sync.Once
}

// OpenSQLite opens (and for in-memory databases, migrates) an SQLite store.
func OpenSQLite(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	dsn, memory := sqliteDSN(opts.DSN)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	ttl := opts.KeyLockTTL
	if ttl <= 0 {
		ttl = defaultKeyLockTTL
	}
	store := &SQLiteStore{db: db, keyLockTTL: ttl, now: time.Now, closed: make(chan struct{})}

	if memory {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

func sqliteDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return ":memory:?_foreign_keys=on", true
	}
	memory := strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
	if strings.Contains(dsn, "?") {
		return dsn, memory
	}
	return dsn + "?" + sqlitePragmas, memory
}

// DB exposes the handle for tests and health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() { close(s.closed) })
	return s.db.Close()
}

// Ping checks the handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// LockKey polls for a lock row until it is inserted or ctx ends.
func (s *SQLiteStore) LockKey(ctx context.Context, key string) (func(), error) {
	owner := uuid.NewString()
	for {
		acquired, err := s.tryLock(ctx, "key:"+key, owner)
		if err != nil {
			return nil, fmt.Errorf("lock idempotency key: %w", err)
		}
		if acquired {
			return s.releaser("key:"+key, owner), nil
		}

		timer := time.NewTimer(keyLockPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock idempotency key: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// TryAdvisoryLock mirrors the Postgres tick lock with a lock row.
func (s *SQLiteStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	owner := uuid.NewString()
	name := "tick:" + strconv.FormatInt(key, 10)
	acquired, err := s.tryLock(ctx, name, owner)
	if err != nil {
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return s.releaser(name, owner), true, nil
}

func (s *SQLiteStore) tryLock(ctx context.Context, name, owner string) (bool, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, sqliteExpireLockSQL, name, now.Add(-s.keyLockTTL).UnixMilli()); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, sqliteAcquireLockSQL, name, owner, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// releaser keeps the lock row fresh while it is held, so a holder slower
// than keyLockTTL is never mistaken for a crashed one, and deletes it on release.
func (s *SQLiteStore) releaser(name, owner string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		every := s.keyLockTTL / 3
		if every < time.Millisecond {
			every = time.Millisecond
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.closed:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_, _ = s.db.ExecContext(ctx, sqliteRefreshLockSQL, s.now().UnixMilli(), name, owner)
				cancel()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = s.db.ExecContext(ctx, sqliteReleaseLockSQL, name, owner)
		})
	}
}

// ListEnabledSymbols lists enabled symbols ordered by name.
func (s *SQLiteStore) ListEnabledSymbols(ctx context.Context) ([]Symbol, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListEnabledSymbolsSQL)
	if err != nil {
		return nil, fmt.Errorf("list enabled symbols: %w", err)
	}
	defer rows.Close()

	symbols := make([]Symbol, 0)
	for rows.Next() {
		sym, scanErr := scanSQLiteSymbol(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// GetSymbol loads one symbol by name, enabled or not.
func (s *SQLiteStore) GetSymbol(ctx context.Context, name string) (Symbol, error) {
	sym, err := scanSQLiteSymbol(s.db.QueryRowContext(ctx, sqliteGetSymbolSQL, strings.ToUpper(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return Symbol{}, ErrNotFound
	}
	if err != nil {
		return Symbol{}, fmt.Errorf("get symbol: %w", err)
	}
	return sym, nil
}

// ListIndicatorConfigs lists enabled bindings of active indicator types.
func (s *SQLiteStore) ListIndicatorConfigs(ctx context.Context, symbol string) ([]IndicatorConfig, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListIndicatorConfigsSQL, strings.ToUpper(symbol))
	if err != nil {
		return nil, fmt.Errorf("list indicator configs: %w", err)
	}
	defer rows.Close()

	configs := make([]IndicatorConfig, 0)
	for rows.Next() {
		var (
			cfg          IndicatorConfig
			thresholdStr string
			cooldown     sql.NullInt32
			webhook      sql.NullString
		)
		if err := rows.Scan(&cfg.ID, &cfg.Symbol, &cfg.IndicatorType, &thresholdStr, &cfg.Operator, &cooldown, &webhook, &cfg.Enabled); err != nil {
			return nil, err
		}
		threshold, convErr := decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold value: %w", convErr)
		}
		cfg.Threshold = threshold
		cfg.CooldownMinutes = intPtr(cooldown)
		cfg.WebhookURL = webhook.String
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// FindByIdempotencyKey returns the ledger row for key or ErrNotFound.
func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, key string) (AlertRecord, error) {
	rec, err := scanSQLiteAlert(s.db.QueryRowContext(ctx, sqliteFindByKeySQL, key))
	if errors.Is(err, sql.ErrNoRows) {
		return AlertRecord{}, ErrNotFound
	}
	if err != nil {
		return AlertRecord{}, fmt.Errorf("find alert by key: %w", err)
	}
	return rec, nil
}

// MostRecentForSymbolAndIndicator returns the latest row by window end.
func (s *SQLiteStore) MostRecentForSymbolAndIndicator(ctx context.Context, symbol, indicator string, status Status) (AlertRecord, error) {
	rec, err := scanSQLiteAlert(s.db.QueryRowContext(ctx, sqliteMostRecentSQL, symbol, indicator, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return AlertRecord{}, ErrNotFound
	}
	if err != nil {
		return AlertRecord{}, fmt.Errorf("most recent alert: %w", err)
	}
	return rec, nil
}

// InsertOrReplace upserts on idempotency_key; created_at keeps its first value.
func (s *SQLiteStore) InsertOrReplace(ctx context.Context, rec AlertRecord) (AlertRecord, error) {
	if err := validateRecord(rec); err != nil {
		return AlertRecord{}, err
	}

	var changePct interface{}
	if rec.ChangePercent != nil {
		changePct = rec.ChangePercent.String()
	}
	var code interface{}
	if rec.ResponseCode != nil {
		code = *rec.ResponseCode
	}
	now := s.now().UnixMilli()

	stored, err := scanSQLiteAlert(s.db.QueryRowContext(ctx, sqliteInsertOrReplaceSQL,
		rec.Symbol,
		rec.IndicatorType,
		rec.IndicatorValue.String(),
		rec.ThresholdValue.String(),
		rec.ThresholdOperator,
		changePct,
		rec.Direction,
		rec.WindowStart.UnixMilli(),
		rec.WindowEnd.UnixMilli(),
		rec.WindowMinutes,
		rec.IdempotencyKey,
		string(rec.Status),
		rec.Reason,
		code,
		rec.ResponseBody,
		rec.Error,
		now,
		now,
	))
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert record: %w", err)
	}
	return stored, nil
}

// List returns ledger rows newest window first.
func (s *SQLiteStore) List(ctx context.Context, filter AlertFilter) ([]AlertRecord, error) {
	var since int64
	if !filter.SinceWindowEnd.IsZero() {
		since = filter.SinceWindowEnd.UnixMilli()
	}
	limit := filter.EffectiveLimit()

	rows, err := s.db.QueryContext(ctx, sqliteListAlertsSQL,
		strings.ToUpper(filter.Symbol),
		filter.IndicatorType,
		since,
		string(filter.Status),
		limit,
		sqliteMillis(filter.UntilWindowEnd),
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return collectSQLiteAlerts(rows, limit)
}

// ListAfter returns one page of rows strictly after cursor, oldest window first.
func (s *SQLiteStore) ListAfter(ctx context.Context, filter AlertFilter, after Cursor) ([]AlertRecord, error) {
	var since int64
	if !filter.SinceWindowEnd.IsZero() {
		since = filter.SinceWindowEnd.UnixMilli()
	}
	limit := filter.EffectiveLimit()

	rows, err := s.db.QueryContext(ctx, sqliteListAlertsAfterSQL,
		strings.ToUpper(filter.Symbol),
		filter.IndicatorType,
		since,
		string(filter.Status),
		sqliteMillis(filter.UntilWindowEnd),
		sqliteMillis(after.WindowEnd),
		after.ID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts after cursor: %w", err)
	}
	return collectSQLiteAlerts(rows, limit)
}

// sqliteMillis maps the zero time to NULL.
func sqliteMillis(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func collectSQLiteAlerts(rows *sql.Rows, limit int) ([]AlertRecord, error) {
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanSQLiteAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSymbol(row rowScanner) (Symbol, error) {
	var (
		sym       Symbol
		threshold sql.NullString
		cooldown  sql.NullInt32
		webhook   sql.NullString
	)
	if err := row.Scan(&sym.ID, &sym.Name, &sym.Enabled, &threshold, &cooldown, &webhook); err != nil {
		return Symbol{}, err
	}
	if threshold.Valid && threshold.String != "" {
		d, err := decimal.NewFromString(threshold.String)
		if err != nil {
			return Symbol{}, fmt.Errorf("parse default threshold: %w", err)
		}
		sym.DefaultThreshold = &d
	}
	sym.DefaultCooldownMinutes = intPtr(cooldown)
	sym.WebhookURL = webhook.String
	return sym, nil
}

func scanSQLiteAlert(row rowScanner) (AlertRecord, error) {
	var (
		rec                  AlertRecord
		valueStr             string
		thresholdStr         string
		changeStr            sql.NullString
		status               string
		code                 sql.NullInt32
		startMs, endMs       int64
		createdMs, updatedMs int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Symbol,
		&rec.IndicatorType,
		&valueStr,
		&thresholdStr,
		&rec.ThresholdOperator,
		&changeStr,
		&rec.Direction,
		&startMs,
		&endMs,
		&rec.WindowMinutes,
		&rec.IdempotencyKey,
		&status,
		&rec.Reason,
		&code,
		&rec.ResponseBody,
		&rec.Error,
		&createdMs,
		&updatedMs,
	); err != nil {
		return AlertRecord{}, err
	}
	if err := fillAlertNumbers(&rec, valueStr, thresholdStr, changeStr); err != nil {
		return AlertRecord{}, err
	}
	rec.Status = Status(status)
	if code.Valid {
		c := int(code.Int32)
		rec.ResponseCode = &c
	}
	rec.WindowStart = time.UnixMilli(startMs).UTC()
	rec.WindowEnd = time.UnixMilli(endMs).UTC()
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return rec, nil
}

var (
	_ Backend = (*SQLiteStore)(nil)
	_ Backend = (*Store)(nil)
)
