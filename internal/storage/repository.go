package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound signals a missing symbol or ledger row.
	ErrNotFound = errors.New("storage: not found")
)

const (
	listEnabledSymbolsSQL = `SELECT
        id,
        name,
        enabled,
        default_threshold::text,
        default_cooldown_minutes,
        webhook_url
    FROM symbols
    WHERE enabled
    ORDER BY name;`

	getSymbolSQL = `SELECT
        id,
        name,
        enabled,
        default_threshold::text,
        default_cooldown_minutes,
        webhook_url
    FROM symbols
    WHERE name = $1;`

	listIndicatorConfigsSQL = `SELECT
        c.id,
        s.name,
        t.name,
        c.threshold_value::text,
        c.threshold_operator,
        c.cooldown_minutes,
        c.webhook_url,
        c.enabled
    FROM symbol_indicator_configs c
    JOIN symbols s ON s.id = c.symbol_id
    JOIN indicator_types t ON t.id = c.indicator_type_id
    WHERE c.enabled
      AND t.is_active
      AND ($1 = '' OR s.name = $1)
    ORDER BY s.name, c.id;`

	alertColumns = `id,
        symbol,
        indicator_type,
        indicator_value::text,
        threshold_value::text,
        threshold_operator,
        change_percent::text,
        direction,
        window_start,
        window_end,
        window_minutes,
        idempotency_key,
        status,
        reason,
        response_code,
        response_body,
        error,
        created_at,
        updated_at`

	findByIdempotencyKeySQL = `SELECT ` + alertColumns + `
    FROM alert_records
    WHERE idempotency_key = $1;`

	mostRecentAlertSQL = `SELECT ` + alertColumns + `
    FROM alert_records
    WHERE symbol = $1
      AND indicator_type = $2
      AND ($3 = '' OR status = $3)
    ORDER BY window_end DESC, id DESC
    LIMIT 1;`

	insertOrReplaceAlertSQL = `INSERT INTO alert_records (
        symbol,
        indicator_type,
        indicator_value,
        threshold_value,
        threshold_operator,
        change_percent,
        direction,
        window_start,
        window_end,
        window_minutes,
        idempotency_key,
        status,
        reason,
        response_code,
        response_body,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (idempotency_key) DO UPDATE
    SET
        indicator_value    = EXCLUDED.indicator_value,
        threshold_value    = EXCLUDED.threshold_value,
        threshold_operator = EXCLUDED.threshold_operator,
        change_percent     = EXCLUDED.change_percent,
        direction          = EXCLUDED.direction,
        window_start       = EXCLUDED.window_start,
        window_end         = EXCLUDED.window_end,
        window_minutes     = EXCLUDED.window_minutes,
        status             = EXCLUDED.status,
        reason             = EXCLUDED.reason,
        response_code      = EXCLUDED.response_code,
        response_body      = EXCLUDED.response_body,
        error              = EXCLUDED.error,
        updated_at         = now()
    RETURNING ` + alertColumns + `;`

	listAlertsSQL = `SELECT ` + alertColumns + `
    FROM alert_records
    WHERE ($1 = '' OR symbol = $1)
      AND ($2 = '' OR indicator_type = $2)
      AND ($3::timestamptz IS NULL OR window_end >= $3)
      AND ($4 = '' OR status = $4)
      AND ($6::timestamptz IS NULL OR window_end < $6)
    ORDER BY window_end DESC, id DESC
    LIMIT $5;`

	listAlertsAfterSQL = `SELECT ` + alertColumns + `
    FROM alert_records
    WHERE ($1 = '' OR symbol = $1)
      AND ($2 = '' OR indicator_type = $2)
      AND ($3::timestamptz IS NULL OR window_end >= $3)
      AND ($4 = '' OR status = $4)
      AND ($5::timestamptz IS NULL OR window_end < $5)
      AND ($6::timestamptz IS NULL OR (window_end, id) > ($6::timestamptz, $7::bigint))
    ORDER BY window_end ASC, id ASC
    LIMIT $8;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	keyLockSQL   = `SELECT pg_advisory_lock(hashtextextended($1, 0));`
	keyUnlockSQL = `SELECT pg_advisory_unlock(hashtextextended($1, 0));`
)

// ConfigStore reads operator-managed symbol and indicator configuration.
type ConfigStore interface {
	ListEnabledSymbols(ctx context.Context) ([]Symbol, error)
	GetSymbol(ctx context.Context, name string) (Symbol, error)
	// ListIndicatorConfigs returns enabled bindings for symbol, or for every symbol when it is empty.
	ListIndicatorConfigs(ctx context.Context, symbol string) ([]IndicatorConfig, error)
}

// Ledger persists trigger decisions keyed by idempotency key.
type Ledger interface {
	FindByIdempotencyKey(ctx context.Context, key string) (AlertRecord, error)
	// MostRecentForSymbolAndIndicator returns the row with the latest window end. An empty status matches any.
	MostRecentForSymbolAndIndicator(ctx context.Context, symbol, indicator string, status Status) (AlertRecord, error)
	// InsertOrReplace writes rec, replacing an existing row with the same key while keeping its created_at.
	InsertOrReplace(ctx context.Context, rec AlertRecord) (AlertRecord, error)
	List(ctx context.Context, filter AlertFilter) ([]AlertRecord, error)
	// LockKey blocks until the caller holds the cross-process lock for key.
	LockKey(ctx context.Context, key string) (unlock func(), err error)
}

// KeyLedger is the part of the ledger used while a key lock is held.
type KeyLedger interface {
	FindByIdempotencyKey(ctx context.Context, key string) (AlertRecord, error)
	MostRecentForSymbolAndIndicator(ctx context.Context, symbol, indicator string, status Status) (AlertRecord, error)
	InsertOrReplace(ctx context.Context, rec AlertRecord) (AlertRecord, error)
}

// ScopedKeyLocker is implemented by ledgers that bind key-scoped calls to the
// connection holding the key lock.
type ScopedKeyLocker interface {
	LockKeyScoped(ctx context.Context, key string) (KeyLedger, func(), error)
}

// RangeLister pages through the ledger in (window_end, id) order.
type RangeLister interface {
	ListAfter(ctx context.Context, filter AlertFilter, after Cursor) ([]AlertRecord, error)
}

// ListRange collects every row matching filter, oldest window first, paging
// MaxListLimit rows at a time. filter.Limit is ignored. max > 0 stops after
// that many rows.
func ListRange(ctx context.Context, l RangeLister, filter AlertFilter, max int) ([]AlertRecord, error) {
	filter.Limit = MaxListLimit
	var (
		out    []AlertRecord
		cursor Cursor
	)
	for {
		page, err := l.ListAfter(ctx, filter, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if max > 0 && len(out) >= max {
			return out[:max], nil
		}
		if len(page) < MaxListLimit {
			return out, nil
		}
		cursor = After(page[len(page)-1])
	}
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL ledger and config store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// a dead connection drops its session locks when it is destroyed
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

// LockKey takes a session advisory lock derived from the idempotency key on a dedicated connection.
func (s *Store) LockKey(ctx context.Context, key string) (func(), error) {
	_, unlock, err := s.lockKeyConn(ctx, key)
	return unlock, err
}

// LockKeyScoped is LockKey plus a ledger bound to the locked connection, so the
// holder needs no second pool connection for its reads and writes.
func (s *Store) LockKeyScoped(ctx context.Context, key string) (KeyLedger, func(), error) {
	conn, unlock, err := s.lockKeyConn(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return pgLedger{q: conn}, unlock, nil
}

func (s *Store) lockKeyConn(ctx context.Context, key string) (*pgxpool.Conn, func(), error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, keyLockSQL, key); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("lock idempotency key: %w", err)
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, keyUnlockSQL, key); err != nil {
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return conn, unlock, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListEnabledSymbols lists enabled symbols ordered by name.
func (s *Store) ListEnabledSymbols(ctx context.Context) ([]Symbol, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEnabledSymbolsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list enabled symbols: %w", queryErr)
	}
	defer rows.Close()

	symbols := make([]Symbol, 0)
	for rows.Next() {
		sym, scanErr := scanSymbol(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		symbols = append(symbols, sym)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return symbols, nil
}

// GetSymbol loads one symbol by name, enabled or not.
func (s *Store) GetSymbol(ctx context.Context, name string) (Symbol, error) {
	pool, err := s.getPool()
	if err != nil {
		return Symbol{}, err
	}
	sym, scanErr := scanSymbol(pool.QueryRow(ctx, getSymbolSQL, strings.ToUpper(name)))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Symbol{}, ErrNotFound
	}
	if scanErr != nil {
		return Symbol{}, fmt.Errorf("get symbol: %w", scanErr)
	}
	return sym, nil
}

// ListIndicatorConfigs lists enabled bindings of active indicator types.
func (s *Store) ListIndicatorConfigs(ctx context.Context, symbol string) ([]IndicatorConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listIndicatorConfigsSQL, strings.ToUpper(symbol))
	if queryErr != nil {
		return nil, fmt.Errorf("list indicator configs: %w", queryErr)
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
		if err := rows.Scan(
			&cfg.ID,
			&cfg.Symbol,
			&cfg.IndicatorType,
			&thresholdStr,
			&cfg.Operator,
			&cooldown,
			&webhook,
			&cfg.Enabled,
		); err != nil {
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
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return configs, nil
}

// FindByIdempotencyKey returns the ledger row for key or ErrNotFound.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	return pgLedger{q: pool}.FindByIdempotencyKey(ctx, key)
}

// MostRecentForSymbolAndIndicator returns the latest row by window end.
func (s *Store) MostRecentForSymbolAndIndicator(ctx context.Context, symbol, indicator string, status Status) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	return pgLedger{q: pool}.MostRecentForSymbolAndIndicator(ctx, symbol, indicator, status)
}

// InsertOrReplace upserts on idempotency_key; created_at keeps its first value.
func (s *Store) InsertOrReplace(ctx context.Context, rec AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	return pgLedger{q: pool}.InsertOrReplace(ctx, rec)
}

// rowQuerier is satisfied by both *pgxpool.Pool and *pgxpool.Conn.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgLedger runs the key-scoped ledger statements on q.
type pgLedger struct {
	q rowQuerier
}

func (l pgLedger) FindByIdempotencyKey(ctx context.Context, key string) (AlertRecord, error) {
	rec, scanErr := scanAlert(l.q.QueryRow(ctx, findByIdempotencyKeySQL, key))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertRecord{}, ErrNotFound
	}
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("find alert by key: %w", scanErr)
	}
	return rec, nil
}

func (l pgLedger) MostRecentForSymbolAndIndicator(ctx context.Context, symbol, indicator string, status Status) (AlertRecord, error) {
	rec, scanErr := scanAlert(l.q.QueryRow(ctx, mostRecentAlertSQL, symbol, indicator, string(status)))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertRecord{}, ErrNotFound
	}
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("most recent alert: %w", scanErr)
	}
	return rec, nil
}

func (l pgLedger) InsertOrReplace(ctx context.Context, rec AlertRecord) (AlertRecord, error) {
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

	row := l.q.QueryRow(ctx, insertOrReplaceAlertSQL,
		rec.Symbol,
		rec.IndicatorType,
		rec.IndicatorValue.String(),
		rec.ThresholdValue.String(),
		rec.ThresholdOperator,
		changePct,
		rec.Direction,
		rec.WindowStart.UTC(),
		rec.WindowEnd.UTC(),
		rec.WindowMinutes,
		rec.IdempotencyKey,
		string(rec.Status),
		rec.Reason,
		code,
		rec.ResponseBody,
		rec.Error,
	)
	stored, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert record: %w", scanErr)
	}
	return stored, nil
}

// List returns ledger rows newest window first.
func (s *Store) List(ctx context.Context, filter AlertFilter) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	limit := filter.EffectiveLimit()
	rows, queryErr := pool.Query(ctx, listAlertsSQL,
		strings.ToUpper(filter.Symbol),
		filter.IndicatorType,
		pgTime(filter.SinceWindowEnd),
		string(filter.Status),
		limit,
		pgTime(filter.UntilWindowEnd),
	)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	return collectAlerts(rows, limit)
}

// ListAfter returns one page of rows strictly after cursor, oldest window first.
func (s *Store) ListAfter(ctx context.Context, filter AlertFilter, after Cursor) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	limit := filter.EffectiveLimit()
	rows, queryErr := pool.Query(ctx, listAlertsAfterSQL,
		strings.ToUpper(filter.Symbol),
		filter.IndicatorType,
		pgTime(filter.SinceWindowEnd),
		string(filter.Status),
		pgTime(filter.UntilWindowEnd),
		pgTime(after.WindowEnd),
		after.ID,
		limit,
	)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts after cursor: %w", queryErr)
	}
	return collectAlerts(rows, limit)
}

func collectAlerts(rows pgx.Rows, limit int) ([]AlertRecord, error) {
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// pgTime maps the zero time to NULL.
func pgTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanSymbol(row pgx.Row) (Symbol, error) {
	var (
		sym       Symbol
		threshold sql.NullString
		cooldown  sql.NullInt32
		webhook   sql.NullString
	)
	if err := row.Scan(&sym.ID, &sym.Name, &sym.Enabled, &threshold, &cooldown, &webhook); err != nil {
		return Symbol{}, err
	}
	if threshold.Valid {
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

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec          AlertRecord
		valueStr     string
		thresholdStr string
		changeStr    sql.NullString
		status       string
		code         sql.NullInt32
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
		&rec.WindowStart,
		&rec.WindowEnd,
		&rec.WindowMinutes,
		&rec.IdempotencyKey,
		&status,
		&rec.Reason,
		&code,
		&rec.ResponseBody,
		&rec.Error,
		&rec.CreatedAt,
		&rec.UpdatedAt,
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
	return rec, nil
}

func fillAlertNumbers(rec *AlertRecord, valueStr, thresholdStr string, changeStr sql.NullString) error {
	var err error
	rec.IndicatorValue, err = decimal.NewFromString(valueStr)
	if err != nil {
		return fmt.Errorf("parse indicator value: %w", err)
	}
	rec.ThresholdValue, err = decimal.NewFromString(thresholdStr)
	if err != nil {
		return fmt.Errorf("parse threshold value: %w", err)
	}
	if changeStr.Valid {
		change, convErr := decimal.NewFromString(changeStr.String)
		if convErr != nil {
			return fmt.Errorf("parse change percent: %w", convErr)
		}
		rec.ChangePercent = &change
	}
	return nil
}

func validateRecord(rec AlertRecord) error {
	if rec.IdempotencyKey == "" {
		return fmt.Errorf("alert record: idempotency key is required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("alert record: invalid status %q", rec.Status)
	}
	return nil
}

func intPtr(v sql.NullInt32) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int32)
	return &i
}

var (
	_ ConfigStore     = (*Store)(nil)
	_ Ledger          = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
	_ RangeLister     = (*Store)(nil)
	_ ScopedKeyLocker = (*Store)(nil)
	_ KeyLedger       = pgLedger{}
)
