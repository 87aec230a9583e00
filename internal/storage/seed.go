package storage

import (
	"context"
	"fmt"

	"candlewatch/internal/config"
)

const (
	upsertSymbolSQL = `INSERT INTO symbols (name, enabled, default_threshold, default_cooldown_minutes, webhook_url)
    VALUES ($1, $2, $3::numeric, $4, $5)
    ON CONFLICT (name) DO UPDATE SET
        enabled = EXCLUDED.enabled,
        default_threshold = EXCLUDED.default_threshold,
        default_cooldown_minutes = EXCLUDED.default_cooldown_minutes,
        webhook_url = EXCLUDED.webhook_url,
        updated_at = now()
    RETURNING id;`

	upsertIndicatorConfigSQL = `INSERT INTO symbol_indicator_configs (
        symbol_id, indicator_type_id, threshold_value, threshold_operator, cooldown_minutes, webhook_url, enabled
    )
    SELECT $1, t.id, $3::numeric, $4, $5, $6, $7
    FROM indicator_types t
    WHERE t.name = $2
    ON CONFLICT (symbol_id, indicator_type_id) DO UPDATE SET
        threshold_value = EXCLUDED.threshold_value,
        threshold_operator = EXCLUDED.threshold_operator,
        cooldown_minutes = EXCLUDED.cooldown_minutes,
        webhook_url = EXCLUDED.webhook_url,
        enabled = EXCLUDED.enabled,
        updated_at = now();`

	sqliteUpsertSymbolSQL = `INSERT INTO symbols (name, enabled, default_threshold, default_cooldown_minutes, webhook_url)
    VALUES (?1, ?2, ?3, ?4, ?5)
    ON CONFLICT (name) DO UPDATE SET
        enabled = excluded.enabled,
        default_threshold = excluded.default_threshold,
        default_cooldown_minutes = excluded.default_cooldown_minutes,
        webhook_url = excluded.webhook_url
    RETURNING id;`

	sqliteUpsertIndicatorConfigSQL = `INSERT INTO symbol_indicator_configs (
        symbol_id, indicator_type_id, threshold_value, threshold_operator, cooldown_minutes, webhook_url, enabled
    )
    SELECT ?1, t.id, ?3, ?4, ?5, ?6, ?7
    FROM indicator_types t
    WHERE t.name = ?2
    ON CONFLICT (symbol_id, indicator_type_id) DO UPDATE SET
        threshold_value = excluded.threshold_value,
        threshold_operator = excluded.threshold_operator,
        cooldown_minutes = excluded.cooldown_minutes,
        webhook_url = excluded.webhook_url,
        enabled = excluded.enabled;`
)

// Seeder writes symbol configuration rows.
type Seeder interface {
	SeedSymbols(ctx context.Context, symbols []config.SymbolConfig) (int, error)
}

// seedRows validates file symbols through the static store and returns them
// with every binding, disabled ones included.
func seedRows(symbols []config.SymbolConfig) ([]Symbol, map[string][]IndicatorConfig, error) {
	static, err := NewStaticConfigStore(symbols)
	if err != nil {
		return nil, nil, err
	}
	rows := make([]Symbol, 0, len(static.names))
	for _, name := range static.names {
		rows = append(rows, static.symbols[name])
	}
	return rows, static.bindings, nil
}

// SeedSymbols upserts symbols and their bindings in one transaction.
func (s *Store) SeedSymbols(ctx context.Context, symbols []config.SymbolConfig) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	rows, bindings, err := seedRows(symbols)
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, sym := range rows {
		var id int64
		if err := tx.QueryRow(ctx, upsertSymbolSQL,
			sym.Name, sym.Enabled, thresholdArg(sym), nullableInt(sym.DefaultCooldownMinutes), nullableString(sym.WebhookURL),
		).Scan(&id); err != nil {
			return 0, fmt.Errorf("upsert symbol %s: %w", sym.Name, err)
		}
		for _, b := range bindings[sym.Name] {
			tag, err := tx.Exec(ctx, upsertIndicatorConfigSQL,
				id, b.IndicatorType, b.Threshold.String(), b.Operator,
				nullableInt(b.CooldownMinutes), nullableString(b.WebhookURL), b.Enabled,
			)
			if err != nil {
				return 0, fmt.Errorf("upsert %s/%s: %w", sym.Name, b.IndicatorType, err)
			}
			if tag.RowsAffected() == 0 {
				return 0, fmt.Errorf("upsert %s/%s: unknown indicator type", sym.Name, b.IndicatorType)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return len(rows), nil
}

// SeedSymbols upserts symbols and their bindings in one transaction.
func (s *SQLiteStore) SeedSymbols(ctx context.Context, symbols []config.SymbolConfig) (int, error) {
	rows, bindings, err := seedRows(symbols)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	for _, sym := range rows {
		var id int64
		if err := tx.QueryRowContext(ctx, sqliteUpsertSymbolSQL,
			sym.Name, sym.Enabled, thresholdArg(sym), nullableInt(sym.DefaultCooldownMinutes), nullableString(sym.WebhookURL),
		).Scan(&id); err != nil {
			return 0, fmt.Errorf("upsert symbol %s: %w", sym.Name, err)
		}
		for _, b := range bindings[sym.Name] {
			res, err := tx.ExecContext(ctx, sqliteUpsertIndicatorConfigSQL,
				id, b.IndicatorType, b.Threshold.String(), b.Operator,
				nullableInt(b.CooldownMinutes), nullableString(b.WebhookURL), b.Enabled,
			)
			if err != nil {
				return 0, fmt.Errorf("upsert %s/%s: %w", sym.Name, b.IndicatorType, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return 0, fmt.Errorf("upsert %s/%s: unknown indicator type", sym.Name, b.IndicatorType)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return len(rows), nil
}

func thresholdArg(sym Symbol) any {
	if sym.DefaultThreshold == nil {
		return nil
	}
	return sym.DefaultThreshold.String()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var (
	_ Seeder = (*Store)(nil)
	_ Seeder = (*SQLiteStore)(nil)
)
