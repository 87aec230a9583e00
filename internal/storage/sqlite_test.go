package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), SQLiteOptions{})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(key string, status Status, windowEnd time.Time) AlertRecord {
	change := decimal.RequireFromString("0.025")
	code := 200
	return AlertRecord{
		Symbol:            "BTCUSDT",
		IndicatorType:     "price_change_percent",
		IndicatorValue:    decimal.RequireFromString("0.025"),
		ThresholdValue:    decimal.RequireFromString("0.02"),
		ThresholdOperator: ">=",
		ChangePercent:     &change,
		Direction:         "UP",
		WindowStart:       windowEnd.Add(-5 * time.Minute),
		WindowEnd:         windowEnd,
		WindowMinutes:     5,
		IdempotencyKey:    key,
		Status:            status,
		Reason:            "delivered",
		ResponseCode:      &code,
		ResponseBody:      "ok",
	}
}

func TestSQLiteSeedsIndicatorTypes(t *testing.T) {
	store := newTestSQLite(t)
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM indicator_types`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 6 {
		t.Fatalf("indicator_types = %d, want 6", count)
	}
	// applying the schema twice is harmless
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSQLiteInsertOrReplaceKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	end := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first, err := store.InsertOrReplace(ctx, sampleRecord("k1", StatusFailed, end))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.ID == 0 || !first.CreatedAt.Equal(clock) {
		t.Fatalf("unexpected first row %+v", first)
	}

	clock = clock.Add(time.Hour)
	replaced, err := store.InsertOrReplace(ctx, sampleRecord("k1", StatusSent, end))
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if replaced.ID != first.ID {
		t.Fatalf("replace created a new row: %d vs %d", replaced.ID, first.ID)
	}
	if !replaced.CreatedAt.Equal(first.CreatedAt) || !replaced.UpdatedAt.Equal(clock) {
		t.Fatalf("created_at should be kept and updated_at bumped: %+v", replaced)
	}
	if replaced.Status != StatusSent {
		t.Fatalf("status = %s", replaced.Status)
	}

	rows, err := store.List(ctx, AlertFilter{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d (%v)", len(rows), err)
	}
}

func TestSQLiteFindByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	if _, err := store.FindByIdempotencyKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	end := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.InsertOrReplace(ctx, sampleRecord("k1", StatusSent, end)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.FindByIdempotencyKey(ctx, "k1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.WindowEnd.Equal(end) || got.ChangePercent == nil || got.ChangePercent.String() != "0.025" {
		t.Fatalf("unexpected round trip %+v", got)
	}
	if got.ResponseCode == nil || *got.ResponseCode != 200 {
		t.Fatalf("response code lost: %+v", got.ResponseCode)
	}
}

func TestSQLiteMostRecentFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, status := range []Status{StatusSent, StatusSkipped, StatusFailed} {
		if _, err := store.InsertOrReplace(ctx, sampleRecord(string(rune('a'+i)), status, base.Add(time.Duration(i)*5*time.Minute))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	latest, err := store.MostRecentForSymbolAndIndicator(ctx, "BTCUSDT", "price_change_percent", "")
	if err != nil || latest.Status != StatusFailed {
		t.Fatalf("latest of any status = %+v, %v", latest, err)
	}
	sent, err := store.MostRecentForSymbolAndIndicator(ctx, "BTCUSDT", "price_change_percent", StatusSent)
	if err != nil || !sent.WindowEnd.Equal(base) {
		t.Fatalf("latest SENT = %+v, %v", sent, err)
	}
	if _, err := store.MostRecentForSymbolAndIndicator(ctx, "ETHUSDT", "price_change_percent", StatusSent); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteListFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := sampleRecord(string(rune('a'+i)), StatusSent, base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			rec.Symbol = "ETHUSDT"
			rec.Status = StatusSkipped
		}
		if _, err := store.InsertOrReplace(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rows, err := store.List(ctx, AlertFilter{Symbol: "btcusdt"})
	if err != nil || len(rows) != 3 {
		t.Fatalf("symbol filter: %d rows, %v", len(rows), err)
	}
	if !rows[0].WindowEnd.After(rows[1].WindowEnd) {
		t.Fatal("rows should be newest first")
	}

	rows, err = store.List(ctx, AlertFilter{Status: StatusSkipped})
	if err != nil || len(rows) != 2 {
		t.Fatalf("status filter: %d rows, %v", len(rows), err)
	}

	rows, err = store.List(ctx, AlertFilter{SinceWindowEnd: base.Add(3 * time.Minute)})
	if err != nil || len(rows) != 2 {
		t.Fatalf("since filter: %d rows, %v", len(rows), err)
	}

	rows, err = store.List(ctx, AlertFilter{UntilWindowEnd: base.Add(2 * time.Minute)})
	if err != nil || len(rows) != 2 {
		t.Fatalf("until filter: %d rows, %v", len(rows), err)
	}

	rows, err = store.List(ctx, AlertFilter{Limit: 1})
	if err != nil || len(rows) != 1 {
		t.Fatalf("limit: %d rows, %v", len(rows), err)
	}
}

func TestSQLiteListRangePagesPastListLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	// pairs of rows share a window end so pages must break ties on id
	const total = 2*MaxListLimit + 50
	for i := 0; i < total; i++ {
		end := base.Add(time.Duration(i/2) * 5 * time.Minute)
		if _, err := store.InsertOrReplace(ctx, sampleRecord(fmt.Sprintf("k%d", i), StatusSent, end)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	rows, err := ListRange(ctx, store, AlertFilter{}, 0)
	if err != nil {
		t.Fatalf("ListRange: %v", err)
	}
	if len(rows) != total {
		t.Fatalf("rows = %d, want %d", len(rows), total)
	}
	seen := make(map[int64]bool, total)
	for i, r := range rows {
		if seen[r.ID] {
			t.Fatalf("row %d repeated", r.ID)
		}
		seen[r.ID] = true
		if i > 0 && r.WindowEnd.Before(rows[i-1].WindowEnd) {
			t.Fatalf("rows out of order at %d", i)
		}
	}

	// an old range must not be crowded out by newer rows
	from := base
	to := base.Add(50 * 5 * time.Minute)
	rows, err = ListRange(ctx, store, AlertFilter{SinceWindowEnd: from, UntilWindowEnd: to}, 0)
	if err != nil || len(rows) != 100 {
		t.Fatalf("bounded range: %d rows, %v", len(rows), err)
	}
	if !rows[len(rows)-1].WindowEnd.Before(to) {
		t.Fatalf("last row %s is not before %s", rows[len(rows)-1].WindowEnd, to)
	}

	rows, err = ListRange(ctx, store, AlertFilter{}, 7)
	if err != nil || len(rows) != 7 {
		t.Fatalf("capped range: %d rows, %v", len(rows), err)
	}
}

func TestAlertFilterEffectiveLimit(t *testing.T) {
	cases := map[int]int{0: DefaultListLimit, -3: DefaultListLimit, 10: 10, 200: 200, 5000: MaxListLimit}
	for in, want := range cases {
		if got := (AlertFilter{Limit: in}).EffectiveLimit(); got != want {
			t.Fatalf("EffectiveLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestSQLiteRejectsInvalidRecord(t *testing.T) {
	store := newTestSQLite(t)
	rec := sampleRecord("", StatusSent, time.Now())
	if _, err := store.InsertOrReplace(context.Background(), rec); err == nil {
		t.Fatal("empty key should be rejected")
	}
	rec = sampleRecord("k", Status("PENDING"), time.Now())
	if _, err := store.InsertOrReplace(context.Background(), rec); err == nil {
		t.Fatal("unknown status should be rejected")
	}
}

func TestSQLiteConfigStore(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	db := store.DB()
	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := db.Exec(q, args...); err != nil {
			t.Fatalf("exec %q: %v", q, err)
		}
	}
	mustExec(`INSERT INTO symbols (name, enabled, default_threshold, default_cooldown_minutes) VALUES ('BTCUSDT', 1, '0.03', 15)`)
	mustExec(`INSERT INTO symbols (name, enabled) VALUES ('DOGEUSDT', 0)`)
	mustExec(`INSERT INTO symbol_indicator_configs (symbol_id, indicator_type_id, threshold_value, threshold_operator)
        SELECT s.id, t.id, '0.02', '>=' FROM symbols s, indicator_types t WHERE s.name = 'BTCUSDT' AND t.name = 'price_change_percent'`)
	mustExec(`INSERT INTO symbol_indicator_configs (symbol_id, indicator_type_id, threshold_value, threshold_operator, enabled)
        SELECT s.id, t.id, '3', '>', 0 FROM symbols s, indicator_types t WHERE s.name = 'BTCUSDT' AND t.name = 'abnormal_volume'`)
	mustExec(`INSERT INTO symbol_indicator_configs (symbol_id, indicator_type_id, threshold_value, threshold_operator, cooldown_minutes)
        SELECT s.id, t.id, '2.5', '>', 5 FROM symbols s, indicator_types t WHERE s.name = 'BTCUSDT' AND t.name = 'volume_surge'`)
	mustExec(`UPDATE indicator_types SET is_active = 0 WHERE name = 'volume_surge'`)

	symbols, err := store.ListEnabledSymbols(ctx)
	if err != nil || len(symbols) != 1 || symbols[0].Name != "BTCUSDT" {
		t.Fatalf("enabled symbols = %+v, %v", symbols, err)
	}
	if symbols[0].DefaultThreshold == nil || symbols[0].DefaultThreshold.String() != "0.03" {
		t.Fatalf("default threshold = %v", symbols[0].DefaultThreshold)
	}
	if symbols[0].DefaultCooldownMinutes == nil || *symbols[0].DefaultCooldownMinutes != 15 {
		t.Fatalf("default cooldown = %v", symbols[0].DefaultCooldownMinutes)
	}

	doge, err := store.GetSymbol(ctx, "dogeusdt")
	if err != nil || doge.Enabled {
		t.Fatalf("disabled symbol = %+v, %v", doge, err)
	}
	if _, err := store.GetSymbol(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	configs, err := store.ListIndicatorConfigs(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("ListIndicatorConfigs: %v", err)
	}
	if len(configs) != 1 || configs[0].IndicatorType != "price_change_percent" || configs[0].Threshold.String() != "0.02" {
		t.Fatalf("only the enabled binding of an active type should load, got %+v", configs)
	}
	all, err := store.ListIndicatorConfigs(ctx, "")
	if err != nil || len(all) != 1 {
		t.Fatalf("all configs = %+v, %v", all, err)
	}
}

func TestSQLiteLockKeyExcludes(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := store.LockKey(ctx, "same-key")
			if err != nil {
				t.Errorf("LockKey: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("%d holders at once, want 1", maxSeen)
	}
}

func TestSQLiteLockKeyHonoursContext(t *testing.T) {
	store := newTestSQLite(t)
	unlock, err := store.LockKey(context.Background(), "k")
	if err != nil {
		t.Fatalf("LockKey: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := store.LockKey(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSQLiteStaleLockExpires(t *testing.T) {
	store := newTestSQLite(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }
	store.keyLockTTL = time.Minute

	if _, err := store.LockKey(context.Background(), "k"); err != nil {
		t.Fatalf("LockKey: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	unlock, err := store.LockKey(context.Background(), "k")
	if err != nil {
		t.Fatalf("stale lock should be reclaimed: %v", err)
	}
	unlock()
}

func TestSQLiteLockRefreshedWhileHeld(t *testing.T) {
	store := newTestSQLite(t)
	store.keyLockTTL = 150 * time.Millisecond

	unlock, err := store.LockKey(context.Background(), "k")
	if err != nil {
		t.Fatalf("LockKey: %v", err)
	}
	// a slow holder outlives several TTLs
	time.Sleep(3 * store.keyLockTTL)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := store.LockKey(ctx, "k"); err == nil {
		t.Fatal("live lock was reclaimed as stale")
	}

	unlock()
	unlock()
	again, err := store.LockKey(context.Background(), "k")
	if err != nil {
		t.Fatalf("LockKey after release: %v", err)
	}
	again()
}

func TestSQLiteTryAdvisoryLock(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}
	if _, ok, err := store.TryAdvisoryLock(ctx, 42); err != nil || ok {
		t.Fatalf("second lock should fail: %v %v", ok, err)
	}
	unlock()
	unlock2, ok, err := store.TryAdvisoryLock(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("lock after release: %v %v", ok, err)
	}
	unlock2()
}
