package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"candlewatch/internal/alerting"
	"candlewatch/internal/config"
	"candlewatch/internal/fetcher"
	"candlewatch/internal/indicator"
	"candlewatch/internal/market"
	"candlewatch/internal/metrics"
	"candlewatch/internal/scheduler"
	"candlewatch/internal/storage"
)

// Trigger sources recorded on reports and metrics.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

const defaultLedgerWriteTimeout = 5 * time.Second

// Options carry the engine settings taken from config.
type Options struct {
	Interval           time.Duration
	Lookback           int
	FetchTimeout       time.Duration
	RunTimeout         time.Duration
	DefaultCooldown    time.Duration
	RetryFailedWindows bool
	AlertsEnabled      bool
	WebhookURL         string
	WebhookSecret      string
	Source             string
	DashboardURL       string
	SymbolConcurrency  int
	LockKey            int64
	LedgerWriteTimeout time.Duration
}

// OptionsFromConfig maps the config sections the controller reads.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:           cfg.Market.Interval,
		Lookback:           cfg.Market.Lookback,
		FetchTimeout:       cfg.Market.RequestTimeout,
		RunTimeout:         cfg.Engine.RunTimeout,
		DefaultCooldown:    cfg.Alerting.DefaultCooldown,
		RetryFailedWindows: cfg.Alerting.RetryFailedWindows,
		AlertsEnabled:      cfg.Alerting.Enabled,
		WebhookURL:         cfg.Alerting.Webhook.URL,
		WebhookSecret:      cfg.Alerting.Webhook.Secret,
		Source:             cfg.Alerting.Source,
		DashboardURL:       cfg.Alerting.DashboardURL,
		SymbolConcurrency:  cfg.Engine.SymbolConcurrency,
		LockKey:            cfg.Scheduler.AdvisoryLockKey,
	}
}

// Deps are the collaborators of the controller. Scheduler, Locker, Limiter
// and Metrics are optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Configs   storage.ConfigStore
	Ledger    storage.Ledger
	Locker    storage.AdvisoryLocker
	Candles   fetcher.CandleSource
	Notifier  alerting.Notifier
	Limiter   alerting.Limiter
	Metrics   *metrics.Metrics
}

// Service is the trigger and dedup controller.
type Service struct {
	opts      Options
	scheduler *scheduler.Scheduler
	configs   storage.ConfigStore
	ledger    storage.Ledger
	locker    storage.AdvisoryLocker
	candles   fetcher.CandleSource
	notifier  alerting.Notifier
	limiter   alerting.Limiter
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the controller.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Lookback < 2 {
		opts.Lookback = 2
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.SymbolConcurrency <= 0 {
		opts.SymbolConcurrency = 1
	}
	if opts.LedgerWriteTimeout <= 0 {
		opts.LedgerWriteTimeout = defaultLedgerWriteTimeout
	}
	if opts.Source == "" {
		opts.Source = "candlewatch"
	}

	locker := deps.Locker
	if locker == nil {
		if l, ok := deps.Ledger.(storage.AdvisoryLocker); ok {
			locker = l
		}
	}

	return &Service{
		opts:      opts,
		scheduler: deps.Scheduler,
		configs:   deps.Configs,
		ledger:    deps.Ledger,
		locker:    locker,
		candles:   deps.Candles,
		notifier:  deps.Notifier,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

// Run begins the aligned evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick evaluates every enabled symbol for the window closing at bucket.
// Replicas sharing a database skip the tick when another holds the advisory lock.
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var end time.Time
	if !bucket.IsZero() {
		end = bucket.Add(-time.Millisecond)
	}
	_, err = s.run(ctx, TriggerSchedule, nil, end)
	return err
}

// Trigger evaluates the given symbols, or every enabled symbol with at least
// one rule when symbols is empty. Per-symbol failures are reported, not returned;
// the error is non-nil only when the symbol set cannot be resolved.
func (s *Service) Trigger(ctx context.Context, symbols []string) (Report, error) {
	return s.run(ctx, TriggerManual, symbols, time.Time{})
}

func (s *Service) run(ctx context.Context, trigger string, symbols []string, end time.Time) (Report, error) {
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	report := Report{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: s.now().UTC(),
	}
	logger := s.logger.With().Str("run_id", report.RunID).Str("trigger", trigger).Logger()

	names := normalizeSymbols(symbols)
	if len(names) == 0 {
		resolved, err := s.resolveAll(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("resolve symbols: %w", err)
		}
		names = resolved
	}

	report.Symbols = make([]SymbolResult, len(names))
	var g errgroup.Group
	g.SetLimit(s.opts.SymbolConcurrency)
	for i, name := range names {
		g.Go(func() error {
			report.Symbols[i] = s.processSymbol(ctx, name, end, logger)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = s.now().UTC()
	s.metrics.ObserveRun(trigger, report.FinishedAt.Sub(report.StartedAt))

	counts := report.Counts()
	logger.Info().
		Int("symbols", len(names)).
		Int("sent", counts[StatusSent]).
		Int("skipped", counts[StatusSkipped]).
		Int("failed", counts[StatusFailed]).
		Int("duplicate", counts[StatusDuplicate]).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("trigger run complete")
	return report, nil
}

// resolveAll lists enabled symbols that have a binding or a default threshold.
func (s *Service) resolveAll(ctx context.Context) ([]string, error) {
	symbols, err := s.configs.ListEnabledSymbols(ctx)
	if err != nil {
		return nil, err
	}
	configs, err := s.configs.ListIndicatorConfigs(ctx, "")
	if err != nil {
		return nil, err
	}
	bound := make(map[string]bool, len(configs))
	for _, c := range configs {
		bound[strings.ToUpper(c.Symbol)] = true
	}

	names := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if bound[strings.ToUpper(sym.Name)] || sym.DefaultThreshold != nil {
			names = append(names, strings.ToUpper(sym.Name))
		}
	}
	return names, nil
}

func (s *Service) processSymbol(ctx context.Context, name string, end time.Time, logger zerolog.Logger) (res SymbolResult) {
	res = SymbolResult{Symbol: name, Indicators: []IndicatorResult{}}
	logger = logger.With().Str("symbol", name).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("symbol processing panicked")
			res.Status = StatusFailed
			res.Reason = ReasonInternalError
			res.Error = fmt.Sprint(r)
		}
		s.metrics.ObserveOutcome(string(res.Status), string(res.Reason))
	}()

	sym, err := s.configs.GetSymbol(ctx, name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return skipSymbol(res, ReasonSymbolNotFound)
	case err != nil:
		logger.Error().Err(err).Msg("failed to load symbol")
		return failSymbol(res, ReasonConfigUnavailable, err)
	case !sym.Enabled:
		return skipSymbol(res, ReasonSymbolDisabled)
	}

	configs, err := s.configs.ListIndicatorConfigs(ctx, sym.Name)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load indicator configs")
		return failSymbol(res, ReasonConfigUnavailable, err)
	}
	rules, invalid := s.resolveRules(sym, configs)
	res.Indicators = append(res.Indicators, invalid...)
	if len(rules) == 0 {
		if len(invalid) > 0 {
			logger.Warn().Int("invalid", len(invalid)).Msg("no usable indicator rules")
			return skipSymbol(res, ReasonConfigError)
		}
		return skipSymbol(res, ReasonNoIndicators)
	}

	candles, retryable, err := s.fetchCandles(ctx, sym.Name, end, s.opts.Lookback)
	if err != nil {
		logger.Warn().Err(err).Bool("retryable", retryable).Msg("candle fetch failed")
		res.Retryable = retryable
		return failSymbol(res, ReasonFetchFailed, err)
	}

	window, err := market.BuildWindow(sym.Name, s.opts.Interval, candles)
	if err != nil {
		if errors.Is(err, market.ErrInsufficientData) {
			return failSymbol(res, ReasonInsufficientData, err)
		}
		return failSymbol(res, ReasonInternalError, err)
	}
	start, windowEnd := window.Start, window.End
	res.WindowStart, res.WindowEnd = &start, &windowEnd

	plain := make([]indicator.Rule, len(rules))
	for i, br := range rules {
		plain[i] = br.rule
	}
	evals := indicator.Evaluate(window, plain)

	for i, ev := range evals {
		s.metrics.ObserveEvaluation(ev.Rule.Name(), ev.Triggered)
		if !ev.Triggered {
			res.Indicators = append(res.Indicators, IndicatorResult{
				Indicator:      ev.Rule.Name(),
				Status:         StatusSkipped,
				IndicatorValue: ev.Value,
				ThresholdValue: ev.Rule.Threshold,
				Operator:       ev.Rule.Operator.String(),
				Reason:         ReasonNoTriggers,
			})
			continue
		}

		var ir IndicatorResult
		if ctx.Err() != nil {
			ir = triggerResult(ev)
			ir.Status, ir.Reason, ir.Error = StatusFailed, ReasonCancelled, ctx.Err().Error()
		} else {
			ir = s.processTrigger(ctx, window, ev, rules[i], logger)
		}
		s.metrics.ObserveOutcome(string(ir.Status), string(ir.Reason))
		res.Indicators = append(res.Indicators, ir)
	}

	res.Status, res.Reason = aggregate(res.Indicators)
	return res
}

// processTrigger runs idempotency, cooldown, delivery and the ledger write for
// one triggered rule while holding the ledger lock for its key.
func (s *Service) processTrigger(ctx context.Context, w market.Window, ev indicator.Evaluation, br boundRule, logger zerolog.Logger) IndicatorResult {
	res := triggerResult(ev)
	key := IdempotencyKey(w.Symbol, ev.Rule.Name(), w.End, ev.Rule.ThresholdText, ev.Rule.Operator)
	res.IdempotencyKey = key
	logger = logger.With().Str("indicator", ev.Rule.Name()).Str("idempotency_key", key).Logger()

	if !s.opts.AlertsEnabled {
		res.Status, res.Reason = StatusSkipped, ReasonAlertingDisabled
		return res
	}

	ledger, unlock, err := s.lockKey(ctx, key)
	if err != nil {
		logger.Error().Err(err).Msg("failed to lock idempotency key")
		return failTrigger(res, ReasonLedgerError, err)
	}
	defer unlock()

	existing, err := ledger.FindByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		if !(s.opts.RetryFailedWindows && existing.Status == storage.StatusFailed) {
			logger.Info().Str("ledger_status", string(existing.Status)).Msg("duplicate trigger")
			res.Status, res.Reason, res.LedgerStatus = StatusDuplicate, ReasonDuplicate, existing.Status
			return res
		}
		logger.Info().Msg("re-attempting failed window")
	case !errors.Is(err, storage.ErrNotFound):
		logger.Error().Err(err).Msg("idempotency lookup failed")
		return failTrigger(res, ReasonLedgerError, err)
	}

	if br.cooldown > 0 {
		last, err := ledger.MostRecentForSymbolAndIndicator(ctx, w.Symbol, ev.Rule.Name(), storage.StatusSent)
		switch {
		case err == nil:
			if w.End.Sub(last.WindowEnd) < br.cooldown {
				logger.Info().Time("last_window_end", last.WindowEnd).Dur("cooldown", br.cooldown).Msg("cooldown active")
				rec := s.record(w, ev, key, storage.StatusSkipped, ReasonCooldownActive)
				if err := s.writeRecord(ctx, ledger, rec); err != nil {
					logger.Error().Err(err).Msg("failed to record cooldown skip")
					return failTrigger(res, ReasonLedgerError, err)
				}
				res.Status, res.Reason = StatusSkipped, ReasonCooldownActive
				return res
			}
		case !errors.Is(err, storage.ErrNotFound):
			logger.Error().Err(err).Msg("cooldown lookup failed")
			return failTrigger(res, ReasonLedgerError, err)
		}
	}

	if br.webhookURL == "" || s.notifier == nil {
		logger.Warn().Msg("no webhook configured")
		res.Status, res.Reason = StatusFailed, ReasonWebhookNotConfigured
		return res
	}

	delivery := s.notifier.Deliver(ctx, alerting.Request{
		URL:            br.webhookURL,
		Secret:         s.opts.WebhookSecret,
		IdempotencyKey: key,
		Payload:        s.payload(w, ev),
	})
	s.metrics.ObserveDelivery(delivery.Success, delivery.Duration)
	res.Attempts = delivery.Attempts
	res.ResponseCode = delivery.StatusCode

	status, reason := storage.StatusSent, ReasonDelivered
	if !delivery.Success {
		status, reason = storage.StatusFailed, ReasonDeliveryFailed
		res.Error = delivery.ErrorMessage()
	}
	rec := s.record(w, ev, key, status, reason)
	if delivery.StatusCode != 0 {
		code := delivery.StatusCode
		rec.ResponseCode = &code
	}
	rec.ResponseBody = delivery.ResponseBody
	rec.Error = delivery.ErrorMessage()

	if err := s.writeRecord(ctx, ledger, rec); err != nil {
		logger.Error().Err(err).Bool("delivered", delivery.Success).Msg("failed to record delivery outcome")
		return failTrigger(res, ReasonLedgerError, err)
	}

	if delivery.Success {
		res.Status, res.Reason = StatusSent, ReasonDelivered
	} else {
		logger.Warn().Int("attempts", delivery.Attempts).Str("error", res.Error).Msg("alert delivery failed")
		res.Status, res.Reason = StatusFailed, ReasonDeliveryFailed
	}
	return res
}

// lockKey takes the ledger lock for key. When the ledger supports it, the
// returned KeyLedger runs on the connection that holds the lock.
func (s *Service) lockKey(ctx context.Context, key string) (storage.KeyLedger, func(), error) {
	if scoped, ok := s.ledger.(storage.ScopedKeyLocker); ok {
		return scoped.LockKeyScoped(ctx, key)
	}
	unlock, err := s.ledger.LockKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return s.ledger, unlock, nil
}

// writeRecord detaches from the caller's cancellation so a finished action is
// always recorded.
func (s *Service) writeRecord(ctx context.Context, ledger storage.KeyLedger, rec storage.AlertRecord) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LedgerWriteTimeout)
	defer cancel()
	_, err := ledger.InsertOrReplace(writeCtx, rec)
	return err
}

func (s *Service) fetchCandles(ctx context.Context, symbol string, end time.Time, limit int) ([]market.Candle, bool, error) {
	if s.candles == nil {
		return nil, false, fmt.Errorf("candle source not configured")
	}
	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx, 1); err != nil {
			return nil, false, fmt.Errorf("acquire outbound slot: %w", err)
		}
		defer s.limiter.Release(1)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	started := time.Now()
	candles, err := s.candles.FetchCandles(fetchCtx, fetcher.CandleQuery{
		Symbol:   symbol,
		Interval: s.opts.Interval,
		Limit:    limit,
		EndTime:  end,
	})
	var fetchErr *fetcher.FetchError
	retryable := errors.As(err, &fetchErr) && fetchErr.Retryable
	if err != nil && fetchErr == nil {
		retryable = errors.Is(err, context.DeadlineExceeded)
	}
	s.metrics.ObserveFetch(time.Since(started), err, retryable)
	return candles, retryable, err
}

func (s *Service) payload(w market.Window, ev indicator.Evaluation) alerting.Payload {
	change := w.ChangePercent
	p := alerting.Payload{
		Symbol:            w.Symbol,
		IndicatorType:     ev.Rule.Name(),
		IndicatorValue:    ev.Value,
		ThresholdValue:    ev.Rule.Threshold,
		ThresholdOperator: ev.Rule.Operator.String(),
		Direction:         string(w.Direction),
		ChangePercent:     &change,
		WindowMinutes:     w.Minutes(),
		WindowStart:       w.Start,
		WindowEnd:         w.End,
		ObservedAt:        s.now().UTC(),
		Source:            s.opts.Source,
		Metadata:          ev.Metadata,
		Links:             map[string]string{},
	}
	if s.opts.DashboardURL != "" {
		p.Links["dashboard"] = s.opts.DashboardURL + "?symbol=" + url.QueryEscape(w.Symbol)
	}
	return p
}

func (s *Service) record(w market.Window, ev indicator.Evaluation, key string, status storage.Status, reason Reason) storage.AlertRecord {
	threshold, err := decimal.NewFromString(ev.Rule.ThresholdText)
	if err != nil {
		threshold = finiteDecimal(ev.Rule.Threshold)
	}
	change := finiteDecimal(w.ChangePercent)
	return storage.AlertRecord{
		Symbol:            w.Symbol,
		IndicatorType:     ev.Rule.Name(),
		IndicatorValue:    finiteDecimal(ev.Value),
		ThresholdValue:    threshold,
		ThresholdOperator: ev.Rule.Operator.String(),
		ChangePercent:     &change,
		Direction:         string(w.Direction),
		WindowStart:       w.Start,
		WindowEnd:         w.End,
		WindowMinutes:     w.Minutes(),
		IdempotencyKey:    key,
		Status:            status,
		Reason:            string(reason),
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func triggerResult(ev indicator.Evaluation) IndicatorResult {
	return IndicatorResult{
		Indicator:      ev.Rule.Name(),
		Triggered:      true,
		IndicatorValue: ev.Value,
		ThresholdValue: ev.Rule.Threshold,
		Operator:       ev.Rule.Operator.String(),
	}
}

func failTrigger(res IndicatorResult, reason Reason, err error) IndicatorResult {
	res.Status, res.Reason, res.Error = StatusFailed, reason, err.Error()
	return res
}

func skipSymbol(res SymbolResult, reason Reason) SymbolResult {
	res.Status, res.Reason = StatusSkipped, reason
	return res
}

func failSymbol(res SymbolResult, reason Reason, err error) SymbolResult {
	res.Status, res.Reason, res.Error = StatusFailed, reason, err.Error()
	return res
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func finiteDecimal(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}
