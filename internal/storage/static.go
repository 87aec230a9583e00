package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"candlewatch/internal/config"
)

// StaticConfigStore serves symbol configuration from the config file.
type StaticConfigStore struct {
	symbols  map[string]Symbol
	bindings map[string][]IndicatorConfig
	names    []string
}

// NewStaticConfigStore converts file-sourced symbols into store rows.
func NewStaticConfigStore(symbols []config.SymbolConfig) (*StaticConfigStore, error) {
	s := &StaticConfigStore{
		symbols:  make(map[string]Symbol, len(symbols)),
		bindings: make(map[string][]IndicatorConfig, len(symbols)),
	}
	var nextID int64
	for i, sc := range symbols {
		name := strings.ToUpper(strings.TrimSpace(sc.Name))
		if name == "" {
			return nil, fmt.Errorf("symbols[%d]: name is required", i)
		}
		if _, dup := s.symbols[name]; dup {
			return nil, fmt.Errorf("symbols[%d]: %s listed twice", i, name)
		}

		sym := Symbol{
			ID:                     int64(i + 1),
			Name:                   name,
			Enabled:                sc.Enabled,
			DefaultCooldownMinutes: sc.CooldownMinutes,
			WebhookURL:             sc.WebhookURL,
		}
		if sc.DefaultThreshold != "" {
			d, err := decimal.NewFromString(sc.DefaultThreshold)
			if err != nil {
				return nil, fmt.Errorf("symbols[%d].default_threshold: %w", i, err)
			}
			sym.DefaultThreshold = &d
		}
		s.symbols[name] = sym
		s.names = append(s.names, name)

		for j, ind := range sc.Indicators {
			threshold, err := decimal.NewFromString(ind.Threshold)
			if err != nil {
				return nil, fmt.Errorf("symbols[%d].indicators[%d].threshold: %w", i, j, err)
			}
			nextID++
			s.bindings[name] = append(s.bindings[name], IndicatorConfig{
				ID:              nextID,
				Symbol:          name,
				IndicatorType:   strings.TrimSpace(ind.Type),
				Threshold:       threshold,
				Operator:        strings.TrimSpace(ind.Operator),
				CooldownMinutes: ind.CooldownMinutes,
				WebhookURL:      ind.WebhookURL,
				Enabled:         ind.IsEnabled(),
			})
		}
	}
	sort.Strings(s.names)
	return s, nil
}

// ListEnabledSymbols lists enabled symbols ordered by name.
func (s *StaticConfigStore) ListEnabledSymbols(ctx context.Context) ([]Symbol, error) {
	out := make([]Symbol, 0, len(s.names))
	for _, name := range s.names {
		if sym := s.symbols[name]; sym.Enabled {
			out = append(out, sym)
		}
	}
	return out, nil
}

// GetSymbol loads one symbol by name, enabled or not.
func (s *StaticConfigStore) GetSymbol(ctx context.Context, name string) (Symbol, error) {
	sym, ok := s.symbols[strings.ToUpper(name)]
	if !ok {
		return Symbol{}, ErrNotFound
	}
	return sym, nil
}

// ListIndicatorConfigs lists enabled bindings in file order.
func (s *StaticConfigStore) ListIndicatorConfigs(ctx context.Context, symbol string) ([]IndicatorConfig, error) {
	names := s.names
	if symbol != "" {
		names = []string{strings.ToUpper(symbol)}
	}
	out := make([]IndicatorConfig, 0)
	for _, name := range names {
		for _, b := range s.bindings[name] {
			if b.Enabled {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

var _ ConfigStore = (*StaticConfigStore)(nil)
