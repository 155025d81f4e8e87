package degradation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alG-N/ShoukakuBot-sub001/shardkit/log"
)

// RegisterFallback wires the supplier that computes a stand-in value for
// key when nothing was ever cached. Suppliers are optional; a key refreshed
// via RefreshFallback alone is also servable.
func (m *Manager) RegisterFallback(key string, supplier func(ctx context.Context) (any, error)) error {
	if m == nil {
		return ErrNilManager
	}

	if strings.TrimSpace(key) == "" {
		return ErrFallbackKeyRequired
	}

	m.fbMu.Lock()
	defer m.fbMu.Unlock()

	m.suppliers[key] = supplier

	return nil
}

// RefreshFallback records value as the last known good for key. Call it
// opportunistically after successful primary reads so Fallback has
// something recent to serve during an outage.
func (m *Manager) RefreshFallback(ctx context.Context, key string, value any) error {
	if m == nil {
		return ErrNilManager
	}

	if strings.TrimSpace(key) == "" {
		return ErrFallbackKeyRequired
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("fallback encode %q: %w", key, err)
	}

	m.fbMu.Lock()
	m.values[key] = raw
	m.fbMu.Unlock()

	if m.store != nil {
		if err := m.store.SetWithTTL(ctx, NamespaceFallback, key, value, m.fallbackTTL); err != nil {
			m.logger.Log(ctx, log.LevelWarn, "failed to mirror fallback value", log.Err(err))
		}
	}

	return nil
}

// Fallback resolves the last known good value for key into dest, regardless
// of freshness. Resolution order: in-memory value, durable mirror, then the
// registered supplier (whose result is cached for next time). Used only
// when the primary path and the cache both came up empty.
func (m *Manager) Fallback(ctx context.Context, key string, dest any) error {
	if m == nil {
		return ErrNilManager
	}

	if strings.TrimSpace(key) == "" {
		return ErrFallbackKeyRequired
	}

	m.fbMu.RLock()
	raw, ok := m.values[key]
	m.fbMu.RUnlock()

	if ok {
		return decodeFallback(key, raw, dest)
	}

	if m.store != nil {
		found, err := m.store.Get(ctx, NamespaceFallback, key, dest)
		if err == nil && found {
			return nil
		}
	}

	m.fbMu.RLock()
	supplier, ok := m.suppliers[key]
	m.fbMu.RUnlock()

	if !ok || supplier == nil {
		return fmt.Errorf("%w: %q", ErrFallbackUnknown, key)
	}

	value, err := supplier(ctx)
	if err != nil {
		return fmt.Errorf("fallback supplier %q: %w", key, err)
	}

	if err := m.RefreshFallback(ctx, key, value); err != nil {
		return err
	}

	m.fbMu.RLock()
	raw = m.values[key]
	m.fbMu.RUnlock()

	return decodeFallback(key, raw, dest)
}

func decodeFallback(key string, raw []byte, dest any) error {
	if dest == nil {
		return nil
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("fallback decode %q: %w", key, err)
	}

	return nil
}
