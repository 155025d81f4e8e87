package cache

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Policy names the eviction strategy a namespace enforces once it reaches
// MaxEntries.
type Policy string

const (
	// PolicyFIFO evicts in insertion order. Reads never touch recency, so
	// lookups stay cheap. This is the default.
	PolicyFIFO Policy = "fifo"
	// PolicyLRU evicts the least recently read entry. Every Get hit moves
	// the entry to the front, so use it only for namespaces whose access
	// pattern is skewed enough to pay for the bookkeeping.
	PolicyLRU Policy = "lru"
)

// NamespaceConfig declares one cache region. Config is immutable after
// registration; re-registering the same name overwrites it (startup only).
type NamespaceConfig struct {
	// Name prefixes every backing-store key as "<name>:<key>".
	Name string
	// TTL is the default entry lifetime. Zero means no expiry.
	TTL time.Duration
	// MaxEntries bounds the local mirror. Zero means unbounded.
	MaxEntries int
	// Policy selects the eviction strategy. Defaults to PolicyFIFO.
	Policy Policy
	// UseBacking routes reads and writes through the shared backing store
	// when it is reachable. Purely local namespaces leave this false.
	UseBacking bool
}

func (c NamespaceConfig) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrNamespaceInvalid)
	}

	if strings.Contains(c.Name, ":") {
		return fmt.Errorf("%w: name %q must not contain ':'", ErrNamespaceInvalid, c.Name)
	}

	if c.TTL < 0 {
		return fmt.Errorf("%w: ttl must not be negative", ErrNamespaceInvalid)
	}

	if c.MaxEntries < 0 {
		return fmt.Errorf("%w: max entries must not be negative", ErrNamespaceInvalid)
	}

	switch c.Policy {
	case PolicyFIFO, PolicyLRU, "":
	default:
		return fmt.Errorf("%w: unknown policy %q", ErrNamespaceInvalid, c.Policy)
	}

	return nil
}

// namespace pairs immutable config with the mutable local mirror and its
// counters.
type namespace struct {
	cfg   NamespaceConfig
	store *localStore

	hits         atomic.Int64
	misses       atomic.Int64
	evictions    atomic.Int64
	peekAbsences atomic.Int64
	counterOps   atomic.Int64
}

func newNamespace(cfg NamespaceConfig) *namespace {
	if cfg.Policy == "" {
		cfg.Policy = PolicyFIFO
	}

	return &namespace{
		cfg:   cfg,
		store: newLocalStore(cfg.Policy, cfg.MaxEntries),
	}
}

func (n *namespace) key(key string) string {
	return n.cfg.Name + ":" + key
}

func (n *namespace) ttl(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}

	return n.cfg.TTL
}
