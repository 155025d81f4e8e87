// Package redis wraps go-redis with the connection handling the rest of
// shardkit expects: validated topology config, reconnect rate-limiting with
// jittered backoff, and narrow key/value and pub/sub helpers that satisfy
// the cache.Backing and bridge.Transport contracts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alG-N/ShoukakuBot-sub001/shardkit/backoff"
	"github.com/alG-N/ShoukakuBot-sub001/shardkit/log"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNilClient is returned when a client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
)

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// scanCount is the per-iteration hint used for prefix deletions.
const scanCount = 256

// Config defines topology, auth, and connection settings.
type Config struct {
	Topology Topology
	Password string
	Options  ConnectionOptions
	Logger   log.Logger
}

// Topology selects exactly one deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

// StandaloneTopology configures single-node access.
type StandaloneTopology struct {
	Address string
}

// SentinelTopology configures Sentinel access.
type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

// ClusterTopology configures cluster access.
type ClusterTopology struct {
	Addresses []string
}

// ConnectionOptions configures pools, timeouts, and retries.
type ConnectionOptions struct {
	DB              int
	PoolSize        int
	MinIdleConns    int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DialTimeout     time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Status reports client connectivity.
type Status struct {
	Connected         bool
	ReconnectAttempts int
	LastReconnectAt   time.Time
}

// Client wraps a redis.UniversalClient with reconnection handling.
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	logger    log.Logger
	client    redis.UniversalClient
	connected bool

	// Reconnect rate-limiting: when the server is down, attempts are spaced
	// with exponential backoff so a fleet of shards does not hammer it.
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// New validates config, connects, and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    normalized,
		logger: normalized.Logger,
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect establishes a connection using the current configuration.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logger == nil {
		c.logger = log.NewNop()
	}

	return c.connectLocked(ctx)
}

// GetClient returns a connected client, reconnecting on demand. Reconnect
// attempts are rate-limited with jittered exponential backoff.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("redis reconnect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// Initialize implements the component lifecycle by (re)establishing the
// connection.
func (c *Client) Initialize(ctx context.Context) error {
	return c.Connect(ctx)
}

// Shutdown implements the component lifecycle.
func (c *Client) Shutdown(_ context.Context) error {
	return c.Close()
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeClientLocked()
}

// Status returns a connectivity snapshot.
func (c *Client) Status() (Status, error) {
	if c == nil {
		return Status{}, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return Status{
		Connected:         c.connected,
		ReconnectAttempts: c.reconnectAttempts,
		LastReconnectAt:   c.lastReconnectAttempt,
	}, nil
}

// Ping round-trips the server. Used by the cache availability probe.
func (c *Client) Ping(ctx context.Context) error {
	client, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		c.markDisconnected()

		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.client != nil {
		if err := c.closeClientLocked(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "close before connect failed", log.Err(err))
		}
	}

	opts, err := c.buildUniversalOptionsLocked()
	if err != nil {
		return fmt.Errorf("redis connect: build options: %w", err)
	}

	rdb := redis.NewUniversalClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.connected = false
		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb
	c.connected = true

	c.logger.Log(ctx, log.LevelInfo, "connected to redis")

	return nil
}

func (c *Client) closeClientLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	return err
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
}

func (c *Client) buildUniversalOptionsLocked() (*redis.UniversalOptions, error) {
	o := c.cfg.Options
	opts := &redis.UniversalOptions{
		DB:              o.DB,
		PoolSize:        o.PoolSize,
		MinIdleConns:    o.MinIdleConns,
		ReadTimeout:     o.ReadTimeout,
		WriteTimeout:    o.WriteTimeout,
		DialTimeout:     o.DialTimeout,
		PoolTimeout:     o.PoolTimeout,
		MaxRetries:      o.MaxRetries,
		MinRetryBackoff: o.MinRetryBackoff,
		MaxRetryBackoff: o.MaxRetryBackoff,
		Password:        c.cfg.Password,
	}

	if c.cfg.Topology.Standalone != nil {
		opts.Addrs = []string{c.cfg.Topology.Standalone.Address}
	}

	if c.cfg.Topology.Sentinel != nil {
		opts.Addrs = c.cfg.Topology.Sentinel.Addresses
		opts.MasterName = c.cfg.Topology.Sentinel.MasterName
	}

	if c.cfg.Topology.Cluster != nil {
		opts.Addrs = c.cfg.Topology.Cluster.Addresses
	}

	// Guard against a zero-value Config producing Addrs: nil, which would
	// make go-redis silently default to localhost:6379.
	if len(opts.Addrs) == 0 {
		return nil, configError("no topology configured: at least one address is required")
	}

	return opts, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	normalizeConnectionOptions(&cfg.Options)

	if err := validateTopology(cfg.Topology); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

const maxPoolSize = 1000

func normalizeConnectionOptions(options *ConnectionOptions) {
	if options.PoolSize == 0 {
		options.PoolSize = 10
	}

	if options.PoolSize > maxPoolSize {
		options.PoolSize = maxPoolSize
	}

	if options.ReadTimeout == 0 {
		options.ReadTimeout = 3 * time.Second
	}

	if options.WriteTimeout == 0 {
		options.WriteTimeout = 3 * time.Second
	}

	if options.DialTimeout == 0 {
		options.DialTimeout = 5 * time.Second
	}

	if options.PoolTimeout == 0 {
		options.PoolTimeout = 2 * time.Second
	}

	if options.MaxRetries == 0 {
		options.MaxRetries = 3
	}

	if options.MinRetryBackoff == 0 {
		options.MinRetryBackoff = 8 * time.Millisecond
	}

	if options.MaxRetryBackoff == 0 {
		options.MaxRetryBackoff = time.Second
	}
}

func validateTopology(topology Topology) error {
	count := 0

	if topology.Standalone != nil {
		count++

		if strings.TrimSpace(topology.Standalone.Address) == "" {
			return configError("standalone address is required")
		}
	}

	if topology.Sentinel != nil {
		count++

		if len(topology.Sentinel.Addresses) == 0 {
			return configError("sentinel addresses are required")
		}

		if strings.TrimSpace(topology.Sentinel.MasterName) == "" {
			return configError("sentinel master name is required")
		}
	}

	if topology.Cluster != nil {
		count++

		if len(topology.Cluster.Addresses) == 0 {
			return configError("cluster addresses are required")
		}
	}

	if count != 1 {
		return configError("exactly one topology must be configured")
	}

	return nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
