// Package shardkit is the resilience and shared-state layer for sharded
// worker processes. Each shard owns a disjoint partition of connected
// communities; anything that must stay consistent across shards (rate
// limits, cooldowns, cached API results, cross-shard statistics) flows
// through a shared Redis substrate with graceful handling of that
// substrate's failure.
//
// The subpackages are:
//
//   - cache: namespaced hybrid cache (Redis backing store + local mirror)
//   - circuitbreaker: classified-failure circuit breakers with a registry
//   - degradation: per-service health tracking, fallback values, and a
//     replayed write-intent queue
//   - bridge: request/response and broadcast messaging between shards over
//     one pub/sub channel
//   - redis: the go-redis client wrapper the other packages plug into
//   - log, zap, backoff: ambient concerns shared by everything above
//
// The root package only carries the Component lifecycle contract and a
// Runtime that initializes components in order and shuts them down in
// reverse. There is no CLI surface; the hosting shard process owns startup
// and shutdown.
package shardkit
