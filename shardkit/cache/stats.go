package cache

// NamespaceStats is a point-in-time counter snapshot for one namespace.
type NamespaceStats struct {
	Hits int64
	// Misses counts Get and GetOrSet lookups that found nothing.
	Misses int64
	// Evictions counts entries dropped to honor MaxEntries; expiry and
	// explicit deletes are not evictions.
	Evictions int64
	// PeekAbsences counts Peek lookups that found nothing. Peek absence is
	// an expected outcome, so it is tallied apart from Misses.
	PeekAbsences int64
	// CounterOps counts Increment calls. A counter op always succeeds
	// semantically, so the effective hit rate credits it as a hit.
	CounterOps int64
	// Entries is the current local mirror size.
	Entries int
}

// Stats aggregates every namespace plus the global effective hit rate:
// (hits + counter ops) / (hits + misses + counter ops). Peek absences do
// not dilute the rate.
type Stats struct {
	Namespaces       map[string]NamespaceStats
	EffectiveHitRate float64
	BackingAvailable bool
}

// Stats returns a snapshot of all per-namespace counters.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		Namespaces:       make(map[string]NamespaceStats, len(c.namespaces)),
		BackingAvailable: c.backingUp.Load(),
	}

	var hits, misses, counterOps int64

	for name, n := range c.namespaces {
		snapshot := NamespaceStats{
			Hits:         n.hits.Load(),
			Misses:       n.misses.Load(),
			Evictions:    n.evictions.Load(),
			PeekAbsences: n.peekAbsences.Load(),
			CounterOps:   n.counterOps.Load(),
			Entries:      n.store.len(),
		}

		hits += snapshot.Hits
		misses += snapshot.Misses
		counterOps += snapshot.CounterOps
		stats.Namespaces[name] = snapshot
	}

	if total := hits + misses + counterOps; total > 0 {
		stats.EffectiveHitRate = float64(hits+counterOps) / float64(total)
	}

	return stats
}
