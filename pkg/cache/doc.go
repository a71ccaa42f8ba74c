// Package cache provides the bounded in-memory alert cache.
//
// The cache holds at most Capacity alerts keyed by id. The bound is the only
// retention policy: when an Add pushes the size past it, the oldest-inserted
// alerts are evicted first. Re-adding an id overwrites the stored alert and
// counts as a fresh insertion.
//
// # Basic Usage
//
//	c := cache.New(1000)
//
//	// Fold a page of alerts in one atomic update
//	added := c.Add(page.Alerts...)
//
//	// Newest-first alerts on either list, newer than the watermark
//	recent := c.Query(cache.Filter{
//		Lists: []string{"123", "456"},
//		Since: watermark,
//	})
//
//	// O(1) lookup
//	a, ok := c.Get("alert-id")
//
// # Metrics
//
// The cache exports Prometheus metrics:
//
//   - alertfeed_cache_hits_total - Get hits
//   - alertfeed_cache_misses_total - Get misses
//   - alertfeed_cache_size - Cached alerts
//   - alertfeed_cache_inserts_total - Newly cached ids
//   - alertfeed_cache_evictions_total - Alerts evicted by the bound
package cache
