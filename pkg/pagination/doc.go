// Package pagination walks the alert API's cursor-paged listings and fans
// entity searches out in bounded parallel batches.
//
// Listings are returned newest first. Each page carries nextPage and
// previousPage URLs whose from/to query parameters are opaque cursors.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(apiClient, pagination.FetcherConfig{
//		Cache:  alertCache,
//		Logger: logger,
//	})
//
//	// The 10 most recent alerts
//	recent, err := fetcher.FetchRecent(ctx, 10, lists)
//
//	// Everything newer than the watermark, one page at a time
//	res, err := fetcher.Walk(ctx, pagination.WalkOptions{Since: watermark}, func(page []alert.Alert) error {
//		alertCache.Add(page...)
//		return nil
//	})
//
// The walker:
//   - Stops at the first page with no alert at or after Since
//   - Stops at the page ceiling (default 1000) with Truncated set
//   - Turns an exhausted 429 into an empty page rather than an error
//
// BatchExecutor runs requests in consecutive groups of MaxConcurrent with a
// delay between groups, so a fan-out cannot burst through the quota.
package pagination
