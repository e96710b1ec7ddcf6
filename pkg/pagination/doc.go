// Package pagination fetches every page of a paginated ESI endpoint.
//
// ESI reports the page count of a resource in the X-Pages header of every
// page. The fetcher requests page 1 on its own, reads X-Pages, then spreads
// pages 2..N over a bounded worker pool (RunAll, default 12 workers).
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(requester, pagination.DefaultConfig())
//	batch := fetcher.Fetch(ctx, client.RequestDescriptor{
//		Path:       "/markets/{region_id}/orders/",
//		PathParams: map[string]string{"region_id": "10000002"},
//	})
//
// The fetcher:
//   - Returns an empty batch when page 1 fails
//   - Takes the batch expiry from page 1's expires header
//   - Drops pages whose request failed and keeps the rest
//   - Reports the expected page count so callers can check completeness
package pagination
