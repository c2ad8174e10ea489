// Package pagination provides exhaustive fetching of paged collections.
//
// Paged endpoints report the page they served and the last page number.
// FetchAll starts at page 1 and keeps requesting the next page until the
// reported current page equals the reported maximum:
//
//	devices, err := pagination.FetchAll(ctx, func(ctx context.Context, page int) (pagination.Page[Device], error) {
//		return api.devicesPage(ctx, page)
//	})
//
// The fetcher:
//   - Requests pages strictly in order, one at a time
//   - Accumulates items in page order
//   - Iterates rather than recursing, so page count does not grow the stack
//   - Stops with an error when the server reports a page that does not advance
package pagination
