package lmsclient

import "context"

// PageFetcher retrieves one page of items starting at offset, returning the
// items and the offset to request next. done reports whether the server
// signalled no further pages remain.
type PageFetcher[T any] func(ctx context.Context, offset int) (items []T, nextOffset int, done bool, err error)

// Paginate drains a PageFetcher page by page and returns every item. It
// stops when the fetcher reports done, or when a page comes back empty
// (guards against a server that never sets done but stops returning rows).
//
// Paginate is not restartable: each call starts at offset 0 and pages
// through to completion.
func Paginate[T any](ctx context.Context, fetch PageFetcher[T]) ([]T, error) {
	var all []T
	offset := 0
	for {
		items, next, done, err := fetch(ctx, offset)
		if err != nil {
			return all, err
		}
		all = append(all, items...)
		if done || len(items) == 0 {
			return all, nil
		}
		offset = next
	}
}
