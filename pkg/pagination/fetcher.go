package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrPageNotAdvancing is returned when a page reports a current page that
	// is not past the previous one, which would otherwise loop forever.
	ErrPageNotAdvancing = errors.New("pagination did not advance")

	// ErrPageOutOfRange is returned when the reported current page exceeds the
	// reported maximum.
	ErrPageOutOfRange = errors.New("page beyond reported maximum")

	// ErrTooManyPages is returned when Config.MaxPages is exceeded.
	ErrTooManyPages = errors.New("page limit exceeded")
)

// Page is one page of a collection.
type Page[T any] struct {
	Items   []T
	Current int
	Max     int
}

// PageFunc fetches a single page by number.
type PageFunc[T any] func(ctx context.Context, page int) (Page[T], error)

// Config holds fetcher configuration.
type Config struct {
	// FirstPage is the page number to start from.
	FirstPage int

	// MaxPages aborts the fetch after this many pages. 0 disables the limit.
	MaxPages int
}

// DefaultConfig returns the default fetch configuration.
func DefaultConfig() Config {
	return Config{
		FirstPage: 1,
		MaxPages:  0,
	}
}

// FetchAll fetches every page using the default configuration.
func FetchAll[T any](ctx context.Context, fetch PageFunc[T]) ([]T, error) {
	return FetchAllWithConfig(ctx, DefaultConfig(), fetch)
}

// FetchAllWithConfig fetches pages until the current page equals the maximum
// and returns the accumulated items in page order.
func FetchAllWithConfig[T any](ctx context.Context, cfg Config, fetch PageFunc[T]) ([]T, error) {
	if cfg.FirstPage <= 0 {
		cfg.FirstPage = 1
	}

	start := time.Now()
	var items []T
	pageNum := cfg.FirstPage
	fetched := 0
	prev := cfg.FirstPage - 1

	for {
		if err := ctx.Err(); err != nil {
			return items, fmt.Errorf("fetch page %d: %w", pageNum, err)
		}
		if cfg.MaxPages > 0 && fetched >= cfg.MaxPages {
			return items, fmt.Errorf("%w: %d pages", ErrTooManyPages, cfg.MaxPages)
		}

		page, err := fetch(ctx, pageNum)
		if err != nil {
			return items, fmt.Errorf("fetch page %d: %w", pageNum, err)
		}
		fetched++
		items = append(items, page.Items...)

		if page.Current == page.Max {
			break
		}
		if page.Current <= prev {
			return items, fmt.Errorf("%w: requested %d, server reported %d", ErrPageNotAdvancing, pageNum, page.Current)
		}
		if page.Current > page.Max {
			return items, fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, page.Current, page.Max)
		}

		prev = page.Current
		pageNum = page.Current + 1

		log.Debug().
			Int("page", page.Current).
			Int("max", page.Max).
			Int("items", len(items)).
			Msg("Fetched page")
	}

	log.Debug().
		Int("pages", fetched).
		Int("items", len(items)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return items, nil
}
