// Package history serves pages of room history, answering from the local
// cache when it can and falling back to the homeserver when it cannot.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/internal/workpool"
)

// DefaultCacheDelay is how long a cached page other than the live one is
// held back before delivery, so paginating from cache feels like
// paginating from the network.
const DefaultCacheDelay = 300 * time.Millisecond

// Store is the room cache.
type Store interface {
	GetEarlierPage(roomID, pivot string, limit int) (*models.HistoryPage, error)
	GetOldestEvent(roomID string) (*models.Event, error)
	AppendPage(roomID string, page *models.HistoryPage, dir models.Direction) error
}

// Fetcher loads history pages from the homeserver. Errors are passed to
// the caller exactly as returned.
type Fetcher interface {
	FetchEarlierPage(ctx context.Context, roomID, pivot string, limit int) (*models.HistoryPage, error)
}

// Callback receives the outcome of a history request. It is called
// exactly once, never on the requesting goroutine.
type Callback func(page *models.HistoryPage, err error)

// Retriever answers history requests.
type Retriever struct {
	store      Store
	fetcher    Fetcher
	pool       *workpool.Pool
	logger     *slog.Logger
	cacheDelay time.Duration

	wg sync.WaitGroup
}

// New creates a Retriever. Network fetches run on pool. cacheDelay is the
// hold-back for cached pages after the first; the live page is never
// delayed.
func New(store Store, fetcher Fetcher, pool *workpool.Pool, logger *slog.Logger, cacheDelay time.Duration) *Retriever {
	return &Retriever{
		store:      store,
		fetcher:    fetcher,
		pool:       pool,
		logger:     logger,
		cacheDelay: cacheDelay,
	}
}

// RequestHistory asks for up to limit events older than pivot in roomID.
// An empty pivot means the live end of the room. The result goes to done.
func (r *Retriever) RequestHistory(ctx context.Context, roomID, pivot string, limit int, done Callback) {
	cached, err := r.store.GetEarlierPage(roomID, pivot, limit)
	if err != nil {
		r.logger.Warn("reading cached history, falling back to network",
			slog.String("room", roomID),
			slog.String("error", err.Error()),
		)

		cached = nil
	}

	if cached != nil && len(cached.Events) > 0 {
		delay := r.cacheDelay
		if pivot == "" {
			delay = 0
		}

		r.logger.Debug("history cache hit",
			slog.String("room", roomID),
			slog.Int("events", len(cached.Events)),
			slog.Duration("delay", delay),
		)

		r.deliverCached(ctx, delay, cached, done)

		return
	}

	r.pool.Go(ctx, func() {
		page, err := r.fetch(ctx, roomID, pivot, limit)
		done(page, err)
	}, func(err error) {
		done(nil, err)
	})
}

// History is the blocking form of RequestHistory.
func (r *Retriever) History(ctx context.Context, roomID, pivot string, limit int) (*models.HistoryPage, error) {
	type result struct {
		page *models.HistoryPage
		err  error
	}

	ch := make(chan result, 1)
	r.RequestHistory(ctx, roomID, pivot, limit, func(page *models.HistoryPage, err error) {
		ch <- result{page, err}
	})

	select {
	case res := <-ch:
		return res.page, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until every pending cached delivery has run. Network
// fetches are tracked by the worker pool.
func (r *Retriever) Wait() {
	r.wg.Wait()
}

func (r *Retriever) deliverCached(ctx context.Context, delay time.Duration, page *models.HistoryPage, done Callback) {
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				done(nil, ctx.Err())
				return
			case <-timer.C:
			}
		}

		done(page, nil)
	}()
}

// fetch loads a page from the network, drops the event that overlaps
// the cache, and stores the page before returning it.
func (r *Retriever) fetch(ctx context.Context, roomID, pivot string, limit int) (*models.HistoryPage, error) {
	page, err := r.fetcher.FetchEarlierPage(ctx, roomID, pivot, limit)
	if err != nil {
		return nil, err
	}

	if page == nil {
		page = &models.HistoryPage{}
	}

	if len(page.Events) == 0 {
		return page, nil
	}

	page.StampBoundaries()

	oldest, err := r.store.GetOldestEvent(roomID)
	if err != nil {
		return nil, fmt.Errorf("reading oldest cached event for %s: %w", roomID, err)
	}

	// Pagination is boundary-inclusive: the first event of a backward
	// page can be the oldest event we already hold.
	if oldest != nil && oldest.ID != "" && oldest.ID == page.Events[0].ID {
		page.Events = page.Events[1:]
	}

	if err := r.store.AppendPage(roomID, page, models.Backward); err != nil {
		return nil, fmt.Errorf("storing history page for %s: %w", roomID, err)
	}

	r.logger.Debug("history fetched",
		slog.String("room", roomID),
		slog.Int("events", len(page.Events)),
		slog.String("end", page.EndToken),
	)

	return page, nil
}
