package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/matrix"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the range of random jitter added to the
	// retry backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	backoffMultiplier = 2
)

// Source yields sync batches. An empty since asks for a full initial
// sync. matrix.LongPoll and matrix.Stream both satisfy it.
type Source interface {
	Sync(ctx context.Context, since string) (*models.SyncBatch, error)
}

// Loop pulls batches from a Source and feeds them to an Applier.
type Loop struct {
	source  Source
	applier *Applier
	cursor  CursorStore
	logger  *slog.Logger
}

// NewLoop creates a sync loop. cursor is read once at start to decide
// between an initial and an incremental sync.
func NewLoop(source Source, applier *Applier, cursor CursorStore, logger *slog.Logger) *Loop {
	return &Loop{
		source:  source,
		applier: applier,
		cursor:  cursor,
		logger:  logger,
	}
}

// Run syncs until ctx is cancelled or the server rejects the session.
// Transient failures back off exponentially with jitter and retry from
// the last applied batch.
func (l *Loop) Run(ctx context.Context) error {
	since := l.cursor.Cursor()
	backoff := reconnectMin

	l.logger.Info("sync loop starting", slog.Bool("initial", since == ""))

	for {
		next, err := l.step(ctx, since)
		if err == nil {
			since = next
			backoff = reconnectMin

			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if matrix.IsPermanent(err) {
			return fmt.Errorf("permanent sync error: %w", err)
		}

		l.logger.Warn("sync failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for retry jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*backoffMultiplier, reconnectMax)
	}
}

// step performs one sync round trip and returns the token to resume from.
func (l *Loop) step(ctx context.Context, since string) (string, error) {
	batch, err := l.source.Sync(ctx, since)
	if err != nil {
		return since, err
	}

	if since == "" {
		if err := l.applier.ApplyInitialSync(ctx, batch.Initial()); err != nil {
			return since, err
		}

		return batch.NextBatch, nil
	}

	events := batch.LiveEvents()

	switch {
	case len(events) == 0:
	case presenceOnly(events):
		if err := l.applier.ApplyPresenceSync(ctx, events); err != nil {
			return since, err
		}
	default:
		if err := l.applier.ApplyIncrementalSync(ctx, events, batch.NextBatch); err != nil {
			return since, err
		}
	}

	if batch.NextBatch == "" {
		return since, nil
	}

	return batch.NextBatch, nil
}
