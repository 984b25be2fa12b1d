// Package syncer applies sync responses to the local cache and persists
// the sync cursor once the events it describes have been applied.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/alexjbarnes/roomsync/internal/models"
)

// DataHandler turns events into cache writes.
type DataHandler interface {
	ApplyLiveEvents(ctx context.Context, events []models.Event) error
	ApplyInitialRoomState(ctx context.Context, room models.RoomSnapshot) error
	InitialSyncCompleted(ctx context.Context)
	PresenceSyncCompleted(ctx context.Context)
}

// CursorStore holds the committed sync cursor.
type CursorStore interface {
	Cursor() string
	SetCursor(token string) error
	Commit() error
}

// Applier feeds sync payloads to a DataHandler and advances the cursor.
// Calls are serialized: a batch is fully applied and committed before
// the next one starts.
type Applier struct {
	accountID string
	handler   DataHandler
	cursor    CursorStore
	logger    *slog.Logger

	mu sync.Mutex
}

// NewApplier creates an Applier that stamps accountID onto every event it
// applies.
func NewApplier(accountID string, handler DataHandler, cursor CursorStore, logger *slog.Logger) *Applier {
	return &Applier{
		accountID: accountID,
		handler:   handler,
		cursor:    cursor,
		logger:    logger,
	}
}

// ApplyInitialSync seeds the cache from a full snapshot: presence, then
// each room, then receipts. The snapshot's End token is committed only
// after all of it has been applied. A nil snapshot only signals
// completion.
func (a *Applier) ApplyInitialSync(ctx context.Context, init *models.InitialSync) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if init == nil {
		a.handler.InitialSyncCompleted(ctx)
		return nil
	}

	if len(init.Presence) > 0 {
		if err := a.handler.ApplyLiveEvents(ctx, a.stamp(init.Presence)); err != nil {
			return fmt.Errorf("applying initial presence: %w", err)
		}
	}

	for _, room := range init.Rooms {
		room.State = a.stamp(room.State)
		room.Timeline = a.stamp(room.Timeline)

		if err := a.handler.ApplyInitialRoomState(ctx, room); err != nil {
			return fmt.Errorf("applying initial state for %s: %w", room.RoomID, err)
		}
	}

	if len(init.Receipts) > 0 {
		if err := a.handler.ApplyLiveEvents(ctx, a.stamp(init.Receipts)); err != nil {
			return fmt.Errorf("applying initial receipts: %w", err)
		}
	}

	if err := a.commit(init.End); err != nil {
		return err
	}

	a.logger.Info("initial sync applied",
		slog.Int("rooms", len(init.Rooms)),
		slog.String("cursor", init.End),
	)

	a.handler.InitialSyncCompleted(ctx)

	return nil
}

// ApplyPresenceSync applies a presence-only batch. Presence never moves
// the cursor.
func (a *Applier) ApplyPresenceSync(ctx context.Context, events []models.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(events) > 0 {
		if err := a.handler.ApplyLiveEvents(ctx, a.stamp(events)); err != nil {
			return fmt.Errorf("applying presence: %w", err)
		}
	}

	a.handler.PresenceSyncCompleted(ctx)

	return nil
}

// ApplyIncrementalSync applies one live batch and then commits
// latestToken. Batches made only of presence and typing events are
// applied without touching the cursor. Re-applying a batch whose token
// is already committed skips the redundant commit.
func (a *Applier) ApplyIncrementalSync(ctx context.Context, events []models.Event, latestToken string) error {
	if len(events) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	stamped := a.stamp(events)

	if err := a.handler.ApplyLiveEvents(ctx, stamped); err != nil {
		return fmt.Errorf("applying live events: %w", err)
	}

	if ephemeralOnly(stamped) {
		return nil
	}

	if latestToken == "" {
		a.logger.Warn("live batch without a sync token, cursor not advanced",
			slog.Int("events", len(stamped)),
		)

		return nil
	}

	if latestToken == a.cursor.Cursor() {
		a.logger.Debug("batch already committed", slog.String("cursor", latestToken))
		return nil
	}

	return a.commit(latestToken)
}

func (a *Applier) commit(token string) error {
	if err := a.cursor.SetCursor(token); err != nil {
		return fmt.Errorf("saving sync cursor: %w", err)
	}

	if err := a.cursor.Commit(); err != nil {
		return fmt.Errorf("committing sync cursor: %w", err)
	}

	return nil
}

// stamp returns a copy of events carrying the applier's account ID.
func (a *Applier) stamp(events []models.Event) []models.Event {
	out := slices.Clone(events)
	for i := range out {
		out[i].AccountID = a.accountID
	}

	return out
}

func ephemeralOnly(events []models.Event) bool {
	for _, ev := range events {
		if !ev.IsEphemeral() {
			return false
		}
	}

	return true
}

func presenceOnly(events []models.Event) bool {
	for _, ev := range events {
		if ev.Type != models.EventPresence {
			return false
		}
	}

	return true
}
