// Package timeline writes applied sync data into the room cache.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/roomsync/internal/models"
)

// Store is the part of the cache the handler writes to.
type Store interface {
	AppendPage(roomID string, page *models.HistoryPage, dir models.Direction) error
	SetRoomState(roomID string, events []models.Event) error
	SetPresence(ev models.Event) error
	SetReceipt(ev models.Event) error
}

// Handler implements syncer.DataHandler on top of a Store. Typing
// notifications are kept in memory only.
type Handler struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	typing map[string]models.Event

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Handler.
func New(store Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
		typing: make(map[string]models.Event),
		ready:  make(chan struct{}),
	}
}

// ApplyLiveEvents stores presence and receipts, remembers typing, and
// appends room events to their timelines in order. State events also
// update the room's current state.
func (h *Handler) ApplyLiveEvents(ctx context.Context, events []models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		rooms    []string
		timeline = make(map[string][]models.Event)
	)

	for _, ev := range events {
		switch {
		case ev.Type == models.EventPresence:
			if ev.Sender == "" {
				h.logger.Debug("dropping presence without sender")
				continue
			}

			if err := h.store.SetPresence(ev); err != nil {
				return fmt.Errorf("storing presence for %s: %w", ev.Sender, err)
			}
		case ev.Type == models.EventReceipt:
			if ev.RoomID == "" {
				h.logger.Debug("dropping receipt without room")
				continue
			}

			if err := h.store.SetReceipt(ev); err != nil {
				return fmt.Errorf("storing receipt for %s: %w", ev.RoomID, err)
			}
		case ev.Type == models.EventTyping:
			h.mu.Lock()
			h.typing[ev.RoomID] = ev
			h.mu.Unlock()
		case ev.RoomID == "":
			h.logger.Debug("dropping room event without room", slog.String("type", ev.Type))
		default:
			if ev.IsState() {
				if err := h.store.SetRoomState(ev.RoomID, []models.Event{ev}); err != nil {
					return fmt.Errorf("storing state for %s: %w", ev.RoomID, err)
				}
			}

			if _, ok := timeline[ev.RoomID]; !ok {
				rooms = append(rooms, ev.RoomID)
			}

			timeline[ev.RoomID] = append(timeline[ev.RoomID], ev)
		}
	}

	for _, roomID := range rooms {
		page := &models.HistoryPage{Events: timeline[roomID]}
		if err := h.store.AppendPage(roomID, page, models.Forward); err != nil {
			return err
		}
	}

	return nil
}

// ApplyInitialRoomState stores a room's state and its initial timeline.
// The timeline's prev_batch becomes the boundary for paginating further
// back.
func (h *Handler) ApplyInitialRoomState(ctx context.Context, room models.RoomSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := h.store.SetRoomState(room.RoomID, room.State); err != nil {
		return fmt.Errorf("storing state for %s: %w", room.RoomID, err)
	}

	var state []models.Event

	for _, ev := range room.Timeline {
		if ev.IsState() {
			state = append(state, ev)
		}
	}

	if err := h.store.SetRoomState(room.RoomID, state); err != nil {
		return fmt.Errorf("storing timeline state for %s: %w", room.RoomID, err)
	}

	page := &models.HistoryPage{StartToken: room.PrevBatch, Events: room.Timeline}

	return h.store.AppendPage(room.RoomID, page, models.Forward)
}

// InitialSyncCompleted unblocks Ready.
func (h *Handler) InitialSyncCompleted(context.Context) {
	h.readyOnce.Do(func() {
		h.logger.Info("initial sync complete")
		close(h.ready)
	})
}

// PresenceSyncCompleted logs the end of a presence-only batch.
func (h *Handler) PresenceSyncCompleted(context.Context) {
	h.logger.Debug("presence sync complete")
}

// Ready is closed once the first initial sync has been applied.
func (h *Handler) Ready() <-chan struct{} {
	return h.ready
}

// Typing returns the latest typing notification for a room.
func (h *Handler) Typing(roomID string) (models.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev, ok := h.typing[roomID]

	return ev, ok
}
