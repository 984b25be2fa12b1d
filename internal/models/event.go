// Package models defines types shared across internal packages.
package models

import "encoding/json"

// Event types the sync core treats specially. Everything else is opaque.
const (
	EventPresence = "m.presence"
	EventTyping   = "m.typing"
	EventReceipt  = "m.receipt"
)

// Event is a single room or ephemeral event. Content is kept as raw JSON;
// interpreting it is the data handler's job. Token carries a pagination
// boundary when the event sits at the edge of a fetched page.
type Event struct {
	ID             string          `json:"event_id,omitempty"`
	Type           string          `json:"type"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Token          string          `json:"token,omitempty"`
	AccountID      string          `json:"account_id,omitempty"`
}

// IsEphemeral reports whether the event is presence or typing. Batches
// made only of these never move the sync cursor.
func (e Event) IsEphemeral() bool {
	return e.Type == EventPresence || e.Type == EventTyping
}

// IsState reports whether the event carries a state key.
func (e Event) IsState() bool {
	return e.StateKey != nil
}

// Direction is the pagination direction of an appended page.
type Direction int

const (
	// Forward appends newer events after the newest stored event.
	Forward Direction = iota
	// Backward prepends older events before the oldest stored event.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}

	return "forward"
}

// HistoryPage is one page of room history. For backward pagination the
// events are newest first: Events[0] sits next to the pivot and the last
// element is the oldest event of the page.
type HistoryPage struct {
	StartToken string  `json:"start"`
	EndToken   string  `json:"end"`
	Events     []Event `json:"chunk"`
}

// StampBoundaries writes StartToken onto the first event and EndToken
// onto the last. A single-event page ends up carrying EndToken.
func (p *HistoryPage) StampBoundaries() {
	if len(p.Events) == 0 {
		return
	}

	p.Events[0].Token = p.StartToken
	p.Events[len(p.Events)-1].Token = p.EndToken
}

// RoomSnapshot is the per-room slice of an initial sync.
type RoomSnapshot struct {
	RoomID    string  `json:"room_id"`
	State     []Event `json:"state,omitempty"`
	Timeline  []Event `json:"timeline,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// InitialSync is a full snapshot of the account used to seed the cache.
// End is the cursor that describes everything in the snapshot.
type InitialSync struct {
	End      string         `json:"end"`
	Presence []Event        `json:"presence,omitempty"`
	Rooms    []RoomSnapshot `json:"rooms,omitempty"`
	Receipts []Event        `json:"receipts,omitempty"`
}

// SyncBatch is one decoded sync response, flattened into what the sync
// applier needs. Rooms carries per-room state and timeline, Ephemeral
// holds typing and receipt events with RoomID set.
type SyncBatch struct {
	NextBatch string
	Rooms     []RoomSnapshot
	Presence  []Event
	Ephemeral []Event
}

// Initial turns the batch into an initial-sync snapshot.
func (b *SyncBatch) Initial() *InitialSync {
	init := &InitialSync{
		End:      b.NextBatch,
		Presence: b.Presence,
		Rooms:    b.Rooms,
	}

	for _, ev := range b.Ephemeral {
		if ev.Type == EventReceipt {
			init.Receipts = append(init.Receipts, ev)
		}
	}

	return init
}

// LiveEvents flattens the batch into a single event list for incremental
// application: presence first, then each room's state, timeline and
// ephemeral events.
func (b *SyncBatch) LiveEvents() []Event {
	var out []Event

	out = append(out, b.Presence...)

	for _, room := range b.Rooms {
		for _, ev := range room.State {
			ev.RoomID = room.RoomID
			out = append(out, ev)
		}

		for _, ev := range room.Timeline {
			ev.RoomID = room.RoomID
			out = append(out, ev)
		}
	}

	out = append(out, b.Ephemeral...)

	return out
}
