package matrix

import (
	"maps"
	"slices"

	"github.com/alexjbarnes/roomsync/internal/models"
)

// LoginRequest is the payload for POST /_matrix/client/v3/login.
type LoginRequest struct {
	Type                     string         `json:"type"`
	Identifier               UserIdentifier `json:"identifier"`
	Password                 string         `json:"password"`
	DeviceID                 string         `json:"device_id,omitempty"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

// UserIdentifier identifies the account in a password login.
type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// LoginResponse is returned from POST /_matrix/client/v3/login.
type LoginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// WhoAmIResponse is returned from GET /_matrix/client/v3/account/whoami.
type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// VersionsResponse is returned from GET /_matrix/client/versions.
type VersionsResponse struct {
	Versions []string `json:"versions"`
}

// MessagesResponse is returned from GET /rooms/{roomId}/messages.
type MessagesResponse struct {
	Start string         `json:"start"`
	End   string         `json:"end"`
	Chunk []models.Event `json:"chunk"`
}

// PresenceRequest is the payload for PUT /presence/{userId}/status.
type PresenceRequest struct {
	Presence  string `json:"presence"`
	StatusMsg string `json:"status_msg,omitempty"`
}

// PresenceResponse is returned from GET /presence/{userId}/status.
type PresenceResponse struct {
	Presence        string `json:"presence"`
	LastActiveAgo   int64  `json:"last_active_ago,omitempty"`
	StatusMsg       string `json:"status_msg,omitempty"`
	CurrentlyActive bool   `json:"currently_active,omitempty"`
}

// APIError is the standard homeserver error body.
type APIError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// SyncResponse is returned from GET /_matrix/client/v3/sync. Only the
// sections the sync core consumes are decoded.
type SyncResponse struct {
	NextBatch string     `json:"next_batch"`
	Rooms     SyncRooms  `json:"rooms"`
	Presence  EventsList `json:"presence"`
}

// SyncRooms groups rooms by membership. Only joined rooms are applied.
type SyncRooms struct {
	Join map[string]JoinedRoom `json:"join"`
}

// JoinedRoom is one joined room inside a sync response.
type JoinedRoom struct {
	State     EventsList   `json:"state"`
	Timeline  TimelineList `json:"timeline"`
	Ephemeral EventsList   `json:"ephemeral"`
}

// EventsList is the {"events": [...]} wrapper used throughout sync.
type EventsList struct {
	Events []models.Event `json:"events"`
}

// TimelineList is a room timeline slice with its back-pagination token.
type TimelineList struct {
	Events    []models.Event `json:"events"`
	PrevBatch string         `json:"prev_batch"`
	Limited   bool           `json:"limited"`
}

// Batch converts the wire response into the form the sync applier uses.
func (r *SyncResponse) Batch() *models.SyncBatch {
	b := &models.SyncBatch{
		NextBatch: r.NextBatch,
		Presence:  r.Presence.Events,
	}

	for _, roomID := range slices.Sorted(maps.Keys(r.Rooms.Join)) {
		room := r.Rooms.Join[roomID]
		b.Rooms = append(b.Rooms, models.RoomSnapshot{
			RoomID:    roomID,
			State:     room.State.Events,
			Timeline:  room.Timeline.Events,
			PrevBatch: room.Timeline.PrevBatch,
		})

		for _, ev := range room.Ephemeral.Events {
			ev.RoomID = roomID
			b.Ephemeral = append(b.Ephemeral, ev)
		}
	}

	return b
}
