package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/roomsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// seqOrigin is the sequence number of the first event stored for a room.
// Backward appends count down from it and forward appends count up, so
// bucket key order is chronological order.
const seqOrigin = uint64(1) << 63

// Per-room buckets. events maps seq to event JSON, ids maps event ID to
// seq, tokens maps a pagination token to the exclusive upper seq bound of
// the events that lie behind it, marks is the reverse of tokens, and
// state holds the current state event per (type, state_key).
func roomEventsBucket(roomID string) []byte { return []byte("room:" + roomID + ":events") }
func roomIDsBucket(roomID string) []byte    { return []byte("room:" + roomID + ":ids") }
func roomTokensBucket(roomID string) []byte { return []byte("room:" + roomID + ":tokens") }
func roomMarksBucket(roomID string) []byte  { return []byte("room:" + roomID + ":marks") }
func roomStateBucket(roomID string) []byte  { return []byte("room:" + roomID + ":state") }

func roomBuckets(roomID string) [][]byte {
	return [][]byte{
		roomEventsBucket(roomID),
		roomIDsBucket(roomID),
		roomTokensBucket(roomID),
		roomMarksBucket(roomID),
		roomStateBucket(roomID),
	}
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)

	return b
}

func decodeSeq(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

type roomTx struct {
	events *bolt.Bucket
	ids    *bolt.Bucket
	tokens *bolt.Bucket
	marks  *bolt.Bucket
	state  *bolt.Bucket
}

// viewRoom returns the room's buckets, or nil if nothing was ever stored
// for the room.
func viewRoom(tx *bolt.Tx, roomID string) *roomTx {
	events := tx.Bucket(roomEventsBucket(roomID))
	if events == nil {
		return nil
	}

	return &roomTx{
		events: events,
		ids:    tx.Bucket(roomIDsBucket(roomID)),
		tokens: tx.Bucket(roomTokensBucket(roomID)),
		marks:  tx.Bucket(roomMarksBucket(roomID)),
		state:  tx.Bucket(roomStateBucket(roomID)),
	}
}

func createRoom(tx *bolt.Tx, roomID string) (*roomTx, error) {
	if roomID == "" {
		return nil, fmt.Errorf("empty room id")
	}

	var bs [5]*bolt.Bucket

	for i, name := range roomBuckets(roomID) {
		b, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return nil, err
		}

		bs[i] = b
	}

	if err := tx.Bucket(roomsBucket).Put([]byte(roomID), nil); err != nil {
		return nil, err
	}

	return &roomTx{events: bs[0], ids: bs[1], tokens: bs[2], marks: bs[3], state: bs[4]}, nil
}

// bounds returns the oldest and newest seq, or ok=false for an empty room.
func (r *roomTx) bounds() (first, last uint64, ok bool) {
	c := r.events.Cursor()

	k, _ := c.First()
	if k == nil {
		return 0, 0, false
	}

	first = decodeSeq(k)
	k, _ = c.Last()

	return first, decodeSeq(k), true
}

// markBoundary records that events older than seq are reached by
// paginating from token.
func (r *roomTx) markBoundary(token string, seq uint64) error {
	key := encodeSeq(seq)
	if err := r.tokens.Put([]byte(token), key); err != nil {
		return err
	}

	return r.marks.Put(key, []byte(token))
}

// Rooms returns the IDs of every room with cached data.
func (s *State) Rooms() ([]string, error) {
	var rooms []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).ForEach(func(k, _ []byte) error {
			rooms = append(rooms, string(k))
			return nil
		})
	})

	return rooms, err
}

// AppendPage stores a page of events for a room. Backward pages are
// newest first and are placed before the oldest stored event; forward
// pages are oldest first and go after the newest. Events already stored
// (by ID) keep their position, so re-applying a page is harmless.
//
// The page tokens become pagination boundaries: for a backward page the
// end token leads to the events older than the page's last event; for a
// forward page the start token leads to the events older than its first.
func (s *State) AppendPage(roomID string, page *models.HistoryPage, dir models.Direction) error {
	if page == nil || len(page.Events) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		r, err := createRoom(tx, roomID)
		if err != nil {
			return err
		}

		first, last, ok := r.bounds()
		seqs := make([]uint64, len(page.Events))

		for i, ev := range page.Events {
			if ev.ID != "" {
				if existing := r.ids.Get([]byte(ev.ID)); existing != nil {
					seqs[i] = decodeSeq(existing)
					continue
				}
			}

			var seq uint64

			switch {
			case !ok:
				seq = seqOrigin
				first, last, ok = seq, seq, true
			case dir == models.Backward:
				first--
				seq = first
			default:
				last++
				seq = last
			}

			if ev.RoomID == "" {
				ev.RoomID = roomID
			}

			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encoding event %s: %w", ev.ID, err)
			}

			key := encodeSeq(seq)
			if err := r.events.Put(key, data); err != nil {
				return err
			}

			if ev.ID != "" {
				if err := r.ids.Put([]byte(ev.ID), key); err != nil {
					return err
				}
			}

			seqs[i] = seq
		}

		switch dir {
		case models.Backward:
			if page.StartToken != "" && r.tokens.Get([]byte(page.StartToken)) == nil {
				if err := r.tokens.Put([]byte(page.StartToken), encodeSeq(seqs[0]+1)); err != nil {
					return err
				}
			}

			if page.EndToken != "" {
				return r.markBoundary(page.EndToken, seqs[len(seqs)-1])
			}
		case models.Forward:
			if page.StartToken != "" {
				return r.markBoundary(page.StartToken, seqs[0])
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("appending %s page to room %s: %w", dir, roomID, err)
	}

	return nil
}

// GetCachedMessages returns every cached event for a room, oldest first.
func (s *State) GetCachedMessages(roomID string) ([]models.Event, error) {
	var events []models.Event

	err := s.db.View(func(tx *bolt.Tx) error {
		r := viewRoom(tx, roomID)
		if r == nil {
			return nil
		}

		return r.events.ForEach(func(_, v []byte) error {
			var ev models.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}

			events = append(events, ev)

			return nil
		})
	})

	return events, err
}

// GetOldestEvent returns the oldest cached event for a room, or nil.
func (s *State) GetOldestEvent(roomID string) (*models.Event, error) {
	var ev *models.Event

	err := s.db.View(func(tx *bolt.Tx) error {
		r := viewRoom(tx, roomID)
		if r == nil {
			return nil
		}

		_, v := r.events.Cursor().First()
		if v == nil {
			return nil
		}

		ev = &models.Event{}

		return json.Unmarshal(v, ev)
	})

	return ev, err
}

// GetEarlierPage returns up to limit cached events older than pivot,
// newest first. An empty pivot means the live end of the timeline.
//
// The page always ends on an event with a known pagination boundary so
// the caller can continue from EndToken. A nil page means the cache
// cannot answer and the caller should go to the network.
func (s *State) GetEarlierPage(roomID, pivot string, limit int) (*models.HistoryPage, error) {
	if limit <= 0 {
		return nil, nil
	}

	var page *models.HistoryPage

	err := s.db.View(func(tx *bolt.Tx) error {
		r := viewRoom(tx, roomID)
		if r == nil {
			return nil
		}

		var upper uint64

		if pivot == "" {
			_, last, ok := r.bounds()
			if !ok {
				return nil
			}

			upper = last + 1
		} else {
			v := r.tokens.Get([]byte(pivot))
			if v == nil {
				return nil
			}

			upper = decodeSeq(v)
		}

		c := r.events.Cursor()

		k, v := c.Seek(encodeSeq(upper))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		var (
			events   []models.Event
			keep     int
			endToken string
		)

		for ; k != nil && len(events) < limit; k, v = c.Prev() {
			var ev models.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decoding cached event: %w", err)
			}

			events = append(events, ev)

			if tok := r.marks.Get(k); tok != nil {
				keep = len(events)
				endToken = string(tok)
			}
		}

		if keep == 0 {
			return nil
		}

		page = &models.HistoryPage{
			StartToken: pivot,
			EndToken:   endToken,
			Events:     events[:keep],
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading earlier page for room %s: %w", roomID, err)
	}

	return page, nil
}

// HasEvent reports whether an event ID is cached for a room.
func (s *State) HasEvent(roomID, eventID string) bool {
	found := false

	_ = s.db.View(func(tx *bolt.Tx) error {
		r := viewRoom(tx, roomID)
		if r != nil {
			found = r.ids.Get([]byte(eventID)) != nil
		}

		return nil
	})

	return found
}

func stateKey(ev models.Event) []byte {
	key := ev.Type + "\x00"
	if ev.StateKey != nil {
		key += *ev.StateKey
	}

	return []byte(key)
}

// SetRoomState stores state events as the current state of a room,
// replacing any earlier event with the same type and state key.
func (s *State) SetRoomState(roomID string, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		r, err := createRoom(tx, roomID)
		if err != nil {
			return err
		}

		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}

			if err := r.state.Put(stateKey(ev), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// RoomState returns the current state events of a room.
func (s *State) RoomState(roomID string) ([]models.Event, error) {
	var events []models.Event

	err := s.db.View(func(tx *bolt.Tx) error {
		r := viewRoom(tx, roomID)
		if r == nil {
			return nil
		}

		return r.state.ForEach(func(_, v []byte) error {
			var ev models.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}

			events = append(events, ev)

			return nil
		})
	})

	return events, err
}
