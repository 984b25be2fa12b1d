package state

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const testRoom = "!room:example.org"

// events builds n message events with IDs prefix0..prefix(n-1).
func events(prefix string, n int) []models.Event {
	out := make([]models.Event, n)
	for i := range out {
		out[i] = models.Event{ID: fmt.Sprintf("$%s%d", prefix, i), Type: "m.room.message"}
	}
	return out
}

func ids(evs []models.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetToken("persist-me"))
	require.NoError(t, s1.SetCursor("s72594_4483_1934"))
	require.NoError(t, s1.Commit())
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, "persist-me", s2.Token())
	assert.Equal(t, "s72594_4483_1934", s2.Cursor())
}

// --- Token / Credentials / Cursor ---

func TestLoadAt_SyncsEachWrite(t *testing.T) {
	s := testDB(t)
	assert.False(t, s.db.NoSync, "writes must be fsynced on commit")
}

func TestToken_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.Token())
}

func TestSetToken_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("old"))
	require.NoError(t, s.SetToken("new"))
	assert.Equal(t, "new", s.Token())
}

func TestCredentials_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetCredentials("@alice:example.org", "DEVICEID"))

	user, device := s.Credentials()
	assert.Equal(t, "@alice:example.org", user)
	assert.Equal(t, "DEVICEID", device)
}

func TestCursor_EmptyBeforeInitialSync(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.Cursor())
}

func TestSetCursor_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetCursor("s1"))
	require.NoError(t, s.SetCursor("s2"))
	require.NoError(t, s.Commit())
	assert.Equal(t, "s2", s.Cursor())
}

// --- ClearSession ---

func TestClearSession_RemovesEverything(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("tok"))
	require.NoError(t, s.SetCredentials("@a:b", "D"))
	require.NoError(t, s.SetCursor("s9"))
	require.NoError(t, s.AppendPage(testRoom, &models.HistoryPage{Events: events("a", 3)}, models.Forward))
	require.NoError(t, s.SetPresence(models.Event{Type: models.EventPresence, Sender: "@a:b"}))
	require.NoError(t, s.SetReceipt(models.Event{Type: models.EventReceipt, RoomID: testRoom}))

	require.NoError(t, s.ClearSession())

	assert.Equal(t, "", s.Token())
	assert.Equal(t, "", s.Cursor())
	user, device := s.Credentials()
	assert.Empty(t, user)
	assert.Empty(t, device)

	rooms, err := s.Rooms()
	require.NoError(t, err)
	assert.Empty(t, rooms)

	cached, err := s.GetCachedMessages(testRoom)
	require.NoError(t, err)
	assert.Empty(t, cached)

	p, err := s.Presence("@a:b")
	require.NoError(t, err)
	assert.Nil(t, p)

	r, err := s.Receipt(testRoom)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestClearSession_EmptyDB(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.ClearSession())
}

// --- Presence / Receipts ---

func TestPresence_LatestWins(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetPresence(models.Event{Type: models.EventPresence, Sender: "@a:b", Content: []byte(`{"presence":"online"}`)}))
	require.NoError(t, s.SetPresence(models.Event{Type: models.EventPresence, Sender: "@a:b", Content: []byte(`{"presence":"offline"}`)}))

	p, err := s.Presence("@a:b")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.JSONEq(t, `{"presence":"offline"}`, string(p.Content))
}

func TestSetPresence_ConcurrentWritesAreAllStored(t *testing.T) {
	s := testDB(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := models.Event{Type: models.EventPresence, Sender: fmt.Sprintf("@u%d:example.org", i)}
			assert.NoError(t, s.SetPresence(ev))
		}()
	}
	wg.Wait()

	for i := range 20 {
		got, err := s.Presence(fmt.Sprintf("@u%d:example.org", i))
		require.NoError(t, err)
		require.NotNil(t, got)
	}
}

func TestSetPresence_RequiresSender(t *testing.T) {
	s := testDB(t)
	require.Error(t, s.SetPresence(models.Event{Type: models.EventPresence}))
}

func TestSetReceipt_RequiresRoom(t *testing.T) {
	s := testDB(t)
	require.Error(t, s.SetReceipt(models.Event{Type: models.EventReceipt}))
}
