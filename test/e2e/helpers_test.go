package e2e_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/roomsync/internal/auth"
	"github.com/alexjbarnes/roomsync/internal/mcpserver"
	"github.com/alexjbarnes/roomsync/internal/server"
	"github.com/alexjbarnes/roomsync/internal/session"
	"github.com/alexjbarnes/roomsync/internal/state"
	"github.com/alexjbarnes/roomsync/matrix"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testUser   = "@alice:example.org"
	testRoom   = "!room:example.org"
	testToken  = "syt_e2e"
	testAPIKey = "rs_00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
)

// homeserver fakes the endpoints a session touches.
type homeserver struct {
	srv      *httptest.Server
	uploads  atomic.Int32
	messages atomic.Int32
}

func newHomeserver(t *testing.T) *homeserver {
	t.Helper()

	hs := &homeserver{}
	hs.srv = httptest.NewServer(http.HandlerFunc(hs.serve))
	t.Cleanup(hs.srv.Close)

	return hs
}

func (hs *homeserver) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/_matrix/client/v3/login" && r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errcode":"M_MISSING_TOKEN","error":"Missing access token"}`))

		return
	}

	switch {
	case r.URL.Path == "/_matrix/client/v3/login":
		w.Write([]byte(`{"user_id":"` + testUser + `","access_token":"` + testToken + `","device_id":"E2E"}`))

	case r.URL.Path == "/_matrix/client/v3/sync":
		if r.URL.Query().Get("since") == "" {
			w.Write([]byte(`{"next_batch":"s1","rooms":{"join":{"` + testRoom + `":{"timeline":{"prev_batch":"p0","events":[
				{"event_id":"$a","type":"m.room.message","sender":"` + testUser + `","content":{"body":"first"}},
				{"event_id":"$b","type":"m.room.message","sender":"` + testUser + `","content":{"body":"second"}}]}}}}}`))

			return
		}

		<-r.Context().Done()

	case strings.HasSuffix(r.URL.Path, "/messages"):
		hs.messages.Add(1)
		w.Write([]byte(`{"start":"` + r.URL.Query().Get("from") + `","end":"p1","chunk":[
			{"event_id":"$old2","type":"m.room.message","content":{"body":"older"}},
			{"event_id":"$old1","type":"m.room.message","content":{"body":"oldest"}}]}`))

	case r.URL.Path == "/_matrix/media/v3/upload":
		hs.uploads.Add(1)
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"content_uri":"mxc://example.org/` + r.URL.Query().Get("filename") + `"}`))

	case r.URL.Path == "/_matrix/client/versions":
		w.Write([]byte(`{"versions":["v1.11"]}`))

	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`))
	}
}

// harness holds the full e2e test stack: a fake homeserver, a running
// session, and a real HTTP server with API key auth in front of the MCP
// tools.
type harness struct {
	URL     string
	Session *session.Session
	Home    *homeserver
	Client  *http.Client
}

// newHarness logs in against a fake homeserver, starts the sync loop,
// and serves the MCP stack via server.NewMux on an httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	hs := newHomeserver(t)
	logger := slog.New(slog.DiscardHandler)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess, err := session.Login(t.Context(), matrix.NewClient(hs.srv.URL, hs.srv.Client()), st, session.Options{
		UserID:         testUser,
		Password:       "secret",
		CachePageDelay: time.Millisecond,
		SyncTimeout:    time.Second,
	}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- sess.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("session run: %v", err)
		}

		sess.Close()
	})

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "roomsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		History: sess.Retriever(),
		Uploads: sess.Uploads(),
		Client:  sess.Client(),
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	store := auth.NewStore()
	store.AddAPIKey("e2e", testAPIKey)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Store:      store,
		MCPHandler: mcpHandler,
		Logger:     logger,
		Ready:      sess.Ready,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:     ts.URL,
		Session: sess,
		Home:    hs,
		Client:  ts.Client(),
	}
}

// waitReady blocks until the initial sync has been applied.
func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.Session.Ready, 5*time.Second, 10*time.Millisecond)
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
