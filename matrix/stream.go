package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// streamPingEvery is how often a ping frame is sent while waiting
	// for the next batch, so idle proxies keep the connection open.
	streamPingEvery = 20 * time.Second

	// streamReadLimit caps a single frame. Sync frames can carry a full
	// initial sync.
	streamReadLimit = 64 * 1024 * 1024
)

// wsConn abstracts the WebSocket connection so Stream can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// streamSubscribe is the first frame sent after connecting.
type streamSubscribe struct {
	Op    string `json:"op"`
	Since string `json:"since,omitempty"`
}

// Stream receives sync batches pushed over a WebSocket instead of
// long-polling. Each text frame is a sync response; {"op":"pong"}
// frames answer our pings and {"op":"error"} frames end the stream.
//
// Stream does not reconnect on its own. A failed read drops the
// connection and returns a transient error; the next Sync call dials
// again from the cursor it is given.
type Stream struct {
	url    string
	client *Client
	logger *slog.Logger

	mu   sync.Mutex
	conn wsConn
}

// NewStream creates a stream source for the given ws:// or wss:// URL.
// The client supplies the access token.
func NewStream(url string, client *Client, logger *slog.Logger) *Stream {
	return &Stream{
		url:    url,
		client: client,
		logger: logger,
	}
}

// Sync returns the next batch pushed by the server, connecting first if
// needed. since is only used when a new connection is made.
func (s *Stream) Sync(ctx context.Context, since string) (*models.SyncBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if err := s.connect(ctx, since); err != nil {
			return nil, err
		}
	}

	batch, err := s.next(ctx)
	if err != nil {
		s.conn.Close(websocket.StatusGoingAway, "read failed")
		s.conn = nil

		return nil, err
	}

	return batch, nil
}

// Close shuts the current connection, if any.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	err := s.conn.Close(websocket.StatusNormalClosure, "bye")
	s.conn = nil

	return err
}

func (s *Stream) connect(ctx context.Context, since string) error {
	s.logger.Debug("connecting sync stream", slog.String("url", s.url))

	header := http.Header{}
	if token := s.client.AccessToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dialing sync stream: %w", classifyTransportError(err))
	}

	return s.subscribe(ctx, conn, since)
}

// subscribe sends the subscription frame on a freshly dialed connection.
// Split from connect so it can run against a mock wsConn.
func (s *Stream) subscribe(ctx context.Context, conn wsConn, since string) error {
	conn.SetReadLimit(streamReadLimit)

	data, err := json.Marshal(streamSubscribe{Op: "subscribe", Since: since})
	if err != nil {
		return fmt.Errorf("marshalling subscribe: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("sending subscribe: %w", &TransientError{Kind: KindConnectivity, Err: err})
	}

	s.conn = conn
	s.logger.Info("sync stream subscribed", slog.Bool("initial", since == ""))

	return nil
}

// next reads frames until a sync batch arrives, pinging while it waits.
func (s *Stream) next(ctx context.Context) (*models.SyncBatch, error) {
	conn := s.conn

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()

	go func() {
		ticker := time.NewTicker(streamPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Write(pingCtx, websocket.MessageText, []byte(`{"op":"ping"}`)); err != nil {
					return
				}
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, fmt.Errorf("reading sync stream: %w", &TransientError{Kind: KindConnectivity, Err: err})
		}

		if typ == websocket.MessageBinary {
			s.logger.Debug("unexpected binary frame on sync stream", slog.Int("bytes", len(data)))
			continue
		}

		switch gjson.GetBytes(data, "op").String() {
		case "pong":
			continue
		case "error":
			return nil, &HTTPError{
				StatusCode: int(gjson.GetBytes(data, "status").Int()),
				ErrCode:    gjson.GetBytes(data, "errcode").String(),
				Message:    gjson.GetBytes(data, "error").String(),
			}
		}

		if !gjson.GetBytes(data, "next_batch").Exists() {
			s.logger.Debug("sync stream frame without next_batch", slog.Int("bytes", len(data)))
			continue
		}

		var resp SyncResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decoding sync frame: %w", err)
		}

		return resp.Batch(), nil
	}
}
