// Package session wires the sync core for one logged-in account: the
// timeline handler, the sync applier and loop, the history retriever,
// the upload manager and the connectivity monitor that resumes it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/roomsync/internal/connectivity"
	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/history"
	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/internal/state"
	"github.com/alexjbarnes/roomsync/internal/syncer"
	"github.com/alexjbarnes/roomsync/internal/timeline"
	"github.com/alexjbarnes/roomsync/internal/upload"
	"github.com/alexjbarnes/roomsync/internal/workpool"
	"github.com/alexjbarnes/roomsync/matrix"
	"golang.org/x/sync/errgroup"
)

// Options configures a session. Zero values fall back to the defaults
// used by the daemon.
type Options struct {
	UserID      string
	Password    string
	AccessToken string
	DeviceName  string

	// UploadWorkers and HistoryWorkers size two separate pools so a
	// burst of history fetches cannot hold up uploads.
	UploadWorkers    int
	HistoryWorkers   int
	UploadQueueLimit int

	CachePageDelay   time.Duration
	RetryMaxAttempts int
	SyncTimeout      time.Duration

	// StreamURL selects the websocket sync source instead of long-polling.
	StreamURL string
}

func (o *Options) withDefaults() {
	if o.UploadWorkers <= 0 {
		o.UploadWorkers = 4
	}

	if o.HistoryWorkers <= 0 {
		o.HistoryWorkers = 4
	}

	if o.UploadQueueLimit == 0 {
		o.UploadQueueLimit = upload.DefaultQueueLimit
	}

	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = connectivity.DefaultMaxAttempts
	}

	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 30 * time.Second
	}
}

// Session owns every per-login component. Create one with Login and
// discard it after Logout or Close.
type Session struct {
	client *matrix.Client
	state  *state.State
	logger *slog.Logger

	userID   string
	deviceID string

	uploadPool  *workpool.Pool
	historyPool *workpool.Pool

	timeline *timeline.Handler
	applier  *syncer.Applier
	history  *history.Retriever
	uploads  *upload.Manager
	monitor  *connectivity.Monitor
	source   syncer.Source
	stream   *matrix.Stream
}

// Login authenticates client and builds the session around st. A cached
// token for the same user is reused when the homeserver still accepts
// it; otherwise MATRIX_ACCESS_TOKEN and then a password login are tried.
func Login(ctx context.Context, client *matrix.Client, st *state.State, opts Options, logger *slog.Logger) (*Session, error) {
	opts.withDefaults()

	userID, deviceID, err := authenticate(ctx, client, st, opts, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client:   client,
		state:    st,
		logger:   logger,
		userID:   userID,
		deviceID: deviceID,

		uploadPool:  workpool.New(opts.UploadWorkers),
		historyPool: workpool.New(opts.HistoryWorkers),
	}

	s.timeline = timeline.New(st, logger.With(slog.String("component", "timeline")))
	s.applier = syncer.NewApplier(userID, s.timeline, st, logger.With(slog.String("component", "applier")))
	s.history = history.New(st, client, s.historyPool, logger.With(slog.String("component", "history")), opts.CachePageDelay)
	s.monitor = connectivity.New(client, opts.RetryMaxAttempts, logger.With(slog.String("component", "connectivity")))
	s.uploads = upload.New(client, s.monitor, s.uploadPool, logger.With(slog.String("component", "upload")),
		upload.WithQueueLimit(opts.UploadQueueLimit),
	)

	if opts.StreamURL != "" {
		s.stream = matrix.NewStream(opts.StreamURL, client, logger.With(slog.String("component", "stream")))
		s.source = s.stream
	} else {
		s.source = &matrix.LongPoll{Client: client, Timeout: opts.SyncTimeout}
	}

	return s, nil
}

func authenticate(ctx context.Context, client *matrix.Client, st *state.State, opts Options, logger *slog.Logger) (userID, deviceID string, err error) {
	if token := st.Token(); token != "" {
		cachedUser, cachedDevice := st.Credentials()
		if cachedUser == opts.UserID {
			logger.Debug("trying cached token")
			client.SetAccessToken(token)

			if _, err := client.WhoAmI(ctx); err == nil {
				logger.Info("authenticated with cached token", slog.String("user_id", cachedUser))
				return cachedUser, cachedDevice, nil
			} else if !errors.Is(err, apperrors.ErrInvalidToken) {
				return "", "", err
			}

			logger.Debug("cached token rejected, signing in fresh")
		} else {
			logger.Info("cached session belongs to another user, discarding",
				slog.String("cached_user", cachedUser),
			)

			if err := st.ClearSession(); err != nil {
				return "", "", err
			}
		}

		client.SetAccessToken("")
	}

	if opts.AccessToken != "" {
		client.SetAccessToken(opts.AccessToken)

		who, err := client.WhoAmI(ctx)
		if err != nil {
			client.SetAccessToken("")
			return "", "", fmt.Errorf("verifying MATRIX_ACCESS_TOKEN: %w", err)
		}

		if who.UserID != opts.UserID {
			client.SetAccessToken("")
			return "", "", fmt.Errorf("MATRIX_ACCESS_TOKEN belongs to %s, not %s", who.UserID, opts.UserID)
		}

		remember(st, opts.AccessToken, who.UserID, who.DeviceID, logger)

		return who.UserID, who.DeviceID, nil
	}

	if opts.Password == "" {
		return "", "", fmt.Errorf("no usable credentials: %w", apperrors.ErrInvalidCredentials)
	}

	logger.Info("signing in", slog.String("user_id", opts.UserID))

	resp, err := client.Login(ctx, opts.UserID, opts.Password, opts.DeviceName)
	if err != nil {
		return "", "", err
	}

	logger.Info("signed in", slog.String("user_id", resp.UserID), slog.String("device_id", resp.DeviceID))
	remember(st, resp.AccessToken, resp.UserID, resp.DeviceID, logger)

	return resp.UserID, resp.DeviceID, nil
}

// remember persists the token. A failure only costs a fresh login on the
// next start, so it is logged rather than returned.
func remember(st *state.State, token, userID, deviceID string, logger *slog.Logger) {
	if err := st.SetToken(token); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
		return
	}

	if err := st.SetCredentials(userID, deviceID); err != nil {
		logger.Warn("failed to save credentials", slog.String("error", err.Error()))
	}
}

// UserID returns the logged-in user.
func (s *Session) UserID() string { return s.userID }

// DeviceID returns the device the access token was issued for.
func (s *Session) DeviceID() string { return s.deviceID }

// Client returns the homeserver client.
func (s *Session) Client() *matrix.Client { return s.client }

// Uploads returns the upload manager.
func (s *Session) Uploads() *upload.Manager { return s.uploads }

// Retriever returns the history retriever.
func (s *Session) Retriever() *history.Retriever { return s.history }

// Monitor returns the connectivity monitor that resumes uploads. Run
// already drives it; callers that skip Run must drive it themselves.
func (s *Session) Monitor() *connectivity.Monitor { return s.monitor }

// Timeline returns the data handler sync batches are applied to.
func (s *Session) Timeline() *timeline.Handler { return s.timeline }

// Ready reports whether the initial sync has been applied, either in
// this process or in an earlier one that committed a cursor.
func (s *Session) Ready() bool {
	if s.state.Cursor() != "" {
		return true
	}

	select {
	case <-s.timeline.Ready():
		return true
	default:
		return false
	}
}

// History fetches one page of room history, cache first.
func (s *Session) History(ctx context.Context, roomID, pivot string, limit int) (*models.HistoryPage, error) {
	return s.history.History(ctx, roomID, pivot, limit)
}

// Run drives the sync loop and the connectivity monitor until ctx is
// cancelled or the loop hits a permanent error. Every successful sync
// nudges the monitor so waiting uploads resume without a probe delay.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	src := &notifyingSource{Source: s.source, onSync: s.monitor.Notify}
	loop := syncer.NewLoop(src, s.applier, s.state, s.logger.With(slog.String("component", "sync")))

	g.Go(func() error {
		return loop.Run(gctx)
	})

	g.Go(func() error {
		return s.monitor.Run(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}

	return err
}

// Logout cancels every upload, revokes the access token and wipes the
// cursor and cached rooms. Local state is cleared even when the server
// cannot be reached; the revoke error is still returned.
func (s *Session) Logout(ctx context.Context) error {
	s.uploads.CancelAll()

	revokeErr := s.client.Logout(ctx)
	if revokeErr != nil {
		s.logger.Warn("revoking access token failed", slog.String("error", revokeErr.Error()))
		s.client.SetAccessToken("")
	}

	if err := s.state.ClearSession(); err != nil {
		return err
	}

	s.logger.Info("logged out", slog.String("user_id", s.userID))

	return revokeErr
}

// Close stops the upload manager, waits for in-flight history requests
// and drops the sync stream connection.
func (s *Session) Close() error {
	s.uploads.Close()
	s.history.Wait()
	s.uploadPool.Wait()
	s.historyPool.Wait()

	if s.stream != nil {
		return s.stream.Close()
	}

	return nil
}

type notifyingSource struct {
	syncer.Source
	onSync func()
}

func (n *notifyingSource) Sync(ctx context.Context, since string) (*models.SyncBatch, error) {
	batch, err := n.Source.Sync(ctx, since)
	if err == nil {
		n.onSync()
	}

	return batch, err
}
