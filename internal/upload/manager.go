// Package upload sends media to the homeserver and keeps each upload
// alive across connectivity loss. Transfers wait in a bounded queue for
// a worker; progress and completion are delivered to subscribers in order
// on a single goroutine.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/internal/workpool"
	"github.com/alexjbarnes/roomsync/matrix"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Callback receives upload events. All methods are called on the
// manager's delivery goroutine and must not call Close.
type Callback interface {
	OnUploadStart(uploadID string)
	OnUploadProgress(uploadID string, percent int)
	OnUploadComplete(uploadID string, outcome models.UploadOutcome)
}

// Transport streams an upload body to the server and returns the
// response status and body. Connectivity failures are reported as
// matrix.TransientError so they can be retried.
type Transport interface {
	UploadStream(ctx context.Context, body io.Reader, size int64, mimeType, filename string) (int, []byte, error)
}

// RetryCoordinator decides when a failed upload is resumed. It calls
// resume once connectivity is back, or task.Abandon to give up.
type RetryCoordinator interface {
	OnTransferFailed(task *RetryTask, resume func())
	OnTransferSucceeded(task *RetryTask)
}

// DefaultQueueLimit is how many uploads may wait for a free worker
// before new ones are refused.
const DefaultQueueLimit = 64

// Option configures a Manager.
type Option func(*Manager)

// WithQueueLimit sets how many uploads may wait for a worker. A limit
// below one removes the bound.
func WithQueueLimit(n int) Option {
	return func(m *Manager) {
		m.queueLimit = n
	}
}

// Manager owns the registry of in-flight uploads.
type Manager struct {
	transport  Transport
	retry      RetryCoordinator
	pool       *workpool.Pool
	logger     *slog.Logger
	events     *dispatcher
	queueLimit int

	mu     sync.Mutex
	tasks  map[string]*task
	queued int // scheduled but not yet on a worker
	closed bool
}

// New creates a Manager. A nil coordinator fails uploads on the first
// connectivity error.
func New(transport Transport, retry RetryCoordinator, pool *workpool.Pool, logger *slog.Logger, opts ...Option) *Manager {
	if retry == nil {
		retry = noRetry{}
	}

	m := &Manager{
		transport:  transport,
		retry:      retry,
		pool:       pool,
		logger:     logger,
		events:     newDispatcher(),
		queueLimit: DefaultQueueLimit,
		tasks:      make(map[string]*task),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Upload registers an upload and queues it for a worker. An empty
// uploadID is replaced with a generated one; the ID in use is returned.
// A registered uploadID is rejected with ErrDuplicateUpload. When the
// wait queue is full the callback receives a failed outcome straight
// away.
func (m *Manager) Upload(content io.ReadSeeker, filename, mimeType, uploadID string, cb Callback) (string, error) {
	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return "", apperrors.ErrSessionClosed
	}

	if _, ok := m.tasks[uploadID]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", apperrors.ErrDuplicateUpload, uploadID)
	}

	t := m.newTask(uploadID, content, filename, mimeType, newSubscribers(cb))
	m.tasks[uploadID] = t

	full := m.queueLimit > 0 && m.queued >= m.queueLimit
	if !full {
		m.queued++
	}
	m.mu.Unlock()

	m.logger.Info("upload registered",
		slog.String("upload", uploadID),
		slog.String("filename", filename),
		slog.String("mime", mimeType),
	)

	if full {
		m.logger.Warn("upload rejected, queue full",
			slog.String("upload", uploadID),
			slog.Int("limit", m.queueLimit),
		)
		m.finish(t, models.UploadOutcome{
			UploadID:     uploadID,
			ResponseCode: -1,
			ErrorMessage: apperrors.ErrUploadQueueFull.Error(),
		})

		return uploadID, nil
	}

	m.schedule(t)

	return uploadID, nil
}

// Queued returns the number of uploads waiting for a free worker.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.queued
}

// schedule hands t to the pool. The caller has already counted it in
// m.queued. A task cancelled while waiting never reaches a worker.
func (m *Manager) schedule(t *task) {
	m.pool.Go(t.ctx, func() {
		m.dequeue()
		m.transfer(t)
	}, func(error) {
		m.dequeue()
	})
}

func (m *Manager) dequeue() {
	m.mu.Lock()
	m.queued--
	m.mu.Unlock()
}

// Progress returns the percentage of a registered upload, or -1 if the
// ID is unknown.
func (m *Manager) Progress(uploadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[uploadID]
	if !ok {
		return -1
	}

	return int(t.progress.Load())
}

// Subscribe adds cb to a registered upload. Unknown IDs are ignored.
func (m *Manager) Subscribe(uploadID string, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[uploadID]; ok {
		t.subs.add(cb)
	}
}

// Snapshot lists registered uploads ordered by ID.
func (m *Manager) Snapshot() []TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, TaskInfo{
			UploadID: t.id,
			Filename: t.filename,
			MimeType: t.mimeType,
			State:    t.State().String(),
			Progress: int(t.progress.Load()),
		})
	}

	slices.SortFunc(out, func(a, b TaskInfo) int { return strings.Compare(a.UploadID, b.UploadID) })

	return out
}

// CancelAll stops every upload and empties the registry. No further
// callbacks are delivered for the cancelled uploads.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = make(map[string]*task)
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancelled.Store(true)
		t.cancel()

		if t.State() == AwaitingRetry {
			m.retry.OnTransferSucceeded(t.retry)
		}
	}

	if len(tasks) > 0 {
		m.logger.Info("uploads cancelled", slog.Int("count", len(tasks)))
	}
}

// Close cancels every upload and stops callback delivery. Uploads after
// Close fail with ErrSessionClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.CancelAll()
	m.events.close()
}

func (m *Manager) newTask(id string, content io.ReadSeeker, filename, mimeType string, subs *subscribers) *task {
	ctx, cancel := context.WithCancel(context.Background())

	t := &task{
		id:       id,
		filename: filename,
		mimeType: mimeType,
		content:  content,
		subs:     subs,
		ctx:      ctx,
		cancel:   cancel,
	}

	t.retry = &RetryTask{
		Token:    uuid.NewString(),
		UploadID: id,
		abandon:  func(err error) { m.abandon(t, err) },
	}

	return t
}

// transfer runs one attempt on a worker.
func (m *Manager) transfer(t *task) {
	if t.cancelled.Load() {
		return
	}

	t.setState(Transferring)
	m.post(t, func(cb Callback) { cb.OnUploadStart(t.id) })

	size, err := rewind(t.content)
	if err != nil {
		m.finish(t, models.UploadOutcome{UploadID: t.id, ResponseCode: -1, ErrorMessage: err.Error()})
		return
	}

	body := newProgressReader(t.content, size, func(p int) { m.setProgress(t, p) })

	status, resp, err := m.transport.UploadStream(t.ctx, body, size, t.mimeType, t.filename)

	if t.cancelled.Load() {
		m.logger.Debug("upload cancelled", slog.String("upload", t.id))
		return
	}

	if err != nil {
		if matrix.IsConnectivity(err) {
			m.awaitRetry(t, err)
			return
		}

		m.finish(t, models.UploadOutcome{UploadID: t.id, ResponseCode: -1, ErrorMessage: err.Error()})

		return
	}

	// Transports that never close the body still walk the full
	// checkpoint sequence.
	body.Close()

	m.setProgress(t, progressResponse)
	outcome := parseOutcome(t.id, status, resp)
	m.setProgress(t, progressParsed)
	m.setProgress(t, progressDone)

	m.finish(t, outcome)
}

// parseOutcome reads the upload response. A 200 must carry a valid
// content URI; any other status carries the server's error message
// when it has one.
func parseOutcome(id string, status int, body []byte) models.UploadOutcome {
	outcome := models.UploadOutcome{UploadID: id, ResponseCode: status}

	if status != http.StatusOK {
		outcome.ErrorMessage = gjson.GetBytes(body, "error").String()
		return outcome
	}

	uri := gjson.GetBytes(body, "content_uri").String()
	if _, err := matrix.ParseContentURI(uri); err != nil {
		outcome.ErrorMessage = "response has no valid content_uri"
		return outcome
	}

	outcome.ContentURI = uri

	return outcome
}

func (m *Manager) awaitRetry(t *task, cause error) {
	t.setState(AwaitingRetry)
	t.retry.Cause = cause

	if t.cancelled.Load() {
		return
	}

	m.logger.Warn("upload interrupted, waiting for connectivity",
		slog.String("upload", t.id),
		slog.String("error", cause.Error()),
	)

	m.retry.OnTransferFailed(t.retry, func() { m.resume(t) })

	// CancelAll may have run while the coordinator was being told.
	// Withdraw the task so nothing keeps probing for it.
	if t.cancelled.Load() {
		m.retry.OnTransferSucceeded(t.retry)
	}
}

// resume swaps a retry of old into the registry and starts it. It does
// nothing if old was cancelled or has already been replaced.
func (m *Manager) resume(old *task) {
	m.mu.Lock()

	if cur, ok := m.tasks[old.id]; !ok || cur != old || old.cancelled.Load() {
		m.mu.Unlock()
		return
	}

	next := m.newTask(old.id, old.content, old.filename, old.mimeType, old.subs)
	m.tasks[old.id] = next
	m.queued++
	m.mu.Unlock()

	old.cancel()

	m.logger.Info("upload resumed", slog.String("upload", next.id))

	m.schedule(next)
}

func (m *Manager) abandon(t *task, err error) {
	msg := "upload abandoned"
	if err != nil {
		msg = err.Error()
	}

	m.logger.Warn("upload abandoned", slog.String("upload", t.id), slog.String("error", msg))
	m.finish(t, models.UploadOutcome{UploadID: t.id, ResponseCode: -1, ErrorMessage: msg})
}

// finish removes t and delivers its outcome. If t is no longer the
// registered task for its ID (cancelled or replaced) nothing happens.
func (m *Manager) finish(t *task, outcome models.UploadOutcome) {
	m.mu.Lock()

	if cur, ok := m.tasks[t.id]; !ok || cur != t {
		m.mu.Unlock()
		return
	}

	delete(m.tasks, t.id)
	m.mu.Unlock()

	if outcome.Succeeded() {
		t.setState(Completed)
		m.logger.Info("upload completed",
			slog.String("upload", t.id),
			slog.String("content_uri", outcome.ContentURI),
		)
	} else {
		t.setState(Failed)
		m.logger.Warn("upload failed",
			slog.String("upload", t.id),
			slog.Int("status", outcome.ResponseCode),
			slog.String("error", outcome.ErrorMessage),
		)
	}

	m.post(t, func(cb Callback) { cb.OnUploadComplete(t.id, outcome) })
	m.retry.OnTransferSucceeded(t.retry)
	t.cancel()
}

// setProgress records p and fans it out. Progress never goes backwards
// within an attempt.
func (m *Manager) setProgress(t *task, p int) {
	for {
		cur := t.progress.Load()
		if int32(p) <= cur {
			return
		}

		if t.progress.CompareAndSwap(cur, int32(p)) {
			break
		}
	}

	m.post(t, func(cb Callback) { cb.OnUploadProgress(t.id, p) })
}

// post queues fn for every subscriber of t. Delivery is skipped if t is
// cancelled by then. A panicking subscriber is logged and skipped.
func (m *Manager) post(t *task, fn func(Callback)) {
	m.events.post(func() {
		if t.cancelled.Load() {
			return
		}

		for _, cb := range t.subs.snapshot() {
			m.deliver(t.id, cb, fn)
		}
	})
}

func (m *Manager) deliver(id string, cb Callback, fn func(Callback)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("upload subscriber panicked",
				slog.String("upload", id),
				slog.Any("panic", r),
			)
		}
	}()

	fn(cb)
}

func rewind(r io.ReadSeeker) (int64, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("measuring upload body: %w", err)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewinding upload body: %w", err)
	}

	return size, nil
}

// noRetry abandons every failed upload.
type noRetry struct{}

func (noRetry) OnTransferFailed(task *RetryTask, _ func()) { task.Abandon(task.Cause) }
func (noRetry) OnTransferSucceeded(*RetryTask)             {}
