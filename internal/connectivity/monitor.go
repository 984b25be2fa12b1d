// Package connectivity decides when interrupted uploads are resumed. It
// probes the homeserver with exponential backoff while uploads are
// waiting and resumes them, paced, once a probe succeeds.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alexjbarnes/roomsync/internal/upload"
	"golang.org/x/time/rate"
)

const (
	probeMin = 2 * time.Second
	probeMax = 2 * time.Minute

	// jitterDivisor controls the range of random jitter added to the
	// probe backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	backoffMultiplier = 2

	// DefaultMaxAttempts is how many failures an upload may accumulate
	// before it is abandoned.
	DefaultMaxAttempts = 10

	resumeInterval = 250 * time.Millisecond
	resumeBurst    = 2
)

// Prober checks whether the homeserver is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

type waiting struct {
	task   *upload.RetryTask
	resume func()
}

// Monitor implements upload.RetryCoordinator.
type Monitor struct {
	prober      Prober
	maxAttempts int
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu       sync.Mutex
	pending  map[string]waiting // by retry token
	failures map[string]int     // by upload ID

	wake  chan struct{}
	nudge chan struct{}
}

// New creates a Monitor. maxAttempts below one means
// DefaultMaxAttempts.
func New(prober Prober, maxAttempts int, logger *slog.Logger) *Monitor {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	return &Monitor{
		prober:      prober,
		maxAttempts: maxAttempts,
		limiter:     rate.NewLimiter(rate.Every(resumeInterval), resumeBurst),
		logger:      logger,
		pending:     make(map[string]waiting),
		failures:    make(map[string]int),
		wake:        make(chan struct{}, 1),
		nudge:       make(chan struct{}, 1),
	}
}

// OnTransferFailed queues task until a probe succeeds. An upload that
// has failed too often is abandoned instead.
func (m *Monitor) OnTransferFailed(task *upload.RetryTask, resume func()) {
	m.mu.Lock()
	m.failures[task.UploadID]++
	n := m.failures[task.UploadID]

	if n > m.maxAttempts {
		delete(m.failures, task.UploadID)
		m.mu.Unlock()

		task.Abandon(fmt.Errorf("giving up after %d attempts: %w", n-1, task.Cause))

		return
	}

	m.pending[task.Token] = waiting{task: task, resume: resume}
	m.mu.Unlock()

	m.logger.Debug("upload waiting for connectivity",
		slog.String("upload", task.UploadID),
		slog.Int("attempt", n),
	)

	signal(m.wake)
}

// OnTransferSucceeded forgets task. The upload reached a terminal state
// or was cancelled.
func (m *Monitor) OnTransferSucceeded(task *upload.RetryTask) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, task.Token)
	delete(m.failures, task.UploadID)
}

// Notify reports that the network is likely back, for example after a
// successful sync. The next probe runs without waiting out its backoff.
func (m *Monitor) Notify() {
	signal(m.nudge)
}

// Pending returns the number of uploads waiting for connectivity.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

// Run probes while uploads are waiting. It returns when ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	backoff := probeMin

	for {
		if m.Pending() == 0 {
			backoff = probeMin

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
			}

			continue
		}

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for probe jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.nudge:
			timer.Stop()
		case <-timer.C:
		}

		err := m.prober.Ping(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			m.logger.Warn("homeserver unreachable",
				slog.String("error", err.Error()),
				slog.Int("waiting", m.Pending()),
				slog.Duration("backoff", backoff),
			)

			m.probeFailed(err)
			backoff = min(backoff*backoffMultiplier, probeMax)

			continue
		}

		if err := m.resumeAll(ctx); err != nil {
			return err
		}

		backoff = probeMin
	}
}

// probeFailed counts a failed probe against every waiting upload and
// abandons those out of attempts.
func (m *Monitor) probeFailed(cause error) {
	var exhausted []*upload.RetryTask

	m.mu.Lock()
	for token, w := range m.pending {
		m.failures[w.task.UploadID]++
		if m.failures[w.task.UploadID] > m.maxAttempts {
			delete(m.pending, token)
			delete(m.failures, w.task.UploadID)
			exhausted = append(exhausted, w.task)
		}
	}
	m.mu.Unlock()

	for _, task := range exhausted {
		task.Abandon(fmt.Errorf("giving up after %d attempts: %w", m.maxAttempts, cause))
	}
}

func (m *Monitor) resumeAll(ctx context.Context) error {
	m.mu.Lock()
	ready := make([]waiting, 0, len(m.pending))
	for token, w := range m.pending {
		ready = append(ready, w)
		delete(m.pending, token)
	}
	m.mu.Unlock()

	m.logger.Info("homeserver reachable, resuming uploads", slog.Int("count", len(ready)))

	for _, w := range ready {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}

		w.resume()
	}

	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
