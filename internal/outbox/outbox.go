// Package outbox uploads files dropped into a directory. Each finished
// upload leaves a <name>.mxc sidecar holding the content URI, which also
// marks the file as done across restarts.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/internal/upload"
	"github.com/fsnotify/fsnotify"
)

const (
	// SidecarExt is appended to a file's name to record its content URI.
	SidecarExt = ".mxc"

	idPrefix = "outbox:"

	defaultTick   = 500 * time.Millisecond
	defaultSettle = 300 * time.Millisecond
)

// Uploader is the subset of upload.Manager the outbox needs.
type Uploader interface {
	Upload(content io.ReadSeeker, filename, mimeType, uploadID string, cb upload.Callback) (string, error)
}

// Watcher uploads every regular file that appears or changes under dir.
type Watcher struct {
	dir      string
	uploader Uploader
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	tick   time.Duration
	settle time.Duration
}

// New creates a watcher for dir.
func New(dir string, uploader Uploader, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		uploader: uploader,
		logger:   logger,
		tick:     defaultTick,
		settle:   defaultSettle,
	}
}

// Watch uploads files already waiting in the directory, then watches it
// until ctx is cancelled. Writes are debounced so a file is only picked
// up once it has been quiet for a moment.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}

	pending := make(map[string]time.Time)

	if err := w.addRecursive(w.dir, pending); err != nil {
		return fmt.Errorf("watching upload dir: %w", err)
	}

	w.logger.Info("outbox watcher started",
		slog.String("dir", w.dir),
		slog.Int("waiting", len(pending)),
	)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if event.Has(fsnotify.Create) {
					if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
						if err := w.addRecursive(event.Name, pending); err != nil {
							w.logger.Warn("watching new directory failed",
								slog.String("path", event.Name),
								slog.String("error", err.Error()),
							)
						}

						continue
					}
				}

				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < w.settle {
					continue
				}

				delete(pending, path)
				w.handleWrite(path)
			}
		}
	}
}

// handleWrite starts an upload for path. The file stays open until the
// upload finishes because a retry re-reads it from the start.
func (w *Watcher) handleWrite(path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("opening file for upload failed",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return
	}

	name := filepath.Base(path)
	cb := &sidecarWriter{path: path, file: f, logger: w.logger}

	id, err := w.uploader.Upload(f, name, mimeType(name), idPrefix+filepath.ToSlash(rel), cb)
	if err != nil {
		f.Close()

		if errors.Is(err, apperrors.ErrDuplicateUpload) {
			w.logger.Debug("file already uploading", slog.String("path", rel))
			return
		}

		w.logger.Warn("queueing upload failed",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("uploading file",
		slog.String("path", rel),
		slog.String("upload", id),
		slog.Int64("size", info.Size()),
	)
}

// addRecursive watches dir and every non-hidden directory below it,
// queueing files that have no up-to-date sidecar.
func (w *Watcher) addRecursive(dir string, pending map[string]time.Time) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != w.dir && shouldIgnore(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			return w.watcher.Add(path)
		}

		if !uploaded(path) {
			pending[path] = time.Time{}
		}

		return nil
	})
}

// uploaded reports whether path has a sidecar at least as new as itself.
func uploaded(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	side, err := os.Stat(path + SidecarExt)
	if err != nil {
		return false
	}

	return !side.ModTime().Before(info.ModTime())
}

func shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}

	// Sidecars and partial downloads.
	return strings.HasSuffix(base, SidecarExt) || strings.HasSuffix(base, ".part")
}

func mimeType(name string) string {
	m := mime.TypeByExtension(filepath.Ext(name))
	if m == "" {
		return "application/octet-stream"
	}

	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}

	return m
}

// sidecarWriter closes the file and records the outcome of one upload.
type sidecarWriter struct {
	path   string
	file   *os.File
	logger *slog.Logger
}

func (s *sidecarWriter) OnUploadStart(string) {}

func (s *sidecarWriter) OnUploadProgress(string, int) {}

func (s *sidecarWriter) OnUploadComplete(uploadID string, outcome models.UploadOutcome) {
	s.file.Close()

	if !outcome.Succeeded() {
		s.logger.Warn("upload failed",
			slog.String("upload", uploadID),
			slog.Int("code", outcome.ResponseCode),
			slog.String("error", outcome.ErrorMessage),
		)

		return
	}

	if err := os.WriteFile(s.path+SidecarExt, []byte(outcome.ContentURI+"\n"), 0o644); err != nil { //nolint:gosec // G306: sidecar holds a public content URI
		s.logger.Warn("writing sidecar failed",
			slog.String("upload", uploadID),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Info("upload complete",
		slog.String("upload", uploadID),
		slog.String("content_uri", outcome.ContentURI),
	)
}
