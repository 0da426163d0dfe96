// Package imagestore holds the most recent captured frames in a
// bounded, most-recent-first store. Capacity is configurable; adding
// beyond capacity evicts the oldest frame, together with its on-disk
// copy when the frame was persisted.
package imagestore

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/tiff"

	"github.com/signalsfoundry/star-tracker/internal/logging"
)

// Frame is one retained capture.
type Frame struct {
	Image     *image.Gray
	Timestamp time.Time
	Path      string // non-empty when the frame was written to disk
}

// Store is safe for concurrent use. Frames are kept most recent first.
type Store struct {
	mu     sync.Mutex
	frames []Frame

	capacity int
	dir      string
	logger   logging.Logger

	evictions atomic.Int64
}

// New creates a store holding at most capacity frames. Persisted
// frames are written under dir; an empty dir disables persistence.
func New(capacity int, dir string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Noop()
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		dir:      dir,
		logger:   logger,
	}
}

// Add retains img, optionally persisting it as TIFF, and evicts the
// oldest frame when the store is over capacity.
func (s *Store) Add(ctx context.Context, img *image.Gray, ts time.Time, persist bool) (Frame, error) {
	frame := Frame{Image: img, Timestamp: ts}

	if persist && s.dir != "" {
		path := filepath.Join(s.dir, fmt.Sprintf("st_capture_%d.tiff", ts.UnixMilli()))
		if err := writeTIFF(path, img); err != nil {
			return Frame{}, fmt.Errorf("persist frame: %w", err)
		}
		frame.Path = path
		s.logger.Info(ctx, "saved capture", logging.String("path", path))
	}

	s.mu.Lock()
	s.frames = append([]Frame{frame}, s.frames...)
	var evicted []Frame
	if len(s.frames) > s.capacity {
		evicted = append(evicted, s.frames[s.capacity:]...)
		s.frames = s.frames[:s.capacity]
	}
	s.mu.Unlock()

	for _, old := range evicted {
		s.evictions.Add(1)
		if old.Path != "" {
			if err := os.Remove(old.Path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn(ctx, "failed to remove evicted capture",
					logging.String("path", old.Path), logging.Err(err))
			}
		}
	}
	return frame, nil
}

// Latest returns the most recent frame.
func (s *Store) Latest() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	return s.frames[0], true
}

// Frames returns a copy of the retained frames, most recent first.
func (s *Store) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Len returns the number of retained frames.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Evictions returns the number of frames evicted since creation.
func (s *Store) Evictions() int64 { return s.evictions.Load() }

func writeTIFF(path string, img *image.Gray) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return err
	}
	return f.Close()
}
