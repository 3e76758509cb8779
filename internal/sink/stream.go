package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-media/internal/continuous"
)

const tick = 20 * time.Millisecond

// Stream is a buffered sink that appends every chunk to a single file and
// plays it back as one growing asset.
type Stream struct {
	player
	dir  string
	name string

	attached bool
	state    continuous.SourceState
	file     *os.File
	path     string
	buffer   *streamBuffer
	written  int64
	position int64
}

// NewStream creates a stream sink writing <name>.<ext> into dir.
func NewStream(dir, name string, bytesPerSecond int, logger *slog.Logger) (*Stream, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		player: newPlayer(bytesPerSecond, logger.With(slog.String("component", "stream-sink"), slog.String("stream", name))),
		dir:    dir,
		name:   name,
	}, nil
}

func (s *Stream) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return nil
	}
	s.attached = true
	s.state = continuous.SourceOpen
	return nil
}

func (s *Stream) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *Stream) SourceState() continuous.SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddSourceBuffer creates the backing file for mimeType.
func (s *Stream) AddSourceBuffer(ctx context.Context, mimeType string) (continuous.SourceBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached || s.state != continuous.SourceOpen {
		return nil, ErrNotOpen
	}
	if s.buffer != nil {
		return nil, errors.New("source buffer already added")
	}
	path := filepath.Join(s.dir, s.name+extension(mimeType))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create stream file: %w", err)
	}
	s.file = f
	s.path = path
	s.buffer = &streamBuffer{stream: s, file: f}
	s.logger.Debug("source buffer added", slog.String("path", path), slog.String("mime_type", mimeType))
	return s.buffer, nil
}

func (s *Stream) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != continuous.SourceOpen {
		return ErrNotOpen
	}
	if s.buffer != nil && s.buffer.Updating() {
		return ErrUpdating
	}
	s.state = continuous.SourceEnded
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			s.logger.Warn("sync stream file failed", slogError(err))
		}
	}
	return nil
}

func (s *Stream) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return
	}
	s.pauseLocked()
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.logger.Warn("close stream file failed", slogError(err))
		}
	}
	s.attached = false
	s.state = continuous.SourceClosed
	s.file = nil
	s.buffer = nil
	s.written = 0
	s.position = 0
}

func (s *Stream) CanPlayThrough() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached && s.written > s.position
}

// Path returns the backing file, empty until a source buffer is added.
func (s *Stream) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *Stream) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return ErrNoSource
	}
	if !s.paused {
		return nil
	}
	s.paused = false
	stop := make(chan struct{})
	s.stop = stop
	go s.run(stop)
	return nil
}

// run advances the playhead until it reaches the end of an ended source.
func (s *Stream) run(stop chan struct{}) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			if s.stop != stop {
				s.mu.Unlock()
				return
			}
			if s.rate <= 0 {
				s.position = s.written
			} else {
				s.position += int64(now.Sub(last).Seconds() * float64(s.rate))
				if s.position > s.written {
					s.position = s.written
				}
			}
			last = now
			if s.position == s.written && s.state == continuous.SourceEnded {
				s.fireEndedLocked()
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
	}
}

type streamBuffer struct {
	stream *Stream
	file   *os.File

	mu       sync.Mutex
	updating bool
	end      chan struct{}
}

func (b *streamBuffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updating
}

func (b *streamBuffer) UpdateEnd() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.updating {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return b.end
}

// Append writes data to the stream file in the background.
func (b *streamBuffer) Append(data []byte) error {
	b.mu.Lock()
	if b.updating {
		b.mu.Unlock()
		return ErrUpdating
	}
	b.updating = true
	end := make(chan struct{})
	b.end = end
	b.mu.Unlock()

	go func() {
		n, err := b.file.Write(data)
		s := b.stream
		s.mu.Lock()
		if s.buffer == b {
			s.written += int64(n)
		}
		s.mu.Unlock()

		b.mu.Lock()
		b.updating = false
		close(end)
		b.mu.Unlock()

		if err != nil {
			s.logger.Warn("append to stream file failed", slogError(err))
			return
		}
		s.fireCanPlay()
	}()
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
