package sink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-media/internal/media"
)

// Sequence is a chained sink that writes every assigned source to its own
// file and plays them one at a time.
type Sequence struct {
	player
	dir string

	current *media.Source
	files   []string
}

// NewSequence creates a sequence sink writing into dir.
func NewSequence(dir string, bytesPerSecond int, logger *slog.Logger) (*Sequence, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequence{
		player: newPlayer(bytesPerSecond, logger.With(slog.String("component", "sequence-sink"))),
		dir:    dir,
	}, nil
}

func (s *Sequence) Assign(src *media.Source) error {
	if src == nil || src.Released() {
		return ErrNoSource
	}
	s.mu.Lock()
	name := fmt.Sprintf("%04d-%s%s", len(s.files)+1, src.ID, extension(src.ContentType))
	s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, src.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write source: %w", err)
	}

	s.mu.Lock()
	s.pauseLocked()
	s.current = src
	s.files = append(s.files, path)
	s.mu.Unlock()
	s.logger.Debug("source assigned", slog.String("path", path))
	s.fireCanPlay()
	return nil
}

func (s *Sequence) Current() *media.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Sequence) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseLocked()
	s.current = nil
}

func (s *Sequence) CanPlayThrough() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && !s.current.Released()
}

// Play plays the current source from the start.
func (s *Sequence) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoSource
	}
	if !s.paused {
		return nil
	}
	s.paused = false
	stop := make(chan struct{})
	s.stop = stop
	d := s.duration(len(s.current.Bytes()))
	go s.run(stop, d)
	return nil
}

func (s *Sequence) run(stop chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return
	case <-timer.C:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != stop {
		return
	}
	s.fireEndedLocked()
}

// Files lists the files written so far in assignment order.
func (s *Sequence) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}
