package media

import (
	"sync"

	"github.com/google/uuid"
)

// Source is a playable resource handle handed to a sink. The memory behind it
// is held until Release is called.
type Source struct {
	ID          string
	ContentType string

	mu       sync.Mutex
	data     []byte
	released bool
}

// NewSource creates a handle for a resolved payload.
func NewSource(p Payload) *Source {
	return &Source{
		ID:          uuid.NewString(),
		ContentType: p.ContentType,
		data:        p.Data,
	}
}

// Bytes returns the payload, or nil once released.
func (s *Source) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Release drops the payload. Safe to call more than once.
func (s *Source) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.data = nil
	s.released = true
	s.mu.Unlock()
}

func (s *Source) Released() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
