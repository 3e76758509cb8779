package continuous

import (
	"context"

	"github.com/loqalabs/loqa-media/internal/media"
)

// SourceState is the lifecycle of the buffered source behind a Sink.
type SourceState int

const (
	SourceClosed SourceState = iota
	SourceOpen
	SourceEnded
)

func (s SourceState) String() string {
	switch s {
	case SourceOpen:
		return "open"
	case SourceEnded:
		return "ended"
	default:
		return "closed"
	}
}

// SourceBuffer is the append point of an open buffered source.
type SourceBuffer interface {
	// Updating reports whether a previous Append is still being applied.
	Updating() bool
	// Append starts applying data. It must not be called while Updating.
	Append(data []byte) error
	// UpdateEnd returns a channel closed once no update is in progress.
	UpdateEnd() <-chan struct{}
}

// Sink is a player backed by one continuously growing buffered source.
type Sink interface {
	media.Player
	// Attach binds a fresh buffered source to the player.
	Attach() error
	// Attached reports whether a buffered source is bound.
	Attached() bool
	// AddSourceBuffer waits for the source to open and creates its single
	// append point for mimeType.
	AddSourceBuffer(ctx context.Context, mimeType string) (SourceBuffer, error)
	SourceState() SourceState
	// EndOfStream tells the source no more data follows.
	EndOfStream() error
	// Detach unbinds and releases the buffered source.
	Detach()
}
