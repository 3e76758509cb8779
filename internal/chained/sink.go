package chained

import "github.com/loqalabs/loqa-media/internal/media"

// Sink is a player that plays one whole source at a time.
//
// Ended callbacks must not be invoked on the goroutine that is inside Play,
// Pause or Assign.
type Sink interface {
	media.Player
	// Assign replaces the current source. It does not start playback.
	Assign(src *media.Source) error
	// Current returns the assigned source, or nil.
	Current() *media.Source
	// Clear unassigns the current source without releasing it.
	Clear()
}
