package media

// Player is the play/pause surface shared by every sink.
type Player interface {
	Paused() bool
	Play() error
	Pause() error
	// CanPlayThrough reports whether the attached source has enough data to
	// start playing without stalling.
	CanPlayThrough() bool
	// OnCanPlay arms a one-shot callback fired once the attached source
	// becomes playable. A nil fn disarms it.
	OnCanPlay(fn func())
	// OnEnded registers fn for every "playback reached end" notification and
	// returns a function that detaches it.
	OnEnded(fn func()) (detach func())
}
