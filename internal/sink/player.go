// Package sink provides file-backed playback sinks for the stream engines.
// Playback is simulated: a sink "plays" its bytes at a fixed byte rate and
// reports the end of playback the way a media element would.
package sink

import (
	"errors"
	"log/slog"
	"mime"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoSource = errors.New("no source attached")
	ErrUpdating = errors.New("source buffer is still updating")
	ErrNotOpen  = errors.New("buffered source is not open")
)

// player holds the play/pause state and callbacks shared by both sinks.
type player struct {
	logger *slog.Logger
	// rate is the simulated playback speed in bytes per second. Zero plays
	// everything instantly.
	rate int

	mu      sync.Mutex
	paused  bool
	canPlay func()
	ended   map[int]func()
	nextID  int
	stop    chan struct{}
}

func newPlayer(rate int, logger *slog.Logger) player {
	if logger == nil {
		logger = slog.Default()
	}
	return player{logger: logger, rate: rate, paused: true, ended: make(map[int]func())}
}

func (p *player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauseLocked()
	return nil
}

func (p *player) pauseLocked() {
	if p.paused {
		return
	}
	p.paused = true
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *player) OnCanPlay(fn func()) {
	p.mu.Lock()
	p.canPlay = fn
	p.mu.Unlock()
}

func (p *player) OnEnded(fn func()) (detach func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.ended[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.ended, id)
			p.mu.Unlock()
		})
	}
}

func (p *player) fireCanPlay() {
	p.mu.Lock()
	fn := p.canPlay
	p.canPlay = nil
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fireEndedLocked marks playback finished and notifies listeners on a new
// goroutine.
func (p *player) fireEndedLocked() {
	p.paused = true
	p.stop = nil
	fns := make([]func(), 0, len(p.ended))
	for _, fn := range p.ended {
		fns = append(fns, fn)
	}
	go func() {
		for _, fn := range fns {
			fn()
		}
	}()
}

func (p *player) duration(n int) time.Duration {
	if p.rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(p.rate)
}

func extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	switch mediaType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "video/mp4", "audio/mp4":
		return ".mp4"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if idx := strings.LastIndex(mediaType, "/"); idx >= 0 && idx < len(mediaType)-1 {
		return "." + mediaType[idx+1:]
	}
	return ".bin"
}
