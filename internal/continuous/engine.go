package continuous

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-media/internal/media"
	"github.com/loqalabs/loqa-media/internal/pipeline"
	"github.com/loqalabs/loqa-media/internal/source"
)

// ErrNotLive is returned by Append on an engine that was not created in live mode.
var ErrNotLive = errors.New("append is only supported in live mode")

const (
	DefaultRecordingInterval = 3 * time.Second
	DefaultConsumePoll       = time.Second
	DefaultUpdateRetries     = 10
	DefaultUpdateTimeout     = time.Second
)

// Options configures an Engine. Zero values take the package defaults.
type Options struct {
	Fetcher source.Fetcher
	// Items seeds the InputQueue.
	Items []media.Item
	// MimeType pre-declares the stream format. When empty, the content type
	// of the first resolved item is used.
	MimeType string
	// Live keeps ingestion open for Append. When nil, an engine with seed
	// items is not live and one without is.
	Live      *bool
	BatchSize int
	MaxIdle   time.Duration
	// RecordingInterval is the ingestion poll interval and backpressure unit.
	RecordingInterval time.Duration
	// ConsumePoll is how often the consumption loop checks its idle watchdog.
	ConsumePoll   time.Duration
	UpdateRetries int
	UpdateTimeout time.Duration
	Emitter       *media.Emitter
	Logger        *slog.Logger
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	pipeline.Stats
	Appended int
}

// Engine feeds an ordered byte stream into one buffered sink so that it plays
// as a single continuous asset.
type Engine struct {
	opts    Options
	sink    Sink
	pipe    *pipeline.Pipeline
	emitter *media.Emitter
	logger  *slog.Logger
	live    bool

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	mimeType      string
	ready         bool
	canPlayArmed  bool
	loopsStopped  bool
	destroyed     bool
	idleStartedAt time.Time
	buffer        SourceBuffer
	appended      int

	detachEnded func()
	destroyOnce sync.Once
	endOnce     sync.Once
	done        chan struct{}
}

// New binds an engine to sink and starts its ingestion and consumption loops.
func New(parent context.Context, sink Sink, opts Options) *Engine {
	if opts.RecordingInterval <= 0 {
		opts.RecordingInterval = DefaultRecordingInterval
	}
	if opts.ConsumePoll <= 0 {
		opts.ConsumePoll = DefaultConsumePoll
	}
	if opts.UpdateRetries <= 0 {
		opts.UpdateRetries = DefaultUpdateRetries
	}
	if opts.UpdateTimeout <= 0 {
		opts.UpdateTimeout = DefaultUpdateTimeout
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = pipeline.DefaultMaxIdle
	}
	if opts.Emitter == nil {
		opts.Emitter = media.NewEmitter()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	live := len(opts.Items) == 0
	if opts.Live != nil {
		live = *opts.Live
	}

	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		opts:     opts,
		sink:     sink,
		emitter:  opts.Emitter,
		logger:   opts.Logger.With(slog.String("component", "continuous-engine")),
		live:     live,
		ctx:      ctx,
		cancel:   cancel,
		mimeType: opts.MimeType,
		done:     make(chan struct{}),
	}
	e.pipe = pipeline.New(pipeline.Options{
		BatchSize:    opts.BatchSize,
		Live:         live,
		MaxIdle:      opts.MaxIdle,
		PollInterval: opts.RecordingInterval,
		Backpressure: pipeline.ContinuousPolicy(opts.RecordingInterval),
		Direct:       media.KindBuffer,
		Fetcher:      opts.Fetcher,
		Emitter:      opts.Emitter,
		Logger:       opts.Logger,
	}, opts.Items...)

	e.logger.Debug("continuous engine created", slog.Bool("live", live), slog.String("mime_type", opts.MimeType), slog.Int("items", len(opts.Items)))

	sink.Detach()
	e.detachEnded = sink.OnEnded(e.onEnded)
	if err := sink.Attach(); err != nil {
		e.logger.Error("failed to attach buffered source", slogError(err))
	}

	go e.pipe.Run(ctx)
	go func() {
		e.consume(ctx)
		e.endOfStream()
	}()
	return e
}

// Subscribe registers fn for engine events.
func (e *Engine) Subscribe(fn media.Listener) (cancel func()) {
	return e.emitter.Subscribe(fn)
}

func (e *Engine) Live() bool { return e.live }

func (e *Engine) MimeType() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mimeType
}

// SetFetcher swaps the byte source used for remote references.
func (e *Engine) SetFetcher(f source.Fetcher) { e.pipe.SetFetcher(f) }

// Append queues items for playback.
func (e *Engine) Append(items ...media.Item) error {
	return e.AppendTyped("", items...)
}

// AppendTyped queues items and declares their format. A format that differs
// from the one already bound is rejected.
func (e *Engine) AppendTyped(mimeType string, items ...media.Item) error {
	if !e.live {
		return ErrNotLive
	}
	if e.pipe.Stopped() {
		e.logger.Error("cannot append data after pipe stopped")
		return nil
	}
	if mimeType != "" {
		e.mu.Lock()
		if e.mimeType != "" && e.mimeType != mimeType {
			bound := e.mimeType
			e.mu.Unlock()
			e.logger.Error("mime type mismatch", slog.String("bound", bound), slog.String("offered", mimeType))
			return nil
		}
		e.mimeType = mimeType
		e.mu.Unlock()
	}
	e.pipe.Push(items...)

	e.mu.Lock()
	ready := e.ready
	e.mu.Unlock()
	if ready && e.sink.Paused() {
		e.ToPlay()
	}
	return nil
}

// ToPlay allows the sink to start. It plays now when the sink has enough
// data, otherwise once it becomes playable.
func (e *Engine) ToPlay() {
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	if !e.sink.Paused() {
		return
	}
	if e.sink.Attached() && e.sink.CanPlayThrough() {
		e.play()
		return
	}
	e.mu.Lock()
	if e.canPlayArmed {
		e.mu.Unlock()
		return
	}
	e.canPlayArmed = true
	e.mu.Unlock()
	e.sink.OnCanPlay(func() {
		e.mu.Lock()
		e.canPlayArmed = false
		e.mu.Unlock()
		e.logger.Debug("can play, starting playback")
		e.play()
	})
}

func (e *Engine) play() {
	if err := e.sink.Play(); err != nil {
		e.logger.Warn("sink play failed", slogError(err))
	}
}

// IsEmpty reports whether nothing is queued or waiting for the sink.
func (e *Engine) IsEmpty() bool {
	stats := e.pipe.Stats()
	return stats.Pending == 0 && stats.Ready == 0
}

// Finish marks the end of input. Queued items are still played.
func (e *Engine) Finish() {
	e.logger.Debug("finish called")
	e.pipe.Finish()
}

// Reset drops queued input, pauses the sink and releases its source.
func (e *Engine) Reset() {
	e.pipe.Clear()
	if !e.sink.Paused() {
		_ = e.sink.Pause()
	}
	e.sink.Detach()
}

// Destroy stops both loops and releases the sink. Safe to call more than once.
func (e *Engine) Destroy() {
	e.destroyOnce.Do(func() {
		e.logger.Debug("destroy called")
		e.mu.Lock()
		e.loopsStopped = true
		e.destroyed = true
		e.canPlayArmed = false
		e.mu.Unlock()
		e.pipe.Finish()
		e.pipe.Clear()
		e.cancel()
		e.sink.OnCanPlay(nil)
		if !e.sink.Paused() {
			_ = e.sink.Pause()
		}
		e.sink.Detach()
		if e.detachEnded != nil {
			e.detachEnded()
		}
	})
}

// Done is closed after the terminal "ended" event or Destroy.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until the engine has ended or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	appended := e.appended
	e.mu.Unlock()
	return Stats{Stats: e.pipe.Stats(), Appended: appended}
}

func (e *Engine) onEnded() {
	e.mu.Lock()
	e.idleStartedAt = time.Now()
	e.mu.Unlock()
}

func (e *Engine) stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopsStopped
}

func (e *Engine) consume(ctx context.Context) {
	if !e.waitReady(ctx, false) {
		return
	}

	mimeType := e.MimeType()
	if mimeType == "" {
		if first, ok := e.pipe.Peek(); ok && first.ContentType != "" {
			mimeType = first.ContentType
			e.mu.Lock()
			e.mimeType = mimeType
			e.mu.Unlock()
		}
	}
	if mimeType == "" {
		e.logger.Error("no mime type, cannot open buffered source")
		return
	}

	buf, err := e.sink.AddSourceBuffer(ctx, mimeType)
	if err != nil {
		e.logger.Error("failed to add source buffer", slog.String("mime_type", mimeType), slogError(err))
		return
	}
	e.mu.Lock()
	e.buffer = buf
	e.mu.Unlock()
	e.emitter.Emit(media.Event{Type: media.EventOpened, Reason: mimeType, ReceivedTotal: e.pipe.Received()})

	payload, ok := e.pipe.Pop()
	for ok && !e.stopped() {
		e.waitForEndOfUpdate(buf)
		if err := buf.Append(payload.Data); err != nil {
			e.logger.Warn("append to source buffer failed", slog.Int("seq", payload.Seq), slogError(err))
		} else {
			e.mu.Lock()
			e.appended++
			e.mu.Unlock()
		}
		if !e.waitReady(ctx, true) {
			break
		}
		payload, ok = e.pipe.Pop()
	}
}

// waitReady blocks until a payload is ready. It returns false once the pipe
// has ended with nothing left, the engine stops, or the consumption idle
// watchdog fires.
func (e *Engine) waitReady(ctx context.Context, watchdog bool) bool {
	ticker := time.NewTicker(e.opts.ConsumePoll)
	defer ticker.Stop()
	for {
		changed := e.pipe.Changed()
		if e.pipe.ReadyLen() > 0 {
			return true
		}
		if e.stopped() || e.pipe.Ended() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-changed:
		case <-ticker.C:
			if watchdog && e.idleExpired() {
				e.logger.Info("max idle reached, stopping consumption", slog.Duration("max_idle", e.opts.MaxIdle))
				e.mu.Lock()
				e.loopsStopped = true
				e.mu.Unlock()
				e.emitter.Emit(media.Event{Type: media.EventIdle, ReceivedTotal: e.pipe.Received(), Reason: "consumer"})
				return false
			}
		}
	}
}

func (e *Engine) idleExpired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.idleStartedAt.IsZero() && time.Since(e.idleStartedAt) > e.opts.MaxIdle
}

// waitForEndOfUpdate gives the sink a bounded number of chances to finish
// its current update. It gives up silently after the last retry.
func (e *Engine) waitForEndOfUpdate(buf SourceBuffer) {
	for i := 0; i < e.opts.UpdateRetries; i++ {
		if !buf.Updating() {
			return
		}
		timer := time.NewTimer(e.opts.UpdateTimeout)
		select {
		case <-buf.UpdateEnd():
			timer.Stop()
			return
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.logger.Warn("wait for update end timeout", slog.Int("attempt", i+1))
		}
	}
}

func (e *Engine) endOfStream() {
	e.endOnce.Do(func() {
		e.mu.Lock()
		e.loopsStopped = true
		buf := e.buffer
		destroyed := e.destroyed
		e.mu.Unlock()

		if destroyed {
			e.logger.Debug("continuous stream destroyed", slog.Int("received_total", e.pipe.Received()))
			close(e.done)
			return
		}
		if e.sink.SourceState() == SourceOpen {
			if buf != nil {
				e.waitForEndOfUpdate(buf)
			}
			if err := e.sink.EndOfStream(); err != nil {
				e.logger.Warn("end of stream failed", slogError(err))
			}
		}
		e.emitter.Emit(media.Event{Type: media.EventEnded, ReceivedTotal: e.pipe.Received()})
		close(e.done)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
