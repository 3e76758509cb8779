package chained

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/loqalabs/loqa-media/internal/media"
	"github.com/loqalabs/loqa-media/internal/pipeline"
	"github.com/loqalabs/loqa-media/internal/source"
)

// DefaultBackoff is the fixed ingestion pause once more than one batch of
// sources is waiting.
const DefaultBackoff = 3 * time.Second

const instrumentationName = "github.com/loqalabs/loqa-media/chained"

type Options struct {
	Fetcher   source.Fetcher
	Items     []media.Item
	Live      bool
	BatchSize int
	MaxIdle   time.Duration
	// PollInterval is how often a live pipe re-checks for input.
	PollInterval time.Duration
	Backoff      time.Duration
	Emitter      *media.Emitter
	Logger       *slog.Logger
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	pipeline.Stats
	Played int
}

// Engine plays resolved blobs one after another, advancing on every
// playback-ended notification from the sink.
type Engine struct {
	opts    Options
	sink    Sink
	pipe    *pipeline.Pipeline
	emitter *media.Emitter
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	// playMu serialises advancing through sources.
	playMu sync.Mutex

	mu            sync.Mutex
	stopped       bool
	ended         bool
	ready         bool
	srcInitiated  bool
	startedFirst  bool
	canPlayArmed  bool
	playedTotal   int
	idleStartedAt time.Time

	detachEnded func()
	closeOnce   sync.Once
	endOnce     sync.Once
	done        chan struct{}
	played      metric.Int64Counter
}

// New binds an engine to sink, starts ingestion and pre-buffers the first
// source without playing it.
func New(parent context.Context, sink Sink, opts Options) *Engine {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = pipeline.DefaultPollInterval
	}
	if opts.Emitter == nil {
		opts.Emitter = media.NewEmitter()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		opts:    opts,
		sink:    sink,
		emitter: opts.Emitter,
		logger:  opts.Logger.With(slog.String("component", "chained-engine")),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.initMetrics()
	e.pipe = pipeline.New(pipeline.Options{
		BatchSize:    opts.BatchSize,
		Live:         opts.Live,
		MaxIdle:      opts.MaxIdle,
		PollInterval: opts.PollInterval,
		Backpressure: pipeline.ChainedPolicy(opts.Backoff),
		Direct:       media.KindBlob,
		Fetcher:      opts.Fetcher,
		Emitter:      opts.Emitter,
		Logger:       opts.Logger,
		IdleSince:    e.idleSince,
		OnReady:      func() { e.playNext() },
		OnStop:       e.onPipeStopped,
	}, opts.Items...)

	e.logger.Debug("chained engine created", slog.Bool("live", opts.Live), slog.Int("items", len(opts.Items)))

	e.cleanupSource()
	e.detachEnded = sink.OnEnded(e.onEnded)
	go e.pipe.Run(ctx)
	e.playNext()
	return e
}

func (e *Engine) initMetrics() {
	c, err := otel.Meter(instrumentationName).Int64Counter("loqa.media.sources.played",
		metric.WithDescription("Sources that finished playing on a chained sink"))
	if err != nil {
		e.logger.Warn("failed to create metric", slog.String("metric", "loqa.media.sources.played"), slogError(err))
		c = noop.Int64Counter{}
	}
	e.played = c
}

// Subscribe registers fn for engine events.
func (e *Engine) Subscribe(fn media.Listener) (cancel func()) {
	return e.emitter.Subscribe(fn)
}

// SetFetcher swaps the byte source used for remote references.
func (e *Engine) SetFetcher(f source.Fetcher) { e.pipe.SetFetcher(f) }

// Append queues items for playback and resumes a paused, ready sink. Items
// appended after ingestion stopped restart it; once the stream has ended they
// are dropped.
func (e *Engine) Append(items ...media.Item) {
	e.playMu.Lock()
	e.mu.Lock()
	stopped, ended, ready := e.stopped, e.ended, e.ready
	e.mu.Unlock()
	switch {
	case stopped:
		e.playMu.Unlock()
		e.logger.Warn("append ignored, engine destroyed")
		return
	case ended:
		e.playMu.Unlock()
		e.logger.Warn("append ignored, stream already ended", slog.Int("items", len(items)))
		return
	}
	e.pipe.Push(items...)
	if e.pipe.Reopen() {
		e.logger.Debug("ingestion restarted for appended items", slog.Int("items", len(items)))
		go e.pipe.Run(e.ctx)
	}
	e.playMu.Unlock()
	if ready && e.sink.Paused() {
		e.ToPlay()
	}
}

// ToPlay allows the sink to start. It plays now when a playable source is
// assigned, otherwise once one becomes playable.
func (e *Engine) ToPlay() {
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	if !e.sink.Paused() {
		return
	}
	cur := e.sink.Current()
	if cur != nil && cur.Released() {
		// the last source already finished, advance rather than replay it
		e.playNext()
		return
	}
	if cur != nil && e.sink.CanPlayThrough() {
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
		e.play()
	})
}

func (e *Engine) play() {
	e.mu.Lock()
	if e.playedTotal == 0 {
		e.startedFirst = true
	}
	e.mu.Unlock()
	if err := e.sink.Play(); err != nil {
		e.logger.Warn("sink play failed", slogError(err))
	}
}

// IsEmpty reports whether no source is assigned and nothing is queued.
func (e *Engine) IsEmpty() bool {
	stats := e.pipe.Stats()
	return e.sink.Current() == nil && stats.Pending == 0 && stats.Ready == 0
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
	e.cleanupSource()
}

// Destroy stops the engine and releases the sink. A second call is a no-op.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.canPlayArmed = false
	e.mu.Unlock()

	e.logger.Debug("destroy called")
	e.pipe.Finish()
	e.pipe.Clear()
	e.cancel()
	e.sink.OnCanPlay(nil)
	if !e.sink.Paused() {
		_ = e.sink.Pause()
	}
	e.cleanupSource()
	if e.detachEnded != nil {
		e.detachEnded()
	}
	e.closeDone()
}

// Done is closed after the terminal "ended" event or Destroy.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until the engine is done or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) PlayedTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playedTotal
}

func (e *Engine) Stats() Stats {
	return Stats{Stats: e.pipe.Stats(), Played: e.PlayedTotal()}
}

func (e *Engine) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleStartedAt
}

func (e *Engine) cleanupSource() {
	if cur := e.sink.Current(); cur != nil {
		cur.Release()
		e.sink.Clear()
	}
}

func (e *Engine) playNext() bool {
	e.playMu.Lock()
	defer e.playMu.Unlock()
	return e.playNextLocked()
}

func (e *Engine) playNextLocked() bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	if !e.sink.Paused() {
		e.idleStartedAt = time.Time{}
		e.mu.Unlock()
		return false
	}
	if e.playedTotal == 0 && e.srcInitiated {
		ready := e.ready && !e.startedFirst
		e.mu.Unlock()
		if ready {
			e.play()
			return true
		}
		return false
	}
	payload, ok := e.pipe.Pop()
	if !ok {
		e.idleStartedAt = time.Now()
		e.mu.Unlock()
		return false
	}
	e.idleStartedAt = time.Time{}
	first := e.playedTotal == 0
	if first {
		e.srcInitiated = true
	}
	e.mu.Unlock()

	src := media.NewSource(payload)
	if err := e.sink.Assign(src); err != nil {
		e.logger.Warn("failed to assign source", slog.Int("seq", payload.Seq), slogError(err))
		src.Release()
		return false
	}
	e.logger.Debug("source assigned", slog.String("source_id", src.ID), slog.Int("seq", payload.Seq), slog.Bool("first", first))
	if !first {
		e.play()
	}
	return true
}

func (e *Engine) onEnded() {
	e.playMu.Lock()
	defer e.playMu.Unlock()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.playedTotal++
	e.mu.Unlock()
	e.played.Add(context.Background(), 1)

	if cur := e.sink.Current(); cur != nil {
		cur.Release()
	}
	if e.pipe.Ended() && e.pipe.ReadyLen() == 0 {
		e.sink.Clear()
		e.finish()
		return
	}
	e.playNextLocked()
}

// onPipeStopped ends the engine when ingestion stops after the last source
// has already finished.
func (e *Engine) onPipeStopped() {
	e.playMu.Lock()
	defer e.playMu.Unlock()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped || !e.pipe.Ended() || e.pipe.ReadyLen() > 0 || !e.sink.Paused() {
		return
	}
	if cur := e.sink.Current(); cur != nil && !cur.Released() {
		return
	}
	e.sink.Clear()
	e.finish()
}

func (e *Engine) finish() {
	e.endOnce.Do(func() {
		e.mu.Lock()
		e.ended = true
		e.mu.Unlock()
		e.logger.Debug("chained stream ended", slog.Int("played_total", e.PlayedTotal()))
		e.emitter.Emit(media.Event{
			Type:          media.EventEnded,
			ReceivedTotal: e.pipe.Received(),
			PlayedTotal:   e.PlayedTotal(),
		})
		e.closeDone()
	})
}

func (e *Engine) closeDone() {
	e.closeOnce.Do(func() { close(e.done) })
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
