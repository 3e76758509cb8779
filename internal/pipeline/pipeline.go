package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-media/internal/media"
	"github.com/loqalabs/loqa-media/internal/source"
)

const (
	DefaultBatchSize    = 3
	DefaultMaxIdle      = 180 * time.Second
	DefaultPollInterval = 3 * time.Second
)

const instrumentationName = "github.com/loqalabs/loqa-media/pipeline"

// Options configures a Pipeline. Zero values take the package defaults.
type Options struct {
	BatchSize    int
	Live         bool
	MaxIdle      time.Duration
	PollInterval time.Duration
	Backpressure Policy
	// Direct is the item kind that is already a resolved payload and skips
	// batching.
	Direct  media.Kind
	Fetcher source.Fetcher
	Emitter *media.Emitter
	Logger  *slog.Logger
	// IdleSince, when set, supplies the start of the current idle interval
	// for the watchdog. A zero time means "not idle".
	IdleSince func() time.Time
	// OnReady runs after payloads enter the ReadyQueue.
	OnReady func()
	// OnStop runs once after Run returns.
	OnStop func()
}

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	Received int
	Dropped  int
	Pending  int
	Ready    int
}

type resolved struct {
	payload media.Payload
	ok      bool
	reason  string
}

// Pipeline drains an InputQueue into a ReadyQueue, resolving references in
// ordered concurrent batches.
type Pipeline struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	fetcher  source.Fetcher
	input    []media.Item
	ready    []media.Payload
	received int
	dropped  int
	finished bool
	ended    bool
	changed  chan struct{}

	wake chan struct{}
	done chan struct{}

	tracer       trace.Tracer
	receivedCtr  metric.Int64Counter
	droppedCtr   metric.Int64Counter
	backpressure metric.Int64Counter
}

// New creates a pipeline seeded with items.
func New(opts Options, items ...media.Item) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Backpressure.Unit <= 0 {
		opts.Backpressure = ContinuousPolicy(opts.PollInterval)
	}
	if opts.Emitter == nil {
		opts.Emitter = media.NewEmitter()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = source.NewHTTPFetcher(source.HTTPOptions{})
	}

	p := &Pipeline{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "pipeline")),
		fetcher: opts.Fetcher,
		input:   append([]media.Item(nil), items...),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		tracer:  otel.Tracer(instrumentationName),
	}
	p.initMetrics()
	return p
}

func (p *Pipeline) initMetrics() {
	meter := otel.Meter(instrumentationName)
	p.receivedCtr = counter(meter, p.logger, "loqa.media.items.received", "Items resolved or dropped by the ingestion pipeline")
	p.droppedCtr = counter(meter, p.logger, "loqa.media.items.dropped", "Items whose resolution failed")
	p.backpressure = counter(meter, p.logger, "loqa.media.backpressure.delays", "Ingestion pauses caused by ReadyQueue depth")
}

func counter(meter metric.Meter, logger *slog.Logger, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Warn("failed to create metric", slog.String("metric", name), slogError(err))
		return noop.Int64Counter{}
	}
	return c
}

func (p *Pipeline) BatchSize() int { return p.opts.BatchSize }
func (p *Pipeline) Live() bool { return p.opts.Live }

// SetFetcher swaps the byte source used for subsequent batches.
func (p *Pipeline) SetFetcher(f source.Fetcher) {
	if f == nil {
		return
	}
	p.mu.Lock()
	p.fetcher = f
	p.mu.Unlock()
}

// Push appends items to the InputQueue in order.
func (p *Pipeline) Push(items ...media.Item) {
	if len(items) == 0 {
		return
	}
	p.mu.Lock()
	p.input = append(p.input, items...)
	p.mu.Unlock()
	p.signal()
}

// Pop removes the oldest ready payload.
func (p *Pipeline) Pop() (media.Payload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready) == 0 {
		return media.Payload{}, false
	}
	payload := p.ready[0]
	p.ready[0] = media.Payload{}
	p.ready = p.ready[1:]
	return payload, true
}

// Peek returns the oldest ready payload without removing it.
func (p *Pipeline) Peek() (media.Payload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready) == 0 {
		return media.Payload{}, false
	}
	return p.ready[0], true
}

func (p *Pipeline) ReadyLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

func (p *Pipeline) PendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.input)
}

// Received is the number of items resolved so far, failures included.
func (p *Pipeline) Received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Received: p.received,
		Dropped:  p.dropped,
		Pending:  len(p.input),
		Ready:    len(p.ready),
	}
}

// Finish marks the pipe as stopped: queued input is still drained, but a
// live pipeline no longer waits for more.
func (p *Pipeline) Finish() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
	p.signal()
}

// Stopped reports whether the pipe was finished or has ended.
func (p *Pipeline) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished || p.ended
}

// Clear empties both queues.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.input = nil
	p.ready = nil
	p.broadcastLocked()
	p.mu.Unlock()
}

// Changed returns a channel closed on the next ReadyQueue change or when the
// pipeline ends.
func (p *Pipeline) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// Done is closed once the current Run has returned.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Ended reports whether Run has returned.
func (p *Pipeline) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

// Reopen prepares an ended pipeline for another Run when input was pushed
// after it stopped. Counters, sequence numbers and the ReadyQueue carry over,
// and a finished pipe stays finished so the new Run drains and ends. It
// reports false while Run is active or when nothing is queued.
func (p *Pipeline) Reopen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ended || len(p.input) == 0 {
		return false
	}
	p.ended = false
	p.done = make(chan struct{})
	return true
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Run drains the InputQueue until it is empty and the pipe is stopped, the
// idle watchdog fires, or ctx is cancelled. It must be called once, and once
// more after every successful Reopen.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.stop()

	batch := make([]media.Item, 0, p.opts.BatchSize)
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := p.next()
		if ok {
			if item.Kind() == p.opts.Direct {
				if len(batch) > 0 {
					// keep FIFO order across the bypass
					p.resolveBatch(ctx, batch)
					batch = batch[:0]
				}
				payload, _ := media.PayloadOf(item)
				p.deliver(ctx, []resolved{{payload: payload, ok: true}})
				continue
			}
			batch = append(batch, item)
			if len(batch) < p.opts.BatchSize {
				continue
			}
		}
		if len(batch) > 0 {
			full := len(batch) == p.opts.BatchSize
			p.resolveBatch(ctx, batch)
			batch = batch[:0]
			if full {
				p.applyBackpressure(ctx)
				continue
			}
		}
		if !p.waitForInput(ctx) && p.markEnded(ctx) {
			return
		}
	}
}

// markEnded ends the run unless input slipped in after the last check.
func (p *Pipeline) markEnded(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.input) > 0 && ctx.Err() == nil {
		return false
	}
	p.ended = true
	return true
}

func (p *Pipeline) next() (media.Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.input) == 0 {
		return media.Item{}, false
	}
	item := p.input[0]
	p.input[0] = media.Item{}
	p.input = p.input[1:]
	return item, true
}

func (p *Pipeline) resolveBatch(ctx context.Context, batch []media.Item) {
	ctx, span := p.tracer.Start(ctx, "pipeline.resolve_batch",
		trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer span.End()

	p.mu.Lock()
	fetcher := p.fetcher
	p.mu.Unlock()

	results := make([]resolved, len(batch))
	var g errgroup.Group
	g.SetLimit(p.opts.BatchSize)
	for i, item := range batch {
		g.Go(func() error {
			results[i] = p.resolve(ctx, fetcher, item)
			return nil
		})
	}
	_ = g.Wait()
	p.deliver(ctx, results)
}

func (p *Pipeline) resolve(ctx context.Context, fetcher source.Fetcher, item media.Item) resolved {
	var (
		res source.Result
		err error
	)
	switch item.Kind() {
	case media.KindBlob, media.KindBuffer:
		payload, _ := media.PayloadOf(item)
		return resolved{payload: payload, ok: true}
	case media.KindURL:
		res, err = fetcher.Fetch(ctx, item.Ref())
	case media.KindResponse:
		res, err = source.ReadResponse(item.HTTPResponse())
	default:
		return resolved{reason: fmt.Sprintf("unsupported item %s", item.Kind())}
	}
	if err != nil {
		return resolved{reason: err.Error()}
	}
	if !res.OK {
		return resolved{reason: fmt.Sprintf("status %d", res.StatusCode)}
	}
	return resolved{payload: media.Payload{Data: res.Data, ContentType: res.ContentType}, ok: true}
}

func (p *Pipeline) deliver(ctx context.Context, results []resolved) {
	var drops []media.Event

	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	accepted := 0
	for _, r := range results {
		p.received++
		seq := p.received
		if !r.ok {
			p.dropped++
			drops = append(drops, media.Event{Type: media.EventDropped, Seq: seq, ReceivedTotal: p.received, Reason: r.reason})
			continue
		}
		r.payload.Seq = seq
		p.ready = append(p.ready, r.payload)
		accepted++
	}
	if accepted > 0 {
		p.broadcastLocked()
	}
	p.mu.Unlock()

	p.receivedCtr.Add(ctx, int64(len(results)))
	for _, evt := range drops {
		p.droppedCtr.Add(ctx, 1)
		p.logger.Warn("item resolution failed, dropping", slog.Int("seq", evt.Seq), slog.String("reason", evt.Reason))
		p.opts.Emitter.Emit(evt)
	}
	if accepted > 0 && p.opts.OnReady != nil {
		p.opts.OnReady()
	}
}

func (p *Pipeline) applyBackpressure(ctx context.Context) {
	ready := p.ReadyLen()
	if delay, slow := p.opts.Backpressure.Delay(ready, p.opts.BatchSize); slow {
		p.backpressure.Add(ctx, 1)
		p.logger.Debug("ready queue over threshold, slowing down", slog.Int("ready", ready), slog.Duration("delay", delay))
		sleep(ctx, delay)
		return
	}
	if p.opts.Backpressure.Low(ready, p.opts.BatchSize) {
		p.emitMore()
	}
}

// waitForInput returns true when there is new input to process.
func (p *Pipeline) waitForInput(ctx context.Context) bool {
	if p.PendingLen() > 0 {
		return true
	}
	if !p.opts.Live || p.Stopped() {
		return false
	}

	waitStarted := time.Now()
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()
	p.emitMore()
	for {
		if p.PendingLen() > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.wake:
			if p.PendingLen() > 0 {
				return true
			}
			if p.Stopped() {
				return false
			}
			continue
		case <-timer.C:
			timer.Reset(p.opts.PollInterval)
		}

		idleSince := waitStarted
		if p.opts.IdleSince != nil {
			idleSince = p.opts.IdleSince()
		}
		if !idleSince.IsZero() && time.Since(idleSince) > p.opts.MaxIdle {
			p.logger.Info("max idle reached, stopping pipe", slog.Duration("max_idle", p.opts.MaxIdle))
			p.opts.Emitter.Emit(media.Event{Type: media.EventIdle, ReceivedTotal: p.Received(), Reason: "pipeline"})
			return false
		}
		if p.Stopped() && p.PendingLen() == 0 {
			return false
		}
		p.emitMore()
	}
}

func (p *Pipeline) emitMore() {
	p.opts.Emitter.Emit(media.Event{Type: media.EventMore, ReceivedTotal: p.Received()})
}

func (p *Pipeline) stop() {
	p.mu.Lock()
	p.ended = true
	p.finished = true
	done := p.done
	p.broadcastLocked()
	p.mu.Unlock()
	close(done)
	if p.opts.OnStop != nil {
		p.opts.OnStop()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
