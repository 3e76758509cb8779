package continuous

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-media/internal/media"
	"github.com/loqalabs/loqa-media/internal/source"
)

var errBusy = errors.New("source buffer is updating")

type fakeBuffer struct {
	sink  *fakeSink
	delay time.Duration

	mu       sync.Mutex
	updating bool
	end      chan struct{}
}

func (b *fakeBuffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updating
}

func (b *fakeBuffer) UpdateEnd() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.updating {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return b.end
}

func (b *fakeBuffer) Append(data []byte) error {
	b.mu.Lock()
	if b.updating {
		b.mu.Unlock()
		b.sink.record("overlap")
		return errBusy
	}
	b.updating = true
	end := make(chan struct{})
	b.end = end
	b.mu.Unlock()

	b.sink.record("append:" + string(data))
	go func() {
		time.Sleep(b.delay)
		b.mu.Lock()
		b.updating = false
		b.mu.Unlock()
		close(end)
		b.sink.buffered()
	}()
	return nil
}

type fakeSink struct {
	updateDelay time.Duration

	mu       sync.Mutex
	paused   bool
	attached bool
	state    SourceState
	mimeType string
	hasData  bool
	canPlay  func()
	ended    map[int]func()
	nextID   int
	log      []string
	plays    int
	detaches int
	buffer   *fakeBuffer
}

func newFakeSink() *fakeSink {
	return &fakeSink{paused: true, ended: make(map[int]func()), updateDelay: 2 * time.Millisecond}
}

func (s *fakeSink) record(entry string) {
	s.mu.Lock()
	s.log = append(s.log, entry)
	s.mu.Unlock()
}

func (s *fakeSink) entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func (s *fakeSink) buffered() {
	s.mu.Lock()
	s.hasData = true
	fn := s.canPlay
	s.canPlay = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *fakeSink) fireEnded() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.ended))
	for _, fn := range s.ended {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *fakeSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *fakeSink) Play() error {
	s.mu.Lock()
	s.paused = false
	s.plays++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Pause() error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) CanPlayThrough() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasData
}

func (s *fakeSink) OnCanPlay(fn func()) {
	s.mu.Lock()
	s.canPlay = fn
	s.mu.Unlock()
}

func (s *fakeSink) OnEnded(fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.ended[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.ended, id)
		s.mu.Unlock()
	}
}

func (s *fakeSink) Attach() error {
	s.mu.Lock()
	s.attached = true
	s.state = SourceClosed
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *fakeSink) AddSourceBuffer(ctx context.Context, mimeType string) (SourceBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SourceOpen
	s.mimeType = mimeType
	s.buffer = &fakeBuffer{sink: s, delay: s.updateDelay}
	return s.buffer, nil
}

func (s *fakeSink) SourceState() SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSink) EndOfStream() error {
	s.mu.Lock()
	buf := s.buffer
	s.mu.Unlock()
	if buf != nil && buf.Updating() {
		s.record("eos-while-updating")
		return errBusy
	}
	s.mu.Lock()
	s.state = SourceEnded
	s.mu.Unlock()
	s.record("eos")
	return nil
}

func (s *fakeSink) Detach() {
	s.mu.Lock()
	if s.attached {
		s.detaches++
	}
	s.attached = false
	s.state = SourceClosed
	s.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []media.Event
}

func (r *recorder) listen(evt media.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) count(t media.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == t {
			n++
		}
	}
	return n
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func boolPtr(v bool) *bool { return &v }

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx), "engine did not end")
}

func TestEngineAppendsBuffersInOrderAndEndsOnce(t *testing.T) {
	sink := newFakeSink()
	sink.updateDelay = 15 * time.Millisecond
	rec := &recorder{}
	emitter := media.NewEmitter()
	emitter.Subscribe(rec.listen)

	e := New(context.Background(), sink, Options{
		Items:    []media.Item{media.Buffer([]byte("one")), media.Buffer([]byte("two"))},
		MimeType: "audio/webm",
		Emitter:  emitter,
		Logger:   newLogger(),
	})
	assert.False(t, e.Live())
	waitDone(t, e)

	assert.Equal(t, []string{"append:one", "append:two", "eos"}, sink.entries())
	assert.Equal(t, "audio/webm", sink.mimeType)
	assert.Equal(t, SourceEnded, sink.SourceState())
	assert.Equal(t, 1, rec.count(media.EventEnded))
	assert.Equal(t, 1, rec.count(media.EventOpened))
	assert.Equal(t, 2, e.Stats().Appended)
	assert.True(t, e.IsEmpty())
}

func TestEngineSeedsMimeTypeFromFirstPayload(t *testing.T) {
	sink := newFakeSink()
	e := New(context.Background(), sink, Options{
		Items:   media.URLs("a", "b"),
		Fetcher: source.NewMockFetcher("audio/mpeg"),
		Logger:  newLogger(),
	})
	waitDone(t, e)

	assert.Equal(t, "audio/mpeg", e.MimeType())
	assert.Equal(t, "audio/mpeg", sink.mimeType)
	assert.Equal(t, []string{"append:mock:a", "append:mock:b", "eos"}, sink.entries())
}

func TestEngineAppendRequiresLiveMode(t *testing.T) {
	sink := newFakeSink()
	e := New(context.Background(), sink, Options{
		Items:    []media.Item{media.Buffer([]byte("x"))},
		MimeType: "audio/webm",
		Logger:   newLogger(),
	})
	t.Cleanup(e.Destroy)
	assert.ErrorIs(t, e.Append(media.Buffer([]byte("y"))), ErrNotLive)
}

func TestEngineRejectsMismatchedMimeType(t *testing.T) {
	sink := newFakeSink()
	e := New(context.Background(), sink, Options{Live: boolPtr(true), RecordingInterval: time.Hour, Logger: newLogger()})
	t.Cleanup(e.Destroy)

	require.NoError(t, e.AppendTyped("audio/webm", media.Buffer([]byte("first"))))
	require.NoError(t, e.AppendTyped("video/mp4", media.Buffer([]byte("second"))))

	require.Eventually(t, func() bool { return e.Stats().Appended == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "audio/webm", e.MimeType())
	assert.Equal(t, 1, e.Stats().Received)
	assert.Equal(t, []string{"append:first"}, sink.entries())
}

func TestEngineAppendAfterFinishIsIgnored(t *testing.T) {
	sink := newFakeSink()
	e := New(context.Background(), sink, Options{Live: boolPtr(true), RecordingInterval: time.Hour, Logger: newLogger()})
	require.NoError(t, e.AppendTyped("audio/webm", media.Buffer([]byte("only"))))
	e.Finish()
	waitDone(t, e)

	require.NoError(t, e.Append(media.Buffer([]byte("late"))))
	assert.Equal(t, 1, e.Stats().Received)
	assert.Equal(t, []string{"append:only", "eos"}, sink.entries())
}

func TestEngineToPlayWaitsForPlayableData(t *testing.T) {
	sink := newFakeSink()
	e := New(context.Background(), sink, Options{Live: boolPtr(true), RecordingInterval: time.Hour, Logger: newLogger()})
	t.Cleanup(e.Destroy)

	e.ToPlay()
	assert.True(t, sink.Paused())

	require.NoError(t, e.AppendTyped("audio/webm", media.Buffer([]byte("chunk"))))
	require.Eventually(t, func() bool { return !sink.Paused() }, 2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	plays := sink.plays
	sink.mu.Unlock()
	assert.Equal(t, 1, plays)
}

func TestEngineEndsWhenUpdateNeverFinishes(t *testing.T) {
	sink := newFakeSink()
	sink.updateDelay = time.Hour
	rec := &recorder{}
	emitter := media.NewEmitter()
	emitter.Subscribe(rec.listen)

	e := New(context.Background(), sink, Options{
		Items:         []media.Item{media.Buffer([]byte("a")), media.Buffer([]byte("b"))},
		MimeType:      "audio/webm",
		UpdateRetries: 2,
		UpdateTimeout: 5 * time.Millisecond,
		Emitter:       emitter,
		Logger:        newLogger(),
	})
	waitDone(t, e)

	assert.Equal(t, []string{"append:a", "overlap", "eos-while-updating"}, sink.entries())
	assert.Equal(t, 1, rec.count(media.EventEnded))
}

func TestEngineConsumerIdleWatchdog(t *testing.T) {
	sink := newFakeSink()
	rec := &recorder{}
	emitter := media.NewEmitter()
	emitter.Subscribe(rec.listen)

	e := New(context.Background(), sink, Options{
		Live:              boolPtr(true),
		RecordingInterval: time.Hour,
		MaxIdle:           20 * time.Millisecond,
		ConsumePoll:       5 * time.Millisecond,
		Emitter:           emitter,
		Logger:            newLogger(),
	})
	t.Cleanup(e.Destroy)

	require.NoError(t, e.AppendTyped("audio/webm", media.Buffer([]byte("a"))))
	require.Eventually(t, func() bool { return e.Stats().Appended == 1 }, 2*time.Second, 5*time.Millisecond)
	sink.fireEnded()

	waitDone(t, e)
	assert.Equal(t, 1, rec.count(media.EventIdle))
	assert.Equal(t, 1, rec.count(media.EventEnded))
}

func TestEngineDestroyIsIdempotent(t *testing.T) {
	sink := newFakeSink()
	rec := &recorder{}
	emitter := media.NewEmitter()
	emitter.Subscribe(rec.listen)
	e := New(context.Background(), sink, Options{Live: boolPtr(true), RecordingInterval: time.Hour, Emitter: emitter, Logger: newLogger()})
	require.NoError(t, e.AppendTyped("audio/webm", media.Buffer([]byte("a"))))
	require.Eventually(t, func() bool { return e.Stats().Appended == 1 }, 2*time.Second, 5*time.Millisecond)

	e.Destroy()
	e.Destroy()
	waitDone(t, e)
	assert.Zero(t, rec.count(media.EventEnded), "destroy must not emit ended")

	assert.False(t, sink.Attached())
	assert.True(t, sink.Paused())
	sink.mu.Lock()
	assert.Equal(t, 1, sink.detaches)
	assert.Empty(t, sink.ended)
	sink.mu.Unlock()
}
