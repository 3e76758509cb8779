package chained

import (
	"context"
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

// stubSink plays each assigned source for a moment and then reports that
// playback ended.
type stubSink struct {
	mu       sync.Mutex
	paused   bool
	current  *media.Source
	assigned []string
	payloads []string
	canPlay  func()
	ended    map[int]func()
	nextID   int
	pauses   int
	clears   int
}

func newStubSink() *stubSink {
	return &stubSink{paused: true, ended: make(map[int]func())}
}

func (s *stubSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *stubSink) Play() error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	go func() {
		time.Sleep(time.Millisecond)
		s.mu.Lock()
		s.paused = true
		fns := make([]func(), 0, len(s.ended))
		for _, fn := range s.ended {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}()
	return nil
}

func (s *stubSink) Pause() error {
	s.mu.Lock()
	s.paused = true
	s.pauses++
	s.mu.Unlock()
	return nil
}

func (s *stubSink) CanPlayThrough() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *stubSink) OnCanPlay(fn func()) {
	s.mu.Lock()
	s.canPlay = fn
	s.mu.Unlock()
}

func (s *stubSink) OnEnded(fn func()) func() {
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

func (s *stubSink) Assign(src *media.Source) error {
	s.mu.Lock()
	s.current = src
	s.assigned = append(s.assigned, src.ID)
	s.payloads = append(s.payloads, string(src.Bytes()))
	fn := s.canPlay
	s.canPlay = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (s *stubSink) Current() *media.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *stubSink) Clear() {
	s.mu.Lock()
	s.current = nil
	s.clears++
	s.mu.Unlock()
}

func (s *stubSink) snapshot() (assigned, payloads []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.assigned...), append([]string(nil), s.payloads...)
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

func (r *recorder) find(t media.EventType) []media.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []media.Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx), "engine did not end")
}

func blobs(names ...string) []media.Item {
	items := make([]media.Item, len(names))
	for i, name := range names {
		items[i] = media.Blob([]byte(name), "audio/mpeg")
	}
	return items
}

func TestEnginePlaysEveryBlobOnce(t *testing.T) {
	sink := newStubSink()
	rec := &recorder{}
	emitter := media.NewEmitter()
	emitter.Subscribe(rec.listen)

	e := New(context.Background(), sink, Options{
		Items:   blobs("one", "two", "three"),
		Emitter: emitter,
		Logger:  newLogger(),
	})
	e.ToPlay()
	waitDone(t, e)

	assert.Equal(t, 3, e.PlayedTotal())
	ended := rec.find(media.EventEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, 3, ended[0].PlayedTotal)
	assert.Equal(t, 3, ended[0].ReceivedTotal)

	assigned, payloads := sink.snapshot()
	assert.Equal(t, []string{"one", "two", "three"}, payloads)
	seen := make(map[string]bool)
	for _, id := range assigned {
		assert.False(t, seen[id], "source %s assigned twice", id)
		seen[id] = true
	}
	assert.Nil(t, sink.Current())
	assert.True(t, e.IsEmpty())
}

func TestEnginePrebuffersFirstSourceUntilToPlay(t *testing.T) {
	sink := newStubSink()
	e := New(context.Background(), sink, Options{Items: blobs("first", "second"), Logger: newLogger()})
	t.Cleanup(e.Destroy)

	require.Eventually(t, func() bool { return sink.Current() != nil }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, sink.Paused())
	assert.Equal(t, 0, e.PlayedTotal())

	e.ToPlay()
	waitDone(t, e)
	assert.Equal(t, 2, e.PlayedTotal())
	_, payloads := sink.snapshot()
	assert.Equal(t, []string{"first", "second"}, payloads)
}

func TestEngineSkipsFailedReferences(t *testing.T) {
	fetcher := source.NewMockFetcher("audio/mpeg")
	fetcher.Fail("b")
	sink := newStubSink()
	rec := &recorder{}
	emitter := media.NewEmitter()
	emitter.Subscribe(rec.listen)

	e := New(context.Background(), sink, Options{
		Items:   media.URLs("a", "b", "c"),
		Fetcher: fetcher,
		Emitter: emitter,
		Logger:  newLogger(),
	})
	e.ToPlay()
	waitDone(t, e)

	_, payloads := sink.snapshot()
	assert.Equal(t, []string{"mock:a", "mock:c"}, payloads)
	assert.Equal(t, 2, e.PlayedTotal())
	dropped := rec.find(media.EventDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, 2, dropped[0].Seq)
	assert.Equal(t, 1, e.Stats().Dropped)
}

func TestEngineLiveAppendResumesPlayback(t *testing.T) {
	sink := newStubSink()
	e := New(context.Background(), sink, Options{Live: true, PollInterval: time.Hour, Logger: newLogger()})
	t.Cleanup(e.Destroy)

	e.ToPlay()
	e.Append(blobs("x")...)
	require.Eventually(t, func() bool { return e.PlayedTotal() == 1 }, 2*time.Second, 5*time.Millisecond)

	e.Append(blobs("y")...)
	require.Eventually(t, func() bool { return e.PlayedTotal() == 2 }, 2*time.Second, 5*time.Millisecond)

	e.Finish()
	waitDone(t, e)
	_, payloads := sink.snapshot()
	assert.Equal(t, []string{"x", "y"}, payloads)
}

func TestEngineAppendAfterIngestionEnded(t *testing.T) {
	sink := newStubSink()
	rec := &recorder{}
	emitter := media.NewEmitter()
	emitter.Subscribe(rec.listen)

	e := New(context.Background(), sink, Options{Items: blobs("first"), Emitter: emitter, Logger: newLogger()})
	t.Cleanup(e.Destroy)

	select {
	case <-e.pipe.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ingestion did not stop")
	}
	require.True(t, e.pipe.Ended())

	e.Append(blobs("late")...)
	e.ToPlay()
	waitDone(t, e)

	_, payloads := sink.snapshot()
	assert.Equal(t, []string{"first", "late"}, payloads)
	assert.Equal(t, 2, e.PlayedTotal())
	assert.True(t, e.IsEmpty())
	ended := rec.find(media.EventEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, 2, ended[0].ReceivedTotal)
}

func TestEngineAppendAfterEndedIsDropped(t *testing.T) {
	sink := newStubSink()
	e := New(context.Background(), sink, Options{Items: blobs("only"), Logger: newLogger()})
	e.ToPlay()
	waitDone(t, e)

	e.Append(blobs("too-late")...)
	time.Sleep(20 * time.Millisecond)
	_, payloads := sink.snapshot()
	assert.Equal(t, []string{"only"}, payloads)
	assert.Equal(t, 0, e.pipe.PendingLen())
}

func TestEngineLiveIdleEndsStream(t *testing.T) {
	sink := newStubSink()
	rec := &recorder{}
	emitter := media.NewEmitter()
	emitter.Subscribe(rec.listen)

	e := New(context.Background(), sink, Options{
		Live:         true,
		MaxIdle:      20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Emitter:      emitter,
		Logger:       newLogger(),
	})
	waitDone(t, e)

	assert.Len(t, rec.find(media.EventIdle), 1)
	assert.Len(t, rec.find(media.EventEnded), 1)
}

func TestEngineDestroyTwice(t *testing.T) {
	sink := newStubSink()
	rec := &recorder{}
	emitter := media.NewEmitter()
	emitter.Subscribe(rec.listen)
	e := New(context.Background(), sink, Options{Live: true, PollInterval: time.Hour, Emitter: emitter, Logger: newLogger()})
	e.Append(blobs("a")...)
	require.Eventually(t, func() bool { return sink.Current() != nil }, 2*time.Second, 5*time.Millisecond)
	src := sink.Current()

	e.Destroy()
	sink.mu.Lock()
	clears, listeners := sink.clears, len(sink.ended)
	sink.mu.Unlock()
	assert.True(t, src.Released())
	assert.Nil(t, sink.Current())
	assert.Zero(t, listeners)

	e.Destroy()
	sink.mu.Lock()
	assert.Equal(t, clears, sink.clears)
	sink.mu.Unlock()

	e.Append(blobs("late")...)
	assert.Zero(t, e.Stats().Pending)
	select {
	case <-e.Done():
	default:
		t.Fatal("done not closed after destroy")
	}
	assert.Empty(t, rec.find(media.EventEnded))
}
