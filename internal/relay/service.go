// Package relay runs stream engines on behalf of bus clients. Each stream id
// owns one engine bound to a file sink; engine events are republished on the
// bus and recorded in the event store.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-media/internal/bus"
	"github.com/loqalabs/loqa-media/internal/chained"
	"github.com/loqalabs/loqa-media/internal/config"
	"github.com/loqalabs/loqa-media/internal/continuous"
	"github.com/loqalabs/loqa-media/internal/eventstore"
	"github.com/loqalabs/loqa-media/internal/media"
	"github.com/loqalabs/loqa-media/internal/protocol"
	"github.com/loqalabs/loqa-media/internal/sink"
	"github.com/loqalabs/loqa-media/internal/source"
)

var (
	ErrUnknownMode   = errors.New("unknown stream mode")
	ErrInvalidStream = errors.New("invalid stream id")
	ErrTooMany       = errors.New("too many active streams")
)

// stream is the relay's view of one engine.
type stream struct {
	id      string
	mode    string
	append  func(mimeType string, items []media.Item) error
	toPlay  func()
	finish  func()
	destroy func()
	done    <-chan struct{}
}

type Service struct {
	cfg     config.Config
	bus     *bus.Client
	store   *eventstore.Store
	fetcher source.Fetcher
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
	reg     metric.Registration
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, store *eventstore.Store, fetcher source.Fetcher, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		store:   store,
		fetcher: fetcher,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "relay")),
		streams: make(map[string]*stream),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Relay.Enabled {
		return nil
	}
	s.registerMetrics()
	if s.bus == nil {
		return errors.New("relay requires a bus connection")
	}
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectStreamAppend:  s.handleAppend,
		protocol.SubjectStreamDestroy: s.handleDestroy,
	} {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("relay started", slog.String("default_mode", s.cfg.Relay.DefaultMode))
	return nil
}

func (s *Service) registerMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-media/relay")
	gauge, err := meter.Int64ObservableGauge("loqa.media.streams.active",
		metric.WithDescription("Streams currently owned by the relay"))
	if err != nil {
		s.logger.Warn("failed to create metric", slog.String("metric", "loqa.media.streams.active"), slogError(err))
		return
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(s.Active()))
		return nil
	}, gauge)
	if err != nil {
		s.logger.Warn("failed to register metric callback", slogError(err))
		return
	}
	s.reg = reg
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Close() {
	s.unsubscribe()
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.destroy()
	}
	s.cancel()
	s.wg.Wait()
	if s.reg != nil {
		_ = s.reg.Unregister()
	}
}

func (s *Service) Healthy() bool { return !s.cfg.Relay.Enabled || len(s.subs) > 0 }

// Active returns the number of live streams.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Service) handleAppend(msg *nats.Msg) {
	var req protocol.AppendRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode append request", slogError(err))
		s.reply(msg, protocol.AppendReply{Error: err.Error()})
		return
	}
	id, err := s.Append(req)
	reply := protocol.AppendReply{StreamID: id}
	if err != nil {
		s.logger.Warn("append request failed", slog.String("stream", req.StreamID), slogError(err))
		reply.Error = err.Error()
	}
	s.reply(msg, reply)
}

func (s *Service) reply(msg *nats.Msg, reply protocol.AppendReply) {
	if msg.Reply == "" {
		return
	}
	if err := s.bus.PublishJSON(msg.Reply, reply); err != nil {
		s.logger.Warn("failed to reply", slogError(err))
	}
}

func (s *Service) handleDestroy(msg *nats.Msg) {
	var req protocol.DestroyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode destroy request", slogError(err))
		return
	}
	s.Destroy(req.StreamID)
}

// Append routes req to its stream, creating the stream on first use. It
// returns the stream id, which is generated when req leaves it empty.
func (s *Service) Append(req protocol.AppendRequest) (string, error) {
	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}
	if !validID(req.StreamID) {
		return req.StreamID, ErrInvalidStream
	}
	mode := req.Mode
	if mode == "" {
		mode = s.cfg.Relay.DefaultMode
	}
	st, err := s.stream(req.StreamID, mode, req.MimeType)
	if err != nil {
		return req.StreamID, err
	}
	if req.Mode != "" && req.Mode != st.mode {
		s.logger.Warn("mode ignored for existing stream", slog.String("stream", st.id), slog.String("mode", st.mode), slog.String("requested", req.Mode))
	}

	items := media.URLs(req.Refs...)
	if len(req.Data) > 0 {
		if st.mode == protocol.ModeContinuous {
			items = append(items, media.Buffer(req.Data))
		} else {
			items = append(items, media.Blob(req.Data, req.MimeType))
		}
	}
	if len(items) > 0 {
		if err := st.append(req.MimeType, items); err != nil {
			return st.id, err
		}
	}
	if req.Play {
		st.toPlay()
	}
	if req.Final {
		st.finish()
	}
	return st.id, nil
}

// Destroy tears down a stream. Unknown ids are ignored.
func (s *Service) Destroy(id string) {
	s.mu.Lock()
	st, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("destroying stream", slog.String("stream", id))
	st.destroy()
}

func (s *Service) stream(id, mode, mimeType string) (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[id]; ok {
		return st, nil
	}
	if len(s.streams) >= s.cfg.Relay.MaxStreams {
		return nil, ErrTooMany
	}
	if mode != protocol.ModeChained && mode != protocol.ModeContinuous {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if err := s.store.OpenStream(s.ctx, id, mode, mimeType); err != nil {
		s.logger.Warn("failed to record stream", slog.String("stream", id), slogError(err))
	}
	st, err := s.newStream(id, mode)
	if err != nil {
		return nil, err
	}
	s.streams[id] = st
	s.logger.Info("stream opened", slog.String("stream", id), slog.String("mode", mode))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-st.done
		s.remove(st)
	}()
	return st, nil
}

func (s *Service) newStream(id, mode string) (*stream, error) {
	streamCfg := s.cfg.Stream
	logger := s.logger.With(slog.String("stream", id))
	emitter := media.NewEmitter()
	emitter.Subscribe(func(evt media.Event) { s.publish(id, evt) })

	switch mode {
	case protocol.ModeChained:
		sk, err := sink.NewSequence(filepath.Join(s.cfg.Sink.Directory, id), s.cfg.Sink.BytesPerSecond, logger)
		if err != nil {
			return nil, err
		}
		e := chained.New(s.ctx, sk, chained.Options{
			Fetcher:      s.fetcher,
			Live:         true,
			BatchSize:    streamCfg.BatchSize,
			MaxIdle:      streamCfg.MaxIdle(),
			PollInterval: streamCfg.RecordingInterval(),
			Backoff:      streamCfg.ChainedBackoff(),
			Emitter:      emitter,
			Logger:       logger,
		})
		return &stream{
			id:   id,
			mode: mode,
			append: func(_ string, items []media.Item) error {
				e.Append(items...)
				return nil
			},
			toPlay:  e.ToPlay,
			finish:  e.Finish,
			destroy: e.Destroy,
			done:    e.Done(),
		}, nil
	case protocol.ModeContinuous:
		sk, err := sink.NewStream(s.cfg.Sink.Directory, id, s.cfg.Sink.BytesPerSecond, logger)
		if err != nil {
			return nil, err
		}
		live := true
		e := continuous.New(s.ctx, sk, continuous.Options{
			Fetcher:           s.fetcher,
			Live:              &live,
			BatchSize:         streamCfg.BatchSize,
			MaxIdle:           streamCfg.MaxIdle(),
			RecordingInterval: streamCfg.RecordingInterval(),
			ConsumePoll:       streamCfg.ConsumePoll(),
			UpdateRetries:     streamCfg.UpdateRetries,
			UpdateTimeout:     streamCfg.UpdateTimeout(),
			Emitter:           emitter,
			Logger:            logger,
		})
		return &stream{
			id:      id,
			mode:    mode,
			append:  func(mimeType string, items []media.Item) error { return e.AppendTyped(mimeType, items...) },
			toPlay:  e.ToPlay,
			finish:  e.Finish,
			destroy: e.Destroy,
			done:    e.Done(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

func (s *Service) remove(st *stream) {
	s.mu.Lock()
	if s.streams[st.id] == st {
		delete(s.streams, st.id)
	}
	s.mu.Unlock()
	st.destroy()
	if err := s.store.CloseStream(context.Background(), st.id); err != nil {
		s.logger.Warn("failed to close stream record", slog.String("stream", st.id), slogError(err))
	}
	s.logger.Info("stream removed", slog.String("stream", st.id))
}

func (s *Service) publish(id string, evt media.Event) {
	out := protocol.StreamEvent{
		StreamID:      id,
		Type:          string(evt.Type),
		ReceivedTotal: evt.ReceivedTotal,
		PlayedTotal:   evt.PlayedTotal,
		Seq:           evt.Seq,
		Reason:        evt.Reason,
		Timestamp:     evt.Time,
	}
	if s.bus != nil {
		if err := s.bus.PublishJSON(protocol.EventSubject(id), out); err != nil {
			s.logger.Warn("failed to publish stream event", slog.String("stream", id), slogError(err))
		}
	}
	err := s.store.AppendEvent(context.Background(), eventstore.Event{
		StreamID:      id,
		Type:          out.Type,
		ReceivedTotal: out.ReceivedTotal,
		PlayedTotal:   out.PlayedTotal,
		Seq:           out.Seq,
		Reason:        out.Reason,
		CreatedAt:     out.Timestamp,
	})
	if err != nil {
		s.logger.Warn("failed to record stream event", slog.String("stream", id), slogError(err))
	}
}

func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, "./\\*> \t\r\n")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
