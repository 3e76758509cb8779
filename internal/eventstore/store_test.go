package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-media/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{StreamID: "s", Type: "more"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.OpenStream(ctx, "stream-1", "chained", ""); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	events := []Event{
		{StreamID: "stream-1", Type: "more", ReceivedTotal: 3},
		{StreamID: "stream-1", Type: "dropped", ReceivedTotal: 4, Seq: 4, Reason: "status 404"},
		{StreamID: "stream-1", Type: "ended", ReceivedTotal: 6, PlayedTotal: 5},
	}
	for _, evt := range events {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	got, err := es.ListStreamEvents(ctx, "stream-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[1].Reason != "status 404" || got[1].Seq != 4 {
		t.Fatalf("unexpected dropped event: %+v", got[1])
	}
	if got[2].Type != "ended" || got[2].PlayedTotal != 5 {
		t.Fatalf("unexpected last event: %+v", got[2])
	}
}

func TestStreamLifecycle(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	if err := es.OpenStream(ctx, "s", "continuous", "audio/webm"); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := es.OpenStream(ctx, "s", "continuous", ""); err != nil {
		t.Fatalf("reopen stream: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC) }
	if err := es.CloseStream(ctx, "s"); err != nil {
		t.Fatalf("close stream: %v", err)
	}

	st, err := es.GetStream(ctx, "s")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if st.MimeType != "audio/webm" {
		t.Fatalf("expected mime type to survive reopen, got %q", st.MimeType)
	}
	if st.EndedAt.Sub(st.CreatedAt) != time.Minute {
		t.Fatalf("unexpected lifetime %s", st.EndedAt.Sub(st.CreatedAt))
	}
	if _, err := es.GetStream(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestPruneByDaysAndStreams(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxStreams: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenStream(ctx, "old-stream", "chained", ""); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{StreamID: "old-stream", Type: "more"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenStream(ctx, "new-stream", "chained", ""); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListStreamEvents(ctx, "old-stream", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old stream pruned")
	}
	if _, err := es.GetStream(ctx, "new-stream"); err != nil {
		t.Fatalf("expected new stream kept: %v", err)
	}
}
