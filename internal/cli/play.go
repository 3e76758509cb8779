package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-media/internal/chained"
	"github.com/loqalabs/loqa-media/internal/config"
	"github.com/loqalabs/loqa-media/internal/continuous"
	"github.com/loqalabs/loqa-media/internal/media"
	"github.com/loqalabs/loqa-media/internal/protocol"
	"github.com/loqalabs/loqa-media/internal/sink"
	"github.com/loqalabs/loqa-media/internal/source"
)

// PlayOptions holds flags for the play command.
type PlayOptions struct {
	*RootOptions
	Mode     string
	Out      string
	Name     string
	MimeType string
	Files    bool

	// Fetcher overrides the byte source built from config (for testing).
	Fetcher source.Fetcher
}

// PlayResult summarises a finished play run.
type PlayResult struct {
	Mode     string   `json:"mode"`
	Received int      `json:"received"`
	Dropped  int      `json:"dropped"`
	Played   int      `json:"played"`
	Outputs  []string `json:"outputs"`
}

// NewPlayCommand creates the play command.
func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "play <ref>...",
		Short: "Resolve references and play them into a local sink",
		Long: `Resolve each reference through the configured byte source and play the
results in order.

Chained mode writes one file per reference and plays them back to back.
Continuous mode appends every payload to a single file.

Example:
  loqa-media play --mode chained --out ./out greeting-1 greeting-2
  loqa-media play --mode continuous --files --mime audio/webm a.webm b.webm`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := runPlay(ctx, opts, args)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, res)
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", protocol.ModeChained, "playback mode (chained|continuous)")
	cmd.Flags().StringVar(&opts.Out, "out", "", "output directory (defaults to sink.directory)")
	cmd.Flags().StringVar(&opts.Name, "name", "stream", "output name in continuous mode")
	cmd.Flags().StringVar(&opts.MimeType, "mime", "", "content type of the stream")
	cmd.Flags().BoolVar(&opts.Files, "files", false, "treat arguments as local files instead of references")

	return cmd
}

func runPlay(ctx context.Context, opts *PlayOptions, args []string) (PlayResult, error) {
	logger := opts.logger()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return PlayResult{}, err
	}
	out := opts.Out
	if out == "" {
		out = cfg.Sink.Directory
	}

	fetcher := opts.Fetcher
	if fetcher == nil && !opts.Files {
		fetcher, err = source.FromConfig(cfg.Source)
		if err != nil {
			return PlayResult{}, err
		}
	}

	items, err := buildItems(opts, args)
	if err != nil {
		return PlayResult{}, err
	}
	mimeType := opts.MimeType
	if mimeType == "" && opts.Files {
		mimeType = mime.TypeByExtension(filepath.Ext(args[0]))
	}

	switch opts.Mode {
	case protocol.ModeChained:
		return playChained(ctx, cfg, out, fetcher, items, logger)
	case protocol.ModeContinuous:
		return playContinuous(ctx, cfg, out, opts.Name, mimeType, fetcher, items, logger)
	default:
		return PlayResult{}, fmt.Errorf("unknown mode %q", opts.Mode)
	}
}

func buildItems(opts *PlayOptions, args []string) ([]media.Item, error) {
	if !opts.Files {
		return media.URLs(args...), nil
	}
	items := make([]media.Item, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if opts.Mode == protocol.ModeContinuous {
			items = append(items, media.Buffer(data))
			continue
		}
		contentType := opts.MimeType
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(path))
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		items = append(items, media.Blob(data, contentType))
	}
	return items, nil
}

func playChained(ctx context.Context, cfg config.Config, out string, fetcher source.Fetcher, items []media.Item, logger *slog.Logger) (PlayResult, error) {
	sk, err := sink.NewSequence(out, cfg.Sink.BytesPerSecond, logger)
	if err != nil {
		return PlayResult{}, err
	}
	e := chained.New(ctx, sk, chained.Options{
		Fetcher:   fetcher,
		Items:     items,
		BatchSize: cfg.Stream.BatchSize,
		MaxIdle:   cfg.Stream.MaxIdle(),
		Backoff:   cfg.Stream.ChainedBackoff(),
		Logger:    logger,
	})
	defer e.Destroy()
	cancel := e.Subscribe(logEvents(logger))
	defer cancel()

	e.ToPlay()
	if err := e.Wait(ctx); err != nil {
		return PlayResult{}, err
	}
	stats := e.Stats()
	return PlayResult{
		Mode:     protocol.ModeChained,
		Received: stats.Received,
		Dropped:  stats.Dropped,
		Played:   stats.Played,
		Outputs:  sk.Files(),
	}, nil
}

func playContinuous(ctx context.Context, cfg config.Config, out, name, mimeType string, fetcher source.Fetcher, items []media.Item, logger *slog.Logger) (PlayResult, error) {
	sk, err := sink.NewStream(out, name, cfg.Sink.BytesPerSecond, logger)
	if err != nil {
		return PlayResult{}, err
	}
	live := false
	e := continuous.New(ctx, sk, continuous.Options{
		Fetcher:           fetcher,
		Items:             items,
		MimeType:          mimeType,
		Live:              &live,
		BatchSize:         cfg.Stream.BatchSize,
		MaxIdle:           cfg.Stream.MaxIdle(),
		RecordingInterval: cfg.Stream.RecordingInterval(),
		ConsumePoll:       cfg.Stream.ConsumePoll(),
		UpdateRetries:     cfg.Stream.UpdateRetries,
		UpdateTimeout:     cfg.Stream.UpdateTimeout(),
		Logger:            logger,
	})
	defer e.Destroy()
	cancel := e.Subscribe(logEvents(logger))
	defer cancel()

	e.ToPlay()
	if err := e.Wait(ctx); err != nil {
		return PlayResult{}, err
	}
	stats := e.Stats()
	res := PlayResult{
		Mode:     protocol.ModeContinuous,
		Received: stats.Received,
		Dropped:  stats.Dropped,
		Played:   stats.Appended,
	}
	if path := sk.Path(); path != "" {
		res.Outputs = []string{path}
	}
	return res, nil
}

func logEvents(logger *slog.Logger) media.Listener {
	return func(evt media.Event) {
		logger.Debug("stream event",
			slog.String("type", string(evt.Type)),
			slog.Int("received", evt.ReceivedTotal),
			slog.Int("played", evt.PlayedTotal),
			slog.String("reason", evt.Reason),
		)
	}
}

func writeResult(w io.Writer, format string, res PlayResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err := fmt.Fprintf(w, "mode: %s\nreceived: %d\ndropped: %d\nplayed: %d\noutputs: %s\n",
		res.Mode, res.Received, res.Dropped, res.Played, strings.Join(res.Outputs, ", "))
	return err
}
