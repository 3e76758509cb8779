package source

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-media/internal/config"
)

// FromConfig builds the fetcher selected by cfg.Mode.
func FromConfig(cfg config.SourceConfig) (Fetcher, error) {
	switch cfg.Mode {
	case "", "http":
		return NewHTTPFetcher(HTTPOptions{
			BaseURL:  cfg.APIBaseURL,
			Key:      cfg.APIKey,
			UseQuery: cfg.UseQuery,
			Timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
		}), nil
	case "exec":
		return NewExecFetcher(cfg.Command)
	case "mock":
		return NewMockFetcher(""), nil
	default:
		return nil, fmt.Errorf("unsupported source mode %q", cfg.Mode)
	}
}
