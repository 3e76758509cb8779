package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNotOK is returned by helpers that require a successful response.
var ErrNotOK = errors.New("response not ok")

// Result is the outcome of resolving one reference.
type Result struct {
	OK          bool
	StatusCode  int
	Data        []byte
	ContentType string
}

// Fetcher resolves an opaque reference into bytes. A non-success status is
// reported through Result.OK; the error return is reserved for transport
// failures. Callers treat both as "drop this item".
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (Result, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, ref string) (Result, error)

func (f FetcherFunc) Fetch(ctx context.Context, ref string) (Result, error) {
	return f(ctx, ref)
}

// ReadResponse drains and closes a pre-fetched response.
func ReadResponse(resp *http.Response) (Result, error) {
	if resp == nil {
		return Result{}, errors.New("nil response")
	}
	defer resp.Body.Close()

	res := Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return res, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("read body: %w", err)
	}
	res.OK = true
	res.Data = data
	return res, nil
}
