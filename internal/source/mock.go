package source

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockFetcher serves canned payloads. Unknown references resolve to a short
// synthetic payload naming the reference.
type MockFetcher struct {
	ContentType string
	Delay       time.Duration

	mu       sync.Mutex
	payloads map[string][]byte
	failing  map[string]bool
	calls    []string
	inflight int
	peak     int
}

func NewMockFetcher(contentType string) *MockFetcher {
	return &MockFetcher{
		ContentType: contentType,
		payloads:    make(map[string][]byte),
		failing:     make(map[string]bool),
	}
}

// Set registers the bytes returned for ref.
func (m *MockFetcher) Set(ref string, data []byte) {
	m.mu.Lock()
	m.payloads[ref] = data
	m.mu.Unlock()
}

// Fail makes ref resolve with a 404.
func (m *MockFetcher) Fail(ref string) {
	m.mu.Lock()
	m.failing[ref] = true
	m.mu.Unlock()
}

func (m *MockFetcher) Fetch(ctx context.Context, ref string) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ref)
	m.inflight++
	if m.inflight > m.peak {
		m.peak = m.inflight
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.Delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[ref] {
		return Result{StatusCode: 404}, nil
	}
	data, ok := m.payloads[ref]
	if !ok {
		data = []byte(fmt.Sprintf("mock:%s", ref))
	}
	return Result{OK: true, StatusCode: 200, Data: data, ContentType: m.ContentType}, nil
}

// Calls returns the references fetched so far, in call order.
func (m *MockFetcher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// PeakInFlight is the highest number of concurrent Fetch calls observed.
func (m *MockFetcher) PeakInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}
