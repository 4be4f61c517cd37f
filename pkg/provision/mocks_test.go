package provision

import (
	"context"
	"os"
	"sync"

	"github.com/tietjen/generate-linux-templates/pkg/storage"
)

// mockFetcher writes a fixed payload to dest.
type mockFetcher struct {
	mu sync.Mutex

	fetchFunc func(ctx context.Context, url, dest string) (*storage.DownloadResult, error)

	fetchCalls []string
}

func newMockFetcher() *mockFetcher {
	m := &mockFetcher{}
	m.fetchFunc = func(ctx context.Context, url, dest string) (*storage.DownloadResult, error) {
		payload := []byte("qcow2-image-bytes")
		if err := os.WriteFile(dest, payload, 0644); err != nil {
			return nil, err
		}
		return &storage.DownloadResult{Path: dest, Size: int64(len(payload)), Success: true}, nil
	}
	return m
}

func (m *mockFetcher) Fetch(ctx context.Context, url, dest string) (*storage.DownloadResult, error) {
	m.mu.Lock()
	m.fetchCalls = append(m.fetchCalls, url)
	m.mu.Unlock()
	return m.fetchFunc(ctx, url, dest)
}

// mockRecorder keeps every saved state per attempt.
type mockRecorder struct {
	mu     sync.Mutex
	states map[string][]State
	err    error
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{states: make(map[string][]State)}
}

func (m *mockRecorder) SaveAttempt(ctx context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[a.ID] = append(m.states[a.ID], a.State)
	return m.err
}
