package mocks

import (
	"context"

	"github.com/Harvey-AU/source-crawler/internal/crawler"
	"github.com/stretchr/testify/mock"
)

// MockFetcher is a mock implementation of crawler.Fetcher
type MockFetcher struct {
	mock.Mock
}

// Fetch mocks the Fetch method
func (m *MockFetcher) Fetch(ctx context.Context, targetURL string) (*crawler.FetchResult, error) {
	args := m.Called(ctx, targetURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crawler.FetchResult), args.Error(1)
}

// MockPinger is a mock database health check
type MockPinger struct {
	mock.Mock
}

// Ping mocks the Ping method
func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
