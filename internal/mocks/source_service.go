package mocks

import (
	"context"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/Harvey-AU/source-crawler/internal/jobs"
	"github.com/stretchr/testify/mock"
)

// MockSourceService is a mock of the pipeline surface used by the API
type MockSourceService struct {
	mock.Mock
}

// CreateSource mocks the CreateSource method
func (m *MockSourceService) CreateSource(ctx context.Context, req jobs.CreateSourceRequest) (*db.Source, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Source), args.Error(1)
}

// StartDiscovery mocks the StartDiscovery method
func (m *MockSourceService) StartDiscovery(ctx context.Context, sourceID string) (*jobs.DiscoveryOutcome, error) {
	args := m.Called(ctx, sourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.DiscoveryOutcome), args.Error(1)
}

// RequeueDiscovery mocks the RequeueDiscovery method
func (m *MockSourceService) RequeueDiscovery(ctx context.Context, sourceID string) error {
	args := m.Called(ctx, sourceID)
	return args.Error(0)
}

// TriggerProcessing mocks the TriggerProcessing method
func (m *MockSourceService) TriggerProcessing(ctx context.Context) (*jobs.BatchResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.BatchResult), args.Error(1)
}

// RunRecovery mocks the RunRecovery method
func (m *MockSourceService) RunRecovery(ctx context.Context, sourceID string, threshold time.Duration) (*jobs.RecoveryResult, error) {
	args := m.Called(ctx, sourceID, threshold)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.RecoveryResult), args.Error(1)
}

// GetStatus mocks the GetStatus method
func (m *MockSourceService) GetStatus(ctx context.Context, sourceID string) (*jobs.ParentChildStatus, error) {
	args := m.Called(ctx, sourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.ParentChildStatus), args.Error(1)
}

// RetryFailedChildren mocks the RetryFailedChildren method
func (m *MockSourceService) RetryFailedChildren(ctx context.Context, sourceID string) (*jobs.RetryResult, error) {
	args := m.Called(ctx, sourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.RetryResult), args.Error(1)
}

// RemoveSource mocks the RemoveSource method
func (m *MockSourceService) RemoveSource(ctx context.Context, sourceID string) error {
	args := m.Called(ctx, sourceID)
	return args.Error(0)
}
