package mocks

import (
	"context"

	"novel-stream/internal/engine/ai"

	"github.com/stretchr/testify/mock"
)

// MockAIClient is a mock type for the ai.Client type
type MockAIClient struct {
	mock.Mock
}

// Generate provides a mock function with given fields: ctx, messages, params
func (_m *MockAIClient) Generate(ctx context.Context, messages []ai.Message, params ai.Params) (string, ai.Usage, error) {
	ret := _m.Called(ctx, messages, params)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, []ai.Message, ai.Params) string); ok {
		r0 = rf(ctx, messages, params)
	} else {
		r0 = ret.String(0)
	}

	var r1 ai.Usage
	if ret.Get(1) != nil {
		r1 = ret.Get(1).(ai.Usage)
	}

	return r0, r1, ret.Error(2)
}

// Stream provides a mock function with given fields: ctx, messages, params, onChunk
func (_m *MockAIClient) Stream(ctx context.Context, messages []ai.Message, params ai.Params, onChunk func(string) error) (ai.Usage, error) {
	ret := _m.Called(ctx, messages, params, onChunk)

	var r0 ai.Usage
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(ai.Usage)
	}

	return r0, ret.Error(1)
}

// NewMockAIClient creates a new instance of MockAIClient. It also registers a cleanup function to assert the mocks expectations.
func NewMockAIClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockAIClient {
	m := &MockAIClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ ai.Client = (*MockAIClient)(nil)
