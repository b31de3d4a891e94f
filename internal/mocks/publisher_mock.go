package mocks

import (
	"context"

	"novel-stream/internal/messaging"

	"github.com/stretchr/testify/mock"
)

// MockPublisher is a mock type for the messaging.Publisher type
type MockPublisher struct {
	mock.Mock
}

// Publish provides a mock function with given fields: ctx, event
func (_m *MockPublisher) Publish(ctx context.Context, event messaging.LifecycleEvent) error {
	return _m.Called(ctx, event).Error(0)
}

// Close provides a mock function with given fields:
func (_m *MockPublisher) Close() error {
	return _m.Called().Error(0)
}

// Events returns the lifecycle events passed to Publish, in order.
func (_m *MockPublisher) Events() []messaging.LifecycleEvent {
	var events []messaging.LifecycleEvent
	for _, call := range _m.Calls {
		if call.Method == "Publish" {
			events = append(events, call.Arguments.Get(1).(messaging.LifecycleEvent))
		}
	}
	return events
}

// NewMockPublisher creates a new instance of MockPublisher.
func NewMockPublisher(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockPublisher {
	m := &MockPublisher{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ messaging.Publisher = (*MockPublisher)(nil)
