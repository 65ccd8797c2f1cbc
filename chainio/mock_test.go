package chainio

import (
	"context"
	"errors"

	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/stretchr/testify/mock"
)

var errDummy = errors.New("dummy error")

// MockConsumer is a mock implementation of the Consumer interface.
type MockConsumer struct {
	mock.Mock

	name string
	deps []string
}

// Compile-time constraint to ensure MockConsumer implements Consumer.
var _ Consumer = (*MockConsumer)(nil)

func newMockConsumer(name string, deps ...string) *MockConsumer {
	return &MockConsumer{name: name, deps: deps}
}

// Name returns the name of the consumer.
func (m *MockConsumer) Name() string {
	return m.name
}

// Dependencies returns the consumer's dependencies.
func (m *MockConsumer) Dependencies() []string {
	return m.deps
}

// OnHeaders records the call.
func (m *MockConsumer) OnHeaders(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// OnBlock records the call.
func (m *MockConsumer) OnBlock(ctx context.Context, block *qwire.MsgBlock,
	height int32) error {

	args := m.Called(ctx, block, height)
	return args.Error(0)
}

// OnReorg records the call.
func (m *MockConsumer) OnReorg(ctx context.Context, event *ReorgEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// OnSynced records the call.
func (m *MockConsumer) OnSynced(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
