package business

import (
	"context"
	"errors"
	"testing"

	"github.com/ThalesACarvalho/evolution-api-custom/internal"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPublisher implements queue.Publisher for testing.
type mockPublisher struct {
	published    []mockPublished
	publishError error
}

type mockPublished struct {
	payload any
	headers map[string]string
}

func (m *mockPublisher) Initiated() bool              { return true }
func (m *mockPublisher) Ref() string                  { return "mock" }
func (m *mockPublisher) Init(_ context.Context) error { return nil }
func (m *mockPublisher) Stop(_ context.Context) error { return nil }
func (m *mockPublisher) As(_ any) bool                { return false }
func (m *mockPublisher) Publish(_ context.Context, payload any, headers ...map[string]string) error {
	if m.publishError != nil {
		return m.publishError
	}
	var h map[string]string
	if len(headers) > 0 {
		h = headers[0]
	}
	m.published = append(m.published, mockPublished{payload: payload, headers: h})
	return nil
}

// mockQueueManager implements queue.Manager for testing.
type mockQueueManager struct {
	publishers      map[string]*mockPublisher
	getPublisherErr error
}

func newMockQueueManager() *mockQueueManager {
	return &mockQueueManager{
		publishers: make(map[string]*mockPublisher),
	}
}

func (m *mockQueueManager) AddPublisher(_ context.Context, _ string, _ string) error { return nil }
func (m *mockQueueManager) DiscardPublisher(_ context.Context, _ string) error       { return nil }
func (m *mockQueueManager) AddSubscriber(_ context.Context, _ string, _ string, _ ...queue.SubscribeWorker) error {
	return nil
}
func (m *mockQueueManager) DiscardSubscriber(_ context.Context, _ string) error { return nil }
func (m *mockQueueManager) GetSubscriber(_ string) (queue.Subscriber, error)    { return nil, nil }
func (m *mockQueueManager) Publish(_ context.Context, _ string, _ any, _ ...map[string]string) error {
	return nil
}
func (m *mockQueueManager) Init(_ context.Context) error { return nil }
func (m *mockQueueManager) GetPublisher(name string) (queue.Publisher, error) {
	if m.getPublisherErr != nil {
		return nil, m.getPublisherErr
	}
	pub, ok := m.publishers[name]
	if !ok {
		pub = &mockPublisher{}
		m.publishers[name] = pub
	}
	return pub, nil
}

func TestLifecycleNotifier_Emit(t *testing.T) {
	qm := newMockQueueManager()
	n := NewLifecycleNotifier(qm, "instance.lifecycle")

	inst := makeTestInstance("inst-a")
	n.Emit(context.Background(), EventInstanceConnected, inst, data.JSONMap{"reason": "paired"})

	pub := qm.publishers["instance.lifecycle"]
	require.NotNil(t, pub)
	require.Len(t, pub.published, 1)

	msg := pub.published[0]
	assert.Equal(t, EventInstanceConnected, msg.headers[internal.HeaderEventType])
	assert.Equal(t, "inst-a", msg.headers[internal.HeaderInstanceName])

	payload, ok := msg.payload.(data.JSONMap)
	require.True(t, ok)
	assert.Equal(t, EventInstanceConnected, payload["event"])
	assert.Equal(t, "inst-a", payload["instance_name"])
	assert.Equal(t, "paired", payload["reason"])
}

func TestLifecycleNotifier_EmitBestEffort(t *testing.T) {
	qm := newMockQueueManager()
	qm.getPublisherErr = errors.New("broker unavailable")
	n := NewLifecycleNotifier(qm, "instance.lifecycle")

	// Must not panic or propagate the failure.
	n.Emit(context.Background(), EventInstanceConnected, makeTestInstance("inst-a"), nil)
}

func TestLifecycleNotifier_NilManagerIsNoop(t *testing.T) {
	n := NewLifecycleNotifier(nil, "instance.lifecycle")
	n.Emit(context.Background(), EventInstanceRemoved, makeTestInstance("inst-a"), nil)
}

func TestLifecycleNotifier_EmitCorrection(t *testing.T) {
	qm := newMockQueueManager()
	n := NewLifecycleNotifier(qm, "instance.lifecycle")

	inst := makeTestInstance("inst-a")
	n.EmitCorrection(context.Background(), inst, StateClosed, StateOpen, true)

	pub := qm.publishers["instance.lifecycle"]
	require.NotNil(t, pub)
	require.Len(t, pub.published, 1)

	payload, ok := pub.published[0].payload.(data.JSONMap)
	require.True(t, ok)
	assert.Equal(t, EventConnectionCorrected, payload["event"])
	assert.Equal(t, string(StateClosed), payload["corrected_from"])
	assert.Equal(t, string(StateOpen), payload["corrected_to"])
	assert.Equal(t, true, payload["false_disconnect_repaired"])
}
