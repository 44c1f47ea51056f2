package connections

import (
	"context"
	"sync"

	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/dispatcher"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
)

// MockHandler scripts the response for one matched request.
type MockHandler func(req *operation.Request) (*operation.Result, error)

// MockClient is an in-memory stand-in for a connection: actions are answered
// by scripted handlers and events are published straight into a real
// dispatcher. Unmatched requests succeed with an empty 200 so tests only
// script what they assert on.
type MockClient struct {
	disp *dispatcher.Dispatcher

	mu       sync.Mutex
	handlers map[string]MockHandler
	fallback MockHandler
	requests []*operation.Request
}

// NewMock builds a mock client with its own dispatcher.
func NewMock(workers int) *MockClient {
	return &MockClient{
		disp:     dispatcher.New(workers),
		handlers: make(map[string]MockHandler),
	}
}

// Dispatcher returns the dispatcher events are published into.
func (m *MockClient) Dispatcher() *dispatcher.Dispatcher {
	return m.disp
}

// Handle scripts the response for requests matching method and path exactly.
func (m *MockClient) Handle(method string, path string, h MockHandler) {
	m.mu.Lock()
	m.handlers[method+" "+path] = h
	m.mu.Unlock()
}

// HandleDefault scripts the response for every request without an exact
// match.
func (m *MockClient) HandleDefault(h MockHandler) {
	m.mu.Lock()
	m.fallback = h
	m.mu.Unlock()
}

// Invoke answers one request from the script.
func (m *MockClient) Invoke(ctx context.Context, req *operation.Request) (*operation.Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	h, ok := m.handlers[req.Method+" "+req.Path]
	if !ok {
		h = m.fallback
	}
	m.mu.Unlock()
	if h == nil {
		return &operation.Result{StatusCode: 200}, nil
	}
	return h(req)
}

// Requests returns a copy of every request seen so far.
func (m *MockClient) Requests() []*operation.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*operation.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Saw reports whether any request matched the method and path.
func (m *MockClient) Saw(method string, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.Method == method && req.Path == path {
			return true
		}
	}
	return false
}

// Publish feeds one event into the dispatcher, as the websocket loop would.
func (m *MockClient) Publish(e *contracts.Event) {
	m.disp.Publish(e)
}

// PublishChannelEvent publishes a bare channel-scoped event.
func (m *MockClient) PublishChannelEvent(eventType string, channelID string) {
	m.Publish(&contracts.Event{
		Type:    eventType,
		Channel: &contracts.ChannelData{ID: channelID},
	})
}

// PublishStateChange publishes a channel state change.
func (m *MockClient) PublishStateChange(channelID string, state string) {
	m.Publish(&contracts.Event{
		Type:    contracts.EventChannelStateChange,
		Channel: &contracts.ChannelData{ID: channelID, State: state},
	})
}

// PublishDial publishes a dial-progress report for the peer channel.
func (m *MockClient) PublishDial(peerID string, status string) {
	m.Publish(&contracts.Event{
		Type:       contracts.EventDial,
		Peer:       &contracts.ChannelData{ID: peerID},
		DialStatus: status,
	})
}

// PublishBridgeEvent publishes a bridge membership event.
func (m *MockClient) PublishBridgeEvent(eventType string, bridgeID string, channelID string) {
	m.Publish(&contracts.Event{
		Type:    eventType,
		Bridge:  &contracts.BridgeData{ID: bridgeID},
		Channel: &contracts.ChannelData{ID: channelID},
	})
}
