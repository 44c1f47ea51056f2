package dial

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/yellowmessenger/callcontrol/bridge"
	"bitbucket.org/yellowmessenger/callcontrol/connections"
	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
)

func testSetup() (*connections.MockClient, *operation.Executor) {
	mock := connections.NewMock(8)
	return mock, operation.NewExecutor(mock)
}

func awaitOutcome(t *testing.T, s *Session) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := s.Outcome().Await(ctx)
	require.NoError(t, err)
	return res
}

func TestDirectDialBusy(t *testing.T) {
	mock, exec := testSetup()
	s, err := Start(context.Background(), exec, mock.Dispatcher(), "sid", Options{
		Endpoint:  "PJSIP/trunk/09811098110",
		ChannelID: "ep-busy",
	})
	require.NoError(t, err)

	var failed atomic.Bool
	s.WhenFailed(func() { failed.Store(true) })

	mock.PublishDial("ep-busy", "BUSY")
	res := awaitOutcome(t, s)

	assert.Equal(t, StatusBusy, res.Status)
	assert.GreaterOrEqual(t, res.CallDuration, time.Duration(0))
	assert.Equal(t, time.Duration(0), res.MediaDuration)
	assert.True(t, failed.Load())
	assert.Eventually(t, func() bool {
		return mock.Saw("DELETE", "/channels/ep-busy")
	}, time.Second, 10*time.Millisecond, "failed endpoint must be hung up")
}

func TestDirectDialAnswerThenDisconnect(t *testing.T) {
	mock, exec := testSetup()
	latency := &LatencyStore{}
	s, err := Start(context.Background(), exec, mock.Dispatcher(), "sid", Options{
		Endpoint:  "PJSIP/trunk/09811098110",
		ChannelID: "ep-ans",
		Latency:   latency,
	})
	require.NoError(t, err)

	mock.PublishDial("ep-ans", "RINGING")
	mock.PublishDial("ep-ans", "ANSWER")
	require.Eventually(t, func() bool { return s.Status() == StatusAnswer }, time.Second, 5*time.Millisecond)

	// Registrations after the transition fire immediately.
	var connected, rang atomic.Bool
	s.WhenConnect(func() { connected.Store(true) })
	s.WhenRinging(func() { rang.Store(true) })
	assert.True(t, connected.Load())
	assert.True(t, rang.Load())

	mock.PublishChannelEvent(contracts.EventChannelDestroyed, "ep-ans")
	res := awaitOutcome(t, s)
	assert.Equal(t, StatusAnswer, res.Status)
	assert.GreaterOrEqual(t, res.RingDuration, time.Duration(0))
	assert.GreaterOrEqual(t, res.MediaDuration, time.Duration(0))

	// A straggling failure report after the terminal transition is a no-op.
	mock.PublishDial("ep-ans", "BUSY")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusAnswer, s.Status())

	attempts := latency.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "ANSWER", attempts[0].DialStatus)
}

func TestOriginatorHangupCancelsDial(t *testing.T) {
	mock, exec := testSetup()
	s, err := Start(context.Background(), exec, mock.Dispatcher(), "sid", Options{
		OriginatorID: "caller-1",
		Endpoint:     "PJSIP/trunk/09811098110",
		ChannelID:    "ep-cxl",
	})
	require.NoError(t, err)

	var cancelled atomic.Bool
	s.WhenCancelled(func() { cancelled.Store(true) })

	mock.PublishChannelEvent(contracts.EventChannelHangupRequest, "caller-1")
	res := awaitOutcome(t, s)

	assert.Equal(t, StatusCancel, res.Status)
	assert.True(t, cancelled.Load())
	assert.True(t, mock.Saw("DELETE", "/channels/ep-cxl"))
}

func TestExplicitCancelAfterAnswerReportsAnswer(t *testing.T) {
	mock, exec := testSetup()
	s, err := Start(context.Background(), exec, mock.Dispatcher(), "sid", Options{
		Endpoint:  "PJSIP/trunk/09811098110",
		ChannelID: "ep-late",
	})
	require.NoError(t, err)

	mock.PublishDial("ep-late", "ANSWER")
	require.Eventually(t, func() bool { return s.Status() == StatusAnswer }, time.Second, 5*time.Millisecond)

	s.Cancel(context.Background())
	res := awaitOutcome(t, s)
	assert.Equal(t, StatusAnswer, res.Status)
}

func TestEarlyBridgeDialFailureClassifiedNotFound(t *testing.T) {
	mock, exec := testSetup()

	// Entry confirmations resolve through events, like the real server.
	mock.Handle("POST", "/bridges/eb-1/addChannel", func(req *operation.Request) (*operation.Result, error) {
		ch := req.Query.Get("channel")
		go mock.PublishBridgeEvent(contracts.EventChannelEnteredBridge, "eb-1", ch)
		return &operation.Result{StatusCode: 204}, nil
	})
	mock.Handle("POST", "/channels/create", func(req *operation.Request) (*operation.Result, error) {
		go mock.PublishChannelEvent(contracts.EventStasisStart, req.Query.Get("channelId"))
		return &operation.Result{StatusCode: 200}, nil
	})
	mock.Handle("POST", "/channels/ep-eb/dial", func(req *operation.Request) (*operation.Result, error) {
		return nil, &operation.HTTPError{Status: 404, Message: "Channel not found"}
	})

	eb, err := bridge.Create(context.Background(), exec, mock.Dispatcher(), "sid", "eb-1", "early", "mixing")
	require.NoError(t, err)

	_, err = Start(context.Background(), exec, mock.Dispatcher(), "sid", Options{
		Endpoint:    "PJSIP/trunk/09811098110",
		ChannelID:   "ep-eb",
		EarlyBridge: eb,
		Variables:   map[string]string{"CALL_TAG": "t1"},
	})
	require.Error(t, err)
	assert.Equal(t, operation.KindNotFound, operation.KindOf(err), "dial failure must surface classified, not raw")
	assert.True(t, mock.Saw("POST", "/channels/ep-eb/variable"), "variables must be pushed before dialing")
}

func TestChannelVariablesCarryNumberedHeaders(t *testing.T) {
	s := &Session{opts: Options{
		Headers:   map[string]string{"X-Route": "pstn", "X-Account": "a1"},
		Variables: map[string]string{"CALL_TAG": "t1"},
	}}
	vars := s.channelVariables()
	assert.Equal(t, "t1", vars["CALL_TAG"])
	assert.Equal(t, "X-Account: a1", vars["SIPADDHEADER01"])
	assert.Equal(t, "X-Route: pstn", vars["SIPADDHEADER02"])
}
