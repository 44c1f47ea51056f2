package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/yellowmessenger/callcontrol/connections"
	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
)

// confirmJoins scripts the add-channel action to emit the entry event the
// way the real server does, so confirmed joins resolve.
func confirmJoins(mock *connections.MockClient, bridgeID string) {
	mock.Handle("POST", "/bridges/"+bridgeID+"/addChannel", func(req *operation.Request) (*operation.Result, error) {
		ch := req.Query.Get("channel")
		go mock.PublishBridgeEvent(contracts.EventChannelEnteredBridge, bridgeID, ch)
		return &operation.Result{StatusCode: 204}, nil
	})
}

func countRequests(mock *connections.MockClient, method string, path string) int {
	n := 0
	for _, req := range mock.Requests() {
		if req.Method == method && req.Path == path {
			n++
		}
	}
	return n
}

func TestConferenceLifecycle(t *testing.T) {
	mock, exec := testSetup()
	conf, err := NewConference(context.Background(), exec, mock.Dispatcher(), "sid", "daily", ConferenceOptions{
		Record: true,
	})
	require.NoError(t, err)
	bid := conf.Bridge().ID()
	confirmJoins(mock, bid)

	var left atomic.Int32
	conf.OnLeave(func(channelID string) { left.Add(1) })

	// First member: alone prompt plays and hold music starts.
	require.NoError(t, conf.AddChannel(context.Background(), "m-1"))
	assert.Equal(t, 1, conf.MemberCount())
	assert.Equal(t, 1, countRequests(mock, "POST", "/bridges/"+bid+"/moh"))
	assert.Equal(t, 0, countRequests(mock, "POST", "/bridges/"+bid+"/record"))

	// Second member: hold music stops, the one conference recording starts.
	require.NoError(t, conf.AddChannel(context.Background(), "m-2"))
	assert.Equal(t, 2, conf.MemberCount())
	assert.Equal(t, 1, countRequests(mock, "DELETE", "/bridges/"+bid+"/moh"))
	assert.Equal(t, 1, countRequests(mock, "POST", "/bridges/"+bid+"/record"))

	// Both leave, racing: the bridge is destroyed exactly once.
	mock.PublishBridgeEvent(contracts.EventChannelLeftBridge, bid, "m-1")
	mock.PublishBridgeEvent(contracts.EventChannelLeftBridge, bid, "m-2")
	require.Eventually(t, func() bool { return conf.MemberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return countRequests(mock, "DELETE", "/bridges/"+bid) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), left.Load())

	// A stale leave event after teardown changes nothing.
	mock.PublishBridgeEvent(contracts.EventChannelLeftBridge, bid, "m-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, countRequests(mock, "DELETE", "/bridges/"+bid))
}

func TestConferenceRecordsOncePerName(t *testing.T) {
	mock, exec := testSetup()
	conf, err := NewConference(context.Background(), exec, mock.Dispatcher(), "sid", "standup", ConferenceOptions{
		Record:        true,
		RecordingName: "standup-rec",
	})
	require.NoError(t, err)
	bid := conf.Bridge().ID()
	confirmJoins(mock, bid)

	for _, ch := range []string{"p-1", "p-2", "p-3"} {
		require.NoError(t, conf.AddChannel(context.Background(), ch))
	}
	assert.Equal(t, 1, countRequests(mock, "POST", "/bridges/"+bid+"/record"),
		"third join must not start a second recording")
}

func TestConferenceJoinAnswersNotUpChannel(t *testing.T) {
	mock, exec := testSetup()
	conf, err := NewConference(context.Background(), exec, mock.Dispatcher(), "sid", "adhoc", ConferenceOptions{
		Beep:       true,
		MuteOnJoin: true,
	})
	require.NoError(t, err)
	bid := conf.Bridge().ID()
	confirmJoins(mock, bid)

	mock.Handle("GET", "/channels/ring-1", func(req *operation.Request) (*operation.Result, error) {
		return &operation.Result{StatusCode: 200, Body: []byte(`{"id":"ring-1","state":"Ringing"}`)}, nil
	})
	require.NoError(t, conf.AddChannel(context.Background(), "ring-1"))
	assert.True(t, mock.Saw("POST", "/channels/ring-1/answer"))
	assert.True(t, mock.Saw("POST", "/channels/ring-1/mute"))
	assert.True(t, mock.Saw("POST", "/channels/ring-1/play"))
}

func TestConferenceJoinAbortsOnFailure(t *testing.T) {
	mock, exec := testSetup()
	conf, err := NewConference(context.Background(), exec, mock.Dispatcher(), "sid", "broken", ConferenceOptions{})
	require.NoError(t, err)
	bid := conf.Bridge().ID()

	mock.Handle("POST", "/bridges/"+bid+"/addChannel", func(req *operation.Request) (*operation.Result, error) {
		return nil, &operation.HTTPError{Status: 422, Message: "Channel not allowed in bridge"}
	})
	err = conf.AddChannel(context.Background(), "bad-1")
	require.Error(t, err)
	assert.Equal(t, operation.KindOperationRefused, operation.KindOf(err))
	assert.Equal(t, 0, conf.MemberCount(), "failed join must not count the member")
}
