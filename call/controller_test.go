package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/yellowmessenger/callcontrol/connections"
	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
)

func testController(channelID string) (*connections.MockClient, *Controller) {
	mock := connections.NewMock(8)
	exec := operation.NewExecutor(mock)
	return mock, NewController(exec, mock.Dispatcher(), channelID, "sid-"+channelID)
}

func TestAnswerMarksState(t *testing.T) {
	mock, c := testController("in-1")
	NewState("in-1", "sid-in-1", "+919811098110", "+918040404040", "inbound")
	defer Clear("in-1")

	require.NoError(t, c.Answer(context.Background()))
	assert.True(t, mock.Saw("POST", "/channels/in-1/answer"))
	s, ok := Lookup("in-1")
	require.True(t, ok)
	assert.Greater(t, s.BillDuration(), time.Duration(0))
}

func TestHangupMissingChannelIsBenign(t *testing.T) {
	mock, c := testController("in-2")
	mock.Handle("DELETE", "/channels/in-2", func(req *operation.Request) (*operation.Result, error) {
		return nil, &operation.HTTPError{Status: 404, Message: "Channel not found"}
	})
	assert.NoError(t, c.Hangup(context.Background(), "normal"))
}

func TestGetVariableUnsetReturnsEmpty(t *testing.T) {
	mock, c := testController("in-3")
	mock.Handle("GET", "/channels/in-3/variable", func(req *operation.Request) (*operation.Result, error) {
		if req.Query.Get("variable") == "CALL_TAG" {
			return &operation.Result{StatusCode: 200, Body: []byte(`{"value":"t9"}`)}, nil
		}
		return nil, &operation.HTTPError{Status: 404, Message: "Variable not found"}
	})

	v, err := c.GetVariable(context.Background(), "CALL_TAG")
	require.NoError(t, err)
	assert.Equal(t, "t9", v)

	v, err = c.GetVariable(context.Background(), "MISSING")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestSIPHeaderConvenience(t *testing.T) {
	mock, c := testController("in-4")
	var setVar string
	mock.Handle("POST", "/channels/in-4/variable", func(req *operation.Request) (*operation.Result, error) {
		setVar = req.Query.Get("variable")
		return &operation.Result{StatusCode: 204}, nil
	})
	require.NoError(t, c.AddSIPHeader(context.Background(), "X-Campaign", "c42"))
	assert.Equal(t, "PJSIP_HEADER(add,X-Campaign)", setVar)

	var readVar string
	mock.Handle("GET", "/channels/in-4/variable", func(req *operation.Request) (*operation.Result, error) {
		readVar = req.Query.Get("variable")
		return &operation.Result{StatusCode: 200, Body: []byte(`{"value":"c42"}`)}, nil
	})
	v, err := c.GetSIPHeader(context.Background(), "X-Campaign")
	require.NoError(t, err)
	assert.Equal(t, "c42", v)
	assert.Equal(t, "PJSIP_HEADER(read,X-Campaign)", readVar)
}

func TestPlayAndWait(t *testing.T) {
	mock, c := testController("in-5")
	mock.HandleDefault(func(req *operation.Request) (*operation.Result, error) {
		// The playback ID is the last path segment of the play action.
		if req.Method == "POST" {
			pb := req.Path[len("/channels/in-5/play/"):]
			go mock.Publish(&contracts.Event{
				Type:     contracts.EventPlaybackFinished,
				Playback: &contracts.PlaybackData{ID: pb, TargetURI: "channel:in-5"},
			})
		}
		return &operation.Result{StatusCode: 201}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.PlayAndWait(ctx, "sound:welcome"))
}

func TestStopPlaybackNotFoundIsBenign(t *testing.T) {
	mock, c := testController("in-6")
	mock.Handle("DELETE", "/playbacks/pb-1", func(req *operation.Request) (*operation.Result, error) {
		return nil, &operation.HTTPError{Status: 404, Message: "Playback not found"}
	})
	assert.NoError(t, c.StopPlayback(context.Background(), "pb-1"))
}
