package operation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	calls   atomic.Int32
	outcome func(attempt int32) (*Result, error)
}

func (c *scriptedClient) Invoke(ctx context.Context, req *Request) (*Result, error) {
	return c.outcome(c.calls.Add(1))
}

func testExecutor(client ActionClient, attempts int) *Executor {
	return &Executor{client: client, attempts: attempts, delay: time.Millisecond}
}

func TestExecuteRetriesTransportFailures(t *testing.T) {
	client := &scriptedClient{outcome: func(attempt int32) (*Result, error) {
		if attempt < 3 {
			return nil, errors.New("connection refused")
		}
		return &Result{StatusCode: 200, Body: []byte(`{"value":"ok"}`)}, nil
	}}
	x := testExecutor(client, 5)
	res, err := x.Execute(context.Background(), "sid", "TestOp", &Request{Method: "GET", Path: "/ping"})
	require.NoError(t, err)
	require.Equal(t, int32(3), client.calls.Load())
	var out struct {
		Value string `json:"value"`
	}
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "ok", out.Value)
}

func TestExecuteDoesNotRetryServerRejections(t *testing.T) {
	client := &scriptedClient{outcome: func(attempt int32) (*Result, error) {
		return nil, &HTTPError{Status: 404, Message: "Channel not found"}
	}}
	x := testExecutor(client, 5)
	_, err := x.Execute(context.Background(), "sid", "TestOp", &Request{Method: "GET", Path: "/channels/x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), client.calls.Load(), "classified rejection must not retry")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestExecuteBoundedAttempts(t *testing.T) {
	client := &scriptedClient{outcome: func(attempt int32) (*Result, error) {
		return nil, errors.New("connection refused")
	}}
	x := testExecutor(client, 3)
	_, err := x.Execute(context.Background(), "sid", "TestOp", &Request{Method: "GET", Path: "/ping"})
	require.Error(t, err)
	assert.Equal(t, int32(3), client.calls.Load())
	assert.Equal(t, KindTransportFailure, KindOf(err))
}

func TestExecuteAsyncSettlesOnce(t *testing.T) {
	client := &scriptedClient{outcome: func(attempt int32) (*Result, error) {
		return &Result{StatusCode: 204}, nil
	}}
	x := testExecutor(client, 1)
	p := x.ExecuteAsync(context.Background(), "sid", "TestOp", &Request{Method: "POST", Path: "/noop"})
	res, err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 204, res.StatusCode)

	// Later settlements are no-ops.
	p.Reject(errors.New("too late"))
	res, err = p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 204, res.StatusCode)
}

func TestPromiseAwaitHonorsContext(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.Settled())
}
