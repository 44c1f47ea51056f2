package operation

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"bitbucket.org/yellowmessenger/callcontrol/configmanager"
	"bitbucket.org/yellowmessenger/callcontrol/metrics"
	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

// Request describes one server action for the action client.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
}

// Result is the raw successful outcome of an action.
type Result struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the result body into out. An empty body is a no-op so
// actions that return 204 decode cleanly.
func (r *Result) Decode(out interface{}) error {
	if r == nil || len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// ActionClient issues a single server action per call and performs no
// retries of its own.
type ActionClient interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// Executor wraps every action with uniform error classification and a
// bounded fixed-delay retry for transport-class failures. All higher verbs
// go through here; none of them implement their own retry loops.
type Executor struct {
	client   ActionClient
	attempts int
	delay    time.Duration
}

// NewExecutor builds an executor with the configured retry policy.
func NewExecutor(client ActionClient) *Executor {
	attempts := configmanager.ConfStore.ARIAPIRetry
	if attempts < 1 {
		attempts = 1
	}
	return &Executor{
		client:   client,
		attempts: attempts,
		delay:    time.Duration(configmanager.ConfStore.ARIAPIRetryDelayMS) * time.Millisecond,
	}
}

// Execute runs one action to completion. The returned error, if any, is
// always classified; callers can test it with KindOf/IsNotFound.
func (x *Executor) Execute(
	ctx context.Context,
	callSID string,
	op string,
	req *Request,
) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.ActionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var lastErr *Error
	for i := 0; i < x.attempts; i++ {
		metrics.ActionAttempts.WithLabelValues(op).Inc()
		res, err := x.client.Invoke(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = Classify(op, err)
		if !Retryable(lastErr) {
			break
		}
		if i == x.attempts-1 {
			break
		}
		ymlogger.LogErrorf(callSID, "Error while executing [%s]. Error: [%#v]. Retrying......", op, err)
		select {
		case <-ctx.Done():
			lastErr = Classify(op, ctx.Err())
			i = x.attempts // force exit
		case <-time.After(x.delay):
		}
	}
	metrics.ActionFailures.WithLabelValues(op, lastErr.Kind.String()).Inc()
	ymlogger.LogErrorf(callSID, "Giving up on [%s]. Error: [%#v]", op, lastErr)
	return nil, lastErr
}

// ExecuteAsync runs the action in the background and settles the returned
// promise exactly once with the classified outcome.
func (x *Executor) ExecuteAsync(
	ctx context.Context,
	callSID string,
	op string,
	req *Request,
) *Promise[*Result] {
	p := NewPromise[*Result]()
	go func() {
		res, err := x.Execute(ctx, callSID, op, req)
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(res)
	}()
	return p
}

// ExecuteAndDecode runs the action and unmarshals its body into out.
func (x *Executor) ExecuteAndDecode(
	ctx context.Context,
	callSID string,
	op string,
	req *Request,
	out interface{},
) error {
	res, err := x.Execute(ctx, callSID, op, req)
	if err != nil {
		return err
	}
	return res.Decode(out)
}
