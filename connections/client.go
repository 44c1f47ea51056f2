package connections

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"bitbucket.org/yellowmessenger/callcontrol/configmanager"
	"bitbucket.org/yellowmessenger/callcontrol/dispatcher"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

// Options configure one connection to the call-control server. Empty fields
// take the configured defaults.
type Options struct {
	Application  string
	Username     string
	Password     string
	URL          string
	WebsocketURL string
	// Workers sizes the dispatcher callback pool. Zero takes the configured
	// default.
	Workers int
	// OnConnected and OnDisconnected observe the event stream's lifecycle.
	// They run on the stream goroutine, so they must not block.
	OnConnected    func()
	OnDisconnected func(err error)
}

// Client is one connection: the HTTP action side and the websocket event
// side share credentials and feed one dispatcher. It implements the action
// client contract consumed by the executor, issuing exactly one request per
// Invoke with no retries of its own.
type Client struct {
	opts    Options
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	disp    *dispatcher.Dispatcher
	exec    *operation.Executor

	closed   atomic.Bool
	wsCancel context.CancelFunc
	wsDone   chan struct{}
}

// Connect builds the client, verifies the event stream by establishing the
// first websocket connection, and starts the read loop. The panic-hangup
// hook is installed so a crashing subscriber's channel gets torn down.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	conf := configmanager.ConfStore
	if opts.Application == "" {
		opts.Application = conf.ARIApplication
	}
	if opts.Username == "" {
		opts.Username = conf.ARIUsername
	}
	if opts.Password == "" {
		opts.Password = conf.ARIPassword
	}
	if opts.URL == "" {
		opts.URL = conf.ARIURL
	}
	if opts.WebsocketURL == "" {
		opts.WebsocketURL = conf.ARIWebsocketURL
	}
	rps := conf.CallAPIRequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	c := &Client{
		opts:    opts,
		baseURL: opts.URL,
		http: &http.Client{
			Transport: &http.Transport{
				Dial:                (&net.Dialer{Timeout: 3 * time.Second}).Dial,
				TLSHandshakeTimeout: 3 * time.Second,
			},
			Timeout: 5 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		disp:    dispatcher.New(opts.Workers),
		wsDone:  make(chan struct{}),
	}
	c.exec = operation.NewExecutor(c)
	c.disp.SetPanicHangup(func(channelID string) {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := c.exec.Execute(hctx, channelID, "ChannelHangup", &operation.Request{
			Method: "DELETE",
			Path:   "/channels/" + channelID,
		})
		if err != nil && !operation.IsNotFound(err) {
			ymlogger.LogErrorf(channelID, "Failed to hang up channel after listener panic. Error: [%#v]", err)
		}
	})

	conn, err := c.dialEvents(ctx)
	if err != nil {
		return nil, err
	}
	wsCtx, cancel := context.WithCancel(context.Background())
	c.wsCancel = cancel
	go c.readEvents(wsCtx, conn)
	return c, nil
}

// Dispatcher exposes the event dispatcher fed by this connection.
func (c *Client) Dispatcher() *dispatcher.Dispatcher {
	return c.disp
}

// Executor exposes the executor bound to this connection's action client.
func (c *Client) Executor() *operation.Executor {
	return c.exec
}

// Close stops the event stream. In-flight actions finish on their own.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.wsCancel != nil {
		c.wsCancel()
	}
	<-c.wsDone
}

// Invoke performs one HTTP action against the server. Non-2xx responses are
// returned as HTTP errors carrying the server's message so the executor can
// classify them.
func (c *Client) Invoke(ctx context.Context, req *operation.Request) (*operation.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(c.opts.Username, c.opts.Password)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Close = true

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &operation.HTTPError{
			Status:  resp.StatusCode,
			Message: serverMessage(data),
		}
	}
	return &operation.Result{StatusCode: resp.StatusCode, Body: data}, nil
}

// serverMessage pulls the error message out of the server's JSON error body,
// falling back to the raw body.
func serverMessage(data []byte) string {
	var out struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &out); err == nil && out.Message != "" {
		return out.Message
	}
	return string(data)
}

func (c *Client) eventsURL() string {
	q := url.Values{}
	q.Set("app", c.opts.Application)
	q.Set("api_key", c.opts.Username+":"+c.opts.Password)
	q.Set("subscribeAll", "true")
	return c.opts.WebsocketURL + "?" + q.Encode()
}
