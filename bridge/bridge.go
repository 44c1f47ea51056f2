package bridge

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"bitbucket.org/yellowmessenger/callcontrol/configmanager"
	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/dispatcher"
	"bitbucket.org/yellowmessenger/callcontrol/metrics"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

// Bridge is the client-side handle for one server mixing bridge. All state
// here is a cache of the server's view, refreshed by events and Reload.
type Bridge struct {
	exec    *operation.Executor
	disp    *dispatcher.Dispatcher
	callSID string

	id string

	mu           sync.Mutex
	name         string
	btype        string
	channels     map[string]struct{}
	recordings   map[string]*Recording
	pendingJoin  map[string]*waiter
	pendingLeave map[string]*waiter
	destroyed    bool
}

// waiter tracks one pending join or leave confirmation for a channel. At
// most one exists per channel per direction; concurrent confirm requests
// share it instead of racing on duplicate listeners.
type waiter struct {
	promise *operation.Promise[struct{}]
	handle  *dispatcher.Handle
}

func newBridge(exec *operation.Executor, disp *dispatcher.Dispatcher, callSID string, id string) *Bridge {
	return &Bridge{
		exec:         exec,
		disp:         disp,
		callSID:      callSID,
		id:           id,
		channels:     make(map[string]struct{}),
		recordings:   make(map[string]*Recording),
		pendingJoin:  make(map[string]*waiter),
		pendingLeave: make(map[string]*waiter),
	}
}

// Create makes a new bridge on the server. An empty id gets a generated one;
// an empty bridge type defaults to mixing.
func Create(
	ctx context.Context,
	exec *operation.Executor,
	disp *dispatcher.Dispatcher,
	callSID string,
	id string,
	name string,
	btype string,
) (*Bridge, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if btype == "" {
		btype = "mixing"
	}
	b := newBridge(exec, disp, callSID, id)
	q := url.Values{}
	q.Set("bridgeId", id)
	q.Set("type", btype)
	q.Set("name", name)
	var data contracts.BridgeData
	err := exec.ExecuteAndDecode(ctx, callSID, "BridgeCreate", &operation.Request{
		Method: "POST",
		Path:   "/bridges",
		Query:  q,
	}, &data)
	if err != nil {
		return nil, err
	}
	b.applyData(&data)
	metrics.ActiveBridges.Inc()
	ymlogger.LogInfof(callSID, "Created bridge [%s] type [%s]", id, btype)
	return b, nil
}

// Get binds a handle to an existing bridge discovered by ID and loads its
// current name, type and members.
func Get(
	ctx context.Context,
	exec *operation.Executor,
	disp *dispatcher.Dispatcher,
	callSID string,
	id string,
) (*Bridge, error) {
	b := newBridge(exec, disp, callSID, id)
	if err := b.Reload(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// ID returns the server-side bridge ID.
func (b *Bridge) ID() string {
	return b.id
}

// Name returns the cached bridge name.
func (b *Bridge) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// Type returns the cached bridge type.
func (b *Bridge) Type() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.btype
}

// Channels returns the cached member channel IDs.
func (b *Bridge) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.channels))
	for id := range b.channels {
		out = append(out, id)
	}
	return out
}

// IsActive reports whether the bridge has not been destroyed through this
// handle.
func (b *Bridge) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.destroyed
}

// Reload refreshes the cached name, type and membership from the server.
func (b *Bridge) Reload(ctx context.Context) error {
	var data contracts.BridgeData
	err := b.exec.ExecuteAndDecode(ctx, b.callSID, "BridgeGet", &operation.Request{
		Method: "GET",
		Path:   "/bridges/" + b.id,
	}, &data)
	if err != nil {
		return err
	}
	b.applyData(&data)
	return nil
}

func (b *Bridge) applyData(data *contracts.BridgeData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = data.Name
	b.btype = data.Type
	b.channels = make(map[string]struct{}, len(data.ChannelIDs))
	for _, id := range data.ChannelIDs {
		b.channels[id] = struct{}{}
	}
}

// Destroy deletes the bridge. A bridge that is already gone on the server
// counts as destroyed, not as an error, so teardown is safe to repeat.
func (b *Bridge) Destroy(ctx context.Context) error {
	_, err := b.exec.Execute(ctx, b.callSID, "BridgeDestroy", &operation.Request{
		Method: "DELETE",
		Path:   "/bridges/" + b.id,
	})
	if err != nil && !operation.IsNotFound(err) {
		return err
	}
	if operation.IsNotFound(err) {
		ymlogger.LogInfof(b.callSID, "Bridge [%s] already gone on destroy", b.id)
	}
	b.mu.Lock()
	alreadyDestroyed := b.destroyed
	b.destroyed = true
	b.recordings = make(map[string]*Recording)
	b.channels = make(map[string]struct{})
	b.mu.Unlock()
	if !alreadyDestroyed {
		metrics.ActiveBridges.Dec()
	}
	return nil
}

// AddChannel places a channel into the bridge. With confirm set, the call
// registers for the channel-entered event before issuing the action and only
// returns once both the action succeeded and the entry event arrived; the
// action response and the event may arrive in either order.
func (b *Bridge) AddChannel(ctx context.Context, channelID string, confirm bool) error {
	var w *waiter
	if confirm {
		w = b.waitFor(channelID, contracts.EventChannelEnteredBridge, b.pendingJoinMap)
	}
	q := url.Values{}
	q.Set("channel", channelID)
	_, err := b.exec.Execute(ctx, b.callSID, "BridgeAddChannel", &operation.Request{
		Method: "POST",
		Path:   "/bridges/" + b.id + "/addChannel",
		Query:  q,
	})
	if err != nil {
		if w != nil {
			b.cancelWaiter(channelID, b.pendingJoinMap, w, err)
		}
		return err
	}
	b.mu.Lock()
	b.channels[channelID] = struct{}{}
	b.mu.Unlock()
	if w == nil {
		return nil
	}
	_, err = w.promise.Await(ctx)
	return err
}

// RemoveChannel takes a channel out of the bridge. NotFound is downgraded to
// success since removal must be safe to call redundantly during teardown.
func (b *Bridge) RemoveChannel(ctx context.Context, channelID string, confirm bool) error {
	var w *waiter
	if confirm {
		w = b.waitFor(channelID, contracts.EventChannelLeftBridge, b.pendingLeaveMap)
	}
	q := url.Values{}
	q.Set("channel", channelID)
	_, err := b.exec.Execute(ctx, b.callSID, "BridgeRemoveChannel", &operation.Request{
		Method: "POST",
		Path:   "/bridges/" + b.id + "/removeChannel",
		Query:  q,
	})
	if operation.IsNotFound(err) {
		ymlogger.LogInfof(b.callSID, "Channel [%s] not found while removing from bridge [%s]", channelID, b.id)
		if w != nil {
			b.resolveWaiter(channelID, b.pendingLeaveMap, w)
		}
		b.forgetChannel(channelID)
		return nil
	}
	if err != nil {
		if w != nil {
			b.cancelWaiter(channelID, b.pendingLeaveMap, w, err)
		}
		return err
	}
	b.forgetChannel(channelID)
	if w == nil {
		return nil
	}
	_, err = w.promise.Await(ctx)
	return err
}

func (b *Bridge) forgetChannel(channelID string) {
	b.mu.Lock()
	delete(b.channels, channelID)
	b.mu.Unlock()
}

// pendingJoinMap and pendingLeaveMap let waitFor share one code path over
// the two waiter maps while holding b.mu.
func (b *Bridge) pendingJoinMap() map[string]*waiter  { return b.pendingJoin }
func (b *Bridge) pendingLeaveMap() map[string]*waiter { return b.pendingLeave }

// waitFor returns the pending confirmation waiter for the channel, creating
// it if absent. A second wait on an already-pending channel reuses the same
// promise instead of registering a duplicate listener.
func (b *Bridge) waitFor(
	channelID string,
	eventType string,
	pending func() map[string]*waiter,
) *waiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := pending()[channelID]; ok {
		return w
	}
	w := &waiter{promise: operation.NewPromise[struct{}]()}
	w.handle = b.disp.Subscribe(eventType, channelID, func(e *contracts.Event) {
		if e.Bridge == nil || e.Bridge.ID != b.id {
			return
		}
		if eventType == contracts.EventChannelEnteredBridge {
			b.mu.Lock()
			b.channels[channelID] = struct{}{}
			b.mu.Unlock()
		} else {
			b.forgetChannel(channelID)
		}
		b.resolveWaiter(channelID, pending, w)
	})
	pending()[channelID] = w
	return w
}

func (b *Bridge) resolveWaiter(channelID string, pending func() map[string]*waiter, w *waiter) {
	b.mu.Lock()
	if pending()[channelID] == w {
		delete(pending(), channelID)
	}
	b.mu.Unlock()
	b.disp.Unsubscribe(w.handle)
	w.promise.Resolve(struct{}{})
}

func (b *Bridge) cancelWaiter(channelID string, pending func() map[string]*waiter, w *waiter, err error) {
	b.mu.Lock()
	if pending()[channelID] == w {
		delete(pending(), channelID)
	}
	b.mu.Unlock()
	b.disp.Unsubscribe(w.handle)
	w.promise.Reject(err)
}

// Play starts a media playback on the bridge and returns the playback ID.
func (b *Bridge) Play(ctx context.Context, media string) (string, error) {
	playbackID := uuid.New().String()
	q := url.Values{}
	q.Set("media", media)
	_, err := b.exec.Execute(ctx, b.callSID, "BridgePlay", &operation.Request{
		Method: "POST",
		Path:   "/bridges/" + b.id + "/play/" + playbackID,
		Query:  q,
	})
	if err != nil {
		return "", err
	}
	return playbackID, nil
}

// StartMusicOnHold starts hold music on the bridge. An empty class uses the
// configured default.
func (b *Bridge) StartMusicOnHold(ctx context.Context, class string) error {
	if class == "" {
		class = configmanager.ConfStore.MOHClass
	}
	q := url.Values{}
	q.Set("mohClass", class)
	_, err := b.exec.Execute(ctx, b.callSID, "BridgeStartMOH", &operation.Request{
		Method: "POST",
		Path:   "/bridges/" + b.id + "/moh",
		Query:  q,
	})
	return err
}

// StopMusicOnHold stops hold music on the bridge.
func (b *Bridge) StopMusicOnHold(ctx context.Context) error {
	_, err := b.exec.Execute(ctx, b.callSID, "BridgeStopMOH", &operation.Request{
		Method: "DELETE",
		Path:   "/bridges/" + b.id + "/moh",
	})
	return err
}

// RecordingOptions control a bridge recording. Zero values fall back to the
// configured recording defaults.
type RecordingOptions struct {
	Format      string
	MaxDuration time.Duration
	MaxSilence  time.Duration
	Beep        bool
	TerminateOn string
}

// Record starts a named recording on the bridge. The returned Recording's
// metadata is populated from whichever source produces the live descriptor
// first: the start action's response or the finished event.
func (b *Bridge) Record(ctx context.Context, name string, opts *RecordingOptions) (*Recording, error) {
	if opts == nil {
		opts = &RecordingOptions{}
	}
	format := opts.Format
	if format == "" {
		format = configmanager.ConfStore.RecordingFormat
	}
	maxDuration := opts.MaxDuration
	if maxDuration == 0 {
		maxDuration = time.Duration(configmanager.ConfStore.RecordingMaxDuration) * time.Second
	}
	maxSilence := opts.MaxSilence
	if maxSilence == 0 {
		maxSilence = time.Duration(configmanager.ConfStore.RecordingMaxSilence) * time.Second
	}
	terminateOn := opts.TerminateOn
	if terminateOn == "" {
		terminateOn = "none"
	}

	rec := newRecording(b, name)
	b.mu.Lock()
	b.recordings[name] = rec
	b.mu.Unlock()

	// The finished listener goes in before the action so a short recording
	// cannot finish unobserved.
	rec.handle = b.disp.Subscribe(contracts.EventRecordingFinished, b.id, func(e *contracts.Event) {
		if e.Recording == nil {
			return
		}
		if e.Recording.Name != name {
			ymlogger.LogInfof(b.callSID, "Ignoring finished recording [%s] on bridge [%s], waiting for [%s]",
				e.Recording.Name, b.id, name)
			return
		}
		rec.finish(*e.Recording)
		b.mu.Lock()
		if b.recordings[name] == rec {
			delete(b.recordings, name)
		}
		b.mu.Unlock()
		b.disp.Unsubscribe(rec.handle)
	})

	q := url.Values{}
	q.Set("name", name)
	q.Set("format", format)
	q.Set("maxDurationSeconds", strconv.Itoa(int(maxDuration.Seconds())))
	q.Set("maxSilenceSeconds", strconv.Itoa(int(maxSilence.Seconds())))
	q.Set("beep", strconv.FormatBool(opts.Beep))
	q.Set("ifExists", "overwrite")
	q.Set("terminateOn", terminateOn)
	var data contracts.LiveRecordingData
	err := b.exec.ExecuteAndDecode(ctx, b.callSID, "BridgeRecord", &operation.Request{
		Method: "POST",
		Path:   "/bridges/" + b.id + "/record",
		Query:  q,
	}, &data)
	if err != nil {
		b.disp.Unsubscribe(rec.handle)
		b.mu.Lock()
		if b.recordings[name] == rec {
			delete(b.recordings, name)
		}
		b.mu.Unlock()
		return nil, err
	}
	if data.Name != "" {
		rec.setData(data)
	}
	ymlogger.LogInfof(b.callSID, "Recording [%s] enqueued on bridge [%s]", name, b.id)
	return rec, nil
}

// StopRecording stops a named live recording. NotFound means it already
// ended, which teardown treats as success.
func (b *Bridge) StopRecording(ctx context.Context, name string) error {
	_, err := b.exec.Execute(ctx, b.callSID, "RecordingStop", &operation.Request{
		Method: "POST",
		Path:   "/recordings/live/" + name + "/stop",
	})
	if operation.IsNotFound(err) {
		ymlogger.LogInfof(b.callSID, "Recording [%s] already gone on stop", name)
		return nil
	}
	return err
}

// Recordings lists the names of recordings this handle believes are live.
func (b *Bridge) Recordings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.recordings))
	for name := range b.recordings {
		out = append(out, name)
	}
	return out
}
