package dial

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"bitbucket.org/yellowmessenger/callcontrol/bridge"
	"bitbucket.org/yellowmessenger/callcontrol/configmanager"
	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/dispatcher"
	"bitbucket.org/yellowmessenger/callcontrol/metrics"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

// Options describe one outbound origination.
type Options struct {
	// OriginatorID is the channel whose hangup cancels the dial. Empty for
	// unsolicited dials.
	OriginatorID string
	// CallerID presented to the dialed party.
	CallerID string
	// Endpoint is the formatted dial endpoint, e.g. PJSIP/trunk/09811098110.
	Endpoint string
	// Timeout bounds how long the endpoint may ring. Zero takes the
	// configured SIP call timeout.
	Timeout time.Duration
	// Headers are pushed as numbered SIPADDHEADER channel variables.
	Headers map[string]string
	// Variables are set on the endpoint channel before it dials.
	Variables map[string]string
	// EarlyBridge switches origination to the create-then-dial workflow so
	// pre-answer media flows through the bridge.
	EarlyBridge *bridge.Bridge
	// ChannelID pins the endpoint channel ID. Empty gets a generated one.
	ChannelID string
	// Application overrides the configured stasis application.
	Application string
	// Latency, when set, collects signaling milestone latencies.
	Latency *LatencyStore
}

// Result is the terminal outcome of a dial session.
type Result struct {
	Status        Status
	CallDuration  time.Duration
	RingDuration  time.Duration
	MediaDuration time.Duration
}

// Session drives one outbound attempt from origination to a terminal state.
// Milestone flags only ever go false to true, and exactly one terminal
// transition (failed, cancelled, disconnected) wins.
type Session struct {
	exec    *operation.Executor
	disp    *dispatcher.Dispatcher
	callSID string
	opts    Options

	endpointID string
	timeout    time.Duration

	machine *fsm.FSM
	outcome *operation.Promise[Result]

	mu              sync.Mutex
	status          Status
	wasActive       bool
	wasRinging      bool
	wasConnected    bool
	wasFailed       bool
	wasCancelled    bool
	wasDisconnected bool
	startTime       time.Time
	ringTime        time.Time
	answerTime      time.Time
	endTime         time.Time

	whenActive       []func()
	whenRinging      []func()
	whenConnect      []func()
	whenFailed       []func()
	whenCancelled    []func()
	whenDisconnected []func()

	originatorSub *dispatcher.Handle
	destroySub    *dispatcher.Handle
	stateSub      *dispatcher.Handle
	dialSub       *dispatcher.Handle
}

// The machine is the single arbiter of transition legality: milestones can
// only move forward and no terminal state is reachable from another one.
func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		"idle",
		fsm.Events{
			{Name: "activate", Src: []string{"idle"}, Dst: "active"},
			{Name: "ring", Src: []string{"idle", "active"}, Dst: "ringing"},
			{Name: "answer", Src: []string{"idle", "active", "ringing"}, Dst: "connected"},
			{Name: "fail", Src: []string{"idle", "active", "ringing"}, Dst: "failed"},
			{Name: "cancel", Src: []string{"idle", "active", "ringing", "connected"}, Dst: "cancelled"},
			{Name: "disconnect", Src: []string{"idle", "active", "ringing", "connected"}, Dst: "disconnected"},
		},
		fsm.Callbacks{},
	)
}

// Start originates the endpoint and returns the live session. Listeners for
// both legs are registered before the origination action is issued so no
// early event can slip past. Origination failure rejects the outcome promise
// with the classified error and is also returned directly.
func Start(
	ctx context.Context,
	exec *operation.Executor,
	disp *dispatcher.Dispatcher,
	callSID string,
	opts Options,
) (*Session, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("dial: endpoint is required")
	}
	endpointID := opts.ChannelID
	if endpointID == "" {
		endpointID = uuid.New().String()
	}
	if opts.Application == "" {
		opts.Application = configmanager.ConfStore.ARIApplication
	}
	s := &Session{
		exec:       exec,
		disp:       disp,
		callSID:    callSID,
		opts:       opts,
		endpointID: endpointID,
		timeout:    resolveTimeout(opts.Timeout),
		machine:    newMachine(),
		outcome:    operation.NewPromise[Result](),
		status:     StatusUnknown,
		startTime:  time.Now(),
	}

	if opts.OriginatorID != "" {
		s.originatorSub = disp.Subscribe(contracts.EventChannelHangupRequest, opts.OriginatorID, func(e *contracts.Event) {
			ymlogger.LogInfof(callSID, "Originator [%s] hung up, cancelling dial to [%s]", opts.OriginatorID, opts.Endpoint)
			s.cancel(context.Background())
		})
	}
	s.destroySub = disp.SubscribeOnce(contracts.EventChannelDestroyed, endpointID, func(e *contracts.Event) {
		s.markDisconnected()
	})
	s.stateSub = disp.Subscribe(contracts.EventChannelStateChange, endpointID, func(e *contracts.Event) {
		if e.Channel == nil {
			return
		}
		switch e.Channel.State {
		case "Ringing":
			s.markRinging(StatusRinging)
		case "Up":
			s.markActive()
		}
	})
	s.dialSub = disp.Subscribe(contracts.EventDial, endpointID, func(e *contracts.Event) {
		s.handleDialStatus(e.DialStatus)
	})

	if opts.Latency != nil {
		opts.Latency.AddAttempt(callSID, opts.Endpoint)
	}

	var err error
	if opts.EarlyBridge != nil {
		err = s.originateEarlyBridged(ctx)
	} else {
		err = s.originateDirect(ctx)
	}
	if err != nil {
		s.dropListeners()
		s.outcome.Reject(err)
		return nil, err
	}
	return s, nil
}

func resolveTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if n, err := strconv.Atoi(configmanager.ConfStore.SIPCallTimeout); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 60 * time.Second
}

// originateDirect creates and dials the endpoint in a single action.
func (s *Session) originateDirect(ctx context.Context) error {
	q := url.Values{}
	q.Set("endpoint", s.opts.Endpoint)
	q.Set("app", s.opts.Application)
	q.Set("callerId", s.opts.CallerID)
	q.Set("timeout", strconv.Itoa(int(s.timeout.Seconds())))
	q.Set("channelId", s.endpointID)
	_, err := s.exec.Execute(ctx, s.callSID, "ChannelOriginate", &operation.Request{
		Method: "POST",
		Path:   "/channels",
		Query:  q,
		Body:   map[string]interface{}{"variables": s.channelVariables()},
	})
	if err != nil {
		return fmt.Errorf("originate %s: %w", s.opts.Endpoint, err)
	}
	ymlogger.LogInfof(s.callSID, "Originated channel [%s] to [%s]", s.endpointID, s.opts.Endpoint)
	return nil
}

// originateEarlyBridged creates the endpoint without dialing, waits for it to
// reach the application, parks it in the early bridge, pushes variables, then
// dials. Pre-answer media already flows through the bridge when ringing
// starts.
func (s *Session) originateEarlyBridged(ctx context.Context) error {
	entered := operation.NewPromise[struct{}]()
	enterSub := s.disp.SubscribeOnce(contracts.EventStasisStart, s.endpointID, func(e *contracts.Event) {
		entered.Resolve(struct{}{})
	})
	defer s.disp.Unsubscribe(enterSub)

	q := url.Values{}
	q.Set("endpoint", s.opts.Endpoint)
	q.Set("app", s.opts.Application)
	q.Set("channelId", s.endpointID)
	_, err := s.exec.Execute(ctx, s.callSID, "ChannelCreate", &operation.Request{
		Method: "POST",
		Path:   "/channels/create",
		Query:  q,
	})
	if err != nil {
		return fmt.Errorf("create channel for %s: %w", s.opts.Endpoint, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err = entered.Await(waitCtx); err != nil {
		s.hangupEndpoint(context.Background())
		return fmt.Errorf("channel %s never reached the application: %w", s.endpointID, err)
	}

	if err = s.opts.EarlyBridge.AddChannel(ctx, s.endpointID, true); err != nil {
		s.hangupEndpoint(context.Background())
		return fmt.Errorf("early bridge channel %s: %w", s.endpointID, err)
	}

	for _, kv := range s.sortedVariables() {
		vq := url.Values{}
		vq.Set("variable", kv[0])
		vq.Set("value", kv[1])
		_, err = s.exec.Execute(ctx, s.callSID, "ChannelSetVar", &operation.Request{
			Method: "POST",
			Path:   "/channels/" + s.endpointID + "/variable",
			Query:  vq,
		})
		if err != nil {
			s.hangupEndpoint(context.Background())
			return fmt.Errorf("set variable %s on %s: %w", kv[0], s.endpointID, err)
		}
	}

	dq := url.Values{}
	dq.Set("caller", s.opts.CallerID)
	dq.Set("timeout", strconv.Itoa(int(s.timeout.Seconds())))
	_, err = s.exec.Execute(ctx, s.callSID, "ChannelDial", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + s.endpointID + "/dial",
		Query:  dq,
	})
	if err != nil {
		s.hangupEndpoint(context.Background())
		return fmt.Errorf("dial %s: %w", s.opts.Endpoint, err)
	}
	ymlogger.LogInfof(s.callSID, "Dialed early-bridged channel [%s] to [%s]", s.endpointID, s.opts.Endpoint)
	return nil
}

// channelVariables merges the caller-supplied variables with the numbered
// SIP header variables.
func (s *Session) channelVariables() map[string]string {
	vars := make(map[string]string, len(s.opts.Variables)+len(s.opts.Headers))
	for k, v := range s.opts.Variables {
		vars[k] = v
	}
	keys := make([]string, 0, len(s.opts.Headers))
	for k := range s.opts.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		vars[fmt.Sprintf("SIPADDHEADER%02d", i+1)] = k + ": " + s.opts.Headers[k]
	}
	return vars
}

func (s *Session) sortedVariables() [][2]string {
	vars := s.channelVariables()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, vars[k]})
	}
	return out
}

// EndpointID returns the dialed channel's ID.
func (s *Session) EndpointID() string {
	return s.endpointID
}

// Status returns the last reported dial status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Outcome resolves exactly once with the terminal result of the attempt.
func (s *Session) Outcome() *operation.Promise[Result] {
	return s.outcome
}

// handleDialStatus reacts to one dial-progress report. An unparsable status
// is recorded as Unknown and never drives a terminal transition.
func (s *Session) handleDialStatus(raw string) {
	status, ok := ParseStatus(raw)
	if !ok {
		ymlogger.LogErrorf(s.callSID, "Unparsable dial status [%s] for channel [%s]", raw, s.endpointID)
		s.mu.Lock()
		if !s.terminalLocked() {
			s.status = StatusUnknown
		}
		s.mu.Unlock()
		return
	}
	switch {
	case status == StatusProgress || status == StatusRinging:
		s.markRinging(status)
	case status == StatusAnswer:
		s.markConnected()
	case status.IsFailure():
		s.fail(status)
	}
}

func (s *Session) terminalLocked() bool {
	return s.wasFailed || s.wasCancelled || s.wasDisconnected
}

func (s *Session) markActive() {
	s.mu.Lock()
	if err := s.machine.Event(context.Background(), "activate"); err != nil {
		s.mu.Unlock()
		return
	}
	s.wasActive = true
	cbs := snapshot(s.whenActive)
	s.mu.Unlock()
	if s.opts.Latency != nil {
		s.opts.Latency.Record(s.callSID, SetupTimeinMs, time.Since(s.startTime).Milliseconds())
	}
	runAll(cbs)
}

func (s *Session) markRinging(status Status) {
	s.mu.Lock()
	if err := s.machine.Event(context.Background(), "ring"); err != nil {
		s.mu.Unlock()
		return
	}
	s.wasRinging = true
	s.status = status
	s.ringTime = time.Now()
	cbs := snapshot(s.whenRinging)
	s.mu.Unlock()
	if s.opts.Latency != nil {
		s.opts.Latency.Record(s.callSID, RingTimeinMs, time.Since(s.startTime).Milliseconds())
	}
	ymlogger.LogInfof(s.callSID, "Channel [%s] ringing", s.endpointID)
	runAll(cbs)
}

func (s *Session) markConnected() {
	s.markRinging(StatusRinging)
	s.mu.Lock()
	if err := s.machine.Event(context.Background(), "answer"); err != nil {
		s.mu.Unlock()
		return
	}
	s.wasConnected = true
	s.status = StatusAnswer
	s.answerTime = time.Now()
	cbs := snapshot(s.whenConnect)
	s.mu.Unlock()
	if s.opts.Latency != nil {
		s.opts.Latency.Record(s.callSID, AnswerTimeinMs, time.Since(s.startTime).Milliseconds())
	}
	ymlogger.LogInfof(s.callSID, "Channel [%s] answered", s.endpointID)
	runAll(cbs)
}

// fail ends the attempt on a terminal dial-progress report. The endpoint is
// hung up before the failure is surfaced.
func (s *Session) fail(status Status) {
	s.mu.Lock()
	if err := s.machine.Event(context.Background(), "fail"); err != nil {
		s.mu.Unlock()
		return
	}
	s.wasFailed = true
	s.status = status
	s.endTime = time.Now()
	cbs := snapshot(s.whenFailed)
	s.mu.Unlock()

	s.hangupEndpoint(context.Background())
	s.dropListeners()
	s.finishAttempt(status)
	ymlogger.LogInfof(s.callSID, "Dial to [%s] failed with status [%s]", s.opts.Endpoint, status)
	runAll(cbs)
	s.outcome.Resolve(s.result())
}

// Cancel aborts the dial, the same path the originator's hangup takes. A
// cancel after the endpoint answered reports status Answer.
func (s *Session) Cancel(ctx context.Context) {
	s.cancel(ctx)
}

func (s *Session) cancel(ctx context.Context) {
	s.mu.Lock()
	if err := s.machine.Event(context.Background(), "cancel"); err != nil {
		s.mu.Unlock()
		return
	}
	if s.wasConnected {
		s.status = StatusAnswer
	} else {
		s.status = StatusCancel
	}
	status := s.status
	s.wasCancelled = true
	s.endTime = time.Now()
	cbs := snapshot(s.whenCancelled)
	s.mu.Unlock()

	if s.opts.EarlyBridge != nil {
		if err := s.opts.EarlyBridge.RemoveChannel(ctx, s.endpointID, false); err != nil {
			ymlogger.LogErrorf(s.callSID, "Failed to remove channel [%s] from early bridge. Error: [%#v]", s.endpointID, err)
		}
	}
	s.hangupEndpoint(ctx)
	s.dropListeners()
	s.finishAttempt(status)
	ymlogger.LogInfof(s.callSID, "Dial to [%s] cancelled with status [%s]", s.opts.Endpoint, status)
	runAll(cbs)
	s.outcome.Resolve(s.result())
}

// markDisconnected ends the attempt when the endpoint channel goes away on
// its own.
func (s *Session) markDisconnected() {
	s.mu.Lock()
	if err := s.machine.Event(context.Background(), "disconnect"); err != nil {
		s.mu.Unlock()
		return
	}
	s.wasDisconnected = true
	s.endTime = time.Now()
	status := s.status
	cbs := snapshot(s.whenDisconnected)
	s.mu.Unlock()

	s.disp.Unsubscribe(s.stateSub)
	s.dropListeners()
	s.finishAttempt(status)
	ymlogger.LogInfof(s.callSID, "Channel [%s] disconnected", s.endpointID)
	runAll(cbs)
	s.outcome.Resolve(s.result())
}

// Detach severs the caller-hangs-up-endpoint-hangs-up linkage and, for an
// early-bridged dial, pulls the endpoint out of the bridge. Removal errors
// are logged, not surfaced, since the endpoint now lives on independently.
func (s *Session) Detach(ctx context.Context) {
	s.disp.Unsubscribe(s.originatorSub)
	if s.opts.EarlyBridge != nil {
		if err := s.opts.EarlyBridge.RemoveChannel(ctx, s.endpointID, false); err != nil {
			ymlogger.LogErrorf(s.callSID, "Failed to detach channel [%s] from early bridge. Error: [%#v]", s.endpointID, err)
		}
	}
	ymlogger.LogInfof(s.callSID, "Detached dial to [%s] from originator", s.opts.Endpoint)
}

func (s *Session) hangupEndpoint(ctx context.Context) {
	_, err := s.exec.Execute(ctx, s.callSID, "ChannelHangup", &operation.Request{
		Method: "DELETE",
		Path:   "/channels/" + s.endpointID,
	})
	if err != nil && !operation.IsNotFound(err) {
		ymlogger.LogErrorf(s.callSID, "Failed to hang up channel [%s]. Error: [%#v]", s.endpointID, err)
	}
}

func (s *Session) dropListeners() {
	s.disp.Unsubscribe(s.originatorSub)
	s.disp.Unsubscribe(s.destroySub)
	s.disp.Unsubscribe(s.stateSub)
	s.disp.Unsubscribe(s.dialSub)
}

func (s *Session) finishAttempt(status Status) {
	metrics.DialOutcomes.WithLabelValues(status.String()).Inc()
	if s.opts.Latency != nil {
		s.opts.Latency.SetDialStatus(s.callSID, status)
	}
}

func (s *Session) result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		Status:        s.status,
		CallDuration:  s.callDurationLocked(),
		RingDuration:  s.ringDurationLocked(),
		MediaDuration: s.mediaDurationLocked(),
	}
}

// CallDuration is origination to end, or to now while the attempt is live.
func (s *Session) CallDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callDurationLocked()
}

// RingDuration is ringing start to answer. Zero if the call never answered.
func (s *Session) RingDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ringDurationLocked()
}

// MediaDuration is answer to end. Zero if the call never answered.
func (s *Session) MediaDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaDurationLocked()
}

func (s *Session) callDurationLocked() time.Duration {
	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.startTime)
}

func (s *Session) ringDurationLocked() time.Duration {
	if s.answerTime.IsZero() || s.ringTime.IsZero() {
		return 0
	}
	return s.answerTime.Sub(s.ringTime)
}

func (s *Session) mediaDurationLocked() time.Duration {
	if s.answerTime.IsZero() {
		return 0
	}
	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.answerTime)
}

// WhenActive runs cb once the endpoint is visible to the application. A
// registration after the fact fires immediately.
func (s *Session) WhenActive(cb func()) {
	s.when(&s.whenActive, &s.wasActive, cb)
}

// WhenRinging runs cb once ringing is reported.
func (s *Session) WhenRinging(cb func()) {
	s.when(&s.whenRinging, &s.wasRinging, cb)
}

// WhenConnect runs cb once the endpoint answers.
func (s *Session) WhenConnect(cb func()) {
	s.when(&s.whenConnect, &s.wasConnected, cb)
}

// WhenFailed runs cb if the dial ends in a failure status.
func (s *Session) WhenFailed(cb func()) {
	s.when(&s.whenFailed, &s.wasFailed, cb)
}

// WhenCancelled runs cb if the dial is cancelled.
func (s *Session) WhenCancelled(cb func()) {
	s.when(&s.whenCancelled, &s.wasCancelled, cb)
}

// WhenDisconnected runs cb once the endpoint channel is gone.
func (s *Session) WhenDisconnected(cb func()) {
	s.when(&s.whenDisconnected, &s.wasDisconnected, cb)
}

func (s *Session) when(list *[]func(), flag *bool, cb func()) {
	s.mu.Lock()
	if *flag {
		s.mu.Unlock()
		cb()
		return
	}
	*list = append(*list, cb)
	s.mu.Unlock()
}

func snapshot(cbs []func()) []func() {
	out := make([]func(), len(cbs))
	copy(out, cbs)
	return out
}

func runAll(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
