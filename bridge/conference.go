package bridge

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"bitbucket.org/yellowmessenger/callcontrol/configmanager"
	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/dispatcher"
	"bitbucket.org/yellowmessenger/callcontrol/metrics"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

// ConferenceOptions tune the join ceremony and the bridge-wide recording.
// Empty sound URIs take the configured defaults.
type ConferenceOptions struct {
	Record        bool
	RecordingName string
	Beep          bool
	MuteOnJoin    bool
	MOHClass      string
	AloneSound    string
	JoinSound     string
	LeaveSound    string
}

// Conference runs a named multi-party bridge with join/leave announcements,
// hold music for a lone participant and an optional single recording that
// starts when the second participant arrives.
type Conference struct {
	exec    *operation.Executor
	disp    *dispatcher.Dispatcher
	callSID string
	name    string
	opts    ConferenceOptions
	bridge  *Bridge
	leftSub *dispatcher.Handle

	mu               sync.Mutex
	members          map[string]struct{}
	recordingStarted bool
	destroyed        bool
	onLeave          func(channelID string)
}

// NewConference creates the backing bridge and starts watching for members
// leaving it.
func NewConference(
	ctx context.Context,
	exec *operation.Executor,
	disp *dispatcher.Dispatcher,
	callSID string,
	name string,
	opts ConferenceOptions,
) (*Conference, error) {
	if opts.AloneSound == "" {
		opts.AloneSound = configmanager.ConfStore.ConfAloneSound
	}
	if opts.JoinSound == "" {
		opts.JoinSound = configmanager.ConfStore.ConfJoinSound
	}
	if opts.LeaveSound == "" {
		opts.LeaveSound = configmanager.ConfStore.ConfLeaveSound
	}
	b, err := Create(ctx, exec, disp, callSID, "", name, "mixing")
	if err != nil {
		return nil, fmt.Errorf("create conference %s: %w", name, err)
	}
	c := &Conference{
		exec:    exec,
		disp:    disp,
		callSID: callSID,
		name:    name,
		opts:    opts,
		bridge:  b,
		members: make(map[string]struct{}),
	}
	// Members can leave without going through this client (hangup, external
	// removal), so leaves are observed globally and filtered by bridge ID.
	c.leftSub = disp.Subscribe(contracts.EventChannelLeftBridge, "", func(e *contracts.Event) {
		if e.Bridge == nil || e.Bridge.ID != b.ID() || e.Channel == nil {
			return
		}
		c.memberLeft(e.Channel.ID)
	})
	return c, nil
}

// Bridge exposes the backing bridge handle.
func (c *Conference) Bridge() *Bridge {
	return c.bridge
}

// Name returns the conference name.
func (c *Conference) Name() string {
	return c.name
}

// MemberCount returns the number of channels currently joined.
func (c *Conference) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// OnLeave registers a callback fired for every member that leaves, before
// the leave announcement plays.
func (c *Conference) OnLeave(cb func(channelID string)) {
	c.mu.Lock()
	c.onLeave = cb
	c.mu.Unlock()
}

// AddChannel runs the join sequence for one channel: answer it if needed,
// put it in the bridge with entry confirmation, then the beep, the optional
// mute and the join announcement. Any step failing aborts the rest.
func (c *Conference) AddChannel(ctx context.Context, channelID string) error {
	var data contracts.ChannelData
	err := c.exec.ExecuteAndDecode(ctx, c.callSID, "ChannelGet", &operation.Request{
		Method: "GET",
		Path:   "/channels/" + channelID,
	}, &data)
	if err != nil {
		return fmt.Errorf("join conference %s: inspect channel: %w", c.name, err)
	}
	if data.State != "Up" {
		_, err = c.exec.Execute(ctx, c.callSID, "ChannelAnswer", &operation.Request{
			Method: "POST",
			Path:   "/channels/" + channelID + "/answer",
		})
		if err != nil {
			return fmt.Errorf("join conference %s: answer: %w", c.name, err)
		}
	}
	if err = c.bridge.AddChannel(ctx, channelID, true); err != nil {
		return fmt.Errorf("join conference %s: add channel: %w", c.name, err)
	}
	if c.opts.Beep {
		if err = c.playToChannel(ctx, channelID, configmanager.ConfStore.ConfBeepSound); err != nil {
			return fmt.Errorf("join conference %s: beep: %w", c.name, err)
		}
	}
	if c.opts.MuteOnJoin {
		q := url.Values{}
		q.Set("direction", "out")
		_, err = c.exec.Execute(ctx, c.callSID, "ChannelMute", &operation.Request{
			Method: "POST",
			Path:   "/channels/" + channelID + "/mute",
			Query:  q,
		})
		if err != nil {
			return fmt.Errorf("join conference %s: mute: %w", c.name, err)
		}
	}
	if _, err = c.bridge.Play(ctx, c.opts.JoinSound); err != nil {
		return fmt.Errorf("join conference %s: announce: %w", c.name, err)
	}

	c.mu.Lock()
	c.members[channelID] = struct{}{}
	count := len(c.members)
	startRecording := count >= 2 && c.opts.Record && !c.recordingStarted
	if startRecording {
		c.recordingStarted = true
	}
	c.mu.Unlock()
	metrics.ConferenceMembers.WithLabelValues(c.name).Set(float64(count))
	ymlogger.LogInfof(c.callSID, "Channel [%s] joined conference [%s], members [%d]", channelID, c.name, count)

	if count == 1 {
		if _, err = c.bridge.Play(ctx, c.opts.AloneSound); err != nil {
			ymlogger.LogErrorf(c.callSID, "Failed to play alone prompt in conference [%s]. Error: [%#v]", c.name, err)
		}
		if err = c.bridge.StartMusicOnHold(ctx, c.opts.MOHClass); err != nil {
			ymlogger.LogErrorf(c.callSID, "Failed to start MOH in conference [%s]. Error: [%#v]", c.name, err)
		}
		return nil
	}
	if err = c.bridge.StopMusicOnHold(ctx); err != nil {
		ymlogger.LogErrorf(c.callSID, "Failed to stop MOH in conference [%s]. Error: [%#v]", c.name, err)
	}
	if startRecording {
		recName := c.opts.RecordingName
		if recName == "" {
			recName = "conf-" + c.name
		}
		if _, err = c.bridge.Record(ctx, recName, nil); err != nil {
			ymlogger.LogErrorf(c.callSID, "Failed to start recording [%s] in conference [%s]. Error: [%#v]",
				recName, c.name, err)
		}
	}
	return nil
}

// RemoveChannel takes a member out of the bridge; the leave ceremony runs
// from the resulting left event like any other exit.
func (c *Conference) RemoveChannel(ctx context.Context, channelID string) error {
	return c.bridge.RemoveChannel(ctx, channelID, false)
}

// memberLeft runs the leave ceremony. The last member out tears the bridge
// down exactly once even when leaves race.
func (c *Conference) memberLeft(channelID string) {
	c.mu.Lock()
	if _, ok := c.members[channelID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.members, channelID)
	count := len(c.members)
	cb := c.onLeave
	lastOut := count == 0 && !c.destroyed
	if lastOut {
		c.destroyed = true
	}
	c.mu.Unlock()

	metrics.ConferenceMembers.WithLabelValues(c.name).Set(float64(count))
	ymlogger.LogInfof(c.callSID, "Channel [%s] left conference [%s], members [%d]", channelID, c.name, count)
	if cb != nil {
		cb(channelID)
	}

	ctx := context.Background()
	if !lastOut {
		if _, err := c.bridge.Play(ctx, c.opts.LeaveSound); err != nil {
			ymlogger.LogErrorf(c.callSID, "Failed to play leave sound in conference [%s]. Error: [%#v]", c.name, err)
		}
		return
	}
	c.disp.Unsubscribe(c.leftSub)
	if err := c.bridge.Destroy(ctx); err != nil {
		ymlogger.LogErrorf(c.callSID, "Failed to destroy conference [%s] bridge. Error: [%#v]", c.name, err)
	}
	ymlogger.LogInfof(c.callSID, "Conference [%s] empty, bridge destroyed", c.name)
}

// Destroy force-ends the conference regardless of remaining members.
func (c *Conference) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.members = make(map[string]struct{})
	c.mu.Unlock()
	c.disp.Unsubscribe(c.leftSub)
	metrics.ConferenceMembers.WithLabelValues(c.name).Set(0)
	return c.bridge.Destroy(ctx)
}

func (c *Conference) playToChannel(ctx context.Context, channelID string, media string) error {
	q := url.Values{}
	q.Set("media", media)
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelPlay", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + channelID + "/play",
		Query:  q,
	})
	return err
}
