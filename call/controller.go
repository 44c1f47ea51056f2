package call

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"bitbucket.org/yellowmessenger/callcontrol/configmanager"
	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/dial"
	"bitbucket.org/yellowmessenger/callcontrol/dispatcher"
	"bitbucket.org/yellowmessenger/callcontrol/operation"
)

// Controller is the application-visible handle bound to one channel. It only
// delegates: actions go through the executor, waits go through the
// dispatcher, outbound legs go through the dial engine.
type Controller struct {
	exec      *operation.Executor
	disp      *dispatcher.Dispatcher
	channelID string
	callSID   string
}

// NewController binds a controller to a channel.
func NewController(
	exec *operation.Executor,
	disp *dispatcher.Dispatcher,
	channelID string,
	callSID string,
) *Controller {
	return &Controller{
		exec:      exec,
		disp:      disp,
		channelID: channelID,
		callSID:   callSID,
	}
}

// ChannelID returns the bound channel's ID.
func (c *Controller) ChannelID() string {
	return c.channelID
}

// State returns the stored call record for the bound channel, if any.
func (c *Controller) State() (*State, bool) {
	return Lookup(c.channelID)
}

// Data fetches the server's current view of the channel.
func (c *Controller) Data(ctx context.Context) (*contracts.ChannelData, error) {
	var data contracts.ChannelData
	err := c.exec.ExecuteAndDecode(ctx, c.callSID, "ChannelGet", &operation.Request{
		Method: "GET",
		Path:   "/channels/" + c.channelID,
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// Answer picks up the channel and stamps the answer time on its record.
func (c *Controller) Answer(ctx context.Context) error {
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelAnswer", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/answer",
	})
	if err != nil {
		return err
	}
	if s, ok := Lookup(c.channelID); ok {
		s.MarkAnswered()
	}
	return nil
}

// Hangup ends the channel. A channel already gone counts as hung up.
func (c *Controller) Hangup(ctx context.Context, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelHangup", &operation.Request{
		Method: "DELETE",
		Path:   "/channels/" + c.channelID,
		Query:  q,
	})
	if operation.IsNotFound(err) {
		err = nil
	}
	if err == nil {
		if s, ok := Lookup(c.channelID); ok {
			s.MarkEnded()
		}
	}
	return err
}

// Ring starts ringing indication towards the caller.
func (c *Controller) Ring(ctx context.Context) error {
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelRing", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/ring",
	})
	return err
}

// StopRing stops ringing indication.
func (c *Controller) StopRing(ctx context.Context) error {
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelRingStop", &operation.Request{
		Method: "DELETE",
		Path:   "/channels/" + c.channelID + "/ring",
	})
	return err
}

// Play starts a media playback on the channel and returns its playback ID.
func (c *Controller) Play(ctx context.Context, media string) (string, error) {
	playbackID := uuid.New().String()
	q := url.Values{}
	q.Set("media", media)
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelPlay", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/play/" + playbackID,
		Query:  q,
	})
	if err != nil {
		return "", err
	}
	return playbackID, nil
}

// PlayAndWait plays media and blocks until the playback-finished event for
// the returned playback ID arrives or ctx expires.
func (c *Controller) PlayAndWait(ctx context.Context, media string) error {
	done := operation.NewPromise[struct{}]()
	playbackID := uuid.New().String()
	h := c.disp.Subscribe(contracts.EventPlaybackFinished, c.channelID, func(e *contracts.Event) {
		if e.Playback != nil && e.Playback.ID == playbackID {
			done.Resolve(struct{}{})
		}
	})
	defer c.disp.Unsubscribe(h)

	q := url.Values{}
	q.Set("media", media)
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelPlay", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/play/" + playbackID,
		Query:  q,
	})
	if err != nil {
		return err
	}
	_, err = done.Await(ctx)
	return err
}

// StopPlayback tears down a playback by ID. NotFound means it already ended.
func (c *Controller) StopPlayback(ctx context.Context, playbackID string) error {
	_, err := c.exec.Execute(ctx, c.callSID, "PlaybackStop", &operation.Request{
		Method: "DELETE",
		Path:   "/playbacks/" + playbackID,
	})
	if operation.IsNotFound(err) {
		return nil
	}
	return err
}

// Record starts a recording on the channel with the configured defaults for
// any zero option.
func (c *Controller) Record(
	ctx context.Context,
	name string,
	format string,
	maxDuration time.Duration,
	maxSilence time.Duration,
	beep bool,
	terminateOn string,
) (*contracts.LiveRecordingData, error) {
	if format == "" {
		format = configmanager.ConfStore.RecordingFormat
	}
	if maxDuration == 0 {
		maxDuration = time.Duration(configmanager.ConfStore.RecordingMaxDuration) * time.Second
	}
	if maxSilence == 0 {
		maxSilence = time.Duration(configmanager.ConfStore.RecordingMaxSilence) * time.Second
	}
	if terminateOn == "" {
		terminateOn = "none"
	}
	q := url.Values{}
	q.Set("name", name)
	q.Set("format", format)
	q.Set("maxDurationSeconds", strconv.Itoa(int(maxDuration.Seconds())))
	q.Set("maxSilenceSeconds", strconv.Itoa(int(maxSilence.Seconds())))
	q.Set("beep", strconv.FormatBool(beep))
	q.Set("ifExists", "overwrite")
	q.Set("terminateOn", terminateOn)
	var data contracts.LiveRecordingData
	err := c.exec.ExecuteAndDecode(ctx, c.callSID, "ChannelRecord", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/record",
		Query:  q,
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// StopRecording stops a named live recording. NotFound means it already
// ended.
func (c *Controller) StopRecording(ctx context.Context, name string) error {
	_, err := c.exec.Execute(ctx, c.callSID, "RecordingStop", &operation.Request{
		Method: "POST",
		Path:   "/recordings/live/" + name + "/stop",
	})
	if operation.IsNotFound(err) {
		return nil
	}
	return err
}

// GetVariable reads a channel variable. An unset variable comes back as an
// empty string, not an error.
func (c *Controller) GetVariable(ctx context.Context, name string) (string, error) {
	q := url.Values{}
	q.Set("variable", name)
	var out struct {
		Value string `json:"value"`
	}
	err := c.exec.ExecuteAndDecode(ctx, c.callSID, "ChannelGetVar", &operation.Request{
		Method: "GET",
		Path:   "/channels/" + c.channelID + "/variable",
		Query:  q,
	}, &out)
	if operation.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return out.Value, nil
}

// SetVariable writes a channel variable.
func (c *Controller) SetVariable(ctx context.Context, name string, value string) error {
	q := url.Values{}
	q.Set("variable", name)
	q.Set("value", value)
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelSetVar", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/variable",
		Query:  q,
	})
	return err
}

// GetSIPHeader reads an inbound SIP header through the PJSIP_HEADER variable.
func (c *Controller) GetSIPHeader(ctx context.Context, header string) (string, error) {
	return c.GetVariable(ctx, fmt.Sprintf("PJSIP_HEADER(read,%s)", header))
}

// AddSIPHeader queues a SIP header for the next outbound request on the
// channel through the PJSIP_HEADER variable.
func (c *Controller) AddSIPHeader(ctx context.Context, header string, value string) error {
	return c.SetVariable(ctx, fmt.Sprintf("PJSIP_HEADER(add,%s)", header), value)
}

// Mute stops the channel's audio in the given direction (in, out or both).
func (c *Controller) Mute(ctx context.Context, direction string) error {
	if direction == "" {
		direction = "both"
	}
	q := url.Values{}
	q.Set("direction", direction)
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelMute", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/mute",
		Query:  q,
	})
	return err
}

// Unmute restores the channel's audio in the given direction.
func (c *Controller) Unmute(ctx context.Context, direction string) error {
	if direction == "" {
		direction = "both"
	}
	q := url.Values{}
	q.Set("direction", direction)
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelUnmute", &operation.Request{
		Method: "DELETE",
		Path:   "/channels/" + c.channelID + "/mute",
		Query:  q,
	})
	return err
}

// Hold puts the channel on hold.
func (c *Controller) Hold(ctx context.Context) error {
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelHold", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/hold",
	})
	return err
}

// Unhold takes the channel off hold.
func (c *Controller) Unhold(ctx context.Context) error {
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelUnhold", &operation.Request{
		Method: "DELETE",
		Path:   "/channels/" + c.channelID + "/hold",
	})
	return err
}

// StartMusicOnHold plays hold music on the channel. An empty class uses the
// configured default.
func (c *Controller) StartMusicOnHold(ctx context.Context, class string) error {
	if class == "" {
		class = configmanager.ConfStore.MOHClass
	}
	q := url.Values{}
	q.Set("mohClass", class)
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelStartMOH", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/moh",
		Query:  q,
	})
	return err
}

// StopMusicOnHold stops hold music on the channel.
func (c *Controller) StopMusicOnHold(ctx context.Context) error {
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelStopMOH", &operation.Request{
		Method: "DELETE",
		Path:   "/channels/" + c.channelID + "/moh",
	})
	return err
}

// SendDTMF plays a DTMF digit string to the channel.
func (c *Controller) SendDTMF(
	ctx context.Context,
	digits string,
	before time.Duration,
	between time.Duration,
) error {
	q := url.Values{}
	q.Set("dtmf", digits)
	if before > 0 {
		q.Set("before", strconv.Itoa(int(before.Milliseconds())))
	}
	if between > 0 {
		q.Set("between", strconv.Itoa(int(between.Milliseconds())))
	}
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelSendDTMF", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/dtmf",
		Query:  q,
	})
	return err
}

// Snoop spies on the channel into a new channel running the given
// application. Returns the snoop channel's ID.
func (c *Controller) Snoop(ctx context.Context, spy string, whisper string, app string) (string, error) {
	snoopID := uuid.New().String()
	if app == "" {
		app = configmanager.ConfStore.ARIApplication
	}
	q := url.Values{}
	q.Set("spy", spy)
	q.Set("whisper", whisper)
	q.Set("app", app)
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelSnoop", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/snoop/" + snoopID,
		Query:  q,
	})
	if err != nil {
		return "", err
	}
	return snoopID, nil
}

// Continue hands the channel back to the dialplan at the given position.
func (c *Controller) Continue(ctx context.Context, dialplanContext string, exten string, priority int) error {
	q := url.Values{}
	if dialplanContext != "" {
		q.Set("context", dialplanContext)
	}
	if exten != "" {
		q.Set("extension", exten)
	}
	if priority > 0 {
		q.Set("priority", strconv.Itoa(priority))
	}
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelContinue", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/continue",
		Query:  q,
	})
	return err
}

// Redirect points the channel at a different endpoint.
func (c *Controller) Redirect(ctx context.Context, endpoint string) error {
	q := url.Values{}
	q.Set("endpoint", endpoint)
	_, err := c.exec.Execute(ctx, c.callSID, "ChannelRedirect", &operation.Request{
		Method: "POST",
		Path:   "/channels/" + c.channelID + "/redirect",
		Query:  q,
	})
	return err
}

// Dial starts an outbound leg with this channel as the originator, so this
// channel hanging up cancels the attempt unless the session is detached.
func (c *Controller) Dial(ctx context.Context, opts dial.Options) (*dial.Session, error) {
	if opts.OriginatorID == "" {
		opts.OriginatorID = c.channelID
	}
	return dial.Start(ctx, c.exec, c.disp, c.callSID, opts)
}
