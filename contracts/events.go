package contracts

import (
	"errors"
	"strings"
)

// Event type tags pushed by Asterisk on the ARI event websocket. Only the
// types the library reacts to are listed; unknown tags still flow through the
// dispatcher untouched.
const (
	EventStasisStart          = "StasisStart"
	EventStasisEnd            = "StasisEnd"
	EventChannelCreated       = "ChannelCreated"
	EventChannelDestroyed     = "ChannelDestroyed"
	EventChannelStateChange   = "ChannelStateChange"
	EventChannelDtmfReceived  = "ChannelDtmfReceived"
	EventChannelHangupRequest = "ChannelHangupRequest"
	EventChannelVarset        = "ChannelVarset"
	EventChannelEnteredBridge = "ChannelEnteredBridge"
	EventChannelLeftBridge    = "ChannelLeftBridge"
	EventChannelHold          = "ChannelHold"
	EventChannelUnhold        = "ChannelUnhold"
	EventBridgeCreated        = "BridgeCreated"
	EventBridgeDestroyed      = "BridgeDestroyed"
	EventBridgeMerged         = "BridgeMerged"
	EventPlaybackStarted      = "PlaybackStarted"
	EventPlaybackFinished     = "PlaybackFinished"
	EventRecordingStarted     = "RecordingStarted"
	EventRecordingFinished    = "RecordingFinished"
	EventRecordingFailed      = "RecordingFailed"
	EventDial                 = "Dial"
	EventDeviceStateChanged   = "DeviceStateChanged"
	EventApplicationReplaced  = "ApplicationReplaced"
)

// Event is one message from the ARI event stream. A single struct carries the
// union of the payload fields; which ones are set depends on Type.
type Event struct {
	Type        string             `json:"type"`
	Application string             `json:"application"`
	Timestamp   string             `json:"timestamp"`
	Channel     *ChannelData       `json:"channel,omitempty"`
	Caller      *ChannelData       `json:"caller,omitempty"`
	Peer        *ChannelData       `json:"peer,omitempty"`
	Bridge      *BridgeData        `json:"bridge,omitempty"`
	Playback    *PlaybackData      `json:"playback,omitempty"`
	Recording   *LiveRecordingData `json:"recording,omitempty"`
	Digit       string             `json:"digit,omitempty"`
	DurationMS  int                `json:"duration_ms,omitempty"`
	DialStatus  string             `json:"dialstatus,omitempty"`
	DialString  string             `json:"dialstring,omitempty"`
	Forward     string             `json:"forward,omitempty"`
	Variable    string             `json:"variable,omitempty"`
	Value       string             `json:"value,omitempty"`
	Cause       int                `json:"cause,omitempty"`
	Soft        bool               `json:"soft,omitempty"`
	DeviceState *DeviceStateData   `json:"device_state,omitempty"`
	Args        []string           `json:"args,omitempty"`
}

// ErrNoDispatchKey marks events that are global by nature.
var ErrNoDispatchKey = errors.New("event carries no dispatch key")

// ErrBadTargetURI marks a playback/recording target reference the library
// could not parse. Callers must not guess a key from such an event.
var ErrBadTargetURI = errors.New("malformed target resource URI")

// DispatchKey derives the resource ID an event should be routed under. For
// most types that is the channel ID carried directly on the event; for
// playback and recording events the ID is parsed out of the target resource
// URI (channel:<id> or bridge:<id>); bridge-scoped events use the bridge ID.
// Purely global events return ErrNoDispatchKey.
func (e *Event) DispatchKey() (string, error) {
	switch e.Type {
	case EventPlaybackStarted, EventPlaybackFinished:
		if e.Playback == nil {
			return "", ErrBadTargetURI
		}
		return parseTargetURI(e.Playback.TargetURI)
	case EventRecordingStarted, EventRecordingFinished, EventRecordingFailed:
		if e.Recording == nil {
			return "", ErrBadTargetURI
		}
		return parseTargetURI(e.Recording.TargetURI)
	case EventBridgeCreated, EventBridgeDestroyed, EventBridgeMerged:
		if e.Bridge == nil {
			return "", ErrBadTargetURI
		}
		return e.Bridge.ID, nil
	case EventDial:
		// Dial progress is routed under the dialed endpoint channel.
		if e.Peer == nil || e.Peer.ID == "" {
			return "", ErrBadTargetURI
		}
		return e.Peer.ID, nil
	case EventDeviceStateChanged, EventApplicationReplaced:
		return "", ErrNoDispatchKey
	}
	if e.Channel != nil && e.Channel.ID != "" {
		return e.Channel.ID, nil
	}
	return "", ErrNoDispatchKey
}

// parseTargetURI splits a target resource reference of the form
// "channel:<id>" or "bridge:<id>". The URI shape is an Asterisk
// compatibility risk, so anything unexpected is rejected rather than guessed.
func parseTargetURI(uri string) (string, error) {
	scheme, id, found := strings.Cut(uri, ":")
	if !found || id == "" {
		return "", ErrBadTargetURI
	}
	switch scheme {
	case "channel", "bridge":
		return id, nil
	}
	return "", ErrBadTargetURI
}
