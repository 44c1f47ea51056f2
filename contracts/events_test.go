package contracts

import (
	"encoding/json"
	"testing"
)

func TestDispatchKey(t *testing.T) {
	t.Run("channel_event", func(t *testing.T) {
		e := &Event{Type: EventChannelStateChange, Channel: &ChannelData{ID: "1618.42"}}
		key, err := e.DispatchKey()
		if err != nil {
			t.Fatalf("Expected key, got error: %v", err)
		}
		if key != "1618.42" {
			t.Errorf("Expected key 1618.42, got %q", key)
		}
	})
	t.Run("playback_channel_target", func(t *testing.T) {
		e := &Event{Type: EventPlaybackFinished, Playback: &PlaybackData{TargetURI: "channel:1618.42"}}
		key, err := e.DispatchKey()
		if err != nil {
			t.Fatalf("Expected key, got error: %v", err)
		}
		if key != "1618.42" {
			t.Errorf("Expected key 1618.42, got %q", key)
		}
	})
	t.Run("recording_bridge_target", func(t *testing.T) {
		e := &Event{Type: EventRecordingFinished, Recording: &LiveRecordingData{Name: "rec", TargetURI: "bridge:br-7"}}
		key, err := e.DispatchKey()
		if err != nil {
			t.Fatalf("Expected key, got error: %v", err)
		}
		if key != "br-7" {
			t.Errorf("Expected key br-7, got %q", key)
		}
	})
	t.Run("malformed_target", func(t *testing.T) {
		for _, uri := range []string{"", "channel:", "endpoint:PJSIP/100", "1618.42"} {
			e := &Event{Type: EventPlaybackFinished, Playback: &PlaybackData{TargetURI: uri}}
			if _, err := e.DispatchKey(); err != ErrBadTargetURI {
				t.Errorf("URI %q: expected ErrBadTargetURI, got %v", uri, err)
			}
		}
	})
	t.Run("dial_keyed_by_peer", func(t *testing.T) {
		e := &Event{Type: EventDial, Caller: &ChannelData{ID: "parent"}, Peer: &ChannelData{ID: "child"}}
		key, err := e.DispatchKey()
		if err != nil {
			t.Fatalf("Expected key, got error: %v", err)
		}
		if key != "child" {
			t.Errorf("Expected dial key child, got %q", key)
		}
	})
	t.Run("global_event", func(t *testing.T) {
		e := &Event{Type: EventDeviceStateChanged, DeviceState: &DeviceStateData{Name: "PJSIP/100"}}
		if _, err := e.DispatchKey(); err != ErrNoDispatchKey {
			t.Errorf("Expected ErrNoDispatchKey, got %v", err)
		}
	})
}

func TestEventDecode(t *testing.T) {
	raw := `{"type":"ChannelDtmfReceived","application":"hello-world","digit":"5","duration_ms":120,` +
		`"channel":{"id":"1618.42","name":"PJSIP/100-0001","state":"Up","caller":{"name":"","number":"100"},` +
		`"dialplan":{"context":"default","exten":"s","priority":1}}}`
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if e.Type != EventChannelDtmfReceived || e.Digit != "5" {
		t.Errorf("Unexpected decode result: %+v", e)
	}
	if e.Channel == nil || e.Channel.Caller.Number != "100" {
		t.Errorf("Channel payload not decoded: %+v", e.Channel)
	}
}
