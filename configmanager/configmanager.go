package configmanager

import (
	"encoding/json"
	"os"

	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

type appconfig struct {
	LoggerConf               ymlogger.LoggerConf `json:"logger_conf"`
	ARIApplication           string              `json:"ari_application"`
	ARIUsername              string              `json:"ari_username"`
	ARIPassword              string              `json:"ari_password"`
	ARIURL                   string              `json:"ari_url"`
	ARIWebsocketURL          string              `json:"ari_websocket_url"`
	ARIAPIRetry              int                 `json:"ari_api_retry"`
	ARIAPIRetryDelayMS       int                 `json:"ari_api_retry_delay_ms"`
	CallAPIRequestsPerSecond int                 `json:"call_api_requests_per_second"`
	DispatcherWorkers        int                 `json:"dispatcher_workers"`
	SIPIP                    string              `json:"sip_ip"`
	SIPPilotNumber           string              `json:"sip_pilot_number"`
	SIPCallTimeout           string              `json:"sip_call_timeout"`
	DialingNumberPrefix      string              `json:"dialing_number_prefix"`
	DefaultRegion            string              `json:"default_region"`
	RecordingFormat          string              `json:"recording_format"`
	RecordingMaxDuration     int                 `json:"recording_max_duration"`
	RecordingMaxSilence      int                 `json:"recording_max_silence"`
	MOHClass                 string              `json:"moh_class"`
	ConfAloneSound           string              `json:"conf_alone_sound"`
	ConfJoinSound            string              `json:"conf_join_sound"`
	ConfLeaveSound           string              `json:"conf_leave_sound"`
	ConfBeepSound            string              `json:"conf_beep_sound"`
}

// ConfStore stores the configuration variables
var ConfStore = defaults()

func defaults() *appconfig {
	return &appconfig{
		ARIApplication:           "hello-world",
		ARIUsername:              "asterisk",
		ARIPassword:              "asterisk",
		ARIURL:                   "http://localhost:8088/ari",
		ARIWebsocketURL:          "ws://localhost:8088/ari/events",
		ARIAPIRetry:              3,
		ARIAPIRetryDelayMS:       250,
		CallAPIRequestsPerSecond: 50,
		DispatcherWorkers:        32,
		DefaultRegion:            "IN",
		RecordingFormat:          "wav",
		RecordingMaxDuration:     3600,
		RecordingMaxSilence:      0,
		MOHClass:                 "default",
		ConfAloneSound:           "sound:conf-onlyperson",
		ConfJoinSound:            "sound:confbridge-join",
		ConfLeaveSound:           "sound:confbridge-leave",
		ConfBeepSound:            "sound:beep",
	}
}

// InitConfig initializes the config. Keys missing from the file keep their
// default values so a minimal config is enough to run against a local box.
func InitConfig(
	fileName string,
) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}
	conf := defaults()
	if err = json.Unmarshal(data, conf); err != nil {
		return err
	}
	ConfStore = conf
	return nil
}
