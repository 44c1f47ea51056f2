package dial

import "strings"

// Status is the dial progress state reported by the server for an outbound
// attempt.
type Status int

const (
	StatusUnknown Status = iota
	StatusProgress
	StatusRinging
	StatusAnswer
	StatusBusy
	StatusNoAnswer
	StatusCongestion
	StatusCancel
	StatusChanUnavail
	StatusDontCall
	StatusTorture
	StatusInvalidArgs
)

var statusNames = map[Status]string{
	StatusUnknown:     "UNKNOWN",
	StatusProgress:    "PROGRESS",
	StatusRinging:     "RINGING",
	StatusAnswer:      "ANSWER",
	StatusBusy:        "BUSY",
	StatusNoAnswer:    "NOANSWER",
	StatusCongestion:  "CONGESTION",
	StatusCancel:      "CANCEL",
	StatusChanUnavail: "CHANUNAVAIL",
	StatusDontCall:    "DONTCALL",
	StatusTorture:     "TORTURE",
	StatusInvalidArgs: "INVALIDARGS",
}

var statusByName = func() map[string]Status {
	m := make(map[string]Status, len(statusNames))
	for s, name := range statusNames {
		m[name] = s
	}
	return m
}()

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStatus maps a raw dialstatus string to a Status. Unrecognized strings
// report ok=false and must not drive any terminal transition.
func ParseStatus(raw string) (Status, bool) {
	s, ok := statusByName[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return StatusUnknown, false
	}
	return s, true
}

// IsFailure reports whether the status is a terminal failure of the attempt.
func (s Status) IsFailure() bool {
	switch s {
	case StatusBusy, StatusNoAnswer, StatusCongestion, StatusCancel,
		StatusChanUnavail, StatusDontCall, StatusTorture, StatusInvalidArgs:
		return true
	}
	return false
}
