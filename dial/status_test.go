package dial

import "testing"

func TestParseStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want Status
		ok   bool
	}{
		{"ANSWER", StatusAnswer, true},
		{"answer", StatusAnswer, true},
		{" Ringing ", StatusRinging, true},
		{"BUSY", StatusBusy, true},
		{"NOANSWER", StatusNoAnswer, true},
		{"CHANUNAVAIL", StatusChanUnavail, true},
		{"CONGESTION", StatusCongestion, true},
		{"DONTCALL", StatusDontCall, true},
		{"TORTURE", StatusTorture, true},
		{"INVALIDARGS", StatusInvalidArgs, true},
		{"SOMETHING_NEW", StatusUnknown, false},
		{"", StatusUnknown, false},
	}
	for _, c := range cases {
		got, ok := ParseStatus(c.raw)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseStatus(%q): got (%s, %v), want (%s, %v)", c.raw, got, ok, c.want, c.ok)
		}
	}
}

func TestStatusIsFailure(t *testing.T) {
	failures := []Status{
		StatusBusy, StatusNoAnswer, StatusCongestion, StatusCancel,
		StatusChanUnavail, StatusDontCall, StatusTorture, StatusInvalidArgs,
	}
	for _, s := range failures {
		if !s.IsFailure() {
			t.Errorf("%s should be a failure status", s)
		}
	}
	for _, s := range []Status{StatusUnknown, StatusProgress, StatusRinging, StatusAnswer} {
		if s.IsFailure() {
			t.Errorf("%s should not be a failure status", s)
		}
	}
}

func TestLatencyStore(t *testing.T) {
	var l LatencyStore
	if l.Record("sid", RingTimeinMs, 100) {
		t.Error("Record before any attempt should report false")
	}
	l.AddAttempt("sid", "PJSIP/trunk/0981")
	if !l.Record("sid", RingTimeinMs, 120) {
		t.Error("Record on latest attempt should succeed")
	}
	l.Record("sid", AnswerTimeinMs, 900)
	l.SetDialStatus("sid", StatusAnswer)
	attempts := l.Attempts()
	if len(attempts) != 1 {
		t.Fatalf("Expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].RingingMs != 120 || attempts[0].AnswerMs != 900 {
		t.Errorf("Unexpected latencies: %+v", attempts[0])
	}
	if attempts[0].DialStatus != "ANSWER" {
		t.Errorf("Unexpected dial status: %q", attempts[0].DialStatus)
	}
}
