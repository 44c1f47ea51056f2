package operation

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Run("status_codes", func(t *testing.T) {
		cases := []struct {
			status int
			want   Kind
		}{
			{404, KindNotFound},
			{409, KindInvalidState},
			{412, KindInvalidState},
			{403, KindOperationRefused},
			{422, KindOperationRefused},
			{500, KindTransportFailure},
			{503, KindTransportFailure},
		}
		for _, c := range cases {
			got := Classify("op", &HTTPError{Status: c.status})
			if got.Kind != c.want {
				t.Errorf("Status %d: expected %s, got %s", c.status, c.want, got.Kind)
			}
		}
	})
	t.Run("message_signatures", func(t *testing.T) {
		cases := []struct {
			msg  string
			want Kind
		}{
			{"Channel not found", KindNotFound},
			{"Bridge not found", KindNotFound},
			{"Channel not in Stasis application", KindInvalidState},
			{"Channel not allowed in bridge", KindOperationRefused},
			{"something entirely novel", KindUnclassified},
		}
		for _, c := range cases {
			got := Classify("op", &HTTPError{Status: 400, Message: c.msg})
			if got.Kind != c.want {
				t.Errorf("Message %q: expected %s, got %s", c.msg, c.want, got.Kind)
			}
		}
	})
	t.Run("transport_error", func(t *testing.T) {
		got := Classify("op", errors.New("dial tcp: connection refused"))
		if got.Kind != KindTransportFailure {
			t.Errorf("Expected transport failure, got %s", got.Kind)
		}
	})
	t.Run("unmapped_passthrough", func(t *testing.T) {
		raw := &HTTPError{Status: 400, Message: "weird new server string"}
		got := Classify("op", raw)
		if got.Kind != KindUnclassified {
			t.Errorf("Expected unclassified, got %s", got.Kind)
		}
		var he *HTTPError
		if !errors.As(got, &he) || he != raw {
			t.Error("Original error not preserved through classification")
		}
	})
	t.Run("kind_of_plain_error", func(t *testing.T) {
		if KindOf(errors.New("plain")) != KindUnclassified {
			t.Error("Plain error should report unclassified")
		}
	})
}

func TestRetryable(t *testing.T) {
	if Retryable(Classify("op", &HTTPError{Status: 404})) {
		t.Error("NotFound must not retry")
	}
	if !Retryable(Classify("op", errors.New("read: connection reset"))) {
		t.Error("Transport failures must retry")
	}
}
