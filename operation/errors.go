package operation

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the caller-meaningful classification of a failed action.
type Kind int

const (
	// KindUnclassified is an error the classifier could not map; the
	// original error is passed through unchanged underneath.
	KindUnclassified Kind = iota
	// KindTransportFailure means the underlying call or connection failed.
	KindTransportFailure
	// KindNotFound means the channel/bridge/recording no longer exists.
	// On teardown paths this is usually benign.
	KindNotFound
	// KindInvalidState means the resource is not in the state the
	// operation requires (e.g. channel not in Stasis).
	KindInvalidState
	// KindOperationRefused means the server rejected the request outright
	// (e.g. channel not allowed in a bridge).
	KindOperationRefused
)

func (k Kind) String() string {
	switch k {
	case KindTransportFailure:
		return "transport_failure"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindOperationRefused:
		return "operation_refused"
	default:
		return "unclassified"
	}
}

// Error is a classified action failure.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnclassified
}

// HTTPError is a non-2xx response from the action transport.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// messageKinds is the static lookup table from stable server message
// substrings to error kinds. New server strings that fuzzy-match a known
// signature get a reasonable typed error without per-call mapping code;
// anything unmapped deliberately falls through as KindUnclassified.
var messageKinds = []struct {
	substr string
	kind   Kind
}{
	{"not found", KindNotFound},
	{"no such channel", KindNotFound},
	{"does not exist", KindNotFound},
	{"not in stasis", KindInvalidState},
	{"not in a stasis application", KindInvalidState},
	{"invalid state", KindInvalidState},
	{"channel not in up state", KindInvalidState},
	{"not allowed", KindOperationRefused},
	{"refused", KindOperationRefused},
	{"timeout", KindTransportFailure},
	{"connection", KindTransportFailure},
}

// Classify wraps a raw action failure with a typed kind. HTTP failures map by
// status code first and message signature second; everything else came from
// the transport itself.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var he *HTTPError
	if !errors.As(err, &he) {
		return &Error{Op: op, Kind: KindTransportFailure, Err: err}
	}
	switch {
	case he.Status == 404:
		return &Error{Op: op, Kind: KindNotFound, Err: err}
	case he.Status == 409 || he.Status == 412:
		return &Error{Op: op, Kind: KindInvalidState, Err: err}
	case he.Status == 403 || he.Status == 422:
		return &Error{Op: op, Kind: KindOperationRefused, Err: err}
	case he.Status >= 500:
		return &Error{Op: op, Kind: KindTransportFailure, Err: err}
	}
	msg := strings.ToLower(he.Message)
	for _, m := range messageKinds {
		if strings.Contains(msg, m.substr) {
			return &Error{Op: op, Kind: m.kind, Err: err}
		}
	}
	return &Error{Op: op, Kind: KindUnclassified, Err: err}
}

// Retryable reports whether an attempt may be repeated. Only transport-class
// failures retry; classified server rejections are final.
func Retryable(err error) bool {
	return KindOf(err) == KindTransportFailure
}

// IsNotFound reports whether the error chain carries a NotFound
// classification, the benign case on teardown paths.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
