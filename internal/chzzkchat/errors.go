package chzzkchat

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedElement = errors.New("element is not a json object")
	ErrMissingProfile   = errors.New("missing profile")
	ErrInvalidProfile   = errors.New("profile is not valid json")
	ErrMissingNickname  = errors.New("profile has no nickname")
	ErrMissingMessage   = errors.New("element has no msg")
	ErrMissingTimestamp = errors.New("element has no msgTime")

	errRoomDrift = errors.New("chat room id changed")
	errReconnect = errors.New("reconnect requested")

	errMissingSessionID = errors.New("connect ack carries no sid")
)

// ResolutionError reports a failed channel, room or token lookup.
type ResolutionError struct {
	Step string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("chzzkchat: resolve %s: %v", e.Step, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// HandshakeError reports a failure while establishing the chat session.
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("chzzkchat: handshake %s: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError reports a socket failure on an established session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chzzkchat: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedFrameError reports an inbound frame that could not be decoded.
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err == nil {
		return "chzzkchat: malformed frame: " + e.Reason
	}
	return fmt.Sprintf("chzzkchat: malformed frame: %s: %v", e.Reason, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// ParseError reports a chat element that could not be normalized.
type ParseError struct {
	UserID string
	Err    error
}

func (e *ParseError) Error() string {
	if e.UserID == "" {
		return fmt.Sprintf("chzzkchat: parse element: %v", e.Err)
	}
	return fmt.Sprintf("chzzkchat: parse element uid=%s: %v", e.UserID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// dropReason maps a parse failure to a stable label for logs and metrics.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingMessage):
		return "no_msg"
	case errors.Is(err, ErrMissingProfile):
		return "no_profile"
	case errors.Is(err, ErrInvalidProfile):
		return "bad_profile"
	case errors.Is(err, ErrMissingNickname):
		return "no_nickname"
	case errors.Is(err, ErrMissingTimestamp):
		return "no_msg_time"
	case errors.Is(err, ErrMalformedElement):
		return "bad_element"
	default:
		return "other"
	}
}
