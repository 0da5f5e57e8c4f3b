package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectCalledMultipleTimes is returned when Connect has been called multiple times on a single client
	ErrConnectCalledMultipleTimes = errors.New("tried to call Connect multiple times")
	// ErrNoStreamerInfo is returned when Connect is called without streamer
	// identity (customer id, correlation id) configured
	ErrNoStreamerInfo = errors.New("streamer info not configured")
	// ErrBadLoginResponse is returned when the server's login acknowledgement
	// could not be read
	ErrBadLoginResponse = errors.New("did not receive login response")
	// ErrLoginFailed is returned when the server rejects the login request.
	// It is irrecoverable: retrying with the same credentials cannot succeed.
	ErrLoginFailed = errors.New("login rejected")
	// ErrSubscriptionChangeBeforeConnect is returned when the client attempts to change subscriptions before
	// calling Connect
	ErrSubscriptionChangeBeforeConnect = errors.New("subscription change attempted before calling Connect")
	// ErrSubscriptionChangeAfterTerminated is returned when client attempts to change subscriptions after
	// the client has been terminated
	ErrSubscriptionChangeAfterTerminated = errors.New("subscription change after client termination")
	// ErrAckTimeout is returned when the server does not acknowledge a request
	// within the ack timeout. The caller must assume the request did not take
	// effect and retry it.
	ErrAckTimeout = errors.New("request acknowledgement timeout")
	// ErrAckInterrupted is returned when the connection was lost while a
	// request was waiting for its acknowledgement
	ErrAckInterrupted = errors.New("request interrupted by disconnect")
)

// errorMessage is a non-zero status code received in a StreamResponse
type errorMessage struct {
	msg  string
	code int
}

func (e errorMessage) Error() string {
	return fmt.Sprintf("%s (%d)", e.msg, e.code)
}
