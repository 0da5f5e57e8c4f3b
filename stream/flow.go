package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

var initializeTimeout = 5 * time.Second

// initialize runs the login handshake and replays the desired subscriptions
// on a freshly dialed connection. Data cannot flow before it succeeds: the
// streamer rejects every other command until LOGIN is acknowledged.
func (c *client) initialize(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	return c.resubscribe(ctx)
}

func (c *client) login(ctx context.Context) error {
	c.setState(LoggingIn)

	token, err := c.tokenSource.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token for login: %w", err)
	}

	req := c.newRequest(ServiceAdmin, CommandLogin, map[string]string{
		"Authorization":          token.AccessToken,
		"SchwabClientChannel":    c.streamer.Channel,
		"SchwabClientFunctionId": c.streamer.FunctionID,
	})
	msg, err := json.Marshal(requestEnvelope{Requests: []StreamRequest{req}})
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	if err := c.conn.writeMessage(initCtx, msg); err != nil {
		return err
	}

	resps, err := c.readResponses(initCtx, req.RequestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadLoginResponse, err)
	}
	if resp := resps[req.RequestID]; resp.Content.Code != responseCodeOK {
		return fmt.Errorf("%w: %s (%d)", ErrLoginFailed, resp.Content.Msg, resp.Content.Code)
	}
	return nil
}

// resubscribe replays the desired subscription set. It runs after every
// login, so a reconnected session converges to the same subscriptions the
// caller had before the drop.
func (c *client) resubscribe(ctx context.Context) error {
	reqs := c.resubscribeRequests()
	if len(reqs) == 0 {
		return nil
	}
	msg, err := json.Marshal(requestEnvelope{Requests: reqs})
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	if err := c.conn.writeMessage(initCtx, msg); err != nil {
		return err
	}

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, req.RequestID)
	}
	resps, err := c.readResponses(initCtx, ids...)
	if err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	for _, req := range reqs {
		if resp := resps[req.RequestID]; resp.Content.Code != responseCodeOK {
			return fmt.Errorf("resubscribe %s: %w", req.Service,
				errorMessage{msg: resp.Content.Msg, code: resp.Content.Code})
		}
	}
	return nil
}

// readResponses reads frames off the connection until every awaited request
// id has its acknowledgement. It runs during initialization, before the
// reader goroutine exists, so data frames that arrive interleaved with the
// acks are forwarded to the message processor instead of being lost.
func (c *client) readResponses(ctx context.Context, ids ...string) (map[string]StreamResponse, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	got := make(map[string]StreamResponse, len(ids))

	for len(got) < len(want) {
		b, err := c.conn.readMessage(ctx)
		if err != nil {
			return nil, err
		}
		var frame inboundFrame
		if err := json.Unmarshal(b, &frame); err != nil {
			return nil, fmt.Errorf("unmarshal frame: %w", err)
		}
		for _, resp := range frame.Response {
			if want[resp.RequestID] {
				got[resp.RequestID] = resp
			} else {
				c.pending.resolve(resp.RequestID, resp)
			}
		}
		if len(frame.Data) > 0 || len(frame.Notify) > 0 {
			forward, err := json.Marshal(inboundFrame{Data: frame.Data, Notify: frame.Notify})
			if err != nil {
				return nil, err
			}
			select {
			case c.in <- forward:
			default:
				c.logger.Warnf("schwabstream: dropping frame received during initialization, buffer full")
			}
		}
	}
	return got, nil
}
