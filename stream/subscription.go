package stream

import (
	"encoding/json"
	"strings"
	"time"
)

// accountActivityKey is the single subscription key of the ACCT_ACTIVITY
// service.
const accountActivityKey = "Account Activity"

const (
	levelOneEquityFields  = "0,1,2,3,4,5,8,10,11,12"
	levelOneOptionFields  = "0,1,2,3,4,5,6,7,8,9,10,28"
	accountActivityFields = "0,1,2,3"
)

// subscriptions is the desired-subscription set. The engine, not the remote
// side, is authoritative for it: reconnection replays it verbatim.
type subscriptions struct {
	equities        []string
	options         []string
	accountActivity []string
}

func union(existing, added []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(existing)+len(added))
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range added {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func subtract(existing, removed []string) []string {
	drop := map[string]bool{}
	for _, s := range removed {
		drop[s] = true
	}
	out := make([]string, 0, len(existing))
	for _, s := range existing {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}

func serviceFields(service Service) string {
	switch service {
	case ServiceLevelOneEquities:
		return levelOneEquityFields
	case ServiceLevelOneOptions:
		return levelOneOptionFields
	case ServiceAccountActivity:
		return accountActivityFields
	}
	return ""
}

// SubscribeLevelOneEquities subscribes to level-one equity quotes. The SUBS
// command replaces any previous equity symbol set.
func (c *client) SubscribeLevelOneEquities(handler func(LevelOneEquity), symbols ...string) error {
	c.handler.mu.Lock()
	c.handler.equityHandler = handler
	c.handler.mu.Unlock()
	return c.subChange(ServiceLevelOneEquities, CommandSubs, symbols)
}

// AddLevelOneEquities extends the equity symbol set without replacing it.
func (c *client) AddLevelOneEquities(symbols ...string) error {
	return c.subChange(ServiceLevelOneEquities, CommandAdd, symbols)
}

func (c *client) UnsubscribeLevelOneEquities(symbols ...string) error {
	return c.subChange(ServiceLevelOneEquities, CommandUnsubs, symbols)
}

// SubscribeLevelOneOptions subscribes to level-one option quotes. The SUBS
// command replaces any previous option symbol set.
func (c *client) SubscribeLevelOneOptions(handler func(LevelOneOption), symbols ...string) error {
	c.handler.mu.Lock()
	c.handler.optionHandler = handler
	c.handler.mu.Unlock()
	return c.subChange(ServiceLevelOneOptions, CommandSubs, symbols)
}

func (c *client) AddLevelOneOptions(symbols ...string) error {
	return c.subChange(ServiceLevelOneOptions, CommandAdd, symbols)
}

func (c *client) UnsubscribeLevelOneOptions(symbols ...string) error {
	return c.subChange(ServiceLevelOneOptions, CommandUnsubs, symbols)
}

// SubscribeAccountActivity subscribes to order-lifecycle events.
func (c *client) SubscribeAccountActivity(handler func(AccountActivity)) error {
	c.handler.mu.Lock()
	c.handler.accountActivityHandler = handler
	c.handler.mu.Unlock()
	return c.subChange(ServiceAccountActivity, CommandSubs, []string{accountActivityKey})
}

func (c *client) UnsubscribeAccountActivity() error {
	return c.subChange(ServiceAccountActivity, CommandUnsubs, []string{accountActivityKey})
}

// subChange sends one subscription command and waits for its
// acknowledgement. The desired set is only updated on a positive ack: an
// unacknowledged or rejected change means "assume not subscribed".
func (c *client) subChange(service Service, command Command, keys []string) error {
	c.mu.Lock()
	if !c.connectCalled {
		c.mu.Unlock()
		return ErrSubscriptionChangeBeforeConnect
	}
	if c.hasTerminated {
		c.mu.Unlock()
		return ErrSubscriptionChangeAfterTerminated
	}
	c.mu.Unlock()

	params := map[string]string{
		"keys":   strings.Join(keys, ","),
		"fields": serviceFields(service),
	}
	resp, err := c.sendRequest(service, command, params)
	if err != nil {
		return err
	}
	if resp.Content.Code != responseCodeOK {
		return errorMessage{msg: resp.Content.Msg, code: resp.Content.Code}
	}

	c.applySubChange(service, command, keys)
	return nil
}

func (c *client) applySubChange(service Service, command Command, keys []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	target := &c.sub.equities
	switch service {
	case ServiceLevelOneOptions:
		target = &c.sub.options
	case ServiceAccountActivity:
		target = &c.sub.accountActivity
	}

	switch command {
	case CommandSubs:
		*target = append([]string(nil), keys...)
	case CommandAdd:
		*target = union(*target, keys)
	case CommandUnsubs:
		*target = subtract(*target, keys)
	}
}

// resubscribeRequests builds one SUBS request per service with a non-empty
// desired set, for replay after (re)connecting.
func (c *client) resubscribeRequests() []StreamRequest {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	var reqs []StreamRequest
	for _, s := range []struct {
		service Service
		keys    []string
	}{
		{ServiceAccountActivity, c.sub.accountActivity},
		{ServiceLevelOneEquities, c.sub.equities},
		{ServiceLevelOneOptions, c.sub.options},
	} {
		if len(s.keys) == 0 {
			continue
		}
		reqs = append(reqs, c.newRequest(s.service, CommandSubs, map[string]string{
			"keys":   strings.Join(s.keys, ","),
			"fields": serviceFields(s.service),
		}))
	}
	return reqs
}

var timeAfter = time.After

// sendRequest queues one request for the connection writer and waits for
// the correlated acknowledgement. A missing ack evicts the correlation
// entry and fails with ErrAckTimeout; a lost connection fails waiting
// callers with ErrAckInterrupted.
func (c *client) sendRequest(service Service, command Command, params map[string]string) (StreamResponse, error) {
	req := c.newRequest(service, command, params)
	msg, err := json.Marshal(requestEnvelope{Requests: []StreamRequest{req}})
	if err != nil {
		return StreamResponse{}, err
	}

	ch := c.pending.register(req.RequestID)

	select {
	case c.out <- msg:
	case <-timeAfter(c.ackTimeout):
		c.pending.evict(req.RequestID)
		return StreamResponse{}, ErrAckTimeout
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return StreamResponse{}, ErrAckInterrupted
		}
		return resp, nil
	case <-timeAfter(c.ackTimeout):
		c.pending.evict(req.RequestID)
		return StreamResponse{}, ErrAckTimeout
	}
}
