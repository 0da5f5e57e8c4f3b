package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// discriminateContent classifies one data-frame content item into its
// concrete shape. The wire format reuses numeric string keys ("1", "2", ...)
// whose meaning depends on the service that produced them, so the owning
// service drives the decision; structural cues (assetMainType, seq) break
// the tie when the service is not recognized. The function is total: an
// unrecognized shape comes back as UnknownContent, never as an error that
// would drop the whole batch.
func discriminateContent(service Service, raw json.RawMessage) (interface{}, error) {
	switch service {
	case ServiceLevelOneEquities:
		var equity LevelOneEquity
		if err := json.Unmarshal(raw, &equity); err != nil {
			return nil, fmt.Errorf("level one equity: %w", err)
		}
		return equity, nil
	case ServiceLevelOneOptions:
		var option LevelOneOption
		if err := json.Unmarshal(raw, &option); err != nil {
			return nil, fmt.Errorf("level one option: %w", err)
		}
		return option, nil
	case ServiceAccountActivity:
		var activity AccountActivity
		if err := json.Unmarshal(raw, &activity); err != nil {
			return nil, fmt.Errorf("account activity: %w", err)
		}
		return activity, nil
	}

	// Unknown service: fall back to structural cues.
	var probe struct {
		AssetMainType *string `json:"assetMainType"`
		Seq           *int64  `json:"seq"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	switch {
	case probe.AssetMainType != nil:
		var equity LevelOneEquity
		if err := json.Unmarshal(raw, &equity); err != nil {
			return nil, err
		}
		return equity, nil
	case probe.Seq != nil:
		var activity AccountActivity
		if err := json.Unmarshal(raw, &activity); err != nil {
			return nil, err
		}
		return activity, nil
	}
	return UnknownContent{Service: service, Raw: raw}, nil
}

// msgHandler holds the registered callbacks plus the per-key sequence state
// used to deduplicate account activity.
type msgHandler struct {
	mu                     sync.RWMutex
	equityHandler          func(LevelOneEquity)
	optionHandler          func(LevelOneOption)
	accountActivityHandler func(AccountActivity)
	heartbeatHandler       func(Heartbeat)

	seqMu   sync.Mutex
	lastSeq map[string]int64
}

func newMsgHandler() *msgHandler {
	return &msgHandler{
		equityHandler:          func(LevelOneEquity) {},
		optionHandler:          func(LevelOneOption) {},
		accountActivityHandler: func(AccountActivity) {},
		heartbeatHandler:       func(Heartbeat) {},
		lastSeq:                map[string]int64{},
	}
}

// resetSeq forgets the per-key sequence positions. Called on reconnect:
// the streamer restarts sequence numbers per connection.
func (h *msgHandler) resetSeq() {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.lastSeq = map[string]int64{}
}

// admitSeq reports whether an account-activity event with the given key and
// sequence number should be delivered, and whether it exposed a gap.
// Duplicate or stale sequence numbers are dropped so a repeated event can
// never be delivered twice.
func (h *msgHandler) admitSeq(key string, seq int64) (deliver, gap bool) {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	last, seen := h.lastSeq[key]
	if seen && seq <= last {
		return false, false
	}
	h.lastSeq[key] = seq
	return true, seen && seq > last+1
}

// handleMessage processes one inbound frame. It runs on the single message
// processor goroutine: frames are handled strictly sequentially, which is
// what preserves per-key ordering.
func (c *client) handleMessage(b []byte) error {
	var frame inboundFrame
	if err := json.Unmarshal(b, &frame); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}

	for _, resp := range frame.Response {
		c.pending.resolve(resp.RequestID, resp)
	}

	for _, envelope := range frame.Data {
		c.handleData(envelope)
	}

	for _, notify := range frame.Notify {
		c.handleNotify(notify)
	}

	return nil
}

func (c *client) handleData(envelope dataEnvelope) {
	for _, raw := range envelope.Content {
		variant, err := discriminateContent(envelope.Service, raw)
		if err != nil {
			// One malformed item must not drop the rest of the batch.
			c.logger.Errorf("schwabstream: skipping malformed %s content: %v", envelope.Service, err)
			continue
		}

		switch v := variant.(type) {
		case LevelOneEquity:
			c.handler.mu.RLock()
			handler := c.handler.equityHandler
			c.handler.mu.RUnlock()
			handler(v)
		case LevelOneOption:
			c.handler.mu.RLock()
			handler := c.handler.optionHandler
			c.handler.mu.RUnlock()
			handler(v)
		case AccountActivity:
			deliver, gap := c.handler.admitSeq(v.Key, v.Seq)
			if gap {
				c.logger.Warnf("schwabstream: sequence gap on %q before seq %d", v.Key, v.Seq)
			}
			if !deliver {
				c.logger.Infof("schwabstream: dropping duplicate seq %d on %q", v.Seq, v.Key)
				continue
			}
			c.handler.mu.RLock()
			handler := c.handler.accountActivityHandler
			c.handler.mu.RUnlock()
			handler(v)
		case UnknownContent:
			c.logger.Warnf("schwabstream: unrecognized content on service %s", envelope.Service)
		}
	}
}

func (c *client) handleNotify(raw json.RawMessage) {
	var hb heartbeatNotify
	if err := json.Unmarshal(raw, &hb); err != nil || hb.Heartbeat == "" {
		c.logger.Infof("schwabstream: non-heartbeat notify: %s", raw)
		return
	}
	var ts time.Time
	var millis int64
	if _, err := fmt.Sscanf(hb.Heartbeat, "%d", &millis); err == nil {
		ts = time.UnixMilli(millis)
	}
	c.handler.mu.RLock()
	handler := c.handler.heartbeatHandler
	c.handler.mu.RUnlock()
	handler(Heartbeat{Timestamp: ts})
}
