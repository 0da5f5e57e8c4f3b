package stream

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/schwabapi/schwab-trade-api-go/authn"
)

// State is the connection state of the stream client, surfaced through
// WithStateChangeCallback.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	LoggingIn    State = "logging_in"
	Ready        State = "ready"
)

// Option is a configuration option for the stream Client
type Option interface {
	apply(*options)
}

type options struct {
	logger         Logger
	baseURL        string
	tokenSource    *authn.TokenSource
	streamer       StreamerInfo
	reconnectLimit int
	reconnectDelay time.Duration
	ackTimeout     time.Duration
	idleTimeout    time.Duration
	bufferSize     int
	stateCallback  func(State)
	sub            subscriptions

	equityHandler          func(LevelOneEquity)
	optionHandler          func(LevelOneOption)
	accountActivityHandler func(AccountActivity)
	heartbeatHandler       func(Heartbeat)

	// for testing only
	connCreator func(ctx context.Context, u url.URL) (conn, error)
}

type funcOption struct {
	f func(*options)
}

func (fo *funcOption) apply(o *options) {
	fo.f(o)
}

func newFuncOption(f func(*options)) *funcOption {
	return &funcOption{
		f: f,
	}
}

// defaultOptions are the default options for a client.
// Don't change this in a backward incompatible way!
func defaultOptions() *options {
	baseURL := "wss://streamer-api.schwab.com/ws"
	if s := os.Getenv("SCHWAB_STREAMER_WS"); s != "" {
		baseURL = s
	}

	return &options{
		logger:         DefaultLogger(),
		baseURL:        baseURL,
		reconnectLimit: 20,
		reconnectDelay: 150 * time.Millisecond,
		ackTimeout:     5 * time.Second,
		idleTimeout:    30 * time.Second,
		bufferSize:     4096,
		stateCallback:  func(State) {},

		equityHandler:          func(LevelOneEquity) {},
		optionHandler:          func(LevelOneOption) {},
		accountActivityHandler: func(AccountActivity) {},
		heartbeatHandler:       func(Heartbeat) {},

		connCreator: newNhooyrWebsocketConn,
	}
}

func (o *options) apply(opts ...Option) {
	for _, opt := range opts {
		opt.apply(o)
	}
}

// WithLogger configures the logger
func WithLogger(logger Logger) Option {
	return newFuncOption(func(o *options) {
		o.logger = logger
	})
}

// WithBaseURL configures the streamer URL. It is overridden by the socket
// URL in the streamer info when that is set.
func WithBaseURL(url string) Option {
	return newFuncOption(func(o *options) {
		o.baseURL = url
	})
}

// WithTokenSource configures the token source used for the login request.
// Pass the same TokenSource as the trader client so both observe the same
// token store.
func WithTokenSource(ts *authn.TokenSource) Option {
	return newFuncOption(func(o *options) {
		o.tokenSource = ts
	})
}

// WithStreamerInfo configures the streamer identity obtained from the
// user-preference endpoint.
func WithStreamerInfo(info StreamerInfo) Option {
	return newFuncOption(func(o *options) {
		o.streamer = info
	})
}

// WithReconnectSettings configures how many consecutive connection
// errors should be accepted and the delay (that is multiplied by the number of consecutive errors)
// between retries. limit = 0 means the client will try restarting indefinitely unless it runs into
// an irrecoverable error (such as a rejected login).
func WithReconnectSettings(limit int, delay time.Duration) Option {
	return newFuncOption(func(o *options) {
		o.reconnectLimit = limit
		o.reconnectDelay = delay
	})
}

// WithAckTimeout configures how long a request waits for its
// acknowledgement before it is treated as failed.
func WithAckTimeout(timeout time.Duration) Option {
	return newFuncOption(func(o *options) {
		o.ackTimeout = timeout
	})
}

// WithIdleTimeout configures the liveness window: when neither a heartbeat
// nor any other frame arrives within it, the connection is treated as
// stalled and torn down to trigger a reconnect.
func WithIdleTimeout(timeout time.Duration) Option {
	return newFuncOption(func(o *options) {
		o.idleTimeout = timeout
	})
}

// WithBufferSize sets the size for the buffer that is used for messages received
// from the server
func WithBufferSize(size int) Option {
	return newFuncOption(func(o *options) {
		o.bufferSize = size
	})
}

// WithStateChangeCallback runs the callback whenever the connection state
// changes. The callback must not block: it runs on the connection
// maintenance goroutine.
func WithStateChangeCallback(callback func(State)) Option {
	return newFuncOption(func(o *options) {
		o.stateCallback = callback
	})
}

// WithLevelOneEquities configures initial equity symbols to subscribe to and the handler
func WithLevelOneEquities(handler func(LevelOneEquity), symbols ...string) Option {
	return newFuncOption(func(o *options) {
		o.sub.equities = symbols
		o.equityHandler = handler
	})
}

// WithLevelOneOptions configures initial option symbols to subscribe to and the handler
func WithLevelOneOptions(handler func(LevelOneOption), symbols ...string) Option {
	return newFuncOption(func(o *options) {
		o.sub.options = symbols
		o.optionHandler = handler
	})
}

// WithAccountActivity configures the order-lifecycle event handler and
// subscribes to account activity on connect.
func WithAccountActivity(handler func(AccountActivity)) Option {
	return newFuncOption(func(o *options) {
		o.sub.accountActivity = []string{accountActivityKey}
		o.accountActivityHandler = handler
	})
}

// WithHeartbeat configures a handler for streamer heartbeat notices.
func WithHeartbeat(handler func(Heartbeat)) Option {
	return newFuncOption(func(o *options) {
		o.heartbeatHandler = handler
	})
}

func withConnCreator(connCreator func(ctx context.Context, u url.URL) (conn, error)) Option {
	return newFuncOption(func(o *options) {
		o.connCreator = connCreator
	})
}
