package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schwabapi/schwab-trade-api-go/authn"
	"github.com/schwabapi/schwab-trade-api-go/internal/ctxtime"
)

// Client is a client that streams quotes and order-lifecycle events from the
// Schwab streamer API.
type Client interface {
	// Connect establishes a connection, runs the login handshake and
	// maintains the connection in the background: a dropped connection is
	// redialed, logged in and resubscribed transparently. It blocks until
	// the first connection is established or fails. Should only be called
	// once!
	Connect(ctx context.Context) error
	// Terminated returns a channel that the client sends an error to when it
	// has terminated. The channel is also closed upon termination.
	Terminated() <-chan error

	// SubscribeLevelOneEquities subscribes to level-one equity quotes,
	// replacing the previous equity symbol set
	SubscribeLevelOneEquities(handler func(LevelOneEquity), symbols ...string) error
	// AddLevelOneEquities extends the equity symbol set
	AddLevelOneEquities(symbols ...string) error
	// UnsubscribeLevelOneEquities unsubscribes from the given equity symbols
	UnsubscribeLevelOneEquities(symbols ...string) error

	// SubscribeLevelOneOptions subscribes to level-one option quotes,
	// replacing the previous option symbol set
	SubscribeLevelOneOptions(handler func(LevelOneOption), symbols ...string) error
	// AddLevelOneOptions extends the option symbol set
	AddLevelOneOptions(symbols ...string) error
	// UnsubscribeLevelOneOptions unsubscribes from the given option symbols
	UnsubscribeLevelOneOptions(symbols ...string) error

	// SubscribeAccountActivity subscribes to order-lifecycle events
	SubscribeAccountActivity(handler func(AccountActivity)) error
	// UnsubscribeAccountActivity unsubscribes from order-lifecycle events
	UnsubscribeAccountActivity() error
}

type client struct {
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
	connCreator    func(ctx context.Context, u url.URL) (conn, error)

	mu             sync.Mutex
	connectCalled  bool
	hasTerminated  bool
	connectOnce    sync.Once
	terminatedChan chan error

	conn conn
	in   chan []byte
	out  chan []byte

	requestID   int64
	lastMessage int64

	subMu sync.Mutex
	sub   subscriptions

	pending *pendingRequests
	handler *msgHandler
}

var _ Client = (*client)(nil)

// NewClient returns a new configured stream client
func NewClient(opts ...Option) Client {
	o := defaultOptions()
	o.apply(opts...)

	handler := newMsgHandler()
	handler.equityHandler = o.equityHandler
	handler.optionHandler = o.optionHandler
	handler.accountActivityHandler = o.accountActivityHandler
	handler.heartbeatHandler = o.heartbeatHandler

	return &client{
		logger:         o.logger,
		baseURL:        o.baseURL,
		tokenSource:    o.tokenSource,
		streamer:       o.streamer,
		reconnectLimit: o.reconnectLimit,
		reconnectDelay: o.reconnectDelay,
		ackTimeout:     o.ackTimeout,
		idleTimeout:    o.idleTimeout,
		bufferSize:     o.bufferSize,
		stateCallback:  o.stateCallback,
		connCreator:    o.connCreator,
		terminatedChan: make(chan error, 1),
		out:            make(chan []byte, 16),
		sub:            o.sub,
		pending:        newPendingRequests(o.logger),
		handler:        handler,
	}
}

func (c *client) Connect(ctx context.Context) error {
	if c.tokenSource == nil {
		return errors.New("token source not configured")
	}
	if c.streamer.CustomerID == "" || c.streamer.CorrelID == "" {
		return ErrNoStreamerInfo
	}
	u, err := c.constructURL()
	if err != nil {
		return err
	}
	return c.connect(ctx, u)
}

func (c *client) Terminated() <-chan error {
	return c.terminatedChan
}

// constructURL returns the URL to dial. The socket URL from the streamer
// info wins over the configured base URL, and http schemes are mapped to
// their websocket equivalents.
func (c *client) constructURL() (url.URL, error) {
	raw := c.baseURL
	if c.streamer.SocketURL != "" {
		raw = c.streamer.SocketURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return url.URL{}, err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	return *u, nil
}

func (c *client) connect(ctx context.Context, u url.URL) error {
	err := ErrConnectCalledMultipleTimes
	c.connectOnce.Do(func() {
		c.mu.Lock()
		c.connectCalled = true
		c.mu.Unlock()
		err = c.connectAndMaintainConnection(ctx, u)
		if err != nil {
			c.terminate(err)
		}
	})
	return err
}

func (c *client) connectAndMaintainConnection(ctx context.Context, u url.URL) error {
	initialResultCh := make(chan error)
	go c.maintainConnection(ctx, u, initialResultCh)
	return <-initialResultCh
}

func (c *client) terminate(err error) {
	c.mu.Lock()
	c.hasTerminated = true
	c.mu.Unlock()
	c.pending.interruptAll()
	c.setState(Disconnected)
	c.terminatedChan <- err
	close(c.terminatedChan)
}

// maintainConnection initializes a connection to u, starts the necessary
// goroutines and restarts them when the connection is lost, as long as
// ctx hasn't been cancelled and the error is recoverable. Reconnect backoff
// grows linearly with the number of consecutive failures.
func (c *client) maintainConnection(ctx context.Context, u url.URL, initialResultCh chan<- error) {
	var connError error
	failedAttemptsInARow := 0
	connectedAtLeastOnce := false

	sendError := func(err error) {
		if !connectedAtLeastOnce {
			initialResultCh <- err
		} else {
			c.terminate(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if !connectedAtLeastOnce {
				c.logger.Warnf("schwabstream: cancelled before connection could be established, last error: %v", connError)
				err := fmt.Errorf("cancelled before connection could be established, last error: %w", connError)
				initialResultCh <- err
			} else {
				c.terminate(nil)
			}
			return
		default:
		}

		if c.reconnectLimit != 0 && failedAttemptsInARow >= c.reconnectLimit {
			e := fmt.Errorf("failed to reconnect %d times in a row, last error: %w",
				failedAttemptsInARow, connError)
			sendError(e)
			return
		}

		if err := ctxtime.Sleep(ctx, time.Duration(failedAttemptsInARow)*c.reconnectDelay); err != nil {
			continue
		}

		c.setState(Connecting)
		conn, err := c.connCreator(ctx, u)
		if err != nil {
			connError = err
			failedAttemptsInARow++
			c.logger.Warnf("schwabstream: failed to connect, error: %v", err)
			continue
		}
		c.conn = conn
		c.in = make(chan []byte, c.bufferSize)
		atomic.StoreInt64(&c.lastMessage, time.Now().UnixNano())

		if err := c.initialize(ctx); err != nil {
			connError = err
			c.conn.close()
			if isErrorIrrecoverable(err) {
				sendError(fmt.Errorf("irrecoverable error during connection initialization: %w", err))
				return
			}
			failedAttemptsInARow++
			c.logger.Warnf("schwabstream: connection setup failed, error: %v", err)
			continue
		}
		failedAttemptsInARow = 0
		if !connectedAtLeastOnce {
			connectedAtLeastOnce = true
			initialResultCh <- nil
		}
		c.setState(Ready)

		wg := sync.WaitGroup{}
		wg.Add(5)
		closeCh := make(chan struct{})
		go c.connPinger(ctx, &wg, closeCh)
		go c.connReader(ctx, &wg, closeCh)
		go c.connWriter(ctx, &wg, closeCh)
		go c.connWatchdog(ctx, &wg, closeCh)
		go c.messageProcessor(ctx, &wg)

		wg.Wait()

		c.pending.interruptAll()
		c.drainOut()
		c.handler.resetSeq()
		c.setState(Disconnected)
		if ctx.Err() != nil {
			c.terminate(nil)
			return
		}
		c.logger.Warnf("schwabstream: connection lost, reconnecting...")
	}
}

// isErrorIrrecoverable returns whether the error is irrecoverable and further
// retries should not take place
func isErrorIrrecoverable(err error) bool {
	return errors.Is(err, ErrLoginFailed) || errors.Is(err, authn.ErrReauthorizationRequired)
}

func (c *client) setState(s State) {
	c.stateCallback(s)
}

func (c *client) newRequest(service Service, command Command, params map[string]string) StreamRequest {
	id := atomic.AddInt64(&c.requestID, 1) - 1
	return StreamRequest{
		Service:    service,
		RequestID:  strconv.FormatInt(id, 10),
		Command:    command,
		CustomerID: c.streamer.CustomerID,
		CorrelID:   c.streamer.CorrelID,
		Parameters: params,
	}
}

// drainOut discards queued outbound requests after a disconnect. Their
// waiters have already been interrupted: sending them on the next
// connection would only produce unexpected acks.
func (c *client) drainOut() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

var newPingTicker = func() ticker {
	return &timeTicker{ticker: time.NewTicker(pingPeriod)}
}

// connPinger periodically calls c.conn.ping to ensure the connection is
// still alive
func (c *client) connPinger(ctx context.Context, wg *sync.WaitGroup, closeCh <-chan struct{}) {
	pingTicker := newPingTicker()
	defer func() {
		pingTicker.Stop()
		c.conn.close()
		wg.Done()
	}()

	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		case <-pingTicker.C():
			if err := c.conn.ping(ctx); err != nil {
				if ctx.Err() == nil {
					c.logger.Errorf("schwabstream: ping failed, error: %v", err)
				}
				return
			}
		}
	}
}

// connReader reads from c.conn and sends those messages to c.in. It is also
// responsible for closing closeCh that terminates the other connection
// goroutines and for updating the liveness timestamp the watchdog checks.
func (c *client) connReader(ctx context.Context, wg *sync.WaitGroup, closeCh chan<- struct{}) {
	defer func() {
		close(closeCh)
		c.conn.close()
		close(c.in)
		wg.Done()
	}()

	for {
		msg, err := c.conn.readMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Errorf("schwabstream: reading from conn failed, error: %v", err)
			}
			return
		}
		atomic.StoreInt64(&c.lastMessage, time.Now().UnixNano())
		c.in <- msg
	}
}

// connWriter handles writing requests from c.out to the connection. On
// shutdown it makes a best-effort attempt to send a LOGOUT so the streamer
// releases the session immediately.
func (c *client) connWriter(ctx context.Context, wg *sync.WaitGroup, closeCh <-chan struct{}) {
	defer func() {
		c.conn.close()
		wg.Done()
	}()

	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			c.writeLogout()
			return
		case msg := <-c.out:
			if err := c.conn.writeMessage(ctx, msg); err != nil {
				if ctx.Err() == nil {
					c.logger.Errorf("schwabstream: writing to conn failed, error: %v", err)
				}
				return
			}
		}
	}
}

func (c *client) writeLogout() {
	req := c.newRequest(ServiceAdmin, CommandLogout, nil)
	msg, err := json.Marshal(requestEnvelope{Requests: []StreamRequest{req}})
	if err != nil {
		return
	}
	logoutCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.conn.writeMessage(logoutCtx, msg); err != nil {
		c.logger.Infof("schwabstream: logout on shutdown failed: %v", err)
	}
}

var newWatchdogTicker = func(d time.Duration) ticker {
	return &timeTicker{ticker: time.NewTicker(d)}
}

// connWatchdog drops the connection when nothing has been received within
// the idle timeout. The streamer heartbeats every few seconds, so a silent
// connection is a dead one even when the TCP session looks healthy.
func (c *client) connWatchdog(ctx context.Context, wg *sync.WaitGroup, closeCh <-chan struct{}) {
	interval := c.idleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	t := newWatchdogTicker(interval)
	defer func() {
		t.Stop()
		c.conn.close()
		wg.Done()
	}()

	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		case <-t.C():
			last := time.Unix(0, atomic.LoadInt64(&c.lastMessage))
			if time.Since(last) > c.idleTimeout {
				c.logger.Warnf("schwabstream: no message or heartbeat within %s, dropping connection", c.idleTimeout)
				return
			}
		}
	}
}

// messageProcessor reads from c.in (while it's open) and processes the
// messages. Frames are processed strictly in order on this single
// goroutine, which preserves per-key event ordering.
func (c *client) messageProcessor(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.in:
			if !ok {
				return
			}
			if err := c.handleMessage(msg); err != nil {
				c.logger.Errorf("schwabstream: could not handle message: %v", err)
			}
		}
	}
}
