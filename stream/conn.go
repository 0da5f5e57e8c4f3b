package stream

import (
	"context"
	"time"
)

// conn is a single websocket session with the Schwab streamer. The engine
// only depends on these four operations: production uses the nhooyr
// implementation, tests substitute a channel-backed fake.
type conn interface {
	// close closes the websocket connection
	close() error
	// ping sends a transport-level ping to the streamer
	ping(ctx context.Context) error
	// readMessage blocks until it reads a single frame
	readMessage(ctx context.Context) (data []byte, err error)
	// writeMessage writes a single request envelope
	writeMessage(ctx context.Context, data []byte) error
}

var (
	writeWait  = 5 * time.Second  // Time allowed to write one request envelope to the streamer
	pongWait   = 5 * time.Second  // Time allowed to read the streamer's pong
	pingPeriod = 10 * time.Second // Transport pings between the streamer's heartbeat notifies
)
