package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schwabapi/schwab-trade-api-go/authn"
)

var testStreamerInfo = StreamerInfo{
	CustomerID: "customer-1",
	CorrelID:   "correl-1",
	Channel:    "N9",
	FunctionID: "APIAPP",
}

func testTokenSource(accessToken string) *authn.TokenSource {
	store := authn.NewStore()
	store.Replace(authn.TokenState{}, authn.TokenState{
		AccessToken:  accessToken,
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	return authn.NewTokenSource(authn.TokenSourceOptions{Store: store})
}

// fakeStreamer acknowledges every request written to the connection, using
// codeFor to decide the response code per request. It also exposes the
// requests it has seen so tests can assert on the protocol.
type fakeStreamer struct {
	conn     *mockConn
	requests chan StreamRequest
}

func runFakeStreamer(c *mockConn, codeFor func(StreamRequest) responseContent) *fakeStreamer {
	if codeFor == nil {
		codeFor = func(StreamRequest) responseContent {
			return responseContent{Code: 0, Msg: "success"}
		}
	}
	f := &fakeStreamer{conn: c, requests: make(chan StreamRequest, 100)}
	go func() {
		for {
			select {
			case <-c.closeCh:
				return
			case b := <-c.writeCh:
				var env requestEnvelope
				if err := json.Unmarshal(b, &env); err != nil {
					continue
				}
				resps := make([]StreamResponse, 0, len(env.Requests))
				for _, req := range env.Requests {
					f.requests <- req
					resps = append(resps, StreamResponse{
						Service:   req.Service,
						Command:   req.Command,
						RequestID: req.RequestID,
						CorrelID:  req.CorrelID,
						Timestamp: time.Now().UnixMilli(),
						Content:   codeFor(req),
					})
				}
				out, err := json.Marshal(inboundFrame{Response: resps})
				if err != nil {
					continue
				}
				select {
				case c.readCh <- out:
				case <-c.closeCh:
					return
				}
			}
		}
	}()
	return f
}

func expectRequest(t *testing.T, f *fakeStreamer) StreamRequest {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a request")
		return StreamRequest{}
	}
}

func TestConnectSendsLoginWithToken(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	streamer := runFakeStreamer(connection, nil)

	c := NewClient(
		WithTokenSource(testTokenSource("access-token-1")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(1, 0),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))

	login := expectRequest(t, streamer)
	assert.Equal(t, ServiceAdmin, login.Service)
	assert.Equal(t, CommandLogin, login.Command)
	assert.Equal(t, "0", login.RequestID)
	assert.Equal(t, "customer-1", login.CustomerID)
	assert.Equal(t, "correl-1", login.CorrelID)
	assert.Equal(t, "access-token-1", login.Parameters["Authorization"])
	assert.Equal(t, "N9", login.Parameters["SchwabClientChannel"])
	assert.Equal(t, "APIAPP", login.Parameters["SchwabClientFunctionId"])
}

func TestConnectRequiresConfiguration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewClient(WithStreamerInfo(testStreamerInfo))
	require.Error(t, c.Connect(ctx))

	c = NewClient(WithTokenSource(testTokenSource("at")))
	require.ErrorIs(t, c.Connect(ctx), ErrNoStreamerInfo)
}

func TestConnectCalledMultipleTimes(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	runFakeStreamer(connection, nil)

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(1, 0),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.ErrorIs(t, c.Connect(ctx), ErrConnectCalledMultipleTimes)
}

func TestConnectImmediatelyFailsOnRejectedLogin(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	runFakeStreamer(connection, func(req StreamRequest) responseContent {
		if req.Command == CommandLogin {
			return responseContent{Code: 3, Msg: "Login denied"}
		}
		return responseContent{Code: 0}
	})

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		// If the rejection weren't treated as irrecoverable, the retries
		// would keep the test running for nearly a minute.
		WithReconnectSettings(20, 3*time.Second),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := c.Connect(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrLoginFailed)
	assert.Contains(t, err.Error(), "Login denied")
}

func TestSubscribeBeforeConnect(t *testing.T) {
	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
	)
	err := c.SubscribeLevelOneEquities(func(LevelOneEquity) {}, "AAPL")
	require.ErrorIs(t, err, ErrSubscriptionChangeBeforeConnect)
}

func TestSubscriptionFlow(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	streamer := runFakeStreamer(connection, nil)

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(1, 0),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	expectRequest(t, streamer) // login

	require.NoError(t, c.SubscribeLevelOneEquities(func(LevelOneEquity) {}, "AAPL", "MSFT"))
	subs := expectRequest(t, streamer)
	assert.Equal(t, ServiceLevelOneEquities, subs.Service)
	assert.Equal(t, CommandSubs, subs.Command)
	assert.Equal(t, "AAPL,MSFT", subs.Parameters["keys"])
	assert.Equal(t, levelOneEquityFields, subs.Parameters["fields"])

	require.NoError(t, c.AddLevelOneEquities("TSLA"))
	add := expectRequest(t, streamer)
	assert.Equal(t, CommandAdd, add.Command)
	assert.Equal(t, "TSLA", add.Parameters["keys"])

	require.NoError(t, c.UnsubscribeLevelOneEquities("MSFT"))
	unsubs := expectRequest(t, streamer)
	assert.Equal(t, CommandUnsubs, unsubs.Command)
	assert.Equal(t, "MSFT", unsubs.Parameters["keys"])

	require.NoError(t, c.SubscribeAccountActivity(func(AccountActivity) {}))
	acct := expectRequest(t, streamer)
	assert.Equal(t, ServiceAccountActivity, acct.Service)
	assert.Equal(t, accountActivityKey, acct.Parameters["keys"])
	assert.Equal(t, accountActivityFields, acct.Parameters["fields"])
}

func TestSubscriptionRejected(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	runFakeStreamer(connection, func(req StreamRequest) responseContent {
		if req.Command == CommandSubs && req.Service == ServiceLevelOneEquities {
			return responseContent{Code: 22, Msg: "subscription not allowed"}
		}
		return responseContent{Code: 0}
	})

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(1, 0),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))

	err := c.SubscribeLevelOneEquities(func(LevelOneEquity) {}, "AAPL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription not allowed")
	assert.Contains(t, err.Error(), "22")
}

func TestSubscriptionAckTimeout(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	// This server only acknowledges the login and swallows everything else.
	go func() {
		for {
			select {
			case <-connection.closeCh:
				return
			case b := <-connection.writeCh:
				var env requestEnvelope
				if err := json.Unmarshal(b, &env); err != nil {
					continue
				}
				for _, req := range env.Requests {
					if req.Command != CommandLogin {
						continue
					}
					out, _ := json.Marshal(inboundFrame{Response: []StreamResponse{{
						Service:   req.Service,
						Command:   req.Command,
						RequestID: req.RequestID,
						Content:   responseContent{Code: 0},
					}}})
					connection.readCh <- out
				}
			}
		}
	}()

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(1, 0),
		WithAckTimeout(50*time.Millisecond),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))

	err := c.SubscribeLevelOneEquities(func(LevelOneEquity) {}, "AAPL")
	require.ErrorIs(t, err, ErrAckTimeout)
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	conn1 := newMockConn()
	conn2 := newMockConn()
	defer conn2.close()
	streamer1 := runFakeStreamer(conn1, nil)
	streamer2 := runFakeStreamer(conn2, nil)

	conns := []conn{conn1, conn2}
	var connCount int32
	connCreator := func(_ context.Context, _ url.URL) (conn, error) {
		i := atomic.AddInt32(&connCount, 1) - 1
		if int(i) >= len(conns) {
			return nil, fmt.Errorf("only %d connections allowed", len(conns))
		}
		return conns[i], nil
	}

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(5, time.Millisecond),
		withConnCreator(connCreator),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	expectRequest(t, streamer1) // login

	require.NoError(t, c.SubscribeLevelOneEquities(func(LevelOneEquity) {}, "AAPL", "MSFT"))
	expectRequest(t, streamer1)
	require.NoError(t, c.SubscribeLevelOneOptions(func(LevelOneOption) {}, "AAPL  240621C00190000"))
	expectRequest(t, streamer1)
	require.NoError(t, c.SubscribeAccountActivity(func(AccountActivity) {}))
	expectRequest(t, streamer1)

	// Drop the connection: the client must redial, log in again and replay
	// the desired subscription set without caller involvement.
	conn1.close()

	login := expectRequest(t, streamer2)
	assert.Equal(t, CommandLogin, login.Command)

	replayed := map[Service]StreamRequest{}
	for i := 0; i < 3; i++ {
		req := expectRequest(t, streamer2)
		assert.Equal(t, CommandSubs, req.Command)
		replayed[req.Service] = req
	}
	require.Contains(t, replayed, ServiceLevelOneEquities)
	require.Contains(t, replayed, ServiceLevelOneOptions)
	require.Contains(t, replayed, ServiceAccountActivity)
	assert.Equal(t, "AAPL,MSFT", replayed[ServiceLevelOneEquities].Parameters["keys"])
	assert.Equal(t, "AAPL  240621C00190000", replayed[ServiceLevelOneOptions].Parameters["keys"])
	assert.Equal(t, accountActivityKey, replayed[ServiceAccountActivity].Parameters["keys"])
}

func TestWatchdogDropsStalledConnection(t *testing.T) {
	conn1 := newMockConn()
	conn2 := newMockConn()
	defer conn2.close()
	runFakeStreamer(conn1, nil)
	streamer2 := runFakeStreamer(conn2, nil)

	conns := []conn{conn1, conn2}
	var connCount int32
	connCreator := func(_ context.Context, _ url.URL) (conn, error) {
		i := atomic.AddInt32(&connCount, 1) - 1
		if int(i) >= len(conns) {
			return nil, fmt.Errorf("only %d connections allowed", len(conns))
		}
		return conns[i], nil
	}

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(5, time.Millisecond),
		WithIdleTimeout(100*time.Millisecond),
		withConnCreator(connCreator),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))

	// No heartbeat, no data: the watchdog must tear the connection down and
	// the client must come back on a new one.
	login := expectRequest(t, streamer2)
	assert.Equal(t, CommandLogin, login.Command)
}

func TestCallbacksCalledOnData(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	runFakeStreamer(connection, nil)

	equities := make(chan LevelOneEquity, 10)
	heartbeats := make(chan Heartbeat, 10)

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(1, 0),
		WithHeartbeat(func(h Heartbeat) { heartbeats <- h }),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.SubscribeLevelOneEquities(func(e LevelOneEquity) { equities <- e }, "AAPL"))

	connection.readCh <- []byte(`{"data":[{"service":"LEVELONE_EQUITIES","timestamp":1718888888000,` +
		`"content":[{"key":"AAPL","delayed":false,"assetMainType":"EQUITY",` +
		`"1":187.5,"2":187.52,"3":187.51,"4":300,"5":200,"8":1234567,"10":189.1,"11":186.4,"12":186.9}]}]}`)

	select {
	case e := <-equities:
		assert.Equal(t, "AAPL", e.Symbol)
		assert.EqualValues(t, 187.5, e.BidPrice)
		assert.EqualValues(t, 187.52, e.AskPrice)
		assert.EqualValues(t, 187.51, e.LastPrice)
		assert.EqualValues(t, 300, e.BidSize)
		assert.EqualValues(t, 1234567, e.TotalVolume)
	case <-time.After(time.Second):
		t.Fatal("no equity update received")
	}

	connection.readCh <- []byte(`{"notify":[{"heartbeat":"1718888888000"}]}`)

	select {
	case h := <-heartbeats:
		assert.Equal(t, time.UnixMilli(1718888888000), h.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestMalformedContentDoesNotDropBatch(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	runFakeStreamer(connection, nil)

	equities := make(chan LevelOneEquity, 10)

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(1, 0),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.SubscribeLevelOneEquities(func(e LevelOneEquity) { equities <- e }, "AAPL", "MSFT"))

	// First item has a string where a price belongs, second one is fine.
	connection.readCh <- []byte(`{"data":[{"service":"LEVELONE_EQUITIES","timestamp":1,` +
		`"content":[{"key":"AAPL","1":"not-a-price"},{"key":"MSFT","1":425.1}]}]}`)

	select {
	case e := <-equities:
		assert.Equal(t, "MSFT", e.Symbol)
		assert.EqualValues(t, 425.1, e.BidPrice)
	case <-time.After(time.Second):
		t.Fatal("valid item was not delivered")
	}
	select {
	case e := <-equities:
		t.Fatalf("unexpected second delivery: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func accountActivityFrame(key string, seq int64) []byte {
	return []byte(fmt.Sprintf(`{"data":[{"service":"ACCT_ACTIVITY","timestamp":1,`+
		`"content":[{"seq":%d,"key":%q,"1":"12345678","2":"OrderFillCompleted","3":"{}"}]}]}`, seq, key))
}

func TestAccountActivityDeduplication(t *testing.T) {
	conn1 := newMockConn()
	conn2 := newMockConn()
	defer conn2.close()
	runFakeStreamer(conn1, nil)
	streamer2 := runFakeStreamer(conn2, nil)

	conns := []conn{conn1, conn2}
	var connCount int32
	connCreator := func(_ context.Context, _ url.URL) (conn, error) {
		i := atomic.AddInt32(&connCount, 1) - 1
		if int(i) >= len(conns) {
			return nil, fmt.Errorf("only %d connections allowed", len(conns))
		}
		return conns[i], nil
	}

	activities := make(chan AccountActivity, 10)

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(5, time.Millisecond),
		WithAccountActivity(func(a AccountActivity) { activities <- a }),
		withConnCreator(connCreator),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))

	for _, seq := range []int64{1, 2, 2, 3} {
		conn1.readCh <- accountActivityFrame("sub-1", seq)
	}

	var got []int64
	for i := 0; i < 3; i++ {
		select {
		case a := <-activities:
			got = append(got, a.Seq)
		case <-time.After(time.Second):
			t.Fatalf("only received %d activities", len(got))
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
	select {
	case a := <-activities:
		t.Fatalf("duplicate delivered: seq %d", a.Seq)
	case <-time.After(100 * time.Millisecond):
	}

	// The streamer numbers sequences per connection: after a reconnect, a
	// restarted sequence must be delivered, not treated as a duplicate.
	conn1.close()
	expectRequest(t, streamer2) // login
	conn2.readCh <- accountActivityFrame("sub-1", 1)

	select {
	case a := <-activities:
		assert.EqualValues(t, 1, a.Seq)
	case <-time.After(time.Second):
		t.Fatal("post-reconnect activity was not delivered")
	}
}

func TestTerminatedOnContextCancel(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	runFakeStreamer(connection, nil)

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(1, 0),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, c.Connect(ctx))
	cancel()

	select {
	case err := <-c.Terminated():
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("client did not terminate")
	}

	err := c.SubscribeLevelOneEquities(func(LevelOneEquity) {}, "AAPL")
	require.ErrorIs(t, err, ErrSubscriptionChangeAfterTerminated)
}

func TestStateChangeCallback(t *testing.T) {
	connection := newMockConn()
	defer connection.close()
	runFakeStreamer(connection, nil)

	states := make(chan State, 10)

	c := NewClient(
		WithTokenSource(testTokenSource("at")),
		WithStreamerInfo(testStreamerInfo),
		WithReconnectSettings(1, 0),
		WithStateChangeCallback(func(s State) { states <- s }),
		withConnCreator(func(_ context.Context, _ url.URL) (conn, error) {
			return connection, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Connect(ctx))

	var got []State
	for i := 0; i < 3; i++ {
		select {
		case s := <-states:
			got = append(got, s)
		case <-time.After(time.Second):
			t.Fatalf("only observed states %v", got)
		}
	}
	assert.Equal(t, []State{Connecting, LoggingIn, Ready}, got)
}
