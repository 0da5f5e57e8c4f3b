package stream

import (
	"encoding/json"
	"time"
)

// Service identifies the streamer subsystem a request or data frame belongs to.
type Service string

const (
	ServiceAdmin            Service = "ADMIN"
	ServiceAccountActivity  Service = "ACCT_ACTIVITY"
	ServiceLevelOneEquities Service = "LEVELONE_EQUITIES"
	ServiceLevelOneOptions  Service = "LEVELONE_OPTIONS"
)

type Command string

const (
	CommandLogin  Command = "LOGIN"
	CommandLogout Command = "LOGOUT"
	// CommandSubs replaces the service's entire symbol set
	CommandSubs Command = "SUBS"
	// CommandAdd extends the service's symbol set
	CommandAdd    Command = "ADD"
	CommandUnsubs Command = "UNSUBS"
)

// StreamerInfo is the streamer identity obtained from the user-preference
// endpoint (trader.GetUserPreference). SocketURL overrides the client's base
// URL when set.
type StreamerInfo struct {
	SocketURL  string
	CustomerID string
	CorrelID   string
	Channel    string
	FunctionID string
}

// StreamRequest is a single outbound protocol action. Requests are wrapped
// in a requestEnvelope on the wire and identified by RequestID within the
// session.
type StreamRequest struct {
	Service    Service           `json:"service"`
	RequestID  string            `json:"requestid"`
	Command    Command           `json:"command"`
	CustomerID string            `json:"SchwabClientCustomerId"`
	CorrelID   string            `json:"SchwabClientCorrelId"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type requestEnvelope struct {
	Requests []StreamRequest `json:"requests"`
}

// StreamResponse is the asynchronous acknowledgement of a StreamRequest,
// correlated through RequestID.
type StreamResponse struct {
	Service   Service         `json:"service"`
	Command   Command         `json:"command"`
	RequestID string          `json:"requestid"`
	CorrelID  string          `json:"SchwabClientCorrelId"`
	Timestamp int64           `json:"timestamp"`
	Content   responseContent `json:"content"`
}

type responseContent struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

const responseCodeOK = 0

// inboundFrame is the outer envelope of every message received on the
// socket. Exactly one of the three lists is populated per frame.
type inboundFrame struct {
	Response []StreamResponse  `json:"response"`
	Data     []dataEnvelope    `json:"data"`
	Notify   []json.RawMessage `json:"notify"`
}

type dataEnvelope struct {
	Service   Service           `json:"service"`
	Command   Command           `json:"command"`
	Timestamp int64             `json:"timestamp"`
	Content   []json.RawMessage `json:"content"`
}

type heartbeatNotify struct {
	Heartbeat string `json:"heartbeat"`
}

// Heartbeat is the periodic liveness notice emitted by the streamer.
type Heartbeat struct {
	Timestamp time.Time
}

// LevelOneEquity is a level-one equity quote update. Zero fields were not
// present in the update: the streamer only sends changed fields after the
// initial snapshot.
type LevelOneEquity struct {
	Symbol        string  `json:"key"`
	Delayed       bool    `json:"delayed"`
	AssetMainType string  `json:"assetMainType"`
	BidPrice      float64 `json:"1"`
	AskPrice      float64 `json:"2"`
	LastPrice     float64 `json:"3"`
	BidSize       int64   `json:"4"`
	AskSize       int64   `json:"5"`
	TotalVolume   int64   `json:"8"`
	HighPrice     float64 `json:"10"`
	LowPrice      float64 `json:"11"`
	ClosePrice    float64 `json:"12"`
}

// LevelOneOption is a level-one option quote update.
type LevelOneOption struct {
	Symbol       string  `json:"key"`
	Delayed      bool    `json:"delayed"`
	Description  string  `json:"1"`
	BidPrice     float64 `json:"2"`
	AskPrice     float64 `json:"3"`
	LastPrice    float64 `json:"4"`
	HighPrice    float64 `json:"5"`
	LowPrice     float64 `json:"6"`
	ClosePrice   float64 `json:"7"`
	TotalVolume  int64   `json:"8"`
	OpenInterest int64   `json:"9"`
	Volatility   float64 `json:"10"`
	Delta        float64 `json:"28"`
}

// AccountActivity is an order-lifecycle event. MessageData carries the
// order payload as embedded JSON whose schema depends on MessageType.
type AccountActivity struct {
	Seq         int64  `json:"seq"`
	Key         string `json:"key"`
	Account     string `json:"1"`
	MessageType string `json:"2"`
	MessageData string `json:"3"`
}

// UnknownContent preserves a content item whose shape was not recognized.
// It keeps a malformed or novel item from dropping the rest of its batch.
type UnknownContent struct {
	Service Service
	Raw     json.RawMessage
}
