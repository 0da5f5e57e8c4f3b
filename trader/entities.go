package trader

import (
	"time"

	// Required for easyjson generation
	_ "github.com/mailru/easyjson/gen"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

//go:generate go install github.com/mailru/easyjson/...@v0.7.7
//go:generate easyjson -all -lower_camel_case $GOFILE

// AccountNumber pairs a plain account number with the hash value that every
// account-scoped endpoint expects in its path.
type AccountNumber struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
}

type Account struct {
	SecuritiesAccount SecuritiesAccount `json:"securitiesAccount"`
}

type SecuritiesAccount struct {
	Type                    string          `json:"type"`
	AccountNumber           string          `json:"accountNumber"`
	RoundTrips              int             `json:"roundTrips"`
	IsDayTrader             bool            `json:"isDayTrader"`
	IsClosingOnlyRestricted bool            `json:"isClosingOnlyRestricted"`
	Positions               []Position      `json:"positions,omitempty"`
	CurrentBalances         AccountBalances `json:"currentBalances"`
	InitialBalances         AccountBalances `json:"initialBalances"`
}

type AccountBalances struct {
	CashBalance       decimal.Decimal `json:"cashBalance"`
	Equity            decimal.Decimal `json:"equity"`
	BuyingPower       decimal.Decimal `json:"buyingPower"`
	LiquidationValue  decimal.Decimal `json:"liquidationValue"`
	LongMarketValue   decimal.Decimal `json:"longMarketValue"`
	ShortMarketValue  decimal.Decimal `json:"shortMarketValue"`
	AvailableFunds    decimal.Decimal `json:"availableFunds"`
	MaintenanceMargin decimal.Decimal `json:"maintenanceRequirement"`
}

type Position struct {
	ShortQuantity  decimal.Decimal `json:"shortQuantity"`
	LongQuantity   decimal.Decimal `json:"longQuantity"`
	AveragePrice   decimal.Decimal `json:"averagePrice"`
	MarketValue    decimal.Decimal `json:"marketValue"`
	CurrentDayCost decimal.Decimal `json:"currentDayCost"`
	Instrument     Instrument      `json:"instrument"`
}

type Instrument struct {
	AssetType string `json:"assetType"`
	Cusip     string `json:"cusip,omitempty"`
	Symbol    string `json:"symbol"`
}

type Session string

const (
	Normal   Session = "NORMAL"
	AM       Session = "AM"
	PM       Session = "PM"
	Seamless Session = "SEAMLESS"
)

type Duration string

const (
	Day               Duration = "DAY"
	GoodTillCancel    Duration = "GOOD_TILL_CANCEL"
	FillOrKill        Duration = "FILL_OR_KILL"
	ImmediateOrCancel Duration = "IMMEDIATE_OR_CANCEL"
)

type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	Stop      OrderType = "STOP"
	StopLimit OrderType = "STOP_LIMIT"
)

type Instruction string

const (
	Buy         Instruction = "BUY"
	Sell        Instruction = "SELL"
	BuyToCover  Instruction = "BUY_TO_COVER"
	SellShort   Instruction = "SELL_SHORT"
	BuyToOpen   Instruction = "BUY_TO_OPEN"
	BuyToClose  Instruction = "BUY_TO_CLOSE"
	SellToOpen  Instruction = "SELL_TO_OPEN"
	SellToClose Instruction = "SELL_TO_CLOSE"
)

type OrderStatus string

const (
	AwaitingParentOrder OrderStatus = "AWAITING_PARENT_ORDER"
	PendingActivation   OrderStatus = "PENDING_ACTIVATION"
	Queued              OrderStatus = "QUEUED"
	Working             OrderStatus = "WORKING"
	Rejected            OrderStatus = "REJECTED"
	PendingCancel       OrderStatus = "PENDING_CANCEL"
	Canceled            OrderStatus = "CANCELED"
	PendingReplace      OrderStatus = "PENDING_REPLACE"
	Replaced            OrderStatus = "REPLACED"
	Filled              OrderStatus = "FILLED"
	Expired             OrderStatus = "EXPIRED"
)

type Order struct {
	OrderID            int64            `json:"orderId"`
	Session            Session          `json:"session"`
	Duration           Duration         `json:"duration"`
	OrderType          OrderType        `json:"orderType"`
	Quantity           decimal.Decimal  `json:"quantity"`
	FilledQuantity     decimal.Decimal  `json:"filledQuantity"`
	RemainingQuantity  decimal.Decimal  `json:"remainingQuantity"`
	Price              *decimal.Decimal `json:"price,omitempty"`
	StopPrice          *decimal.Decimal `json:"stopPrice,omitempty"`
	Status             OrderStatus      `json:"status"`
	EnteredTime        time.Time        `json:"enteredTime"`
	CloseTime          *time.Time       `json:"closeTime,omitempty"`
	AccountNumber      int64            `json:"accountNumber"`
	Cancelable         bool             `json:"cancelable"`
	Editable           bool             `json:"editable"`
	OrderLegCollection []OrderLeg       `json:"orderLegCollection"`
}

type OrderLeg struct {
	OrderLegType string          `json:"orderLegType,omitempty"`
	Instruction  Instruction     `json:"instruction"`
	Quantity     decimal.Decimal `json:"quantity"`
	Instrument   Instrument      `json:"instrument"`
}

// PlaceOrderRequest is the payload for order placement and replacement.
type PlaceOrderRequest struct {
	Session            Session          `json:"session"`
	Duration           Duration         `json:"duration"`
	OrderType          OrderType        `json:"orderType"`
	Price              *decimal.Decimal `json:"price,omitempty"`
	StopPrice          *decimal.Decimal `json:"stopPrice,omitempty"`
	OrderStrategyType  string           `json:"orderStrategyType"`
	OrderLegCollection []OrderLeg       `json:"orderLegCollection"`
}

type GetOrdersParams struct {
	From       time.Time
	To         time.Time
	Status     OrderStatus
	MaxResults int
}

type PriceHistoryParams struct {
	PeriodType            string
	Period                int
	FrequencyType         string
	Frequency             int
	StartDate             time.Time
	EndDate               time.Time
	NeedExtendedHoursData *bool
	NeedPreviousClose     *bool
}

type PriceHistory struct {
	Symbol        string          `json:"symbol"`
	Empty         bool            `json:"empty"`
	PreviousClose decimal.Decimal `json:"previousClose"`
	Candles       []Candle        `json:"candles"`
}

type Candle struct {
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   int64           `json:"volume"`
	Datetime int64           `json:"datetime"` // epoch milliseconds
}

type OptionChainParams struct {
	ContractType string
	StrikeCount  int
	Strike       *decimal.Decimal
	FromDate     civil.Date
	ToDate       civil.Date
}

type OptionChain struct {
	Symbol           string                                 `json:"symbol"`
	Status           string                                 `json:"status"`
	Strategy         string                                 `json:"strategy"`
	Interval         float64                                `json:"interval"`
	IsDelayed        bool                                   `json:"isDelayed"`
	UnderlyingPrice  decimal.Decimal                        `json:"underlyingPrice"`
	NumberOfContracts int                                   `json:"numberOfContracts"`
	CallExpDateMap   map[string]map[string][]OptionContract `json:"callExpDateMap"`
	PutExpDateMap    map[string]map[string][]OptionContract `json:"putExpDateMap"`
}

type OptionContract struct {
	PutCall          string          `json:"putCall"`
	Symbol           string          `json:"symbol"`
	Description      string          `json:"description"`
	Bid              decimal.Decimal `json:"bid"`
	Ask              decimal.Decimal `json:"ask"`
	Last             decimal.Decimal `json:"last"`
	Mark             decimal.Decimal `json:"mark"`
	StrikePrice      decimal.Decimal `json:"strikePrice"`
	TotalVolume      int64           `json:"totalVolume"`
	OpenInterest     int64           `json:"openInterest"`
	Volatility       float64         `json:"volatility"`
	Delta            float64         `json:"delta"`
	Gamma            float64         `json:"gamma"`
	Theta            float64         `json:"theta"`
	Vega             float64         `json:"vega"`
	ExpirationDate   time.Time       `json:"expirationDate"`
	DaysToExpiration int             `json:"daysToExpiration"`
	InTheMoney       bool            `json:"inTheMoney"`
}

type Quote struct {
	AssetMainType string      `json:"assetMainType"`
	Symbol        string      `json:"symbol"`
	Quote         QuoteDetail `json:"quote"`
}

type QuoteDetail struct {
	BidPrice    decimal.Decimal `json:"bidPrice"`
	BidSize     int64           `json:"bidSize"`
	AskPrice    decimal.Decimal `json:"askPrice"`
	AskSize     int64           `json:"askSize"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	LastSize    int64           `json:"lastSize"`
	TotalVolume int64           `json:"totalVolume"`
	HighPrice   decimal.Decimal `json:"highPrice"`
	LowPrice    decimal.Decimal `json:"lowPrice"`
	ClosePrice  decimal.Decimal `json:"closePrice"`
	QuoteTime   int64           `json:"quoteTime"`
}

// UserPreference carries, among account display settings, the streamer
// identity that the stream package needs for its login request.
type UserPreference struct {
	Accounts     []PreferenceAccount `json:"accounts"`
	StreamerInfo []StreamerInfo      `json:"streamerInfo"`
}

type PreferenceAccount struct {
	AccountNumber  string `json:"accountNumber"`
	PrimaryAccount bool   `json:"primaryAccount"`
	NickName       string `json:"nickName"`
	AccountColor   string `json:"accountColor"`
}

type StreamerInfo struct {
	StreamerSocketURL      string `json:"streamerSocketUrl"`
	SchwabClientCustomerID string `json:"schwabClientCustomerId"`
	SchwabClientCorrelID   string `json:"schwabClientCorrelId"`
	SchwabClientChannel    string `json:"schwabClientChannel"`
	SchwabClientFunctionID string `json:"schwabClientFunctionId"`
}
