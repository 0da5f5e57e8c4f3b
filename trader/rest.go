package trader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schwabapi/schwab-trade-api-go/authn"
)

// ErrAuthFailed is returned when a request is still unauthorized after one
// coordinated token refresh. It signals a permanent authentication failure;
// the request is not retried a third time.
var ErrAuthFailed = errors.New("request unauthorized after token refresh")

// Client is the Schwab Trader API client.
type Client interface {
	GetAccountNumbers(ctx context.Context) ([]AccountNumber, error)
	GetAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, accountHash string) (*Account, error)
	GetOrders(ctx context.Context, accountHash string, params GetOrdersParams) ([]Order, error)
	GetOrder(ctx context.Context, accountHash string, orderID int64) (*Order, error)
	PlaceOrder(ctx context.Context, accountHash string, req PlaceOrderRequest) error
	ReplaceOrder(ctx context.Context, accountHash string, orderID int64, req PlaceOrderRequest) error
	CancelOrder(ctx context.Context, accountHash string, orderID int64) error
	GetPriceHistory(ctx context.Context, symbol string, params PriceHistoryParams) (*PriceHistory, error)
	GetOptionChain(ctx context.Context, symbol string, params OptionChainParams) (*OptionChain, error)
	GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	GetUserPreference(ctx context.Context) (*UserPreference, error)
}

// ClientOpts contains options for the trader client.
type ClientOpts struct {
	Credentials authn.CredentialsParams
	// TokenSource provides access tokens for every request. When nil, a new
	// one is built from Credentials. Pass the same TokenSource to the stream
	// client so both share one token store.
	TokenSource *authn.TokenSource
	BaseURL     string
	Timeout     time.Duration
	RetryLimit  int
	RetryDelay  time.Duration
}

type client struct {
	opts ClientOpts

	do func(c *client, req *http.Request) (*http.Response, error)
}

// NewClient creates a new Schwab trader client using the given opts.
func NewClient(opts ClientOpts) Client {
	if opts.BaseURL == "" {
		if s := os.Getenv("SCHWAB_API_BASE_URL"); s != "" {
			opts.BaseURL = s
		} else {
			opts.BaseURL = "https://api.schwabapi.com"
		}
	}
	if opts.RetryLimit == 0 {
		opts.RetryLimit = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	if opts.TokenSource == nil {
		opts.TokenSource = authn.NewTokenSource(authn.TokenSourceOptions{
			Credentials: authn.NewCredentials(opts.Credentials),
		})
	}
	return &client{
		opts: opts,

		do: defaultDo,
	}
}

const (
	traderPath     = "trader/v1"
	marketdataPath = "marketdata/v1"
)

// defaultDo sends req with a bearer token from the shared token source. An
// unauthorized response triggers exactly one coordinated refresh followed by
// a single replay of the request; a second 401 is surfaced as ErrAuthFailed.
func defaultDo(c *client, req *http.Request) (*http.Response, error) {
	token, err := c.opts.TokenSource.Token(req.Context())
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, token.AccessToken)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		refreshed, err := c.opts.TokenSource.Refresh(req.Context(), token)
		if err != nil {
			return nil, err
		}
		retry, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}
		resp, err = c.send(retry, refreshed.AccessToken)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, ErrAuthFailed
		}
	}

	if err = verify(resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *client) send(req *http.Request, accessToken string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+accessToken)

	httpClient := &http.Client{
		Timeout: c.opts.Timeout,
	}
	var resp *http.Response
	var err error
	for i := 0; ; i++ {
		resp, err = httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		if i >= c.opts.RetryLimit {
			break
		}
		resp.Body.Close()
		time.Sleep(c.opts.RetryDelay)
	}
	return resp, nil
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return retry, nil
}

func (c *client) GetAccountNumbers(ctx context.Context) ([]AccountNumber, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/accounts/accountNumbers", c.opts.BaseURL, traderPath))
	if err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var numbers []AccountNumber
	if err = unmarshal(resp, &numbers); err != nil {
		return nil, err
	}

	return numbers, nil
}

func (c *client) GetAccounts(ctx context.Context) ([]Account, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/accounts", c.opts.BaseURL, traderPath))
	if err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var accounts []Account
	if err = unmarshal(resp, &accounts); err != nil {
		return nil, err
	}

	return accounts, nil
}

func (c *client) GetAccount(ctx context.Context, accountHash string) (*Account, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/accounts/%s", c.opts.BaseURL, traderPath, accountHash))
	if err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	account := &Account{}
	if err = unmarshal(resp, account); err != nil {
		return nil, err
	}

	return account, nil
}

func (c *client) GetOrders(ctx context.Context, accountHash string, params GetOrdersParams) ([]Order, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/accounts/%s/orders", c.opts.BaseURL, traderPath, accountHash))
	if err != nil {
		return nil, err
	}

	q := u.Query()
	if !params.From.IsZero() {
		q.Set("fromEnteredTime", params.From.Format(time.RFC3339))
	}
	if !params.To.IsZero() {
		q.Set("toEnteredTime", params.To.Format(time.RFC3339))
	}
	if params.Status != "" {
		q.Set("status", string(params.Status))
	}
	if params.MaxResults != 0 {
		q.Set("maxResults", strconv.Itoa(params.MaxResults))
	}
	u.RawQuery = q.Encode()

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var orders []Order
	if err = unmarshal(resp, &orders); err != nil {
		return nil, err
	}

	return orders, nil
}

func (c *client) GetOrder(ctx context.Context, accountHash string, orderID int64) (*Order, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/accounts/%s/orders/%d", c.opts.BaseURL, traderPath, accountHash, orderID))
	if err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	order := &Order{}
	if err = unmarshal(resp, order); err != nil {
		return nil, err
	}

	return order, nil
}

func (c *client) PlaceOrder(ctx context.Context, accountHash string, req PlaceOrderRequest) error {
	u, err := url.Parse(fmt.Sprintf("%s/%s/accounts/%s/orders", c.opts.BaseURL, traderPath, accountHash))
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, u, req)
	if err != nil {
		return err
	}
	return closeResp(resp)
}

func (c *client) ReplaceOrder(ctx context.Context, accountHash string, orderID int64, req PlaceOrderRequest) error {
	u, err := url.Parse(fmt.Sprintf("%s/%s/accounts/%s/orders/%d", c.opts.BaseURL, traderPath, accountHash, orderID))
	if err != nil {
		return err
	}

	resp, err := c.put(ctx, u, req)
	if err != nil {
		return err
	}
	return closeResp(resp)
}

func (c *client) CancelOrder(ctx context.Context, accountHash string, orderID int64) error {
	u, err := url.Parse(fmt.Sprintf("%s/%s/accounts/%s/orders/%d", c.opts.BaseURL, traderPath, accountHash, orderID))
	if err != nil {
		return err
	}

	resp, err := c.delete(ctx, u)
	if err != nil {
		return err
	}
	return closeResp(resp)
}

func (c *client) GetPriceHistory(ctx context.Context, symbol string, params PriceHistoryParams) (*PriceHistory, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/pricehistory", c.opts.BaseURL, marketdataPath))
	if err != nil {
		return nil, err
	}

	q := u.Query()
	q.Set("symbol", symbol)
	if params.PeriodType != "" {
		q.Set("periodType", params.PeriodType)
	}
	if params.Period != 0 {
		q.Set("period", strconv.Itoa(params.Period))
	}
	if params.FrequencyType != "" {
		q.Set("frequencyType", params.FrequencyType)
	}
	if params.Frequency != 0 {
		q.Set("frequency", strconv.Itoa(params.Frequency))
	}
	if !params.StartDate.IsZero() {
		q.Set("startDate", strconv.FormatInt(params.StartDate.UnixMilli(), 10))
	}
	if !params.EndDate.IsZero() {
		q.Set("endDate", strconv.FormatInt(params.EndDate.UnixMilli(), 10))
	}
	if params.NeedExtendedHoursData != nil {
		q.Set("needExtendedHoursData", strconv.FormatBool(*params.NeedExtendedHoursData))
	}
	if params.NeedPreviousClose != nil {
		q.Set("needPreviousClose", strconv.FormatBool(*params.NeedPreviousClose))
	}
	u.RawQuery = q.Encode()

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	history := &PriceHistory{}
	if err = unmarshal(resp, history); err != nil {
		return nil, err
	}

	return history, nil
}

func (c *client) GetOptionChain(ctx context.Context, symbol string, params OptionChainParams) (*OptionChain, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/chains", c.opts.BaseURL, marketdataPath))
	if err != nil {
		return nil, err
	}

	q := u.Query()
	q.Set("symbol", symbol)
	if params.ContractType != "" {
		q.Set("contractType", params.ContractType)
	}
	if params.StrikeCount != 0 {
		q.Set("strikeCount", strconv.Itoa(params.StrikeCount))
	}
	if params.Strike != nil {
		q.Set("strike", params.Strike.String())
	}
	if params.FromDate.IsValid() {
		q.Set("fromDate", params.FromDate.String())
	}
	if params.ToDate.IsValid() {
		q.Set("toDate", params.ToDate.String())
	}
	u.RawQuery = q.Encode()

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	chain := &OptionChain{}
	if err = unmarshal(resp, chain); err != nil {
		return nil, err
	}

	return chain, nil
}

func (c *client) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/quotes", c.opts.BaseURL, marketdataPath))
	if err != nil {
		return nil, err
	}

	q := u.Query()
	q.Set("symbols", strings.Join(symbols, ","))
	u.RawQuery = q.Encode()

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	quotes := map[string]Quote{}
	if err = unmarshal(resp, &quotes); err != nil {
		return nil, err
	}

	return quotes, nil
}

func (c *client) GetUserPreference(ctx context.Context) (*UserPreference, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/userPreference", c.opts.BaseURL, traderPath))
	if err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	pref := &UserPreference{}
	if err = unmarshal(resp, pref); err != nil {
		return nil, err
	}

	return pref, nil
}

func (c *client) get(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	return c.do(c, req)
}

func (c *client) post(ctx context.Context, u *url.URL, data interface{}) (*http.Response, error) {
	return c.sendJSON(ctx, http.MethodPost, u, data)
}

func (c *client) put(ctx context.Context, u *url.URL, data interface{}) (*http.Response, error) {
	return c.sendJSON(ctx, http.MethodPut, u, data)
}

func (c *client) delete(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return nil, err
	}

	return c.do(c, req)
}

func (c *client) sendJSON(ctx context.Context, method string, u *url.URL, data interface{}) (*http.Response, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(c, req)
}

// APIError wraps the error code and message supplied by the Schwab API.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s (HTTP %d)", e.ErrorCode, e.StatusCode)
}

func verify(resp *http.Response) error {
	if resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		apiErr := APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, &apiErr); err != nil {
			// The error is not in the documented format; return the raw response.
			return fmt.Errorf("HTTP %s: %s", resp.Status, body)
		}
		return &apiErr
	}
	return nil
}

func unmarshal(resp *http.Response, data interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(data)
}

func closeResp(resp *http.Response) error {
	return resp.Body.Close()
}
