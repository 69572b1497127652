package upbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/httpclient"
)

const candleTimeLayout = "2006-01-02T15:04:05"

// Client is the Upbit REST adapter. It implements both the history
// source and the trading API.
type Client struct {
	http   *httpclient.Client
	logger core.Logger
}

// NewClient creates a REST client. Keys may be empty for public-only
// use (candles, tickers).
func NewClient(baseURL, accessKey, secretKey string, logger core.Logger) *Client {
	var signer httpclient.Signer
	if accessKey != "" {
		signer = NewSigner(accessKey, secretKey)
	}
	hc := httpclient.NewClient(baseURL, 10*time.Second, signer)
	hc.SetRateLimit(8, 8)
	return &Client{http: hc, logger: logger}
}

type candleRow struct {
	Market       string  `json:"market"`
	DateTimeUTC  string  `json:"candle_date_time_utc"`
	OpeningPrice float64 `json:"opening_price"`
	HighPrice    float64 `json:"high_price"`
	LowPrice     float64 `json:"low_price"`
	TradePrice   float64 `json:"trade_price"`
	AccVolume    float64 `json:"candle_acc_trade_volume"`
}

// CandlePage fetches up to count minute candles ending at or before
// `to`, newest first as the API returns them.
func (c *Client) CandlePage(ctx context.Context, market string, interval time.Duration, count int, to time.Time) ([]core.Candle, error) {
	unit := int(interval / time.Minute)
	params := url.Values{}
	params.Set("market", market)
	params.Set("count", strconv.Itoa(count))
	if !to.IsZero() {
		params.Set("to", to.UTC().Format(candleTimeLayout))
	}

	body, err := c.http.Get(ctx, fmt.Sprintf("/v1/candles/minutes/%d", unit), params)
	if err != nil {
		return nil, wrapAPIError(err)
	}

	var rows []candleRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}

	out := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(candleTimeLayout, row.DateTimeUTC)
		if err != nil {
			return nil, fmt.Errorf("candle timestamp %q: %w", row.DateTimeUTC, err)
		}
		out = append(out, core.Candle{
			Market:   row.Market,
			Interval: interval,
			OpenTS:   ts.UTC(),
			Open:     decimal.NewFromFloat(row.OpeningPrice),
			High:     decimal.NewFromFloat(row.HighPrice),
			Low:      decimal.NewFromFloat(row.LowPrice),
			Close:    decimal.NewFromFloat(row.TradePrice),
			Volume:   decimal.NewFromFloat(row.AccVolume),
			Source:   core.SourcePrefetch,
		})
	}
	return out, nil
}

type orderResponse struct {
	UUID       string `json:"uuid"`
	Side       string `json:"side"`
	OrdType    string `json:"ord_type"`
	State      string `json:"state"`
	Market     string `json:"market"`
	Price      string `json:"price"`
	Volume     string `json:"volume"`
	PaidFee    string `json:"paid_fee"`
	Identifier string `json:"identifier"`
	Trades     []struct {
		Price     string `json:"price"`
		Volume    string `json:"volume"`
		CreatedAt string `json:"created_at"`
	} `json:"trades"`
}

// PlaceOrder submits an order carrying its identifier. If Upbit has
// already seen the identifier it refuses the duplicate; the existing
// order is looked up and returned instead, making retries safe.
func (c *Client) PlaceOrder(ctx context.Context, order *core.Order) (string, error) {
	params := url.Values{}
	params.Set("market", order.Market)
	params.Set("identifier", order.IdempotencyKey)

	switch {
	case order.Side == core.SideBuy && order.Type == core.TypeMarket:
		params.Set("side", "bid")
		params.Set("ord_type", "price")
		params.Set("price", order.Funds.String())
	case order.Side == core.SideSell && order.Type == core.TypeMarket:
		params.Set("side", "ask")
		params.Set("ord_type", "market")
		params.Set("volume", order.Qty.String())
	default:
		if order.Side == core.SideBuy {
			params.Set("side", "bid")
		} else {
			params.Set("side", "ask")
		}
		params.Set("ord_type", "limit")
		params.Set("price", order.Price.String())
		params.Set("volume", order.Qty.String())
	}

	body := make(map[string]string, len(params))
	for key := range params {
		body[key] = params.Get(key)
	}

	resp, err := c.http.Post(WithSignedQuery(ctx, params), "/v1/orders", body)
	if err != nil {
		werr := wrapAPIError(err)
		if errors.Is(werr, apperrors.ErrDuplicateOrder) {
			return c.findByIdentifier(ctx, order.IdempotencyKey)
		}
		return "", werr
	}

	var placed orderResponse
	if err := json.Unmarshal(resp, &placed); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	return placed.UUID, nil
}

// findByIdentifier resolves the order id for an identifier Upbit
// reported as already used.
func (c *Client) findByIdentifier(ctx context.Context, identifier string) (string, error) {
	params := url.Values{}
	params.Set("identifier", identifier)

	body, err := c.http.Get(WithSignedQuery(ctx, params), "/v1/order", params)
	if err != nil {
		return "", wrapAPIError(err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode order lookup: %w", err)
	}
	if c.logger != nil {
		c.logger.Info("resolved duplicate identifier to existing order",
			"identifier", identifier, "order_id", resp.UUID)
	}
	return resp.UUID, nil
}

// GetOrder returns the order state and its fills.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*core.Order, []core.Fill, error) {
	params := url.Values{}
	params.Set("uuid", orderID)

	body, err := c.http.Get(WithSignedQuery(ctx, params), "/v1/order", params)
	if err != nil {
		return nil, nil, wrapAPIError(err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode order: %w", err)
	}

	order := &core.Order{
		OrderID:        resp.UUID,
		IdempotencyKey: resp.Identifier,
		Market:         resp.Market,
		Status:         mapOrderState(resp.State),
	}
	if resp.Side == "bid" {
		order.Side = core.SideBuy
	} else {
		order.Side = core.SideSell
	}

	fills := make([]core.Fill, 0, len(resp.Trades))
	for i, trade := range resp.Trades {
		price, err := decimal.NewFromString(trade.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("trade price %q: %w", trade.Price, err)
		}
		qty, err := decimal.NewFromString(trade.Volume)
		if err != nil {
			return nil, nil, fmt.Errorf("trade volume %q: %w", trade.Volume, err)
		}
		fill := core.Fill{
			OrderID: resp.UUID,
			Market:  resp.Market,
			Side:    order.Side,
			Price:   price,
			Qty:     qty,
		}
		if ts, terr := time.Parse(time.RFC3339, trade.CreatedAt); terr == nil {
			fill.TS = ts.UTC()
		}
		// The API reports one aggregate fee per order.
		if i == 0 && resp.PaidFee != "" {
			if fee, ferr := decimal.NewFromString(resp.PaidFee); ferr == nil {
				fill.Fee = fee
			}
		}
		fills = append(fills, fill)
	}
	return order, fills, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("uuid", orderID)

	_, err := c.http.Delete(WithSignedQuery(ctx, params), "/v1/order", params)
	if err != nil {
		return wrapAPIError(err)
	}
	return nil
}

type chanceResponse struct {
	Market struct {
		Bid struct {
			MinTotal string `json:"min_total"`
		} `json:"bid"`
	} `json:"market"`
}

type tickerRow struct {
	TradePrice float64 `json:"trade_price"`
}

// OrderChance returns the trading constraints for a market: the minimum
// order notional from the chance endpoint and the price unit derived
// from the current price band.
func (c *Client) OrderChance(ctx context.Context, market string) (core.MarketLimits, error) {
	params := url.Values{}
	params.Set("market", market)

	body, err := c.http.Get(WithSignedQuery(ctx, params), "/v1/orders/chance", params)
	if err != nil {
		return core.MarketLimits{}, wrapAPIError(err)
	}
	var chance chanceResponse
	if err := json.Unmarshal(body, &chance); err != nil {
		return core.MarketLimits{}, fmt.Errorf("decode order chance: %w", err)
	}

	limits := core.MarketLimits{}
	if chance.Market.Bid.MinTotal != "" {
		minTotal, err := decimal.NewFromString(chance.Market.Bid.MinTotal)
		if err != nil {
			return core.MarketLimits{}, fmt.Errorf("min_total %q: %w", chance.Market.Bid.MinTotal, err)
		}
		limits.MinTotal = minTotal
	}

	tickerParams := url.Values{}
	tickerParams.Set("markets", market)
	tbody, err := c.http.Get(ctx, "/v1/ticker", tickerParams)
	if err != nil {
		return core.MarketLimits{}, wrapAPIError(err)
	}
	var tickers []tickerRow
	if err := json.Unmarshal(tbody, &tickers); err != nil {
		return core.MarketLimits{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(tickers) == 0 {
		return core.MarketLimits{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidMarket, market)
	}
	limits.PriceUnit = TickSize(decimal.NewFromFloat(tickers[0].TradePrice))

	return limits, nil
}

// Account is one currency balance from the accounts endpoint.
type Account struct {
	Currency    string
	Balance     decimal.Decimal
	Locked      decimal.Decimal
	AvgBuyPrice decimal.Decimal
}

type accountRow struct {
	Currency    string `json:"currency"`
	Balance     string `json:"balance"`
	Locked      string `json:"locked"`
	AvgBuyPrice string `json:"avg_buy_price"`
}

// Accounts returns the authenticated account's balances, one row per
// currency.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	body, err := c.http.Get(ctx, "/v1/accounts", nil)
	if err != nil {
		return nil, wrapAPIError(err)
	}
	var rows []accountRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}

	out := make([]Account, 0, len(rows))
	for _, row := range rows {
		acct := Account{Currency: row.Currency}
		if acct.Balance, err = decimal.NewFromString(row.Balance); err != nil {
			return nil, fmt.Errorf("account balance %q: %w", row.Balance, err)
		}
		if row.Locked != "" {
			if acct.Locked, err = decimal.NewFromString(row.Locked); err != nil {
				return nil, fmt.Errorf("account locked %q: %w", row.Locked, err)
			}
		}
		if row.AvgBuyPrice != "" {
			if acct.AvgBuyPrice, err = decimal.NewFromString(row.AvgBuyPrice); err != nil {
				return nil, fmt.Errorf("account avg_buy_price %q: %w", row.AvgBuyPrice, err)
			}
		}
		out = append(out, acct)
	}
	return out, nil
}

// TickSize returns the KRW market price unit for a price band.
func TickSize(price decimal.Decimal) decimal.Decimal {
	p := price.InexactFloat64()
	switch {
	case p >= 2_000_000:
		return decimal.NewFromInt(1000)
	case p >= 1_000_000:
		return decimal.NewFromInt(500)
	case p >= 500_000:
		return decimal.NewFromInt(100)
	case p >= 100_000:
		return decimal.NewFromInt(50)
	case p >= 10_000:
		return decimal.NewFromInt(10)
	case p >= 1_000:
		return decimal.NewFromInt(1)
	case p >= 100:
		return decimal.NewFromFloat(0.1)
	case p >= 10:
		return decimal.NewFromFloat(0.01)
	case p >= 1:
		return decimal.NewFromFloat(0.001)
	default:
		return decimal.NewFromFloat(0.0001)
	}
}

func mapOrderState(state string) core.OrderStatus {
	switch state {
	case "wait", "watch":
		return core.StatusAccepted
	case "done":
		return core.StatusFilled
	case "cancel":
		return core.StatusCancelled
	default:
		return core.StatusSubmitted
	}
}

type apiErrorBody struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrapAPIError maps Upbit error responses onto the engine sentinels so
// callers can branch with errors.Is.
func wrapAPIError(err error) error {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	if apiErr.StatusCode == 429 {
		return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
	}
	if apiErr.StatusCode == 401 {
		return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
	}

	var body apiErrorBody
	if jerr := json.Unmarshal(apiErr.Body, &body); jerr == nil {
		name := body.Error.Name
		switch {
		case strings.Contains(name, "insufficient_funds"):
			return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, body.Error.Message)
		case strings.Contains(name, "identifier"), strings.Contains(name, "duplicate"):
			return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, body.Error.Message)
		case strings.Contains(name, "market"):
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidMarket, body.Error.Message)
		case name == "order_not_found":
			return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, body.Error.Message)
		}
	}

	if apiErr.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrOrderRejected, err)
}

var (
	_ core.HistorySource = (*Client)(nil)
	_ core.TradingAPI    = (*Client)(nil)
)
