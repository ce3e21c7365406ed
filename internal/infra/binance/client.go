package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/domain"
	"orderflow/internal/infra"
	"orderflow/pkg/quant"
)

const defaultBaseURL = "https://api.binance.com"

const (
	pathOrder      = "/api/v3/order"
	pathOpenOrders = "/api/v3/openOrders"
	pathListenKey  = "/api/v3/userDataStream"
)

// Client implements the adapter contract against the Binance spot API.
// Requests are signed by appending an HMAC-SHA256 hex signature over the
// query string.
type Client struct {
	name      string
	baseURL   string
	accessKey string
	secretKey []byte
	caller    *infra.Caller
}

func NewClient(name string, cfg infra.ExchangeConfig) *Client {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accessKey: cfg.AccessKey,
		secretKey: []byte(cfg.SecretKey),
		caller:    infra.NewCaller(name, cfg),
	}
}

func (c *Client) Name() string { return c.name }

// Close wipes the key material. The client must not be used afterwards.
func (c *Client) Close() {
	for i := range c.secretKey {
		c.secretKey[i] = 0
	}
}

func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.CallResult, error) {
	wire, err := domain.JoinWireSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("side", string(req.Side))
	params.Set("quantity", req.QtySats.String())
	params.Set("newOrderRespType", "FULL")

	switch req.Type {
	case domain.TypeMarket:
		params.Set("type", "MARKET")
	case domain.TypeLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.PriceMicros.String())
	case domain.TypeStop:
		params.Set("type", "STOP_LOSS")
		params.Set("stopPrice", req.StopPriceMicros.String())
	case domain.TypeStopLimit:
		params.Set("type", "STOP_LOSS_LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.PriceMicros.String())
		params.Set("stopPrice", req.StopPriceMicros.String())
	default:
		return nil, fmt.Errorf("binance: unsupported order type %s", req.Type)
	}

	body, err := c.signedCall(ctx, http.MethodPost, pathOrder, params)
	if err != nil {
		return nil, err
	}

	var order orderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("binance: decode order response: %w", err)
	}
	return c.toResult(&order)
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*domain.CallResult, error) {
	wire, err := domain.JoinWireSymbol(symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("orderId", exchangeOrderID)

	body, err := c.signedCall(ctx, http.MethodDelete, pathOrder, params)
	if err != nil {
		return nil, c.markGone(err, exchangeOrderID)
	}

	var order orderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("binance: decode cancel response: %w", err)
	}
	return c.toResult(&order)
}

func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*domain.CallResult, error) {
	wire, err := domain.JoinWireSymbol(symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("orderId", exchangeOrderID)

	body, err := c.signedCall(ctx, http.MethodGet, pathOrder, params)
	if err != nil {
		return nil, c.markGone(err, exchangeOrderID)
	}

	var order orderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("binance: decode order response: %w", err)
	}
	return c.toResult(&order)
}

func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]domain.CallResult, error) {
	params := url.Values{}
	if symbol != "" {
		wire, err := domain.JoinWireSymbol(symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", wire)
	}

	body, err := c.signedCall(ctx, http.MethodGet, pathOpenOrders, params)
	if err != nil {
		return nil, err
	}

	var orders []orderResponse
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("binance: decode open orders: %w", err)
	}

	results := make([]domain.CallResult, 0, len(orders))
	for i := range orders {
		res, err := c.toResult(&orders[i])
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// CreateListenKey opens a user data stream and returns its key. Only the API
// key header is required, no signature.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	status, body, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathListenKey, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.accessKey)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", c.classify(status, body)
	}

	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("binance: decode listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the stream's validity window.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	target := c.baseURL + pathListenKey + "?listenKey=" + url.QueryEscape(listenKey)
	status, body, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.accessKey)
		return req, nil
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.classify(status, body)
	}
	return nil
}

// signedCall signs the params, runs the request, and classifies any error
// body. All order endpoints take parameters in the query string.
func (c *Client) signedCall(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	payload := params.Encode()
	target := c.baseURL + path + "?" + payload + "&signature=" + c.sign(payload)

	status, body, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.accessKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.classify(status, body)
	}
	return body, nil
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) classify(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == 0 {
		return &domain.RejectedError{Exchange: c.name, Status: status, Message: string(body)}
	}
	if apiErr.Code == codeNoSuchOrder || apiErr.Code == codeUnknownOrder {
		return &domain.OrderGoneError{Exchange: c.name}
	}
	return &domain.RejectedError{
		Exchange: c.name,
		Status:   status,
		Code:     strconv.Itoa(apiErr.Code),
		Message:  apiErr.Msg,
	}
}

// markGone stamps the order id onto a gone error so logs identify it.
func (c *Client) markGone(err error, exchangeOrderID string) error {
	var gone *domain.OrderGoneError
	if errors.As(err, &gone) && gone.ExchangeOrderID == "" {
		gone.ExchangeOrderID = exchangeOrderID
	}
	return err
}

func (c *Client) toResult(o *orderResponse) (*domain.CallResult, error) {
	price, err := quant.ParsePrice(o.Price)
	if err != nil {
		return nil, fmt.Errorf("binance: parse price %q: %w", o.Price, err)
	}
	qty, err := quant.ParseQty(o.OrigQty)
	if err != nil {
		return nil, fmt.Errorf("binance: parse origQty %q: %w", o.OrigQty, err)
	}
	executed, err := quant.ParseQty(o.ExecutedQty)
	if err != nil {
		return nil, fmt.Errorf("binance: parse executedQty %q: %w", o.ExecutedQty, err)
	}
	avg, err := averagePrice(o.CummulativeQuoteQty, o.ExecutedQty)
	if err != nil {
		return nil, err
	}

	createdMs := o.TransactTime
	if createdMs == 0 {
		createdMs = o.Time
	}
	if createdMs == 0 {
		createdMs = o.UpdateTime
	}

	return &domain.CallResult{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Status:          mapStatus(o.Status),
		QtySats:         qty,
		ExecutedQtySats: executed,
		PriceMicros:     price,
		AvgPriceMicros:  avg,
		CreatedAt:       quant.TimeStamp(createdMs * 1000),
	}, nil
}

// averagePrice derives the average fill price from the cumulative quote
// amount, since Binance spot does not report it directly.
func averagePrice(cumQuote, executedQty string) (quant.PriceMicros, error) {
	if cumQuote == "" || executedQty == "" {
		return 0, nil
	}
	quote, err := decimal.NewFromString(cumQuote)
	if err != nil {
		return 0, fmt.Errorf("binance: parse cummulativeQuoteQty %q: %w", cumQuote, err)
	}
	qty, err := decimal.NewFromString(executedQty)
	if err != nil {
		return 0, fmt.Errorf("binance: parse executedQty %q: %w", executedQty, err)
	}
	if qty.IsZero() {
		return 0, nil
	}
	return quant.PriceMicros(quote.Div(qty).Shift(quant.PriceScale).IntPart()), nil
}

func mapStatus(s string) domain.CallStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return domain.CallStatusOpen
	case "FILLED":
		return domain.CallStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return domain.CallStatusCancelled
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.CallStatusExpired
	default:
		return domain.CallStatusRejected
	}
}
