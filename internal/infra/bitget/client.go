package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"orderflow/internal/domain"
	"orderflow/internal/infra"
	"orderflow/pkg/quant"
)

const defaultBaseURL = "https://api.bitget.com"

const (
	pathPlaceOrder  = "/api/v2/spot/trade/place-order"
	pathCancelOrder = "/api/v2/spot/trade/cancel-order"
	pathOrderInfo   = "/api/v2/spot/trade/orderInfo"
	pathOpenOrders  = "/api/v2/spot/trade/unfilled-orders"
)

// Client implements the adapter contract against the Bitget V2 spot API.
type Client struct {
	name    string
	baseURL string
	signer  *Signer
	caller  *infra.Caller
}

func NewClient(name string, cfg infra.ExchangeConfig) *Client {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  NewSigner(cfg.AccessKey, cfg.SecretKey, cfg.Passphrase),
		caller:  infra.NewCaller(name, cfg),
	}
}

func (c *Client) Name() string { return c.name }

// Close wipes the key material. The client must not be used afterwards.
func (c *Client) Close() { c.signer.Wipe() }

func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.CallResult, error) {
	if req.Type != domain.TypeLimit && req.Type != domain.TypeMarket {
		return nil, fmt.Errorf("bitget: order type %s not supported", req.Type)
	}

	wire, err := domain.JoinWireSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}

	body := placeOrderRequest{
		Symbol:    wire,
		Side:      strings.ToLower(string(req.Side)),
		OrderType: strings.ToLower(string(req.Type)),
		Size:      req.QtySats.String(),
	}
	if req.Type == domain.TypeLimit {
		body.Force = "gtc"
		body.Price = req.PriceMicros.String()
	}

	data, err := c.call(ctx, http.MethodPost, pathPlaceOrder, "", body)
	if err != nil {
		return nil, err
	}

	var placed orderIDData
	if err := json.Unmarshal(data, &placed); err != nil {
		return nil, fmt.Errorf("bitget: decode place-order response: %w", err)
	}

	return &domain.CallResult{
		ExchangeOrderID: placed.OrderID,
		Status:          domain.CallStatusOpen,
		QtySats:         req.QtySats,
		PriceMicros:     req.PriceMicros,
		CreatedAt:       quant.Now(),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*domain.CallResult, error) {
	wire, err := domain.JoinWireSymbol(symbol)
	if err != nil {
		return nil, err
	}

	body := cancelOrderRequest{
		Symbol:  wire,
		OrderID: exchangeOrderID,
	}

	data, err := c.call(ctx, http.MethodPost, pathCancelOrder, "", body)
	if err != nil {
		return nil, err
	}

	var cancelled orderIDData
	if err := json.Unmarshal(data, &cancelled); err != nil {
		return nil, fmt.Errorf("bitget: decode cancel-order response: %w", err)
	}

	return &domain.CallResult{
		ExchangeOrderID: cancelled.OrderID,
		Status:          domain.CallStatusCancelled,
	}, nil
}

func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*domain.CallResult, error) {
	query := "?orderId=" + exchangeOrderID

	data, err := c.call(ctx, http.MethodGet, pathOrderInfo, query, nil)
	if err != nil {
		return nil, err
	}

	var details []orderDetail
	if err := json.Unmarshal(data, &details); err != nil {
		return nil, fmt.Errorf("bitget: decode orderInfo response: %w", err)
	}
	if len(details) == 0 {
		return nil, &domain.OrderGoneError{Exchange: c.name, ExchangeOrderID: exchangeOrderID}
	}

	return c.toResult(&details[0])
}

func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]domain.CallResult, error) {
	query := ""
	if symbol != "" {
		wire, err := domain.JoinWireSymbol(symbol)
		if err != nil {
			return nil, err
		}
		query = "?symbol=" + wire
	}

	data, err := c.call(ctx, http.MethodGet, pathOpenOrders, query, nil)
	if err != nil {
		return nil, err
	}

	var details []orderDetail
	if err := json.Unmarshal(data, &details); err != nil {
		return nil, fmt.Errorf("bitget: decode unfilled-orders response: %w", err)
	}

	results := make([]domain.CallResult, 0, len(details))
	for i := range details {
		res, err := c.toResult(&details[i])
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// call runs one signed request and unwraps the envelope, classifying
// non-success codes into the shared error taxonomy.
func (c *Client) call(ctx context.Context, method, path, query string, reqBody any) (json.RawMessage, error) {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("bitget: encode request: %w", err)
		}
	}

	status, body, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+query, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		for k, v := range c.signer.SignedHeaders(method, path, query, string(payload)) {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bitget: HTTP %d: unexpected response %q", status, truncate(body))
	}

	if env.Code != codeOK {
		if orderGoneCodes[env.Code] {
			return nil, &domain.OrderGoneError{Exchange: c.name}
		}
		return nil, &domain.RejectedError{
			Exchange: c.name,
			Status:   status,
			Code:     env.Code,
			Message:  env.Msg,
		}
	}
	return env.Data, nil
}

func (c *Client) toResult(d *orderDetail) (*domain.CallResult, error) {
	price, err := quant.ParsePrice(d.Price)
	if err != nil {
		return nil, fmt.Errorf("bitget: parse price %q: %w", d.Price, err)
	}
	avg, err := quant.ParsePrice(d.PriceAvg)
	if err != nil {
		return nil, fmt.Errorf("bitget: parse priceAvg %q: %w", d.PriceAvg, err)
	}
	qty, err := quant.ParseQty(d.Size)
	if err != nil {
		return nil, fmt.Errorf("bitget: parse size %q: %w", d.Size, err)
	}
	executed, err := quant.ParseQty(d.BaseVolume)
	if err != nil {
		return nil, fmt.Errorf("bitget: parse baseVolume %q: %w", d.BaseVolume, err)
	}

	var created quant.TimeStamp
	if d.CTime != "" {
		ms, err := strconv.ParseInt(d.CTime, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bitget: parse cTime %q: %w", d.CTime, err)
		}
		created = quant.TimeStamp(ms * 1000)
	}

	return &domain.CallResult{
		ExchangeOrderID: d.OrderID,
		Status:          mapStatus(d.Status),
		QtySats:         qty,
		ExecutedQtySats: executed,
		PriceMicros:     price,
		AvgPriceMicros:  avg,
		CreatedAt:       created,
	}, nil
}

func mapStatus(s string) domain.CallStatus {
	switch s {
	case "init", "new", "live", "partially_filled":
		return domain.CallStatusOpen
	case "filled":
		return domain.CallStatusFilled
	case "cancelled":
		return domain.CallStatusCancelled
	default:
		return domain.CallStatusRejected
	}
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
