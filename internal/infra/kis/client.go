package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"orderflow/internal/domain"
	"orderflow/internal/infra"
	"orderflow/pkg/quant"
)

const defaultBaseURL = "https://openapi.koreainvestment.com:9443"

const (
	pathToken      = "/oauth2/tokenP"
	pathOrderCash  = "/uapi/domestic-stock/v1/trading/order-cash"
	pathOrderRvse  = "/uapi/domestic-stock/v1/trading/order-rvsecncl"
	pathOpenOrders = "/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl"
)

const productCode = "01"

// tokenMargin keeps a safety window so a token never expires mid-request.
const tokenMargin = time.Minute

// Client implements the adapter contract against the KIS domestic stock API.
// Authentication is a bearer token obtained through a client-credentials
// exchange, cached until shortly before expiry.
type Client struct {
	name      string
	baseURL   string
	appKey    string
	appSecret string
	accountNo string
	caller    *infra.Caller

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(name string, cfg infra.ExchangeConfig) *Client {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		appKey:    cfg.AccessKey,
		appSecret: cfg.SecretKey,
		accountNo: cfg.AccountNo,
		caller:    infra.NewCaller(name, cfg),
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.CallResult, error) {
	if req.Type != domain.TypeLimit && req.Type != domain.TypeMarket {
		return nil, fmt.Errorf("kis: order type %s not supported", req.Type)
	}
	stockCode, _, err := domain.SplitSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}

	trID := trIDBuyCash
	if req.Side == domain.SideSell {
		trID = trIDSellCash
	}
	orderType := "00"
	price := req.PriceMicros.Decimal().Truncate(0).String()
	if req.Type == domain.TypeMarket {
		orderType = "01"
		price = "0"
	}

	body := placeOrderBody{
		AccountNo:   c.accountNo,
		ProductCode: productCode,
		StockCode:   stockCode,
		OrderType:   orderType,
		Qty:         req.QtySats.Decimal().Truncate(0).String(),
		Price:       price,
	}

	output, err := c.call(ctx, http.MethodPost, pathOrderCash, trID, nil, body)
	if err != nil {
		return nil, err
	}

	var placed orderOutput
	if err := json.Unmarshal(output, &placed); err != nil {
		return nil, fmt.Errorf("kis: decode order output: %w", err)
	}

	return &domain.CallResult{
		ExchangeOrderID: placed.OrderNo,
		Status:          domain.CallStatusOpen,
		QtySats:         req.QtySats,
		PriceMicros:     req.PriceMicros,
		CreatedAt:       quant.Now(),
	}, nil
}

// CancelOrder cancels through the revise/cancel endpoint. The exchange
// reports "nothing left to cancel" as an ordinary rejection in the envelope,
// so a rejected cancel is cross-checked against the open-order inquiry: an
// order no longer in the open set already filled or was cancelled, which the
// taxonomy reports as gone.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*domain.CallResult, error) {
	body := cancelOrderBody{
		AccountNo:   c.accountNo,
		ProductCode: productCode,
		OrigOrderNo: exchangeOrderID,
		OrderType:   "00",
		CancelCode:  "02",
		Qty:         "0",
		Price:       "0",
		AllQty:      "Y",
	}

	output, err := c.call(ctx, http.MethodPost, pathOrderRvse, trIDCancel, nil, body)
	if err != nil {
		if domain.IsRejected(err) && !c.stillOpen(ctx, exchangeOrderID) {
			return nil, &domain.OrderGoneError{Exchange: c.name, ExchangeOrderID: exchangeOrderID}
		}
		return nil, err
	}

	var cancelled orderOutput
	if err := json.Unmarshal(output, &cancelled); err != nil {
		return nil, fmt.Errorf("kis: decode cancel output: %w", err)
	}

	return &domain.CallResult{
		ExchangeOrderID: exchangeOrderID,
		Status:          domain.CallStatusCancelled,
	}, nil
}

// GetOrder resolves an order through the open-order inquiry. An order absent
// from the open set has left the book, which the taxonomy reports as gone.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*domain.CallResult, error) {
	open, err := c.listOpen(ctx)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].OrderNo == exchangeOrderID {
			return c.toResult(&open[i])
		}
	}
	return nil, &domain.OrderGoneError{Exchange: c.name, ExchangeOrderID: exchangeOrderID}
}

func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]domain.CallResult, error) {
	stockCode := ""
	if symbol != "" {
		var err error
		stockCode, _, err = domain.SplitSymbol(symbol)
		if err != nil {
			return nil, err
		}
	}

	open, err := c.listOpen(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]domain.CallResult, 0, len(open))
	for i := range open {
		if stockCode != "" && open[i].StockCode != stockCode {
			continue
		}
		res, err := c.toResult(&open[i])
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// stillOpen reports whether the order remains in the open-order inquiry.
// Inquiry failures count as open so the original rejection surfaces.
func (c *Client) stillOpen(ctx context.Context, exchangeOrderID string) bool {
	open, err := c.listOpen(ctx)
	if err != nil {
		return true
	}
	for i := range open {
		if open[i].OrderNo == exchangeOrderID {
			return true
		}
	}
	return false
}

func (c *Client) listOpen(ctx context.Context) ([]openOrder, error) {
	query := url.Values{}
	query.Set("CANO", c.accountNo)
	query.Set("ACNT_PRDT_CD", productCode)
	query.Set("INQR_DVSN_1", "0")
	query.Set("INQR_DVSN_2", "0")
	query.Set("CTX_AREA_FK100", "")
	query.Set("CTX_AREA_NK100", "")

	output, err := c.call(ctx, http.MethodGet, pathOpenOrders, trIDOpenOrders, query, nil)
	if err != nil {
		return nil, err
	}

	var open []openOrder
	if err := json.Unmarshal(output, &open); err != nil {
		return nil, fmt.Errorf("kis: decode open orders: %w", err)
	}
	return open, nil
}

// call runs one authorized request, refreshing the bearer token once if the
// exchange reports it expired.
func (c *Client) call(ctx context.Context, method, path, trID string, query url.Values, reqBody any) (json.RawMessage, error) {
	output, err := c.callOnce(ctx, method, path, trID, query, reqBody)
	if isUnauthorized(err) {
		c.invalidateToken()
		return c.callOnce(ctx, method, path, trID, query, reqBody)
	}
	return output, err
}

func (c *Client) callOnce(ctx context.Context, method, path, trID string, query url.Values, reqBody any) (json.RawMessage, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if reqBody != nil {
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("kis: encode request: %w", err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	status, body, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("appkey", c.appKey)
		req.Header.Set("appsecret", c.appSecret)
		req.Header.Set("tr_id", trID)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotFound {
		return nil, &domain.OrderGoneError{Exchange: c.name}
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kis: HTTP %d: unexpected response %q", status, truncate(body))
	}

	if status != http.StatusOK || resp.RtCd != "0" {
		return nil, &domain.RejectedError{
			Exchange: c.name,
			Status:   status,
			Code:     resp.MsgCd,
			Message:  strings.TrimSpace(resp.Msg1),
		}
	}
	return resp.Output, nil
}

// authToken returns the cached token, requesting a fresh one when missing or
// close to expiry.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenMargin)) {
		return c.token, nil
	}

	payload, err := json.Marshal(tokenRequest{
		GrantType: "client_credentials",
		AppKey:    c.appKey,
		AppSecret: c.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("kis: encode token request: %w", err)
	}

	status, body, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathToken, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("kis: HTTP %d: decode token response: %w", status, err)
	}
	if status != http.StatusOK || resp.AccessToken == "" {
		msg := resp.ErrorDesc
		if msg == "" {
			msg = truncate(body)
		}
		return "", &domain.RejectedError{Exchange: c.name, Status: status, Message: msg}
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	c.token = resp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

func isUnauthorized(err error) bool {
	var rej *domain.RejectedError
	return errors.As(err, &rej) && rej.Status == http.StatusUnauthorized
}

func (c *Client) toResult(o *openOrder) (*domain.CallResult, error) {
	qty, err := quant.ParseQty(o.Qty)
	if err != nil {
		return nil, fmt.Errorf("kis: parse ord_qty %q: %w", o.Qty, err)
	}
	price, err := quant.ParsePrice(o.Price)
	if err != nil {
		return nil, fmt.Errorf("kis: parse ord_unpr %q: %w", o.Price, err)
	}

	return &domain.CallResult{
		ExchangeOrderID: o.OrderNo,
		Status:          domain.CallStatusOpen,
		QtySats:         qty,
		PriceMicros:     price,
	}, nil
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
