package bitget

import "encoding/json"

// envelope is the common Bitget V2 response wrapper. Errors arrive with a
// non-success code even when the HTTP status is 200.
type envelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

const codeOK = "00000"

// Codes meaning the order no longer exists on the exchange.
var orderGoneCodes = map[string]bool{
	"43001": true, // order does not exist
	"43025": true, // order already cancelled or filled
}

type placeOrderRequest struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Force     string `json:"force,omitempty"`
	Price     string `json:"price,omitempty"`
	Size      string `json:"size"`
}

type cancelOrderRequest struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"orderId"`
}

type orderIDData struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

type orderDetail struct {
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	BaseVolume string `json:"baseVolume"`
	PriceAvg   string `json:"priceAvg"`
	Status     string `json:"status"`
	CTime      string `json:"cTime"`
}
