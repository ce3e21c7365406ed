package binance

// apiError is the error body every Binance endpoint returns on 4xx.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Codes meaning the referenced order no longer exists.
const (
	codeUnknownOrder = -2011 // cancel rejected, order unknown
	codeNoSuchOrder  = -2013 // order does not exist
)

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
	Time                int64  `json:"time"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// executionReportEvent is the user-data-stream order update. Binance uses
// single-letter field names on this stream.
type executionReportEvent struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	Side               string `json:"S"`
	OrderType          string `json:"o"`
	OriginalQuantity   string `json:"q"`
	Price              string `json:"p"`
	OrderStatus        string `json:"X"`
	OrderID            int64  `json:"i"`
	CumulativeQuantity string `json:"z"`
	CumulativeQuoteQty string `json:"Z"`
	TransactionTime    int64  `json:"T"`
}
