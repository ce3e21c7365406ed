package kis

import "encoding/json"

// Transaction ids select the operation on shared endpoints.
const (
	trIDBuyCash    = "TTTC0802U"
	trIDSellCash   = "TTTC0801U"
	trIDCancel     = "TTTC0803U"
	trIDOpenOrders = "TTTC8036R"
)

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrorDesc   string `json:"error_description"`
}

// apiResponse is the common KIS envelope. rt_cd "0" means success; anything
// else carries msg_cd and msg1 describing the rejection.
type apiResponse struct {
	RtCd   string          `json:"rt_cd"`
	MsgCd  string          `json:"msg_cd"`
	Msg1   string          `json:"msg1"`
	Output json.RawMessage `json:"output"`
}

type orderOutput struct {
	BranchNo  string `json:"KRX_FWDG_ORD_ORGNO"`
	OrderNo   string `json:"ODNO"`
	OrderTime string `json:"ORD_TMD"`
}

type placeOrderBody struct {
	AccountNo   string `json:"CANO"`
	ProductCode string `json:"ACNT_PRDT_CD"`
	StockCode   string `json:"PDNO"`
	OrderType   string `json:"ORD_DVSN"` // 00 limit, 01 market
	Qty         string `json:"ORD_QTY"`
	Price       string `json:"ORD_UNPR"`
}

type cancelOrderBody struct {
	AccountNo   string `json:"CANO"`
	ProductCode string `json:"ACNT_PRDT_CD"`
	BranchNo    string `json:"KRX_FWDG_ORD_ORGNO"`
	OrigOrderNo string `json:"ORGN_ODNO"`
	OrderType   string `json:"ORD_DVSN"`
	CancelCode  string `json:"RVSE_CNCL_DVSN_CD"` // 02 cancel
	Qty         string `json:"ORD_QTY"`
	Price       string `json:"ORD_UNPR"`
	AllQty      string `json:"QTY_ALL_ORD_YN"`
}

type openOrder struct {
	OrderNo   string `json:"odno"`
	StockCode string `json:"pdno"`
	SideCode  string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
	Qty       string `json:"ord_qty"`
	Price     string `json:"ord_unpr"`
	OrderTime string `json:"ord_tmd"`
}
