package smartapi

import (
	"bytes"
	"strings"

	"github.com/shopspring/decimal"
)

type apiResponse[T any] struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorcode"`
	Data      T      `json:"data"`
}

func (r *apiResponse[T]) outcome() (bool, string, string) {
	return r.Status, r.Message, r.ErrorCode
}

type envelope interface {
	outcome() (ok bool, message, code string)
}

type loginData struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

type orderBookItem struct {
	OrderID         string     `json:"orderid"`
	Variety         string     `json:"variety"`
	OrderType       string     `json:"ordertype"`
	ProductType     string     `json:"producttype"`
	Duration        string     `json:"duration"`
	Price           flexNumber `json:"price"`
	TriggerPrice    flexNumber `json:"triggerprice"`
	Quantity        flexNumber `json:"quantity"`
	TradingSymbol   string     `json:"tradingsymbol"`
	TransactionType string     `json:"transactiontype"`
	Exchange        string     `json:"exchange"`
	SymbolToken     string     `json:"symboltoken"`
	Status          string     `json:"status"`
	Text            string     `json:"text"`
}

type placeOrderData struct {
	OrderID       string `json:"orderid"`
	UniqueOrderID string `json:"uniqueorderid"`
}

// flexNumber accepts both 12.5 and "12.5"; SmartAPI is not consistent about quoting.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	*n = flexNumber(strings.Trim(string(data), `"`))
	return nil
}

func (n flexNumber) decimal() (decimal.Decimal, error) {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
