package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AccountRole string
type TransactionType string
type OrderType string

const (
	RoleMaster   AccountRole = "master"
	RoleFollower AccountRole = "follower"

	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"

	OrderTypeMarket         OrderType = "MARKET"
	OrderTypeLimit          OrderType = "LIMIT"
	OrderTypeStopLoss       OrderType = "STOPLOSS"
	OrderTypeStopLossLimit  OrderType = "STOPLOSS_LIMIT"
	OrderTypeStopLossMarket OrderType = "STOPLOSS_MARKET"

	StatusComplete = "complete"
)

// IsStop reports whether the order type belongs to the stop-loss family.
func (t OrderType) IsStop() bool {
	switch t {
	case OrderTypeStopLoss, OrderTypeStopLossLimit, OrderTypeStopLossMarket:
		return true
	}
	return false
}

type AccountDescriptor struct {
	Name       string      `json:"name"`
	Role       AccountRole `json:"role"`
	ClientID   string      `json:"client_id"`
	APIKey     string      `json:"-"`
	Password   string      `json:"-"`
	TOTPSecret string      `json:"-"`
	SecretKey  string      `json:"-"`
}

// Validate lists every missing credential of the account at once.
func (a AccountDescriptor) Validate() error {
	var missing []string
	if a.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if a.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if a.Password == "" {
		missing = append(missing, "password")
	}
	if a.TOTPSecret == "" {
		missing = append(missing, "totp_secret")
	}
	if a.SecretKey == "" {
		missing = append(missing, "secret_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("Аккаунт %q: не заполнены поля %s", a.Name, strings.Join(missing, ", "))
	}
	return nil
}

func (a AccountDescriptor) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"name":            a.Name,
		"role":            a.Role,
		"client_id":       a.ClientID,
		"has_api_key":     a.APIKey != "",
		"has_password":    a.Password != "",
		"has_totp_secret": a.TOTPSecret != "",
		"has_secret_key":  a.SecretKey != "",
	}
}

type OrderRecord struct {
	OrderID         string          `json:"order_id"`
	Symbol          string          `json:"symbol"`
	SymbolToken     string          `json:"symbol_token"`
	Exchange        string          `json:"exchange"`
	TransactionType TransactionType `json:"transaction_type"`
	OrderType       OrderType       `json:"order_type"`
	ProductType     string          `json:"product_type"`
	Variety         string          `json:"variety"`
	Duration        string          `json:"duration"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
	Status          string          `json:"status"`
	Text            string          `json:"text,omitempty"`
}

type OrderRequest struct {
	Symbol          string          `json:"symbol"`
	SymbolToken     string          `json:"symbol_token"`
	Exchange        string          `json:"exchange"`
	TransactionType TransactionType `json:"transaction_type"`
	OrderType       OrderType       `json:"order_type"`
	ProductType     string          `json:"product_type"`
	Variety         string          `json:"variety"`
	Duration        string          `json:"duration"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
}

// RequestFromRecord copies the master order onto a follower request with the given quantity.
func RequestFromRecord(order OrderRecord, qty int) OrderRequest {
	variety := order.Variety
	if variety == "" {
		variety = "NORMAL"
	}
	duration := order.Duration
	if duration == "" {
		duration = "DAY"
	}
	return OrderRequest{
		Symbol:          order.Symbol,
		SymbolToken:     order.SymbolToken,
		Exchange:        order.Exchange,
		TransactionType: order.TransactionType,
		OrderType:       order.OrderType,
		ProductType:     order.ProductType,
		Variety:         variety,
		Duration:        duration,
		Quantity:        qty,
		Price:           order.Price,
		TriggerPrice:    order.TriggerPrice,
	}
}

type CopySettings struct {
	DryRun              bool                `json:"dry_run"`
	CopyAllOrders       bool                `json:"copy_all_orders"`
	AllowedSymbols      map[string]struct{} `json:"-"`
	BlockedSymbols      map[string]struct{} `json:"-"`
	CopyMarketOrders    bool                `json:"copy_market_orders"`
	CopyLimitOrders     bool                `json:"copy_limit_orders"`
	CopyStopOrders      bool                `json:"copy_stop_orders"`
	UseFixedQuantity    bool                `json:"use_fixed_quantity"`
	FixedQuantity       int                 `json:"fixed_quantity"`
	QuantityMultiplier  float64             `json:"quantity_multiplier"`
	RequireConfirmation bool                `json:"require_confirmation"`
}

func DefaultCopySettings() CopySettings {
	return CopySettings{
		DryRun:             true,
		CopyAllOrders:      true,
		AllowedSymbols:     map[string]struct{}{},
		BlockedSymbols:     map[string]struct{}{},
		CopyMarketOrders:   true,
		CopyLimitOrders:    true,
		CopyStopOrders:     true,
		QuantityMultiplier: 1.0,
	}
}

func SymbolSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	return set
}

type CopyRecord struct {
	Timestamp       time.Time       `json:"timestamp"`
	MasterOrderID   string          `json:"master_order_id"`
	Symbol          string          `json:"symbol"`
	TransactionType TransactionType `json:"transaction_type"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	FollowerName    string          `json:"follower"`
	Success         bool            `json:"success"`
	FollowerOrderID *string         `json:"follower_order_id"`
	Error           *string         `json:"error"`
	DryRun          bool            `json:"dry_run"`
}

type Summary struct {
	Total       int     `json:"total_copies"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}
