package engine

import (
	"copybot/internal/models"
)

type SkipReason string

const (
	SkipNone                 SkipReason = ""
	SkipNotComplete          SkipReason = "not_complete"
	SkipBlockedSymbol        SkipReason = "blocked_symbol"
	SkipNotAllowedSymbol     SkipReason = "symbol_not_allowed"
	SkipOrderTypeDisabled    SkipReason = "order_type_disabled"
	SkipUnsupportedOrderType SkipReason = "unsupported_order_type"
	SkipNoFollowers          SkipReason = "no_followers"
	SkipDeclined             SkipReason = "declined"
)

// IsEligible applies status, symbol and order-type rules in that order and names the first one that fails.
func IsEligible(order models.OrderRecord, settings models.CopySettings) (bool, SkipReason) {
	if order.Status != models.StatusComplete {
		return false, SkipNotComplete
	}

	if _, blocked := settings.BlockedSymbols[order.Symbol]; blocked {
		return false, SkipBlockedSymbol
	}
	if !settings.CopyAllOrders {
		if _, allowed := settings.AllowedSymbols[order.Symbol]; !allowed {
			return false, SkipNotAllowedSymbol
		}
	}

	var enabled bool
	switch {
	case order.OrderType == models.OrderTypeMarket:
		enabled = settings.CopyMarketOrders
	case order.OrderType == models.OrderTypeLimit:
		enabled = settings.CopyLimitOrders
	case order.OrderType.IsStop():
		enabled = settings.CopyStopOrders
	default:
		return false, SkipUnsupportedOrderType
	}
	if !enabled {
		return false, SkipOrderTypeDisabled
	}
	return true, SkipNone
}
