package smartapi

import (
	"context"
	"copybot/internal/broker"
	"copybot/internal/models"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	orderBookPath  = "/rest/secure/angelbroking/order/v1/getOrderBook"
	placeOrderPath = "/rest/secure/angelbroking/order/v1/placeOrder"
)

type Session struct {
	provider     *Provider
	account      models.AccountDescriptor
	jwtToken     string
	refreshToken string
	feedToken    string
	expiresAt    time.Time
}

func (s *Session) Account() models.AccountDescriptor {
	return s.account
}

func (s *Session) ExpiresAt() time.Time {
	return s.expiresAt
}

func (s *Session) ListOrders(ctx context.Context) ([]models.OrderRecord, error) {
	var resp apiResponse[[]orderBookItem]
	if err := s.provider.doRequest(ctx, http.MethodGet, orderBookPath, s.account.APIKey, s.jwtToken, nil, &resp); err != nil {
		return nil, err
	}

	orders := make([]models.OrderRecord, 0, len(resp.Data))
	for _, item := range resp.Data {
		order, err := item.toRecord()
		if err != nil {
			s.provider.log.WithComponent("smartapi").WithError(err).WithField("order_id", item.OrderID).Warn("Не удалось разобрать ордер из книги ордеров.")
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (s *Session) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	body := map[string]string{
		"variety":         req.Variety,
		"tradingsymbol":   req.Symbol,
		"symboltoken":     req.SymbolToken,
		"transactiontype": string(req.TransactionType),
		"exchange":        req.Exchange,
		"ordertype":       string(req.OrderType),
		"producttype":     req.ProductType,
		"duration":        req.Duration,
		"price":           req.Price.String(),
		"squareoff":       "0",
		"stoploss":        "0",
		"quantity":        strconv.Itoa(req.Quantity),
	}
	if !req.TriggerPrice.IsZero() {
		body["triggerprice"] = req.TriggerPrice.String()
	}

	var resp apiResponse[placeOrderData]
	if err := s.provider.doRequest(ctx, http.MethodPost, placeOrderPath, s.account.APIKey, s.jwtToken, body, &resp); err != nil {
		return "", err
	}
	if resp.Data.OrderID == "" {
		return "", &broker.Error{Kind: broker.KindRejected, Op: "placeOrder", Message: "Брокер не вернул orderid"}
	}
	return resp.Data.OrderID, nil
}

func (item orderBookItem) toRecord() (models.OrderRecord, error) {
	price, err := item.Price.decimal()
	if err != nil {
		return models.OrderRecord{}, fmt.Errorf("Некорректное значение price=%q: %w", item.Price, err)
	}
	trigger, err := item.TriggerPrice.decimal()
	if err != nil {
		return models.OrderRecord{}, fmt.Errorf("Некорректное значение triggerprice=%q: %w", item.TriggerPrice, err)
	}
	qty, err := item.Quantity.decimal()
	if err != nil {
		return models.OrderRecord{}, fmt.Errorf("Некорректное значение quantity=%q: %w", item.Quantity, err)
	}

	return models.OrderRecord{
		OrderID:         item.OrderID,
		Symbol:          item.TradingSymbol,
		SymbolToken:     item.SymbolToken,
		Exchange:        item.Exchange,
		TransactionType: models.TransactionType(item.TransactionType),
		OrderType:       models.OrderType(item.OrderType),
		ProductType:     item.ProductType,
		Variety:         item.Variety,
		Duration:        item.Duration,
		Quantity:        int(qty.IntPart()),
		Price:           price,
		TriggerPrice:    trigger,
		Status:          item.Status,
		Text:            item.Text,
	}, nil
}
