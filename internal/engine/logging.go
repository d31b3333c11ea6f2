package engine

import (
	"copybot/internal/models"

	"github.com/sirupsen/logrus"
)

func (e *Engine) logEntry() *logrus.Entry {
	entry := e.log.WithComponent("engine")
	if e.pool != nil && e.pool.MasterName() != "" {
		entry = entry.WithField("master", e.pool.MasterName())
	}
	return entry
}

func (e *Engine) logOrder(order models.OrderRecord) *logrus.Entry {
	return e.logEntry().WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"symbol":   order.Symbol,
		"side":     order.TransactionType,
		"type":     order.OrderType,
		"qty":      order.Quantity,
		"price":    order.Price.String(),
		"status":   order.Status,
	})
}
