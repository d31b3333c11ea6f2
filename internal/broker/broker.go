package broker

import (
	"context"
	"copybot/internal/models"
)

// Session is an authenticated handle to one brokerage account.
type Session interface {
	Account() models.AccountDescriptor
	ListOrders(ctx context.Context) ([]models.OrderRecord, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error)
}

// Provider logs an account in and returns its session.
type Provider interface {
	Open(ctx context.Context, account models.AccountDescriptor) (Session, error)
}
