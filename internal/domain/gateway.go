package domain

import "context"

// OrderSide distinguishes buys from sells.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects limit vs market execution at the broker.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderRequest is a single order submitted to the broker gateway.
type OrderRequest struct {
	OwnerID  string
	Symbol   string
	Side     OrderSide
	Quantity int64
	Price    float64
	Type     OrderType
}

// OrderResult is the gateway's response to an order submission.
type OrderResult struct {
	Success     bool
	OrderID     string
	FilledPrice float64
	Message     string
}

// Holding is one position as reported by the broker, used to reconcile fills
// the engine did not itself record.
type Holding struct {
	Symbol   string
	Quantity int64
	AvgPrice float64
}

// OrderGateway is the contract the engine requires from the broker client.
// Implementations may block on the network; every method takes a context and
// must honor its deadline.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetOpenHoldings(ctx context.Context, ownerID string) ([]Holding, error)
}

// SnapshotSource provides the latest published score snapshot. The engine is
// responsible for checking freshness before acting on it.
type SnapshotSource interface {
	Latest(ctx context.Context) (Snapshot, error)
}
