package models

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusPaid    OrderStatus = "paid"
)

type Order struct {
	ID     string      `json:"id"`
	Item   string      `json:"item"`
	Price  int64       `json:"price"`
	Status OrderStatus `json:"status"`
}

func (o Order) IsPending() bool {
	return o.Status == OrderStatusPending
}

type CreateOrderRequest struct {
	Item  string `json:"item"`
	Price int64  `json:"price"`
}

type PaymentRequest struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

type PaymentResponse struct {
	Message string `json:"message"`
	OrderID string `json:"order_id"`
}
