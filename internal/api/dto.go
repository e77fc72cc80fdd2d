package api

import "time"

type CreateOrderRequest struct {
	UserID  string               `json:"user_id"`
	Channel string               `json:"channel,omitempty"`
	Items   []CreateOrderItemDTO `json:"items"`
}

type CreateOrderItemDTO struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
}

type CreateOrderResponse struct {
	SagaID  string `json:"saga_id"`
	OrderID string `json:"order_id"`
	Outcome string `json:"outcome"`
}

type OrderResponse struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	StatusText   string    `json:"status_text"`
	Total        float64   `json:"total"`
	ItemCount    int       `json:"item_count"`
	ProductNames string    `json:"product_names"`
	PaymentID    string    `json:"payment_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type SagaResponse struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Outcome     string         `json:"outcome"`
	Message     string         `json:"message"`
	CurrentStep int            `json:"current_step"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	TimeoutAt   time.Time      `json:"timeout_at"`
	Steps       []StepResponse `json:"steps"`
}

type StepResponse struct {
	Name        string     `json:"name"`
	Order       int        `json:"order"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type SyncAllResponse struct {
	Synced int    `json:"synced"`
	Error  string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
