// Package rpc is the gRPC transport between the orchestrator and the remote
// collaborators (inventory and payment). Messages are protobuf well-known
// Struct values carrying the JSON form of the request and response types
// below, and the service descriptors are declared by hand.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type item struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice,omitempty"`
}

type reserveRequest struct {
	OrderID string `json:"orderId"`
	Items   []item `json:"items"`
}

type releaseRequest struct {
	OrderID string `json:"orderId"`
}

type chargeRequest struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

type chargeResponse struct {
	PaymentID string `json:"paymentId"`
}

type refundRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
}

// ack is the empty success response.
type ack struct{}

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %T: %w", v, err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("rpc: encode %T: %w", v, err)
	}
	return st, nil
}

func decode(st *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("rpc: decode %T: %w", dst, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("rpc: decode %T: %w", dst, err)
	}
	return nil
}
