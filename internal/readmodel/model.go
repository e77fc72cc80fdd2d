// Package readmodel keeps the denormalized order view in step with the
// order write model. Delivered events are applied at most once per event
// id; the repair tools recompute views straight from the write model.
package readmodel

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
)

var ErrNotFound = errors.New("readmodel: order view not found")

// OrderView is one row of the read model.
type OrderView struct {
	OrderID      string    `json:"orderId"`
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
	StatusText   string    `json:"statusText"`
	TotalAmount  float64   `json:"totalAmount"`
	ItemCount    int       `json:"itemCount"`
	ProductNames string    `json:"productNames"`
	PaymentID    string    `json:"paymentId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	SyncedAt     time.Time `json:"syncedAt"`
}

// Project derives the view of o. ItemCount is the number of order lines.
func Project(o *order.Order, now time.Time) OrderView {
	names := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		names = append(names, it.ProductName)
	}
	return OrderView{
		OrderID:      o.ID,
		UserID:       o.UserID,
		Status:       string(o.Status),
		StatusText:   o.Status.Text(),
		TotalAmount:  o.TotalAmount,
		ItemCount:    len(o.Items),
		ProductNames: strings.Join(names, ", "),
		PaymentID:    o.PaymentID,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		SyncedAt:     now,
	}
}

type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncSuccess SyncStatus = "SUCCESS"
	SyncFailed  SyncStatus = "FAILED"
)

// SyncRecord marks one event as applied (or attempted) to the read model.
type SyncRecord struct {
	OrderID      string
	EventID      string
	EventType    string
	Status       SyncStatus
	RetryCount   int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProjectionError reports an event that reached the synchronizer but could
// not be applied. The broker redelivers it.
type ProjectionError struct {
	EventID string
	OrderID string
	Err     error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("readmodel: project event %s for order %s: %v", e.EventID, e.OrderID, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

type InconsistencyKind string

const (
	MissingRead   InconsistencyKind = "MISSING_READ"
	FieldMismatch InconsistencyKind = "FIELD_MISMATCH"
	OrphanRead    InconsistencyKind = "ORPHAN_READ"
)

type Inconsistency struct {
	OrderID  string            `json:"orderId"`
	Kind     InconsistencyKind `json:"kind"`
	Field    string            `json:"field,omitempty"`
	Expected string            `json:"expected,omitempty"`
	Actual   string            `json:"actual,omitempty"`
}

type RepairReport struct {
	Found    int      `json:"found"`
	Repaired int      `json:"repaired"`
	Deleted  int      `json:"deleted"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// diff lists the fields in which actual departs from expected. Sync
// timestamps are not compared.
func diff(expected, actual OrderView) []Inconsistency {
	var out []Inconsistency
	add := func(field, want, got string) {
		if want != got {
			out = append(out, Inconsistency{
				OrderID:  expected.OrderID,
				Kind:     FieldMismatch,
				Field:    field,
				Expected: want,
				Actual:   got,
			})
		}
	}
	add("userId", expected.UserID, actual.UserID)
	add("status", expected.Status, actual.Status)
	add("statusText", expected.StatusText, actual.StatusText)
	add("itemCount", fmt.Sprint(expected.ItemCount), fmt.Sprint(actual.ItemCount))
	add("productNames", expected.ProductNames, actual.ProductNames)
	add("paymentId", expected.PaymentID, actual.PaymentID)
	if math.Abs(expected.TotalAmount-actual.TotalAmount) > 0.005 {
		add("totalAmount", fmt.Sprintf("%.2f", expected.TotalAmount), fmt.Sprintf("%.2f", actual.TotalAmount))
	}
	return out
}
