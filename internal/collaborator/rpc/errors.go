package rpc

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/checkout"
)

var businessErrors = []struct {
	err  error
	code codes.Code
}{
	{checkout.ErrUnknownProduct, codes.NotFound},
	{checkout.ErrInsufficientStock, codes.ResourceExhausted},
	{checkout.ErrPaymentDeclined, codes.FailedPrecondition},
}

// toStatus maps collaborator errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	for _, b := range businessErrors {
		if errors.Is(err, b.err) {
			return status.Error(b.code, err.Error())
		}
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

func invalidArgument(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

// fromStatus restores the business sentinel a server reported.
func fromStatus(method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	for _, b := range businessErrors {
		if st.Code() == b.code {
			return fmt.Errorf("rpc %s: %w: %s", method, b.err, st.Message())
		}
	}
	return fmt.Errorf("rpc %s: %w", method, err)
}
