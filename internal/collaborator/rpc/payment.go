package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/checkout"
)

const paymentService = "fulfillment.payment.v1.Payment"

var paymentDesc = grpc.ServiceDesc{
	ServiceName: paymentService,
	HandlerType: (*checkout.PaymentService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(paymentService, "Charge", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			var req chargeRequest
			if err := decode(in, &req); err != nil {
				return nil, invalidArgument(err)
			}
			paymentID, err := srv.(checkout.PaymentService).Charge(ctx, req.OrderID, req.Amount)
			if err != nil {
				return nil, toStatus(err)
			}
			return encode(chargeResponse{PaymentID: paymentID})
		}),
		unaryMethod(paymentService, "Refund", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			var req refundRequest
			if err := decode(in, &req); err != nil {
				return nil, invalidArgument(err)
			}
			if err := srv.(checkout.PaymentService).Refund(ctx, req.OrderID, req.PaymentID); err != nil {
				return nil, toStatus(err)
			}
			return encode(ack{})
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fulfillment/payment/v1/payment.proto",
}

// RegisterPaymentServer serves svc over s.
func RegisterPaymentServer(s grpc.ServiceRegistrar, svc checkout.PaymentService) {
	s.RegisterService(&paymentDesc, svc)
}

// PaymentClient is the remote checkout.PaymentService.
type PaymentClient struct {
	cc grpc.ClientConnInterface
}

var _ checkout.PaymentService = (*PaymentClient)(nil)

func NewPaymentClient(cc grpc.ClientConnInterface) *PaymentClient {
	return &PaymentClient{cc: cc}
}

func (c *PaymentClient) Charge(ctx context.Context, orderID string, amount float64) (string, error) {
	var resp chargeResponse
	if err := invoke(ctx, c.cc, paymentService, "Charge", chargeRequest{OrderID: orderID, Amount: amount}, &resp); err != nil {
		return "", err
	}
	return resp.PaymentID, nil
}

func (c *PaymentClient) Refund(ctx context.Context, orderID, paymentID string) error {
	return invoke(ctx, c.cc, paymentService, "Refund", refundRequest{OrderID: orderID, PaymentID: paymentID}, &ack{})
}
