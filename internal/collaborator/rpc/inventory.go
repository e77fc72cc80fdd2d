package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/checkout"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
)

const inventoryService = "fulfillment.inventory.v1.Inventory"

var inventoryDesc = grpc.ServiceDesc{
	ServiceName: inventoryService,
	HandlerType: (*checkout.InventoryService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(inventoryService, "Reserve", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			var req reserveRequest
			if err := decode(in, &req); err != nil {
				return nil, invalidArgument(err)
			}
			items := make([]order.Item, len(req.Items))
			for i, it := range req.Items {
				items[i] = order.Item{
					ProductID:   it.ProductID,
					ProductName: it.ProductName,
					Quantity:    it.Quantity,
					UnitPrice:   it.UnitPrice,
				}
			}
			if err := srv.(checkout.InventoryService).Reserve(ctx, req.OrderID, items); err != nil {
				return nil, toStatus(err)
			}
			return encode(ack{})
		}),
		unaryMethod(inventoryService, "Release", func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			var req releaseRequest
			if err := decode(in, &req); err != nil {
				return nil, invalidArgument(err)
			}
			if err := srv.(checkout.InventoryService).Release(ctx, req.OrderID); err != nil {
				return nil, toStatus(err)
			}
			return encode(ack{})
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fulfillment/inventory/v1/inventory.proto",
}

// RegisterInventoryServer serves svc over s.
func RegisterInventoryServer(s grpc.ServiceRegistrar, svc checkout.InventoryService) {
	s.RegisterService(&inventoryDesc, svc)
}

// InventoryClient is the remote checkout.InventoryService.
type InventoryClient struct {
	cc grpc.ClientConnInterface
}

var _ checkout.InventoryService = (*InventoryClient)(nil)

func NewInventoryClient(cc grpc.ClientConnInterface) *InventoryClient {
	return &InventoryClient{cc: cc}
}

func (c *InventoryClient) Reserve(ctx context.Context, orderID string, items []order.Item) error {
	req := reserveRequest{OrderID: orderID, Items: make([]item, len(items))}
	for i, it := range items {
		req.Items[i] = item{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		}
	}
	return invoke(ctx, c.cc, inventoryService, "Reserve", req, &ack{})
}

func (c *InventoryClient) Release(ctx context.Context, orderID string) error {
	return invoke(ctx, c.cc, inventoryService, "Release", releaseRequest{OrderID: orderID}, &ack{})
}
