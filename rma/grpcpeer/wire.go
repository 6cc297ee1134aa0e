package grpcpeer

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cuemby/nod/rma"
)

// wireRequest is the single message shape every RMA operation is
// flattened into; Op selects which one. Unused fields for a given Op are
// left zero.
type wireRequest struct {
	Op      string
	Kind    rma.WindowKind
	Bytes   uint64
	Rank    int
	Offset  uint64
	Data    []byte
	Old     uint64
	New     uint64
	Delta32 uint32
	Delta64 uint64
	Vote    bool
}

// wireResponse is the single reply shape for every Op. Err carries a
// remote-side failure as a string rather than a gRPC status so that
// "operation failed" (e.g. out-of-range offset) and "transport failed"
// stay distinguishable to the caller.
type wireResponse struct {
	Data []byte
	U32  uint32
	U64  uint64
	Bool bool
	Err  string
}

// rmaServer is the interface the hand-authored ServiceDesc dispatches
// to; *Server implements it.
type rmaServer interface {
	execute(ctx context.Context, req *wireRequest) (*wireResponse, error)
}

// serviceDesc describes a single-method gRPC service with no .proto
// file behind it: one unary RPC, Execute, carrying wireRequest/
// wireResponse via the gob codec instead of generated message types.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "nod.rma.RMA",
	HandlerType: (*rmaServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nod/rma",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wireRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rmaServer).execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nod.rma.RMA/Execute"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(rmaServer).execute(ctx, req.(*wireRequest))
	}
	return interceptor(ctx, in, info, handler)
}
