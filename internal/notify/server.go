package notify

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/petrijr/waterflow/pkg/api"
)

// NotifierServer is implemented by notification receivers.
type NotifierServer interface {
	Notify(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// ReceiverFunc handles decoded notifications. Returning an error makes the
// sender retry.
type ReceiverFunc func(ctx context.Context, n *api.Notification) error

// Notify implements NotifierServer.
func (f ReceiverFunc) Notify(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	n, err := Decode(req)
	if err != nil {
		return nil, err
	}
	if err := f(ctx, n); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// RegisterNotifierServer registers srv on s.
func RegisterNotifierServer(s grpc.ServiceRegistrar, srv NotifierServer) {
	s.RegisterService(&notifierServiceDesc, srv)
}

func notifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NotifierServer).Notify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NotifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NotifierServer).Notify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var notifierServiceDesc = grpc.ServiceDesc{
	ServiceName: "waterflow.v1.Notifier",
	HandlerType: (*NotifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Notify", Handler: notifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "waterflow/v1/notifier.proto",
}
