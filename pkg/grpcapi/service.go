package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "netfw.v1.Firewall"

// FirewallServer is the server side of the Firewall service. Every
// request and response is a JSON-shaped structpb.Struct carrying the same
// fields as the HTTP API bodies.
type FirewallServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Rollback(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDefaultAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetCurrentUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Clear(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDomainRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ObserveDNS(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryAllowed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Classify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(FirewallServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(FirewallServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(FirewallServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the Firewall service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FirewallServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", FirewallServer.Status),
		unary("GetRules", FirewallServer.GetRules),
		unary("SetRules", FirewallServer.SetRules),
		unary("CheckRules", FirewallServer.CheckRules),
		unary("Rollback", FirewallServer.Rollback),
		unary("SetDefaultAction", FirewallServer.SetDefaultAction),
		unary("SetCurrentUser", FirewallServer.SetCurrentUser),
		unary("Clear", FirewallServer.Clear),
		unary("SetDomainRules", FirewallServer.SetDomainRules),
		unary("ObserveDNS", FirewallServer.ObserveDNS),
		unary("QueryAllowed", FirewallServer.QueryAllowed),
		unary("Classify", FirewallServer.Classify),
		unary("ListEvents", FirewallServer.ListEvents),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "netfw/v1/firewall.proto",
}

// RegisterFirewallServer registers srv with s.
func RegisterFirewallServer(s grpc.ServiceRegistrar, srv FirewallServer) {
	s.RegisterService(&ServiceDesc, srv)
}
