package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "chatsync.v1.CacheService"

// CacheServer is the server API for the cache service. Requests and
// responses are structpb.Struct documents.
type CacheServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListContacts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// unary adapts a service method taking and returning a structpb.Struct to a
// grpc.MethodDesc.
func unary[S any](service, name string, call func(S, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// CacheServiceDesc describes the cache service for grpc.Server.
var CacheServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ServiceName, "GetStatus", CacheServer.GetStatus),
		unary(ServiceName, "SignIn", CacheServer.SignIn),
		unary(ServiceName, "ListContacts", CacheServer.ListContacts),
		unary(ServiceName, "ListMessages", CacheServer.ListMessages),
	},
	Metadata: "chatsync/v1/cache.proto",
}

// RegisterCacheServer registers srv on s.
func RegisterCacheServer(s grpc.ServiceRegistrar, srv CacheServer) {
	s.RegisterService(&CacheServiceDesc, srv)
}

// CacheClient calls the cache service.
type CacheClient struct {
	cc grpc.ClientConnInterface
}

func NewCacheClient(cc grpc.ClientConnInterface) *CacheClient {
	return &CacheClient{cc: cc}
}

func invoke(ctx context.Context, cc grpc.ClientConnInterface, service, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CacheClient) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.cc, ServiceName, method, in, opts...)
}

func (c *CacheClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetStatus", nil, opts...)
}

func (c *CacheClient) SignIn(ctx context.Context, email, password string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SignIn", map[string]any{"email": email, "password": password}, opts...)
}

// ListContacts lists cached contacts. A zero before means from the newest.
func (c *CacheClient) ListContacts(ctx context.Context, limit int, before string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in := map[string]any{"limit": limit}
	if before != "" {
		in["before"] = before
	}
	return c.invoke(ctx, "ListContacts", in, opts...)
}

// ListMessages lists cached messages of a contact. At most one of beforeID
// and afterID may be non-zero.
func (c *CacheClient) ListMessages(ctx context.Context, contactID, beforeID, afterID int64, limit int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in := map[string]any{"contact_id": contactID, "limit": limit}
	if beforeID > 0 {
		in["before_id"] = beforeID
	}
	if afterID > 0 {
		in["after_id"] = afterID
	}
	return c.invoke(ctx, "ListMessages", in, opts...)
}
