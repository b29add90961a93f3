package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ConversationServiceName is the fully-qualified gRPC service name.
const ConversationServiceName = "chatsync.v1.ConversationService"

// ConversationServer is the server API for live conversations. Every request
// carries a contact_id.
type ConversationServer interface {
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	LoadPrevious(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Edit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Block(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unblock(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ConversationServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ConversationServiceDesc describes the conversation service for grpc.Server.
var ConversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ConversationServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ConversationServiceName, "LoadPrevious", ConversationServer.LoadPrevious),
		unary(ConversationServiceName, "LoadMore", ConversationServer.LoadMore),
		unary(ConversationServiceName, "Send", ConversationServer.Send),
		unary(ConversationServiceName, "Retry", ConversationServer.Retry),
		unary(ConversationServiceName, "MarkRead", ConversationServer.MarkRead),
		unary(ConversationServiceName, "Edit", ConversationServer.Edit),
		unary(ConversationServiceName, "Delete", ConversationServer.Delete),
		unary(ConversationServiceName, "Block", ConversationServer.Block),
		unary(ConversationServiceName, "Unblock", ConversationServer.Unblock),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "chatsync/v1/conversation.proto",
}

// RegisterConversationServer registers srv on s.
func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&ConversationServiceDesc, srv)
}

// ConversationClient calls the conversation service.
type ConversationClient struct {
	cc grpc.ClientConnInterface
}

func NewConversationClient(cc grpc.ClientConnInterface) *ConversationClient {
	return &ConversationClient{cc: cc}
}

func (c *ConversationClient) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.cc, ConversationServiceName, method, in, opts...)
}

// Watch streams snapshots of a conversation: one right away and one after
// every change, until ctx ends or the daemon closes the conversation.
func (c *ConversationClient) Watch(ctx context.Context, contactID int64, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ConversationServiceDesc.Streams[0], "/"+ConversationServiceName+"/Watch", opts...)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"contact_id": contactID})
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *ConversationClient) LoadPrevious(ctx context.Context, contactID int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "LoadPrevious", map[string]any{"contact_id": contactID}, opts...)
}

func (c *ConversationClient) LoadMore(ctx context.Context, contactID int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "LoadMore", map[string]any{"contact_id": contactID}, opts...)
}

// Send queues text and returns its client id. Delivery shows up in Watch.
func (c *ConversationClient) Send(ctx context.Context, contactID int64, text string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Send", map[string]any{"contact_id": contactID, "text": text}, opts...)
}

func (c *ConversationClient) Retry(ctx context.Context, contactID int64, clientID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Retry", map[string]any{"contact_id": contactID, "client_id": clientID}, opts...)
}

// MarkRead acknowledges the other side's messages up to untilID.
func (c *ConversationClient) MarkRead(ctx context.Context, contactID, untilID int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "MarkRead", map[string]any{"contact_id": contactID, "until_id": untilID}, opts...)
}

func (c *ConversationClient) Edit(ctx context.Context, contactID, messageID int64, text string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Edit", map[string]any{"contact_id": contactID, "message_id": messageID, "text": text}, opts...)
}

func (c *ConversationClient) Delete(ctx context.Context, contactID, messageID int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Delete", map[string]any{"contact_id": contactID, "message_id": messageID}, opts...)
}

func (c *ConversationClient) Block(ctx context.Context, contactID int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Block", map[string]any{"contact_id": contactID}, opts...)
}

func (c *ConversationClient) Unblock(ctx context.Context, contactID int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Unblock", map[string]any{"contact_id": contactID}, opts...)
}
