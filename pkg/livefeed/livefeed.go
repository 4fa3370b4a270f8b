// Package livefeed describes the live dashboard feed served by the backend
// over gRPC and provides a client for it. Messages are
// google.protobuf.Struct values, so no generated code is involved.
package livefeed

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "smartmeter.LiveFeed"
	// LiveDataMethod is the full method name of the LiveData call.
	LiveDataMethod = "/" + ServiceName + "/LiveData"
	// TokenKey is the metadata key carrying the shared live token.
	TokenKey = "token"
)

// Server is the server API of the live feed.
type Server interface {
	// LiveData takes {"groups": [ids]} and returns {"groups": [...]}.
	LiveData(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func liveDataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).LiveData(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: LiveDataMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).LiveData(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc of the live feed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "LiveData",
			Handler:    liveDataHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "smartmeter/livefeed.proto",
}

// RegisterServer registers the live feed implementation with s.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// Participant is a recently active participant of a live group.
type Participant struct {
	ID          uint   `json:"pk"`
	TotalImport string `json:"ti"`
	TotalExport string `json:"te"`
	TotalGas    string `json:"tg"`
	ActualPower string `json:"p"`
	ActualGas   string `json:"g"`
	ActualSolar string `json:"s"`
}

// Group is the live state of one group.
type Group struct {
	Recent []Participant `json:"r"`
	Participant
}

// Client calls the live feed.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewClient creates a client on an established connection.
func NewClient(conn grpc.ClientConnInterface, token string) (*Client, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	return &Client{conn: conn, token: token}, nil
}

// LiveData fetches the live state of the given groups. Groups that are
// not live are left out of the answer.
func (c *Client) LiveData(ctx context.Context, ids []uint) ([]Group, error) {
	values := make([]any, 0, len(ids))
	for _, id := range ids {
		values = append(values, float64(id))
	}
	req, err := structpb.NewStruct(map[string]any{"groups": values})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx, TokenKey, c.token)
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, LiveDataMethod, req, resp); err != nil {
		return nil, err
	}
	return DecodeGroups(resp)
}
