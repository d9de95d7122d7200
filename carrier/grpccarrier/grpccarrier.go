// Package grpccarrier carries the transaction context in gRPC metadata and runs intercepted gRPC methods
// through a tcc.Interceptor.
package grpccarrier

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/qbixus/tcc-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

const (
	// Name is the carrier name to register the Carrier under and to put into tcc.CallSite.Carrier.
	Name = "grpc"
	// MetadataKey is the metadata key holding the encoded transaction context.
	MetadataKey = "tcc-transaction-context"
)

// Carrier reads the transaction context from incoming metadata and attaches it to outgoing metadata.
type Carrier struct{}

var (
	_ tcc.ContextCarrier = Carrier{}
	_ tcc.Detacher       = Carrier{}
)

// Get implements [tcc.ContextCarrier.Get].
func (Carrier) Get(ctx context.Context, _ *tcc.Invocation) (*tcc.TransactionContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, nil
	}
	values := md.Get(MetadataKey)
	if len(values) == 0 {
		return nil, nil
	}
	tc, err := tcc.DecodeTransactionContext([]byte(values[len(values)-1]))
	if err != nil {
		return nil, err
	}
	return &tc, nil
}

// Set implements [tcc.ContextCarrier.Set]. A context already set on ctx is replaced.
func (Carrier) Set(ctx context.Context, tc tcc.TransactionContext, _ *tcc.Invocation) (context.Context, error) {
	data, err := tcc.EncodeTransactionContext(tc)
	if err != nil {
		return ctx, err
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(MetadataKey, string(data))
	return metadata.NewOutgoingContext(ctx, md), nil
}

// Detach implements [tcc.Detacher.Detach].
func (Carrier) Detach(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok || len(md.Get(MetadataKey)) == 0 {
		return ctx
	}
	md = md.Copy()
	md.Delete(MetadataKey)
	return metadata.NewIncomingContext(ctx, md)
}

func outgoing(ctx context.Context) bool {
	md, ok := metadata.FromOutgoingContext(ctx)
	return ok && len(md.Get(MetadataKey)) > 0
}

// UnaryServerInterceptor runs the methods listed in sites, keyed by full method name, through ic. Other
// methods are handled as is.
func UnaryServerInterceptor(ic *tcc.Interceptor, sites map[string]tcc.CallSite) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		site, ok := sites[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}
		site, err := bindArgs(site, req)
		if err != nil {
			return nil, err
		}
		return tcc.Intercept(ctx, ic, site, func(ctx context.Context) (any, error) {
			return handler(ctx, req)
		})
	}
}

// UnaryClientInterceptor runs the outgoing calls listed in sites through ic. Within an active transaction
// such a call enlists the remote branch, whose confirm and cancel are usually the same method. Calls that
// already carry a transaction context, like the confirm and cancel deliveries themselves, pass through.
func UnaryClientInterceptor(ic *tcc.Interceptor, sites map[string]tcc.CallSite) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		site, ok := sites[method]
		if !ok || outgoing(ctx) {
			return invoker(ctx, method, req, reply, cc, opts...)
		}
		site, err := bindArgs(site, req)
		if err != nil {
			return err
		}
		_, err = tcc.Intercept(ctx, ic, site, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, invoker(ctx, method, req, reply, cc, opts...)
		})
		return err
	}
}

func bindArgs(site tcc.CallSite, req any) (tcc.CallSite, error) {
	if (site.Confirm.IsNoop() || site.Confirm.Args != nil) && (site.Cancel.IsNoop() || site.Cancel.Args != nil) {
		return site, nil
	}
	args, err := json.Marshal(req)
	if err != nil {
		return site, fmt.Errorf("%w: encode %v arguments: %w", tcc.ErrSystem, site, err)
	}
	if !site.Confirm.IsNoop() && site.Confirm.Args == nil {
		site.Confirm.Args = args
	}
	if !site.Cancel.IsNoop() && site.Cancel.Args == nil {
		site.Cancel.Args = args
	}
	return site, nil
}

// Codec encodes messages as JSON. Services registered with Register and Targets returned by NewTarget
// exchange json.RawMessage values with it.
var Codec encoding.Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "tcc-json" }

// Target is a tcc.Target calling the methods of a remote gRPC service.
type Target struct {
	conn    grpc.ClientConnInterface
	service string
}

var _ tcc.Target = &Target{}

func NewTarget(conn grpc.ClientConnInterface, service string) *Target {
	return &Target{conn: conn, service: service}
}

// Invoke implements [tcc.Target.Invoke].
func (t *Target) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	if args == nil {
		args = json.RawMessage("null")
	}
	var reply json.RawMessage
	if err := t.conn.Invoke(ctx, FullMethod(t.service, method), args, &reply, grpc.ForceCodec(Codec)); err != nil {
		return nil, err
	}
	return reply, nil
}

// FullMethod returns the gRPC method name of method of service.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Register serves methods as the gRPC service named service. The server must use Codec, see
// grpc.ForceServerCodec.
func Register(s grpc.ServiceRegistrar, service string, methods tcc.Methods) {
	desc := grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*tcc.Target)(nil),
	}
	for name := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    handler(service, name),
		})
	}
	s.RegisterService(&desc, methods)
}

func handler(service, method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		var args json.RawMessage
		if err := dec(&args); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return srv.(tcc.Target).Invoke(ctx, method, req.(json.RawMessage))
		}
		if interceptor == nil {
			return call(ctx, args)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(service, method)}
		return interceptor(ctx, args, info, call)
	}
}
