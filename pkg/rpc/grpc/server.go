package grpc

import (
    "context"
    "errors"
    "log"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
    "github.com/amirimatin/go-rpcpool/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-rpcpool/pkg/observability/metrics"
    "github.com/amirimatin/go-rpcpool/pkg/observability/tracing"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

// ServiceName is the fully qualified name of the chain service.
const ServiceName = "rpcpool.v1.Node"

const (
    methodGetHeight      = "/" + ServiceName + "/GetHeight"
    methodGetBlockHeader = "/" + ServiceName + "/GetBlockHeader"
)

// messages carried by the JSON codec
type empty struct{}
type heightRequest struct{ Height uint64 `json:"height"` }
type heightReply struct {
    Height uint64     `json:"height"`
    Hash   chain.Hash `json:"hash"`
}
type headerReply struct {
    Height uint64                    `json:"height"`
    Hash   chain.Hash                `json:"hash"`
    Header chain.ExtendedBlockHeader `json:"header"`
}

type nodeServer interface {
    GetHeight(ctx context.Context, in *empty) (*heightReply, error)
    GetBlockHeader(ctx context.Context, in *heightRequest) (*headerReply, error)
}

type nodeImpl struct{ reader rpc.ChainReader }

func (n *nodeImpl) GetHeight(ctx context.Context, _ *empty) (*heightReply, error) {
    obsmetrics.ServerRequests.WithLabelValues("grpc", "get_height").Inc()
    ctx, end := tracing.StartSpan(ctx, "grpc.server.get_height")
    defer end()
    h, top, err := n.reader.ChainHeight(ctx)
    if err != nil { return nil, status.Error(codes.Internal, err.Error()) }
    return &heightReply{Height: h, Hash: top}, nil
}

func (n *nodeImpl) GetBlockHeader(ctx context.Context, in *heightRequest) (*headerReply, error) {
    if in == nil { in = &heightRequest{} }
    obsmetrics.ServerRequests.WithLabelValues("grpc", "get_block_header").Inc()
    ctx, end := tracing.StartSpan(ctx, "grpc.server.get_block_header")
    defer end()
    hdr, hash, err := n.reader.BlockHeader(ctx, in.Height)
    if errors.Is(err, rpc.ErrNotFound) { return nil, status.Error(codes.NotFound, err.Error()) }
    if err != nil { return nil, status.Error(codes.Internal, err.Error()) }
    return &headerReply{Height: in.Height, Hash: hash, Header: hdr}, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Node_serviceDesc = grpc.ServiceDesc{
    ServiceName: ServiceName,
    HandlerType: (*nodeServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetHeight", Handler: _Node_GetHeight_Handler},
        {MethodName: "GetBlockHeader", Handler: _Node_GetBlockHeader_Handler},
    },
}

func _Node_GetHeight_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(nodeServer).GetHeight(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetHeight}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(nodeServer).GetHeight(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Node_GetBlockHeader_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(heightRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(nodeServer).GetBlockHeader(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetBlockHeader}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(nodeServer).GetBlockHeader(ctx, req.(*heightRequest))
    }
    return interceptor(ctx, in, info, handler)
}

// Server serves a local chain over the Node service plus the standard gRPC
// health service.
type Server struct {
    bind   string
    logger *log.Logger

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
}

func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// Start listens and serves reader until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context, reader rpc.ChainReader) error {
    if reader == nil { return errors.New("grpc: nil ChainReader") }
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    srv := grpc.NewServer(
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    )
    hs := health.NewServer()
    hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&_Node_serviceDesc, &nodeImpl{reader: reader})

    s.mu.Lock()
    s.lis, s.srv, s.health = lis, srv, hs
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(c)
    }()
    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            logutil.Errorf(s.logger, "grpc: server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "grpc: serving %s on %s", ServiceName, lis.Addr())
    return nil
}

// Addr returns the listening address once started, else the configured bind.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop drains in-flight calls, falling back to a hard stop when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, hs := s.srv, s.health
    s.srv, s.health = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    hs.Shutdown()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}
