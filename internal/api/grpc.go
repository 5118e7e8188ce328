package api

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"fillsim/internal/runner"
)

// Service and method names of the fill engine RPC.
const (
	ServiceName = "fillsim.v1.FillEngine"
	RunMethod   = "/" + ServiceName + "/Run"
)

// FillEngineServer is implemented by anything that can serve Run calls.
type FillEngineServer interface {
	Run(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// FillEngineServiceDesc describes the service for grpc.Server.
var FillEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FillEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fillsim/v1/fill_engine.proto",
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FillEngineServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FillEngineServer).Run(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Service runs backtests on behalf of remote callers. A run id can only be
// in flight once; the runner refuses to rewrite finished runs.
type Service struct {
	runner *runner.Runner
	log    *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewService creates a Service backed by r.
func NewService(r *runner.Runner, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{runner: r, log: log, active: make(map[string]struct{})}
}

// RegisterGRPC registers the service with a gRPC server.
func (s *Service) RegisterGRPC(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&FillEngineServiceDesc, s)
}

// Run executes one backtest. The run status travels in the response even
// when the run failed; gRPC errors are reserved for bad requests.
func (s *Service) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.RunID != "" {
		if !s.claim(req.RunID) {
			return nil, status.Errorf(codes.Aborted, "run %s is already in progress", req.RunID)
		}
		defer s.release(req.RunID)
	}

	s.log.Info("rpc run", "run_id", req.RunID, "intents", req.IntentsPath)
	st := s.runner.Run(ctx, req)
	out, err := EncodeStatus(st)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
